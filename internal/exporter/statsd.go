package exporter

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/Guliveer/vitalis/monitor/internal/models"
)

// maxStatsDPacket keeps datagrams below a typical Ethernet MTU.
const maxStatsDPacket = 1432

// StatsDConfig configures the StatsD exporter.
type StatsDConfig struct {
	// Address is the host:port of the StatsD daemon.
	Address string

	// Prefix is prepended to every metric name with a dot.
	Prefix string

	// DialTimeout bounds resolving the address.
	DialTimeout time.Duration
}

// StatsD writes gauges in the DogStatsD line protocol over UDP.
type StatsD struct {
	config StatsDConfig

	mu   sync.Mutex
	conn net.Conn
}

// NewStatsD resolves the daemon address and opens the UDP socket.
func NewStatsD(config StatsDConfig) (*StatsD, error) {
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	conn, err := net.DialTimeout("udp", config.Address, config.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial statsd %s: %w", config.Address, err)
	}
	return &StatsD{config: config, conn: conn}, nil
}

func (s *StatsD) Name() string { return "statsd" }

// Export sends one gauge line per metric, packed into as few datagrams
// as fit the packet limit.
func (s *StatsD) Export(ctx context.Context, metrics []models.Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return net.ErrClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	}

	var packet bytes.Buffer
	for _, m := range metrics {
		line := s.line(m)
		if packet.Len() > 0 && packet.Len()+1+len(line) > maxStatsDPacket {
			if err := s.flush(&packet); err != nil {
				return err
			}
		}
		if packet.Len() > 0 {
			packet.WriteByte('\n')
		}
		packet.Write(line)
	}
	return s.flush(&packet)
}

// Close closes the socket.
func (s *StatsD) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *StatsD) flush(packet *bytes.Buffer) error {
	if packet.Len() == 0 {
		return nil
	}
	_, err := s.conn.Write(packet.Bytes())
	packet.Reset()
	if err != nil {
		return fmt.Errorf("write statsd packet: %w", err)
	}
	return nil
}

// line renders "prefix.name:value|g|#k:v,k:v" with tags in sorted order.
func (s *StatsD) line(m models.Metric) []byte {
	var b bytes.Buffer
	if s.config.Prefix != "" {
		b.WriteString(s.config.Prefix)
		b.WriteByte('.')
	}
	b.WriteString(sanitizeName(m.Name))
	b.WriteByte(':')
	b.WriteString(strconv.FormatFloat(m.Value, 'f', -1, 64))
	b.WriteString("|g")
	for i, k := range m.TagKeys() {
		if i == 0 {
			b.WriteString("|#")
		} else {
			b.WriteByte(',')
		}
		b.WriteString(sanitizeName(k))
		b.WriteByte(':')
		b.WriteString(statsdTagValue(m.Tags[k]))
	}
	return b.Bytes()
}

// statsdTagValue replaces the protocol's separator characters.
func statsdTagValue(v string) string {
	return string(bytes.Map(func(r rune) rune {
		switch r {
		case '|', ',', '#', '\n', ':':
			return '_'
		}
		return r
	}, []byte(v)))
}
