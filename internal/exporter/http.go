package exporter

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/monitor/internal/buffer"
	"github.com/Guliveer/vitalis/monitor/internal/models"
	"github.com/Guliveer/vitalis/monitor/internal/reliability/retry"
)

const (
	ingestPath = "/api/ingest"

	// defaultRequestTimeout bounds each send attempt.
	defaultRequestTimeout = 10 * time.Second
)

// HTTPConfig configures the HTTP ingest exporter.
type HTTPConfig struct {
	URL     string
	Token   string
	Source  string
	Timeout time.Duration
	Retry   retry.Config
}

// HTTP posts gzip-compressed JSON batches to an ingest endpoint. Batches
// that cannot be delivered are kept in the local buffer.
type HTTP struct {
	client *http.Client
	config HTTPConfig
	retry  *retry.Executor
	buf    *buffer.Buffer
	logger *zap.Logger
}

// NewHTTP creates the exporter. buf may be nil, in which case undeliverable
// batches are dropped.
func NewHTTP(config HTTPConfig, buf *buffer.Buffer, logger *zap.Logger) (*HTTP, error) {
	if config.URL == "" {
		return nil, errors.New("http exporter: url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultRequestTimeout
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = retry.ExponentialBackoff(4, 2*time.Second, 30*time.Second)
	}
	if err := config.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("http exporter: %w", err)
	}
	// Rate limited responses are buffered without further retries.
	config.Retry.ShouldRetry = func(err error) bool { return !isRateLimited(err) }

	logger = logger.Named("http")
	return &HTTP{
		client: &http.Client{Timeout: config.Timeout},
		config: config,
		retry:  retry.NewExecutor("http_export", config.Retry, logger),
		buf:    buf,
		logger: logger,
	}, nil
}

func (h *HTTP) Name() string { return "http" }

// Export sends one batch. A batch that fails every attempt is buffered and
// the send error is returned.
func (h *HTTP) Export(ctx context.Context, metrics []models.Metric) error {
	if len(metrics) == 0 {
		return nil
	}
	return h.send(ctx, models.MetricBatch{Source: h.config.Source, Metrics: metrics})
}

func (h *HTTP) send(ctx context.Context, batch models.MetricBatch) error {
	payload, err := encodeBatch(batch)
	if err != nil {
		return err
	}

	err = h.retry.Do(ctx, func(ctx context.Context) error {
		return h.post(ctx, payload)
	})
	if err == nil {
		h.logger.Debug("Batch sent successfully", zap.Int("metrics", len(batch.Metrics)))
		return nil
	}

	if isRateLimited(err) {
		h.logger.Warn("Rate limited by server, buffering batch", zap.Error(err))
	} else {
		h.logger.Error("All retries exhausted, buffering batch", zap.Error(err))
	}
	h.bufferBatch(batch)
	return err
}

func encodeBatch(batch models.MetricBatch) ([]byte, error) {
	data, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(data); err != nil {
		return nil, fmt.Errorf("compress batch: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("finalize gzip compression: %w", err)
	}
	return compressed.Bytes(), nil
}

// post performs a single HTTP POST to the ingest endpoint.
func (h *HTTP) post(ctx context.Context, payload []byte) error {
	url := strings.TrimRight(h.config.URL, "/") + ingestPath

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	if h.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.config.Token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &rateLimitError{statusCode: resp.StatusCode}
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}

func (h *HTTP) bufferBatch(batch models.MetricBatch) {
	if h.buf == nil {
		h.logger.Warn("No buffer available, dropping metrics",
			zap.Int("count", len(batch.Metrics)))
		return
	}
	if err := h.buf.Store(batch); err != nil {
		h.logger.Error("Failed to buffer metrics", zap.Error(err))
	}
}

// FlushBuffer resends every buffered batch, oldest first. Batches that
// fail again are returned to the buffer by send.
func (h *HTTP) FlushBuffer(ctx context.Context) error {
	if h.buf == nil {
		return nil
	}

	batches, err := h.buf.RetrieveAll()
	if err != nil {
		return fmt.Errorf("retrieve buffered metrics: %w", err)
	}
	if len(batches) == 0 {
		return nil
	}

	h.logger.Info("Flushing buffered metrics", zap.Int("batches", len(batches)))
	var errs []error
	for i, batch := range batches {
		if ctx.Err() != nil {
			for _, rest := range batches[i:] {
				h.bufferBatch(rest)
			}
			errs = append(errs, ctx.Err())
			break
		}
		if err := h.send(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Retry exposes the send retry counters.
func (h *HTTP) Retry() retry.Metrics { return h.retry.Metrics() }

func (h *HTTP) Close(context.Context) error {
	h.client.CloseIdleConnections()
	return nil
}

// rateLimitError indicates the server returned HTTP 429.
type rateLimitError struct {
	statusCode int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (%d)", e.statusCode)
}

func isRateLimited(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}
