// Package buffer stores metric batches on disk while no exporter sink is
// reachable. Each batch is one JSON file; files are replayed oldest first
// and the oldest are dropped once the directory exceeds its size limit.
package buffer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/monitor/internal/models"
)

const fileExt = ".json"

// Buffer is safe for concurrent use.
type Buffer struct {
	dir      string
	maxBytes int64
	logger   *zap.Logger
	seq      atomic.Uint64

	mu sync.Mutex
}

// New creates the buffer directory if needed. maxSizeMB bounds the total
// size of stored batches.
func New(dir string, maxSizeMB int, logger *zap.Logger) (*Buffer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create buffer dir: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	return &Buffer{
		dir:      dir,
		maxBytes: int64(maxSizeMB) * 1024 * 1024,
		logger:   logger.Named("buffer"),
	}, nil
}

// Dir returns the buffer directory.
func (b *Buffer) Dir() string { return b.dir }

// Store writes one batch. When the directory is over its limit the oldest
// batches are dropped first.
func (b *Buffer) Store(batch models.MetricBatch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	files, size := b.files()
	for len(files) > 0 && size+int64(len(data)) > b.maxBytes {
		b.logger.Warn("Buffer full, dropping oldest batch", zap.String("file", files[0].name))
		if err := os.Remove(filepath.Join(b.dir, files[0].name)); err != nil {
			b.logger.Warn("Failed to remove buffer file", zap.Error(err))
			break
		}
		size -= files[0].size
		files = files[1:]
	}

	// Sequence keeps names unique and ordered within one timestamp.
	name := fmt.Sprintf("%s-%06d%s",
		time.Now().UTC().Format("20060102T150405.000"), b.seq.Add(1)%1_000_000, fileExt)
	return os.WriteFile(filepath.Join(b.dir, name), data, 0640)
}

// RetrieveAll reads and removes every stored batch, oldest first.
// Unreadable files are removed and skipped.
func (b *Buffer) RetrieveAll() ([]models.MetricBatch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := os.Stat(b.dir); err != nil {
		return nil, err
	}
	files, _ := b.files()
	batches := make([]models.MetricBatch, 0, len(files))
	for _, f := range files {
		path := filepath.Join(b.dir, f.name)
		data, err := os.ReadFile(path)
		if err != nil {
			b.logger.Warn("Failed to read buffer file", zap.String("file", path), zap.Error(err))
			continue
		}
		var batch models.MetricBatch
		if err := json.Unmarshal(data, &batch); err != nil {
			b.logger.Warn("Removing corrupted buffer file", zap.String("file", path), zap.Error(err))
			_ = os.Remove(path)
			continue
		}
		batches = append(batches, batch)
		_ = os.Remove(path)
	}
	return batches, nil
}

// Count returns the number of stored batches.
func (b *Buffer) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	files, _ := b.files()
	return len(files)
}

// Size returns the total bytes of stored batches.
func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, size := b.files()
	return size
}

type bufferFile struct {
	name string
	size int64
}

// files lists batch files oldest first. Must be called with mu held.
func (b *Buffer) files() ([]bufferFile, int64) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, 0
	}
	var (
		out   []bufferFile
		total int64
	)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, bufferFile{name: e.Name(), size: info.Size()})
		total += info.Size()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, total
}
