package exporter

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guliveer/vitalis/monitor/internal/buffer"
	"github.com/Guliveer/vitalis/monitor/internal/models"
	"github.com/Guliveer/vitalis/monitor/internal/reliability/retry"
)

type ingestServer struct {
	*httptest.Server
	requests atomic.Int32
	status   atomic.Int32
	failures atomic.Int32
	received chan models.MetricBatch
}

// newIngestServer answers with status for the first failures requests and
// 202 afterwards.
func newIngestServer(t *testing.T, status, failures int) *ingestServer {
	t.Helper()
	s := &ingestServer{received: make(chan models.MetricBatch, 16)}
	s.status.Store(int32(status))
	s.failures.Store(int32(failures))
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := s.requests.Add(1)
		assert.Equal(t, "/api/ingest", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))

		if n <= s.failures.Load() {
			w.WriteHeader(int(s.status.Load()))
			return
		}
		gz, err := gzip.NewReader(r.Body)
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var batch models.MetricBatch
		if !assert.NoError(t, json.NewDecoder(gz).Decode(&batch)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.received <- batch
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(s.Close)
	return s
}

func newTestHTTP(t *testing.T, url string) (*HTTP, *buffer.Buffer) {
	t.Helper()
	buf, err := buffer.New(t.TempDir(), 1, nil)
	require.NoError(t, err)
	h, err := NewHTTP(HTTPConfig{
		URL:    url + "/",
		Token:  "secret",
		Source: "host-1",
		Retry:  retry.FixedDelay(3, time.Millisecond),
	}, buf, nil)
	require.NoError(t, err)
	return h, buf
}

func sample() []models.Metric {
	return []models.Metric{models.NewMetric("cpu_usage_percent", 33, nil)}
}

func TestHTTP_RetriesThenDelivers(t *testing.T) {
	srv := newIngestServer(t, http.StatusServiceUnavailable, 2)
	h, buf := newTestHTTP(t, srv.URL)

	require.NoError(t, h.Export(context.Background(), sample()))

	batch := <-srv.received
	assert.Equal(t, "host-1", batch.Source)
	require.Len(t, batch.Metrics, 1)
	assert.Equal(t, 33.0, batch.Metrics[0].Value)
	assert.Equal(t, int32(3), srv.requests.Load())
	assert.Equal(t, uint64(2), h.Retry().Retries)
	assert.Zero(t, buf.Count())
}

func TestHTTP_BuffersAfterExhaustingRetries(t *testing.T) {
	srv := newIngestServer(t, http.StatusInternalServerError, 100)
	h, buf := newTestHTTP(t, srv.URL)

	err := h.Export(context.Background(), sample())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server returned 500")
	assert.Equal(t, int32(3), srv.requests.Load())
	assert.Equal(t, 1, buf.Count())
}

func TestHTTP_RateLimitBuffersWithoutRetry(t *testing.T) {
	srv := newIngestServer(t, http.StatusTooManyRequests, 1)
	h, buf := newTestHTTP(t, srv.URL)

	err := h.Export(context.Background(), sample())
	require.Error(t, err)
	assert.True(t, isRateLimited(err))
	assert.Equal(t, int32(1), srv.requests.Load())
	assert.Equal(t, 1, buf.Count())

	require.NoError(t, h.FlushBuffer(context.Background()))
	batch := <-srv.received
	assert.Equal(t, 33.0, batch.Metrics[0].Value)
	assert.Zero(t, buf.Count())
}

func TestHTTP_EmptyBatchIsNotSent(t *testing.T) {
	srv := newIngestServer(t, http.StatusOK, 0)
	h, _ := newTestHTTP(t, srv.URL)

	require.NoError(t, h.Export(context.Background(), nil))
	assert.Zero(t, srv.requests.Load())
}

func TestNewHTTP_RequiresURL(t *testing.T) {
	_, err := NewHTTP(HTTPConfig{}, nil, nil)
	assert.Error(t, err)
}
