package exporter

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guliveer/vitalis/monitor/internal/models"
)

func TestPrometheus_ExposesLatestValues(t *testing.T) {
	p, err := NewPrometheus(PrometheusConfig{Namespace: "vitalis"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Export(ctx, []models.Metric{
		models.NewMetric("cpu_usage_percent", 10, map[string]string{"core": "0"}),
		models.NewMetric("cpu_usage_percent", 40, map[string]string{"core": "1"}),
	}))
	require.NoError(t, p.Export(ctx, []models.Metric{
		models.NewMetric("cpu_usage_percent", 12.5, map[string]string{"core": "0"}),
	}))

	expected := `
# HELP vitalis_cpu_usage_percent Collected by the vitalis monitor.
# TYPE vitalis_cpu_usage_percent gauge
vitalis_cpu_usage_percent{core="0"} 12.5
vitalis_cpu_usage_percent{core="1"} 40
`
	require.NoError(t, testutil.GatherAndCompare(p.Registry(), strings.NewReader(expected), "vitalis_cpu_usage_percent"))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.exports))
}

func TestPrometheus_DropsStaleSeries(t *testing.T) {
	p, err := NewPrometheus(PrometheusConfig{Namespace: "vitalis", StaleAfter: time.Minute})
	require.NoError(t, err)
	now := time.Now()
	p.now = func() time.Time { return now }

	require.NoError(t, p.Export(context.Background(), []models.Metric{
		models.NewMetric("memory_used_bytes", 1024, nil),
	}))
	count, err := testutil.GatherAndCount(p.Registry(), "vitalis_memory_used_bytes")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	now = now.Add(2 * time.Minute)
	count, err = testutil.GatherAndCount(p.Registry(), "vitalis_memory_used_bytes")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPrometheus_Handler(t *testing.T) {
	p, err := NewPrometheus(PrometheusConfig{Namespace: "vitalis", RuntimeMetrics: true})
	require.NoError(t, err)
	require.NoError(t, p.Export(context.Background(), []models.Metric{
		models.NewMetric("uptime_seconds", 42, nil),
	}))

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "vitalis_uptime_seconds 42")
	assert.Contains(t, string(body), "go_goroutines")
}
