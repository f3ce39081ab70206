package exporter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Guliveer/vitalis/monitor/internal/models"
)

func TestOTLP_ObservesLatestValues(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	o, err := NewOTLP(ctx, OTLPConfig{ServiceName: "test"}, WithReader(reader))
	require.NoError(t, err)
	defer o.Close(ctx)

	require.NoError(t, o.Export(ctx, []models.Metric{
		models.NewMetric("cpu_usage_percent", 10, map[string]string{"core": "0"}),
		models.NewMetric("cpu_usage_percent", 20, map[string]string{"core": "1"}),
	}))
	require.NoError(t, o.Export(ctx, []models.Metric{
		models.NewMetric("cpu_usage_percent", 15, map[string]string{"core": "0"}),
	}))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	require.Len(t, rm.ScopeMetrics[0].Metrics, 1)

	m := rm.ScopeMetrics[0].Metrics[0]
	assert.Equal(t, "cpu_usage_percent", m.Name)
	gauge, ok := m.Data.(metricdata.Gauge[float64])
	require.True(t, ok, "data is %T", m.Data)

	got := map[string]float64{}
	for _, dp := range gauge.DataPoints {
		core, _ := dp.Attributes.Value(attribute.Key("core"))
		got[core.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]float64{"0": 15, "1": 20}, got)

	name, ok := rm.Resource.Set().Value("service.name")
	require.True(t, ok)
	assert.Equal(t, "test", name.AsString())
}
