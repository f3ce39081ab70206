package buffer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guliveer/vitalis/monitor/internal/models"
)

func batch(source string, values ...float64) models.MetricBatch {
	b := models.MetricBatch{Source: source}
	for _, v := range values {
		b.Metrics = append(b.Metrics, models.NewMetric("cpu_usage_percent", v, nil))
	}
	return b
}

func TestStoreAndRetrieve_Order(t *testing.T) {
	buf, err := New(t.TempDir(), 1, nil)
	require.NoError(t, err)

	require.NoError(t, buf.Store(batch("host", 1)))
	require.NoError(t, buf.Store(batch("host", 2)))
	require.NoError(t, buf.Store(batch("host", 3)))
	assert.Equal(t, 3, buf.Count())
	assert.Positive(t, buf.Size())

	got, err := buf.RetrieveAll()
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, b := range got {
		assert.Equal(t, float64(i+1), b.Metrics[0].Value)
	}
	assert.Zero(t, buf.Count(), "retrieved batches are removed")
}

func TestRetrieve_SkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	buf, err := New(dir, 1, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "00000000T000000.000-000000.json"), []byte("{not json"), 0640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0640))
	require.NoError(t, buf.Store(batch("host", 7)))

	got, err := buf.RetrieveAll()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 7.0, got[0].Metrics[0].Value)

	_, err = os.Stat(filepath.Join(dir, "00000000T000000.000-000000.json"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "notes.txt"))
	assert.NoError(t, err)
}

func TestStore_DropsOldestWhenFull(t *testing.T) {
	buf, err := New(t.TempDir(), 1, nil)
	require.NoError(t, err)
	buf.maxBytes = 600

	for i := 0; i < 10; i++ {
		require.NoError(t, buf.Store(batch("host", float64(i))))
	}
	assert.LessOrEqual(t, buf.Size(), int64(600))

	got, err := buf.RetrieveAll()
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, 9.0, got[len(got)-1].Metrics[0].Value, "newest batch is kept")
	assert.Greater(t, got[0].Metrics[0].Value, 0.0, "oldest batch was dropped")
}
