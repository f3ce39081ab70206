package degradation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedChange struct {
	service  string
	from, to Level
}

func newTestManager(t *testing.T, services ...string) (*Manager, *[]recordedChange) {
	t.Helper()
	var (
		mu      sync.Mutex
		changes []recordedChange
	)
	m := NewManager("test", WithLevelChangeHook(func(service string, from, to Level, _ string) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, recordedChange{service, from, to})
	}))
	for _, name := range services {
		require.NoError(t, m.RegisterService(NewServiceConfig(name, PriorityNormal)))
	}
	return m, &changes
}

func TestRegisterService(t *testing.T) {
	m, _ := newTestManager(t, "cpu")

	assert.ErrorIs(t, m.RegisterService(NewServiceConfig("cpu", PriorityCritical)), ErrAlreadyExists)
	assert.ErrorIs(t, m.RegisterService(ServiceConfig{}), ErrInvalidConfig)
	assert.ErrorIs(t, m.RegisterService(ServiceConfig{Name: "x", ErrorRateThreshold: 2}), ErrInvalidConfig)

	assert.Equal(t, LevelNormal, m.ServiceLevel("cpu"))
	assert.Equal(t, LevelNormal, m.ServiceLevel("unknown"))

	require.NoError(t, m.UnregisterService("cpu"))
	assert.ErrorIs(t, m.UnregisterService("cpu"), ErrNotFound)
	assert.Empty(t, m.ServiceNames())
}

func TestDegradeAndRecover(t *testing.T) {
	m, changes := newTestManager(t, "cpu", "disk")

	require.NoError(t, m.DegradeService("cpu", LevelMinimal, "breaker open"))
	st, ok := m.ServiceState("cpu")
	require.True(t, ok)
	assert.Equal(t, LevelMinimal, st.Level)
	assert.Equal(t, "breaker open", st.Reason)

	assert.ErrorIs(t, m.DegradeService("gpu", LevelLimited, "x"), ErrNotFound)

	require.NoError(t, m.RecoverService("cpu"))
	st, _ = m.ServiceState("cpu")
	assert.Equal(t, LevelNormal, st.Level)
	assert.Empty(t, st.Reason)
	assert.ErrorIs(t, m.RecoverService("gpu"), ErrNotFound)

	assert.Equal(t, []recordedChange{
		{"cpu", LevelNormal, LevelMinimal},
		{"cpu", LevelMinimal, LevelNormal},
	}, *changes)

	mt := m.Metrics()
	assert.Equal(t, uint64(1), mt.SuccessfulDegradations)
	assert.Equal(t, uint64(1), mt.FailedDegradations)
	assert.Equal(t, uint64(1), mt.SuccessfulRecoveries)
}

func TestExecutePlan(t *testing.T) {
	m, changes := newTestManager(t, "cpu", "disk", "process", "network")

	require.NoError(t, m.AddPlan(Plan{
		Name:        "overload",
		Maintain:    []string{"cpu", "memory"},
		Disable:     []string{"process"},
		TargetLevel: LevelLimited,
	}))
	assert.ErrorIs(t, m.AddPlan(Plan{}), ErrInvalidConfig)
	assert.ErrorIs(t, m.ExecutePlan("missing", "x"), ErrNotFound)

	require.NoError(t, m.ExecutePlan("overload", "cpu pressure"))
	assert.Equal(t, LevelLimited, m.ServiceLevel("cpu"))
	assert.Equal(t, LevelEmergency, m.ServiceLevel("process"))
	assert.Equal(t, LevelNormal, m.ServiceLevel("disk"))
	assert.Len(t, *changes, 2, "unregistered services in a plan are skipped")

	m.RecoverAll()
	for _, name := range m.ServiceNames() {
		assert.Equal(t, LevelNormal, m.ServiceLevel(name))
	}
}

func TestIsHealthy_MoreThanHalfDegraded(t *testing.T) {
	m, _ := newTestManager(t)
	assert.True(t, m.IsHealthy(), "no services")

	for _, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, m.RegisterService(NewServiceConfig(name, PriorityNormal)))
	}
	require.NoError(t, m.DegradeService("a", LevelLimited, ""))
	require.NoError(t, m.DegradeService("b", LevelLimited, ""))
	assert.True(t, m.IsHealthy(), "exactly half degraded")

	require.NoError(t, m.DegradeService("c", LevelLimited, ""))
	assert.False(t, m.IsHealthy())
}

func TestService_Execute(t *testing.T) {
	m, _ := newTestManager(t, "export")
	normal := func(context.Context) (string, error) { return "full", nil }
	degraded := func(_ context.Context, l Level) (string, error) { return "reduced:" + l.String(), nil }

	svc := NewService("export", m, normal, degraded)
	v, err := svc.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "full", v)

	require.NoError(t, m.DegradeService("export", LevelMinimal, "slow sink"))
	v, err = svc.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "reduced:minimal", v)

	bare := NewService[string]("export", m, normal, nil)
	_, err = bare.Execute(context.Background())
	assert.True(t, errors.Is(err, ErrServiceDegraded))

	unmanaged := NewService[string]("export", nil, normal, nil)
	v, err = unmanaged.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "full", v)
}

func TestParseLevel(t *testing.T) {
	for l := LevelNormal; l <= LevelEmergency; l++ {
		got, err := ParseLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}
	_, err := ParseLevel("panic")
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.True(t, LevelNormal < LevelLimited && LevelMinimal < LevelEmergency)
	assert.True(t, PriorityOptional < PriorityCritical)
}

func TestRecordOutcome_ErrorRateThreshold(t *testing.T) {
	m, changes := newTestManager(t, "disk")

	for i := 0; i < 3; i++ {
		require.NoError(t, m.RecordOutcome("disk", true))
	}
	assert.Equal(t, LevelNormal, m.ServiceLevel("disk"), "rate 0.488 is still under 0.5")

	require.NoError(t, m.RecordOutcome("disk", true))
	st, _ := m.ServiceState("disk")
	assert.Equal(t, LevelLimited, st.Level)
	assert.InDelta(t, 0.5904, st.ErrorRate, 1e-9)
	assert.Contains(t, st.Reason, "error rate")

	require.NoError(t, m.RecordOutcome("disk", false))
	assert.Equal(t, LevelNormal, m.ServiceLevel("disk"))

	assert.Equal(t, []recordedChange{
		{"disk", LevelNormal, LevelLimited},
		{"disk", LevelLimited, LevelNormal},
	}, *changes)
	assert.ErrorIs(t, m.RecordOutcome("gpu", true), ErrNotFound)
}

func TestRecordOutcome_WithoutAutoRecover(t *testing.T) {
	m, _ := newTestManager(t)
	cfg := NewServiceConfig("gpu", PriorityNormal)
	cfg.AutoRecover = false
	require.NoError(t, m.RegisterService(cfg))

	for i := 0; i < 4; i++ {
		require.NoError(t, m.RecordOutcome("gpu", true))
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, m.RecordOutcome("gpu", false))
	}
	assert.Equal(t, LevelLimited, m.ServiceLevel("gpu"))

	recovered, err := m.AutoRecoverService("gpu")
	require.NoError(t, err)
	assert.False(t, recovered)
	assert.Equal(t, LevelLimited, m.ServiceLevel("gpu"))
}

func TestRecordOutcome_KeepsExternalDegradation(t *testing.T) {
	m, _ := newTestManager(t, "cpu")
	require.NoError(t, m.DegradeService("cpu", LevelLimited, "circuit breaker open"))

	require.NoError(t, m.RecordOutcome("cpu", false))
	assert.Equal(t, LevelLimited, m.ServiceLevel("cpu"), "only error-rate degradation is lifted by outcomes")

	recovered, err := m.AutoRecoverService("cpu")
	require.NoError(t, err)
	assert.True(t, recovered)
	assert.Equal(t, LevelNormal, m.ServiceLevel("cpu"))

	_, err = m.AutoRecoverService("gpu")
	assert.ErrorIs(t, err, ErrNotFound)
}
