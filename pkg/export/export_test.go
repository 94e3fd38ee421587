package export_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ophyd-epics-devices/epicsdev/pkg/binding"
	"github.com/ophyd-epics-devices/epicsdev/pkg/connection"
	"github.com/ophyd-epics-devices/epicsdev/pkg/export"
	"github.com/ophyd-epics-devices/epicsdev/pkg/export/mocks"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pvdata"
	"github.com/ophyd-epics-devices/epicsdev/pkg/signal"
	"github.com/ophyd-epics-devices/epicsdev/pkg/sim"
	"github.com/ophyd-epics-devices/epicsdev/pkg/supervisor"
)

// recorder is a Sink that keeps every update.
type recorder struct {
	mu      sync.Mutex
	updates []export.Update
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Write(_ context.Context, u export.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) values() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, 0, len(r.updates))
	for _, u := range r.updates {
		out = append(out, u.Reading.Value)
	}
	return out
}

func setup(t *testing.T) (*sim.Provider, *supervisor.Supervisor) {
	t.Helper()
	p := sim.New()
	sup, err := supervisor.New(supervisor.Config{Binding: binding.Options{
		ConnectTimeout: time.Second,
		Backoff:        connection.BackoffConfig{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond},
	}}, p)
	require.NoError(t, err)
	t.Cleanup(func() { sup.Shutdown() })
	return p, sup
}

func TestDispatchLogsAndCountsFailures(t *testing.T) {
	good := mocks.NewMockSink(t)
	bad := mocks.NewMockSink(t)
	good.EXPECT().Name().Return("good")
	bad.EXPECT().Name().Return("bad")
	good.EXPECT().Write(mock.Anything, mock.Anything).Return(nil).Twice()
	bad.EXPECT().Write(mock.Anything, mock.Anything).Return(errors.New("broker down")).Twice()

	exp := export.New(nil, bad, good)
	u := export.Update{Name: "pos", PV: "sim://MOTOR:POS", Reading: signal.AnyReading{Value: 1.0}}
	exp.Dispatch(context.Background(), u)
	exp.Dispatch(context.Background(), u)

	stats := exp.Stats()
	assert.Equal(t, int64(2), stats["good"].Written)
	assert.Equal(t, int64(0), stats["good"].Failed)
	assert.Equal(t, int64(2), stats["bad"].Failed)
	assert.EqualError(t, stats["bad"].LastErr, "broker down")
}

func TestCloseJoinsErrors(t *testing.T) {
	a := mocks.NewMockSink(t)
	b := mocks.NewMockSink(t)
	a.EXPECT().Name().Return("a")
	b.EXPECT().Name().Return("b")
	a.EXPECT().Close().Return(errors.New("boom")).Once()
	b.EXPECT().Close().Return(nil).Once()

	err := export.New(nil, a, b).Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close a: boom")
}

func TestRunWithoutSinks(t *testing.T) {
	err := export.New(nil).RunSources(context.Background())
	assert.Error(t, err)
}

func TestRunExportsUpdates(t *testing.T) {
	p, sup := setup(t)
	require.NoError(t, p.SetValue("MOTOR:POS", 1.0))
	pos := signal.ReadOnly(sup, pvdata.Float64(), "MOTOR:POS")
	pos.SetName("motor-pos")

	rec := &recorder{}
	exp := export.New(nil, rec)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- exp.Run(ctx, map[string]signal.Any{"motor-pos": pos}) }()

	require.Eventually(t, func() bool { return len(rec.values()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.SetValue("MOTOR:POS", 2.0))
	require.Eventually(t, func() bool { return len(rec.values()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []any{1.0, 2.0}, rec.values())

	rec.mu.Lock()
	first := rec.updates[0]
	rec.mu.Unlock()
	assert.Equal(t, "motor-pos", first.Name)
	assert.Equal(t, "sim://MOTOR:POS", first.PV)
	assert.Equal(t, "MOTOR:POS", first.BareName())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunSurvivesDisconnect(t *testing.T) {
	p, sup := setup(t)
	require.NoError(t, p.SetValue("DET:COUNT", 1.0))
	count := signal.ReadOnly(sup, pvdata.Float64(), "DET:COUNT")

	rec := &recorder{}
	exp := export.New(nil, rec)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = exp.RunSources(ctx, count) }()

	require.Eventually(t, func() bool { return len(rec.values()) == 1 }, time.Second, 5*time.Millisecond)
	p.Drop("DET:COUNT")
	require.NoError(t, p.SetValue("DET:COUNT", 5.0))
	require.Eventually(t, func() bool {
		v := rec.values()
		return len(v) > 1 && v[len(v)-1] == 5.0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRunEndsOnShutdown(t *testing.T) {
	p, sup := setup(t)
	require.NoError(t, p.SetValue("X", 1.0))
	x := signal.ReadOnly(sup, pvdata.Float64(), "X")

	rec := &recorder{}
	exp := export.New(nil, rec)
	done := make(chan error, 1)
	go func() { done <- exp.RunSources(context.Background(), x) }()

	require.Eventually(t, func() bool { return len(rec.values()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, sup.Shutdown())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after shutdown")
	}
}

func TestConfigEnabled(t *testing.T) {
	cfg := export.DefaultConfig()
	assert.False(t, cfg.Enabled())
	cfg.Kafka.Enabled = true
	assert.True(t, cfg.Enabled())
}

func TestOpenKafkaWithoutBrokers(t *testing.T) {
	cfg := export.DefaultConfig()
	cfg.Kafka.Enabled = true
	cfg.Kafka.Brokers = nil
	_, err := export.Open(context.Background(), cfg, nil)
	assert.Error(t, err)
}
