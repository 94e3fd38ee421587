package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ophyd-epics-devices/epicsdev/pkg/binding"
	"github.com/ophyd-epics-devices/epicsdev/pkg/binding/mocks"
	"github.com/ophyd-epics-devices/epicsdev/pkg/pverr"
	"github.com/ophyd-epics-devices/epicsdev/pkg/sim"
)

func newSupervisor(t *testing.T, providers ...binding.Provider) *Supervisor {
	t.Helper()
	if len(providers) == 0 {
		providers = []binding.Provider{sim.New()}
	}
	s, err := New(Config{}, providers...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Shutdown() })
	return s
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoProviders)

	_, err = New(Config{}, sim.New(), sim.New())
	assert.ErrorIs(t, err, ErrDuplicateScheme)

	_, err = New(Config{DefaultScheme: "pvgw"}, sim.New())
	assert.ErrorIs(t, err, ErrUnknownScheme)
}

func TestCanonical(t *testing.T) {
	s := newSupervisor(t)

	tests := []struct {
		in   string
		want string
		err  error
	}{
		{"MOTOR:POS", "sim://MOTOR:POS", nil},
		{"sim://MOTOR:POS", "sim://MOTOR:POS", nil},
		{"ca://MOTOR:POS", "", ErrUnknownScheme},
		{"", "", ErrEmptyName},
		{"sim://", "", ErrEmptyName},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := s.Canonical(tt.in)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetBindingDedup(t *testing.T) {
	s := newSupervisor(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	got := make([]*binding.Binding, 32)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := "DET:ACQUIRE"
			if i%2 == 1 {
				name = "sim://DET:ACQUIRE"
			}
			b, err := s.GetBinding(ctx, name)
			assert.NoError(t, err)
			got[i] = b
		}()
	}
	wg.Wait()

	for _, b := range got {
		assert.Same(t, got[0], b)
	}
	assert.Equal(t, binding.StateConnected, got[0].State())
	assert.Equal(t, []string{"sim://DET:ACQUIRE"}, s.Bindings())
}

func TestGetBindingOpensOnce(t *testing.T) {
	prov := mocks.NewMockProvider(t)
	ch := mocks.NewMockChannel(t)
	prov.EXPECT().Scheme().Return("pvgw")
	prov.EXPECT().Open(mock.Anything, "DET:ACQUIRE").
		RunAndReturn(func(context.Context, string) (binding.Channel, error) {
			time.Sleep(10 * time.Millisecond)
			return ch, nil
		}).Once()
	ch.EXPECT().Monitor(mock.Anything, mock.Anything).Return(binding.MonitorFunc(func() {}), nil).Once()
	ch.EXPECT().Lost().Return((<-chan struct{})(make(chan struct{}))).Maybe()
	ch.EXPECT().Close().Return(nil).Maybe()

	s := newSupervisor(t, prov)
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.GetBinding(context.Background(), "DET:ACQUIRE")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestGetBindingConnectFailureRetries(t *testing.T) {
	p := sim.New()
	p.SetReachable("DET:ACQUIRE", false)
	s, err := New(Config{Binding: binding.Options{ConnectTimeout: 20 * time.Millisecond}}, p)
	require.NoError(t, err)
	defer s.Shutdown()

	_, err = s.GetBinding(context.Background(), "DET:ACQUIRE")
	assert.ErrorIs(t, err, pverr.ErrConnection)
	assert.ErrorIs(t, err, pverr.ErrTimeout)
	assert.Equal(t, []string{"sim://DET:ACQUIRE"}, s.Bindings())

	p.SetReachable("DET:ACQUIRE", true)
	b, err := s.GetBinding(context.Background(), "DET:ACQUIRE")
	require.NoError(t, err)
	assert.Equal(t, binding.StateConnected, b.State())
}

func TestRelease(t *testing.T) {
	s := newSupervisor(t)
	ctx := context.Background()

	b1, err := s.GetBinding(ctx, "MOTOR:POS")
	require.NoError(t, err)
	require.NoError(t, s.Release("sim://MOTOR:POS"))
	require.NoError(t, s.Release("MOTOR:POS"))
	assert.True(t, b1.Closed())
	assert.Empty(t, s.Bindings())

	b2, err := s.GetBinding(ctx, "MOTOR:POS")
	require.NoError(t, err)
	assert.NotSame(t, b1, b2)
}

func TestShutdown(t *testing.T) {
	p := sim.New()
	p.SetPutProceeds("DET:ACQUIRE", false)
	s := newSupervisor(t, p)
	ctx := context.Background()

	b, err := s.GetBinding(ctx, "DET:ACQUIRE")
	require.NoError(t, err)

	inflight := make(chan error, 1)
	go func() { inflight <- b.Put(ctx, 1, binding.Wait()) }()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, s.Shutdown())
	require.NoError(t, s.Shutdown())
	assert.True(t, s.Closed())

	select {
	case err := <-inflight:
		assert.ErrorIs(t, err, pverr.ErrShutdown)
	case <-time.After(time.Second):
		t.Fatal("in-flight put survived shutdown")
	}

	_, err = s.GetBinding(ctx, "DET:ACQUIRE")
	assert.ErrorIs(t, err, pverr.ErrShutdown)
	_, err = b.Get(ctx)
	assert.ErrorIs(t, err, pverr.ErrShutdown)
	assert.Empty(t, s.Bindings())
}
