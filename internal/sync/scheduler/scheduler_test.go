// Package scheduler tests for background sync scheduling.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncpkg "github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/sync"
)

// =====================================================
// Test Helpers
// =====================================================

// fakeSyncer counts cycles and can hold a cycle open until released.
type fakeSyncer struct {
	calls atomic.Int32
	err   error

	mu      sync.Mutex
	block   chan struct{}
	started chan struct{}
}

func (f *fakeSyncer) Sync(ctx context.Context) (*syncpkg.Result, error) {
	f.calls.Add(1)
	f.mu.Lock()
	block, started := f.block, f.started
	f.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &syncpkg.Result{Pushed: 1}, nil
}

func newTestScheduler(t *testing.T, online bool) (*Scheduler, *fakeSyncer, *clockwork.FakeClock) {
	t.Helper()
	syncer := &fakeSyncer{}
	clock := clockwork.NewFakeClock()
	s := New(syncer, online, Config{Interval: 10 * time.Second}, clock, nil)
	return s, syncer, clock
}

// =====================================================
// Config Tests
// =====================================================

// TestDefaultConfig verifies default configuration.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 30*time.Second, cfg.Interval)
	assert.Equal(t, 5*time.Minute, cfg.CycleTimeout)
}

// TestNew_ZeroConfig verifies zero fields take defaults.
func TestNew_ZeroConfig(t *testing.T) {
	s := New(&fakeSyncer{}, true, Config{}, nil, nil)
	assert.Equal(t, 30*time.Second, s.interval)
	assert.Equal(t, 5*time.Minute, s.timeout)
	assert.True(t, s.IsOnline())
	assert.False(t, s.IsRunning())
}

// =====================================================
// Trigger Tests
// =====================================================

// TestScheduler_TickRunsCycle verifies the interval ticker runs a cycle.
func TestScheduler_TickRunsCycle(t *testing.T) {
	s, syncer, clock := newTestScheduler(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(10 * time.Second)

	require.Eventually(t, func() bool { return syncer.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Status().Cycles == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.NotNil(t, s.Status().LastSyncTime)
}

// TestScheduler_OfflineSkips verifies no cycle runs while offline.
func TestScheduler_OfflineSkips(t *testing.T) {
	s, syncer, clock := newTestScheduler(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(10 * time.Second)
	s.Trigger()

	assert.Never(t, func() bool { return syncer.calls.Load() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

// TestScheduler_ComingOnlineTriggers verifies a transition to online runs a
// cycle without waiting for the ticker.
func TestScheduler_ComingOnlineTriggers(t *testing.T) {
	s, syncer, _ := newTestScheduler(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	s.OnConnectivityChange(true)
	require.Eventually(t, func() bool { return syncer.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Staying online is not a transition.
	s.OnConnectivityChange(true)
	assert.Never(t, func() bool { return syncer.calls.Load() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
}

// TestScheduler_Coalesces verifies requests made during a cycle collapse
// into at most one follow-up cycle.
func TestScheduler_Coalesces(t *testing.T) {
	s, syncer, _ := newTestScheduler(t, true)
	syncer.block = make(chan struct{})
	syncer.started = make(chan struct{}, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	s.Trigger()
	<-syncer.started
	for range 5 {
		s.Trigger()
		s.OnTick()
	}
	close(syncer.block)

	require.Eventually(t, func() bool { return syncer.calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return syncer.calls.Load() > 2 }, 100*time.Millisecond, 10*time.Millisecond)
}

// =====================================================
// SyncNow Tests
// =====================================================

// TestScheduler_SyncNow verifies a manual cycle runs synchronously.
func TestScheduler_SyncNow(t *testing.T) {
	s, syncer, _ := newTestScheduler(t, false)

	res, err := s.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)
	assert.Equal(t, int32(1), syncer.calls.Load())
	assert.Equal(t, 1, s.Status().Cycles)
}

// TestScheduler_SyncNowError verifies the error is reported and kept.
func TestScheduler_SyncNowError(t *testing.T) {
	s, syncer, _ := newTestScheduler(t, true)
	syncer.err = errors.New("boom")

	_, err := s.SyncNow(context.Background())
	assert.EqualError(t, err, "boom")

	st := s.Status()
	assert.Equal(t, "boom", st.LastError)
	assert.Nil(t, st.LastSyncTime)
	assert.Zero(t, st.Cycles)
}

// =====================================================
// Lifecycle Tests
// =====================================================

// TestScheduler_StartStop verifies Start and Stop are idempotent.
func TestScheduler_StartStop(t *testing.T) {
	s, _, _ := newTestScheduler(t, true)
	ctx := context.Background()

	s.Stop()
	s.Start(ctx)
	s.Start(ctx)
	assert.True(t, s.IsRunning())

	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())
}

// TestScheduler_RunReturnsOnCancel verifies Run exits when its context ends.
func TestScheduler_RunReturnsOnCancel(t *testing.T) {
	s, _, _ := newTestScheduler(t, true)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, s.IsRunning, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, s.IsRunning())
}
