package retry

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDelay verifies the doubling and the cap.
func TestDelay(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{6, 60 * time.Second},
		{200, 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Delay(time.Second, tt.attempts, time.Minute), "attempts=%d", tt.attempts)
	}

	assert.Equal(t, DefaultBaseDelay, Delay(0, 0, 0))
	assert.Equal(t, 1024*time.Millisecond, Delay(time.Millisecond, 10, 0))
	assert.Positive(t, Delay(time.Second, 200, 0), "uncapped delay must not overflow")
}

// TestScheduler_Fires verifies a task runs once its delay elapses.
func TestScheduler_Fires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewScheduler(clock, nil)
	defer s.Stop()

	var fired atomic.Int32
	require.True(t, s.Schedule("e1", 4*time.Second, func() { fired.Add(1) }))

	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "e1", pending[0].ID)
	assert.Equal(t, clock.Now().Add(4*time.Second), pending[0].Due)

	clock.Advance(3 * time.Second)
	assert.Equal(t, int32(0), fired.Load())

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, s.Pending())
}

// TestScheduler_Replace verifies rescheduling an id keeps only the latest task.
func TestScheduler_Replace(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewScheduler(clock, nil)
	defer s.Stop()

	var first, second atomic.Int32
	s.Schedule("e1", time.Second, func() { first.Add(1) })
	s.Schedule("e1", 5*time.Second, func() { second.Add(1) })
	require.Len(t, s.Pending(), 1)

	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
}

// TestScheduler_Cancel verifies cancelled tasks never run.
func TestScheduler_Cancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewScheduler(clock, nil)

	var fired atomic.Int32
	s.Schedule("e1", time.Second, func() { fired.Add(1) })
	s.Schedule("e2", 2*time.Second, func() { fired.Add(1) })

	assert.True(t, s.Cancel("e1"))
	assert.False(t, s.Cancel("e1"))

	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "e2", pending[0].ID)

	s.Stop()
	assert.Empty(t, s.Pending())
	assert.False(t, s.Schedule("e3", time.Second, func() { fired.Add(1) }))

	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

// TestScheduler_PendingOrder verifies tasks are listed earliest first.
func TestScheduler_PendingOrder(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewScheduler(clock, nil)
	defer s.Stop()

	s.Schedule("late", 8*time.Second, func() {})
	s.Schedule("soon", time.Second, func() {})
	s.Schedule("mid", 4*time.Second, func() {})

	var got []string
	for _, task := range s.Pending() {
		got = append(got, task.ID)
	}
	assert.Equal(t, []string{"soon", "mid", "late"}, got)
}
