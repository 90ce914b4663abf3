package connectivity

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/events"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/remote"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/testutil/fakeremote"
)

func TestMonitor_Transitions(t *testing.T) {
	bus := events.NewBus(clockwork.NewFakeClock(), nil)
	sub := bus.Subscribe(8)
	defer sub.Close()

	m := NewMonitor(false, bus, nil)
	var seen []bool
	m.OnChange(func(online bool) { seen = append(seen, online) })

	assert.False(t, m.Online())
	assert.True(t, m.Set(true))
	assert.False(t, m.Set(true), "repeating a state is not a transition")
	assert.True(t, m.Set(false))

	assert.Equal(t, []bool{true, false}, seen)

	ev := <-sub.C
	assert.Equal(t, events.Connectivity, ev.Type)
	assert.Equal(t, map[string]bool{"online": true}, ev.Data)
}

func TestProber_Probe(t *testing.T) {
	srv := fakeremote.New(nil)
	defer srv.Close()

	m := NewMonitor(false, nil, nil)
	p := NewProber(remote.New(remote.Config{BaseURL: srv.URL()}, nil), m, time.Second, nil, nil)
	ctx := context.Background()

	assert.True(t, p.Probe(ctx))
	assert.True(t, m.Online())

	srv.SetDown(true)
	assert.False(t, p.Probe(ctx))
	assert.False(t, m.Online())
}

func TestProber_Run(t *testing.T) {
	srv := fakeremote.New(nil)
	defer srv.Close()
	srv.SetDown(true)

	clock := clockwork.NewFakeClock()
	m := NewMonitor(true, nil, nil)
	var changes atomic.Int32
	m.OnChange(func(bool) { changes.Add(1) })

	p := NewProber(remote.New(remote.Config{BaseURL: srv.URL()}, nil), m, 10*time.Second, clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// The first probe runs before the first tick.
	require.Eventually(t, func() bool { return !m.Online() }, 2*time.Second, 5*time.Millisecond)

	srv.SetDown(false)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(10 * time.Second)
	require.Eventually(t, m.Online, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), changes.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("prober did not stop")
	}
}
