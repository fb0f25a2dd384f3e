package service

import (
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const shortWait = time.Second

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for channel to close")
	}
}

func TestCountdown_TicksToZero(t *testing.T) {
	clk := testclock.NewClock(t0)
	ticks := make(chan time.Duration, 10)
	expired := make(chan struct{})

	cd := StartCountdown(clk, t0.Add(3*time.Second), time.Second,
		func(d time.Duration) { ticks <- d },
		func() { close(expired) },
	)

	assert.Equal(t, 3*time.Second, <-ticks)
	for _, want := range []time.Duration{2 * time.Second, time.Second, 0} {
		require.NoError(t, clk.WaitAdvance(time.Second, shortWait, 1))
		assert.Equal(t, want, <-ticks)
	}

	waitClosed(t, expired)
	waitClosed(t, cd.Done())
}

func TestCountdown_ShortLastTick(t *testing.T) {
	clk := testclock.NewClock(t0)
	ticks := make(chan time.Duration, 10)

	cd := StartCountdown(clk, t0.Add(1500*time.Millisecond), time.Second,
		func(d time.Duration) { ticks <- d }, nil)

	assert.Equal(t, 1500*time.Millisecond, <-ticks)
	require.NoError(t, clk.WaitAdvance(time.Second, shortWait, 1))
	assert.Equal(t, 500*time.Millisecond, <-ticks)
	require.NoError(t, clk.WaitAdvance(500*time.Millisecond, shortWait, 1))
	assert.Equal(t, time.Duration(0), <-ticks)
	waitClosed(t, cd.Done())
}

func TestCountdown_AlreadyExpired(t *testing.T) {
	clk := testclock.NewClock(t0)
	var (
		mu    sync.Mutex
		ticks []time.Duration
	)
	expired := make(chan struct{})

	cd := StartCountdown(clk, t0.Add(-time.Minute), time.Second, func(d time.Duration) {
		mu.Lock()
		ticks = append(ticks, d)
		mu.Unlock()
	}, func() { close(expired) })

	waitClosed(t, expired)
	waitClosed(t, cd.Done())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{0}, ticks)
}

func TestCountdown_Stop(t *testing.T) {
	clk := testclock.NewClock(t0)
	ticks := make(chan time.Duration, 10)
	expired := false

	cd := StartCountdown(clk, t0.Add(time.Hour), time.Second,
		func(d time.Duration) { ticks <- d },
		func() { expired = true },
	)
	<-ticks

	cd.Stop()
	cd.Stop()
	waitClosed(t, cd.Done())
	assert.False(t, expired)
}
