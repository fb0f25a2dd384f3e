package service

import (
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/rl1809/product-reservation/internal/core/domain"
)

// Countdown re-evaluates the time left until an expiry on a fixed tick and
// fires a one-shot callback when it reaches zero. Reaching zero says nothing
// about the server-side lock; callers still release or wait for a sweep.
type Countdown struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// StartCountdown calls onTick with the remaining time immediately and then
// every tick, and onExpire once when nothing remains. Either callback may be
// nil. Callbacks run on the countdown's own goroutine.
func StartCountdown(clk clock.Clock, expiresAt time.Time, tick time.Duration, onTick func(time.Duration), onExpire func()) *Countdown {
	if tick <= 0 {
		tick = domain.CountdownTick
	}
	c := &Countdown{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go c.loop(clk, expiresAt, tick, onTick, onExpire)
	return c
}

func (c *Countdown) loop(clk clock.Clock, expiresAt time.Time, tick time.Duration, onTick func(time.Duration), onExpire func()) {
	defer close(c.done)
	for {
		remaining := domain.Remaining(expiresAt, clk.Now())
		if onTick != nil {
			onTick(remaining)
		}
		if remaining == 0 {
			if onExpire != nil {
				onExpire()
			}
			return
		}

		wait := tick
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-c.stop:
			return
		case <-clk.After(wait):
		}
	}
}

// Stop cancels the countdown. It does not wait for the goroutine to exit and
// is safe to call more than once, including from a callback.
func (c *Countdown) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Done is closed once the countdown has expired or been stopped.
func (c *Countdown) Done() <-chan struct{} {
	return c.done
}
