package service

import (
	"context"
	"time"

	"github.com/juju/clock"
)

const DefaultSweepInterval = 30 * time.Second

type sweepRunner interface {
	SweepExpired(ctx context.Context) (int, error)
}

// Sweeper periodically retires lapsed reservations. A sweep can also be
// requested early with Trigger, e.g. before a listing query.
type Sweeper struct {
	runner   sweepRunner
	clock    clock.Clock
	interval time.Duration
	trigger  chan struct{}
}

func NewSweeper(runner sweepRunner, clk clock.Clock, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Sweeper{
		runner:   runner,
		clock:    clk,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Run sweeps until ctx is cancelled. Failures are logged and retried on the
// next pass.
func (s *Sweeper) Run(ctx context.Context) {
	logger.Infof("sweeper started, interval %s", s.interval)
	for {
		s.sweepOnce(ctx)

		select {
		case <-ctx.Done():
			logger.Infof("sweeper stopped")
			return
		case <-s.clock.After(s.interval):
		case <-s.trigger:
		}
	}
}

// Trigger asks for a sweep as soon as possible without blocking. Requests
// made while one is already pending are coalesced.
func (s *Sweeper) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := s.runner.SweepExpired(ctx)
	if err != nil {
		logger.Errorf("sweep pass failed: %v", err)
		return
	}
	if n > 0 {
		logger.Debugf("sweep pass released %d reservations", n)
	}
}
