package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/rl1809/product-reservation/internal/core/domain"
	"github.com/rl1809/product-reservation/internal/port"
)

// Reservations is the part of the reservation service a cart depends on.
type Reservations interface {
	Reserve(ctx context.Context, productID, actorID string) (domain.Grant, error)
	TryRelease(ctx context.Context, productID, actorID string) error
	Consume(ctx context.Context, productID, actorID string) error
	Holding(ctx context.Context, productID, actorID string) (*domain.Reservation, error)
}

type CartConfig struct {
	SessionID    string
	ActorID      string
	Store        port.CartRepository
	Reservations Reservations
	Clock        clock.Clock

	// Tick is the countdown granularity for Watch.
	Tick time.Duration

	// ReleaseAttempts and ReleaseDelay bound the best-effort release retries.
	ReleaseAttempts int
	ReleaseDelay    time.Duration
}

func (c CartConfig) Validate() error {
	if c.SessionID == "" {
		return errors.NotValidf("empty session id")
	}
	if c.ActorID == "" {
		return errors.NotValidf("empty actor id")
	}
	if c.Store == nil {
		return errors.NotValidf("nil cart store")
	}
	if c.Reservations == nil {
		return errors.NotValidf("nil reservations")
	}
	return nil
}

// Cart is one session's mirror of the reservations it holds. It is a cache
// for display and checkout; the reservation store decides what is held.
type Cart struct {
	cfg CartConfig

	mu       sync.Mutex
	entries  map[string]domain.CartEntry
	watchers map[string]*Countdown
}

func NewCart(cfg CartConfig) (*Cart, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Tick <= 0 {
		cfg.Tick = domain.CountdownTick
	}
	if cfg.ReleaseAttempts <= 0 {
		cfg.ReleaseAttempts = 3
	}
	if cfg.ReleaseDelay <= 0 {
		cfg.ReleaseDelay = 200 * time.Millisecond
	}
	return &Cart{
		cfg:      cfg,
		entries:  make(map[string]domain.CartEntry),
		watchers: make(map[string]*Countdown),
	}, nil
}

// Load rebuilds the cart from the persisted mirror, keeping only entries the
// reservation store confirms are still held by this actor. A persisted cart
// that belongs to a different actor is discarded wholesale. Dropped entries
// are released best-effort and never reported as errors.
func (c *Cart) Load(ctx context.Context) error {
	stored, err := c.cfg.Store.LoadCart(ctx, c.cfg.SessionID)
	if err != nil {
		return errors.Annotatef(err, "loading cart for session %s", c.cfg.SessionID)
	}

	for _, e := range stored {
		if e.ActorID != c.cfg.ActorID {
			logger.Infof("session %s changed actor, discarding %d cached cart entries", c.cfg.SessionID, len(stored))
			if err := c.cfg.Store.ClearCart(ctx, c.cfg.SessionID); err != nil {
				logger.Warningf("clearing cart for session %s: %v", c.cfg.SessionID, err)
			}
			c.reset()
			return nil
		}
	}

	kept := make(map[string]domain.CartEntry, len(stored))
	var dropped []string
	for _, e := range stored {
		held, err := c.cfg.Reservations.Holding(ctx, e.ProductID, c.cfg.ActorID)
		if err != nil {
			// Unknown is not gone. Keep the entry until the store answers.
			logger.Warningf("cannot validate cart entry %s for session %s: %v", e.ProductID, c.cfg.SessionID, err)
			kept[e.ProductID] = e
			continue
		}
		if held == nil {
			dropped = append(dropped, e.ProductID)
			continue
		}
		e.ReservationID = held.ID
		e.ExpiresAt = held.ExpiresAt
		kept[e.ProductID] = e
	}

	if len(dropped) > 0 {
		logger.Debugf("session %s: dropping %d lapsed cart entries", c.cfg.SessionID, len(dropped))
		if err := c.cfg.Store.RemoveCartEntries(ctx, c.cfg.SessionID, dropped...); err != nil {
			logger.Warningf("removing lapsed cart entries for session %s: %v", c.cfg.SessionID, err)
		}
		for _, productID := range dropped {
			c.releaseBestEffort(ctx, productID)
		}
	}
	for _, e := range kept {
		if err := c.cfg.Store.SaveCartEntry(ctx, c.cfg.SessionID, e); err != nil {
			logger.Warningf("refreshing cart entry %s for session %s: %v", e.ProductID, c.cfg.SessionID, err)
		}
	}

	c.mu.Lock()
	c.stopWatchersLocked()
	c.entries = kept
	c.mu.Unlock()
	return nil
}

// Add reserves the product and records the grant with the server's expiry.
func (c *Cart) Add(ctx context.Context, productID string) (domain.CartEntry, error) {
	grant, err := c.cfg.Reservations.Reserve(ctx, productID, c.cfg.ActorID)
	if err != nil {
		return domain.CartEntry{}, err
	}

	entry := domain.CartEntry{
		ProductID:     productID,
		ReservationID: grant.ReservationID,
		ActorID:       c.cfg.ActorID,
		Price:         grant.Price,
		ExpiresAt:     grant.ExpiresAt,
		AddedAt:       c.cfg.Clock.Now().UTC(),
	}

	c.mu.Lock()
	if prev, ok := c.entries[productID]; ok && prev.ReservationID == entry.ReservationID {
		entry.AddedAt = prev.AddedAt
	}
	c.entries[productID] = entry
	c.mu.Unlock()

	if err := c.cfg.Store.SaveCartEntry(ctx, c.cfg.SessionID, entry); err != nil {
		// The reservation stands; the mirror is rebuilt on the next load.
		logger.Warningf("persisting cart entry %s for session %s: %v", productID, c.cfg.SessionID, err)
	}
	return entry, nil
}

// Remove drops the product from the cart and releases its reservation.
func (c *Cart) Remove(ctx context.Context, productID string) {
	c.mu.Lock()
	c.stopWatcherLocked(productID)
	delete(c.entries, productID)
	c.mu.Unlock()

	if err := c.cfg.Store.RemoveCartEntries(ctx, c.cfg.SessionID, productID); err != nil {
		logger.Warningf("removing cart entry %s for session %s: %v", productID, c.cfg.SessionID, err)
	}
	c.releaseBestEffort(ctx, productID)
}

// Clear empties the cart and releases every reservation it mirrored.
func (c *Cart) Clear(ctx context.Context) {
	for _, productID := range c.drain() {
		c.releaseBestEffort(ctx, productID)
	}
	if err := c.cfg.Store.ClearCart(ctx, c.cfg.SessionID); err != nil {
		logger.Warningf("clearing cart for session %s: %v", c.cfg.SessionID, err)
	}
}

type CheckoutResult struct {
	Consumed []string
	Failed   map[string]error
}

// CompleteCheckout turns every mirrored reservation into a sale once payment
// succeeded and empties the cart. Entries whose reservation can no longer be
// consumed are reported in Failed.
func (c *Cart) CompleteCheckout(ctx context.Context) CheckoutResult {
	result := CheckoutResult{Failed: make(map[string]error)}
	for _, productID := range c.drain() {
		if err := c.cfg.Reservations.Consume(ctx, productID, c.cfg.ActorID); err != nil {
			result.Failed[productID] = err
			continue
		}
		result.Consumed = append(result.Consumed, productID)
	}
	if err := c.cfg.Store.ClearCart(ctx, c.cfg.SessionID); err != nil {
		logger.Warningf("clearing cart for session %s after checkout: %v", c.cfg.SessionID, err)
	}
	return result
}

// AbandonCheckout releases everything after a failed or cancelled payment.
func (c *Cart) AbandonCheckout(ctx context.Context) {
	c.Clear(ctx)
}

// Watch starts a countdown for a cart entry. When it reaches zero the entry
// is dropped and its reservation released; the server decides whether that
// release still has anything to do. Returns false if the product is not in
// the cart.
func (c *Cart) Watch(productID string, onTick func(time.Duration)) (*Countdown, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[productID]
	if !ok {
		return nil, false
	}
	c.stopWatcherLocked(productID)

	cd := StartCountdown(c.cfg.Clock, entry.ExpiresAt, c.cfg.Tick, onTick, func() {
		c.expire(productID, entry.ReservationID)
	})
	c.watchers[productID] = cd
	return cd, true
}

func (c *Cart) expire(productID, reservationID string) {
	c.mu.Lock()
	current, ok := c.entries[productID]
	if !ok || current.ReservationID != reservationID {
		c.mu.Unlock()
		return
	}
	delete(c.entries, productID)
	delete(c.watchers, productID)
	c.mu.Unlock()

	ctx := context.Background()
	if err := c.cfg.Store.RemoveCartEntries(ctx, c.cfg.SessionID, productID); err != nil {
		logger.Warningf("removing expired cart entry %s for session %s: %v", productID, c.cfg.SessionID, err)
	}
	c.releaseBestEffort(ctx, productID)
}

// Entries returns the cart sorted by the time items were added.
func (c *Cart) Entries() []domain.CartEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.CartEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].AddedAt.Before(out[j].AddedAt)
	})
	return out
}

func (c *Cart) Total() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total int64
	for _, e := range c.entries {
		total += e.Price
	}
	return total
}

// Close stops every countdown. The persisted mirror is left as is.
func (c *Cart) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopWatchersLocked()
}

func (c *Cart) drain() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	c.stopWatchersLocked()
	c.entries = make(map[string]domain.CartEntry)
	return ids
}

func (c *Cart) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopWatchersLocked()
	c.entries = make(map[string]domain.CartEntry)
}

func (c *Cart) stopWatcherLocked(productID string) {
	if w, ok := c.watchers[productID]; ok {
		w.Stop()
		delete(c.watchers, productID)
	}
}

func (c *Cart) stopWatchersLocked() {
	for id, w := range c.watchers {
		w.Stop()
		delete(c.watchers, id)
	}
}

func (c *Cart) releaseBestEffort(ctx context.Context, productID string) {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return c.cfg.Reservations.TryRelease(ctx, productID, c.cfg.ActorID)
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, domain.ErrTransientFailure)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("release %s attempt %d: %v", productID, attempt, err)
		},
		Attempts: c.cfg.ReleaseAttempts,
		Delay:    c.cfg.ReleaseDelay,
		Clock:    c.cfg.Clock,
	})
	if err != nil {
		logger.Warningf("giving up releasing %s for %s, leaving it to the sweeper: %v", productID, c.cfg.ActorID, err)
	}
}
