package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rl1809/product-reservation/internal/core/domain"
	"github.com/rl1809/product-reservation/internal/port"
)

var logger = loggo.GetLogger("reservation.service")

var tracer = otel.Tracer("github.com/rl1809/product-reservation/internal/core/service")

const (
	defaultSweepBatch = 500
	defaultOpTimeout  = 10 * time.Second
)

type ReservationService struct {
	repo      port.ReservationRepository
	events    port.EventPublisher
	recorder  port.Recorder
	clock     clock.Clock
	newID     func() string
	ttl       time.Duration
	batch     int
	opTimeout time.Duration
}

type Option func(*ReservationService)

func WithClock(clk clock.Clock) Option {
	return func(s *ReservationService) { s.clock = clk }
}

func WithEventPublisher(p port.EventPublisher) Option {
	return func(s *ReservationService) { s.events = p }
}

func WithRecorder(r port.Recorder) Option {
	return func(s *ReservationService) { s.recorder = r }
}

func WithSweepBatch(n int) Option {
	return func(s *ReservationService) {
		if n > 0 {
			s.batch = n
		}
	}
}

// WithIDGenerator replaces the UUID generator, mostly for tests.
func WithIDGenerator(fn func() string) Option {
	return func(s *ReservationService) { s.newID = fn }
}

func WithOperationTimeout(d time.Duration) Option {
	return func(s *ReservationService) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

func NewReservationService(repo port.ReservationRepository, opts ...Option) *ReservationService {
	s := &ReservationService{
		repo:      repo,
		events:    nopPublisher{},
		recorder:  nopRecorder{},
		clock:     clock.WallClock,
		newID:     func() string { return uuid.New().String() },
		ttl:       domain.ReservationTTL,
		batch:     defaultSweepBatch,
		opTimeout: defaultOpTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reserve grants actorID a time-bounded exclusive claim on productID.
// Repeated calls by the holder return the existing grant. The whole
// check-and-set runs in one transaction against a row-locked product, and the
// store's one-live-row constraint rejects the loser of any remaining race.
func (s *ReservationService) Reserve(ctx context.Context, productID, actorID string) (domain.Grant, error) {
	if err := validateIDs(productID, actorID); err != nil {
		return domain.Grant{}, err
	}

	// The attempt completes server-side even if the caller goes away.
	ctx, cancel := s.detach(ctx)
	defer cancel()

	ctx, span := tracer.Start(ctx, "ReservationService.Reserve")
	defer span.End()
	span.SetAttributes(attribute.String("product.id", productID), attribute.String("actor.id", actorID))

	var (
		grant   domain.Grant
		swept   []domain.Reservation
		created *domain.Reservation
	)
	err := s.repo.Txn(ctx, func(ctx context.Context, tx port.ReservationTx) error {
		grant, swept, created = domain.Grant{}, nil, nil
		now := s.now()

		product, err := tx.LockProduct(ctx, productID)
		if err != nil {
			return err
		}
		if product.Sold {
			return domain.ErrProductSold
		}

		live, err := tx.LiveReservations(ctx, productID)
		if err != nil {
			return errors.Annotate(err, "reading live reservations")
		}

		var active []domain.Reservation
		for _, r := range live {
			if r.ActiveAt(now) {
				active = append(active, r)
				continue
			}
			ok, err := retire(ctx, tx, r, domain.OutcomeSwept, now)
			if err != nil {
				return err
			}
			if ok {
				swept = append(swept, r)
			}
		}

		for _, r := range active {
			if r.ActorID != actorID {
				return domain.ErrProductLockedByOther
			}
		}
		if len(active) > 0 {
			r := active[0]
			grant = domain.Grant{
				ReservationID: r.ID,
				ProductID:     productID,
				ActorID:       actorID,
				ExpiresAt:     r.ExpiresAt,
				Price:         product.Price,
				Existing:      true,
			}
			return nil
		}

		reservation := domain.Reservation{
			ID:        s.newID(),
			ProductID: productID,
			ActorID:   actorID,
			CreatedAt: now.UTC(),
			ExpiresAt: now.Add(s.ttl).UTC(),
			UpdatedAt: now.UTC(),
		}
		if err := tx.CreateReservation(ctx, reservation); err != nil {
			return err
		}

		// Re-read right before touching the lock fields. A conflicting lock
		// here means the denormalized fields disagree with the reservation
		// table; returning an error rolls back the insert above.
		current, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		if current.LockedAt(now) && current.LockedBy != actorID {
			return domain.ErrProductLockedByOther
		}
		if err := tx.SetProductLock(ctx, productID, actorID, reservation.ExpiresAt); err != nil {
			return errors.Annotate(err, "writing product lock")
		}

		created = &reservation
		grant = domain.Grant{
			ReservationID: reservation.ID,
			ProductID:     productID,
			ActorID:       actorID,
			ExpiresAt:     reservation.ExpiresAt,
			Price:         current.Price,
		}
		return nil
	})
	if err != nil {
		err = classify(err)
		s.recorder.RecordOperation("reserve", outcomeOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if domain.IsBusinessError(err) {
			logger.Debugf("reserve %s by %s rejected: %v", productID, actorID, err)
		} else {
			logger.Warningf("reserve %s by %s failed: %v", productID, actorID, err)
		}
		return domain.Grant{}, err
	}

	now := s.now()
	for _, r := range swept {
		s.publish(ctx, domain.NewEvent(domain.EventSwept, r, now))
	}
	if created != nil {
		s.recorder.RecordOperation("reserve", "granted")
		s.publish(ctx, domain.NewEvent(domain.EventGranted, *created, now))
		logger.Infof("granted %s on %s to %s until %s", created.ID, productID, actorID, created.ExpiresAt.Format(time.RFC3339))
	} else {
		s.recorder.RecordOperation("reserve", "regranted")
	}
	return grant, nil
}

// Release retires the actor's reservation on productID. It never fails
// loudly: errors are logged and left for the next sweep to heal.
func (s *ReservationService) Release(ctx context.Context, productID, actorID string) {
	if err := s.TryRelease(ctx, productID, actorID); err != nil {
		logger.Warningf("release %s by %s failed, leaving it to the sweeper: %v", productID, actorID, err)
	}
}

// TryRelease is Release for callers that want to retry on failure. A
// release by an actor that holds nothing is a successful no-op, and the
// product's lock fields are only cleared while they still name actorID.
func (s *ReservationService) TryRelease(ctx context.Context, productID, actorID string) error {
	if err := validateIDs(productID, actorID); err != nil {
		return err
	}
	ctx, cancel := s.detach(ctx)
	defer cancel()

	ctx, span := tracer.Start(ctx, "ReservationService.Release")
	defer span.End()

	var released []domain.Reservation
	err := s.repo.Txn(ctx, func(ctx context.Context, tx port.ReservationTx) error {
		released = nil
		now := s.now()

		live, err := tx.LiveReservations(ctx, productID)
		if err != nil {
			return errors.Annotate(err, "reading live reservations")
		}
		for _, r := range live {
			if r.ActorID != actorID {
				continue
			}
			ok, err := retire(ctx, tx, r, domain.OutcomeReleased, now)
			if err != nil {
				return err
			}
			if ok {
				released = append(released, r)
			}
		}
		if _, err := tx.ClearProductLock(ctx, productID, actorID); err != nil {
			return errors.Annotate(err, "clearing product lock")
		}
		return nil
	})
	if err != nil {
		err = classify(err)
		s.recorder.RecordOperation("release", outcomeOf(err))
		span.RecordError(err)
		return err
	}

	if len(released) == 0 {
		s.recorder.RecordOperation("release", "noop")
		logger.Debugf("release %s by %s: nothing held", productID, actorID)
		return nil
	}
	now := s.now()
	for _, r := range released {
		s.publish(ctx, domain.NewEvent(domain.EventReleased, r, now))
	}
	s.recorder.RecordOperation("release", "released")
	logger.Infof("released %s held by %s", productID, actorID)
	return nil
}

// SweepExpired retires every live reservation whose expiry has passed and
// returns how many it retired. Safe to run concurrently with itself and with
// Reserve and Release.
func (s *ReservationService) SweepExpired(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "ReservationService.SweepExpired")
	defer span.End()

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, errors.Trace(err)
		}

		var (
			swept []domain.Reservation
			batch int
		)
		err := s.repo.Txn(ctx, func(ctx context.Context, tx port.ReservationTx) error {
			swept, batch = nil, 0
			now := s.now()

			stale, err := tx.StaleReservations(ctx, now, s.batch)
			if err != nil {
				return errors.Annotate(err, "reading stale reservations")
			}
			batch = len(stale)
			for _, r := range stale {
				ok, err := retire(ctx, tx, r, domain.OutcomeSwept, now)
				if err != nil {
					return err
				}
				if ok {
					swept = append(swept, r)
				}
			}
			return nil
		})
		if err != nil {
			err = classify(err)
			s.recorder.RecordOperation("sweep", outcomeOf(err))
			span.RecordError(err)
			logger.Errorf("sweep failed after %d released: %v", total, err)
			return total, err
		}

		now := s.now()
		for _, r := range swept {
			s.publish(ctx, domain.NewEvent(domain.EventSwept, r, now))
		}
		total += len(swept)
		if batch < s.batch {
			break
		}
	}

	s.recorder.RecordSwept(total)
	span.SetAttributes(attribute.Int("reservations.swept", total))
	if total > 0 {
		logger.Infof("swept %d expired reservations", total)
	}
	return total, nil
}

// Consume converts the actor's active reservation into a sale after payment
// succeeded. The product is marked sold in the same transaction so it cannot
// be reserved again.
func (s *ReservationService) Consume(ctx context.Context, productID, actorID string) error {
	if err := validateIDs(productID, actorID); err != nil {
		return err
	}
	ctx, cancel := s.detach(ctx)
	defer cancel()

	ctx, span := tracer.Start(ctx, "ReservationService.Consume")
	defer span.End()

	var consumed domain.Reservation
	err := s.repo.Txn(ctx, func(ctx context.Context, tx port.ReservationTx) error {
		now := s.now()

		if _, err := tx.LockProduct(ctx, productID); err != nil {
			return err
		}
		live, err := tx.LiveReservations(ctx, productID)
		if err != nil {
			return errors.Annotate(err, "reading live reservations")
		}

		held := false
		for _, r := range live {
			if r.ActorID == actorID && r.ActiveAt(now) {
				consumed, held = r, true
				break
			}
		}
		if !held {
			return domain.ErrNotHeld
		}
		if _, err := retire(ctx, tx, consumed, domain.OutcomeConsumed, now); err != nil {
			return err
		}
		return errors.Annotate(tx.MarkSold(ctx, productID), "marking product sold")
	})
	if err != nil {
		err = classify(err)
		s.recorder.RecordOperation("consume", outcomeOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warningf("consume %s by %s failed: %v", productID, actorID, err)
		return err
	}

	s.recorder.RecordOperation("consume", "consumed")
	s.publish(ctx, domain.NewEvent(domain.EventConsumed, consumed, s.now()))
	logger.Infof("consumed %s on %s by %s", consumed.ID, productID, actorID)
	return nil
}

// Holding returns the actor's active reservation on productID, or nil.
func (s *ReservationService) Holding(ctx context.Context, productID, actorID string) (*domain.Reservation, error) {
	if err := validateIDs(productID, actorID); err != nil {
		return nil, err
	}

	var held *domain.Reservation
	err := s.repo.Txn(ctx, func(ctx context.Context, tx port.ReservationTx) error {
		held = nil
		now := s.now()
		live, err := tx.LiveReservations(ctx, productID)
		if err != nil {
			return errors.Annotate(err, "reading live reservations")
		}
		for _, r := range live {
			if r.ActorID == actorID && r.ActiveAt(now) {
				held = &r
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return held, nil
}

// Availability derives a product's status from its lock fields:
// reserved means locked and locked_until still in the future.
func (s *ReservationService) Availability(ctx context.Context, productID string) (domain.Availability, error) {
	if strings.TrimSpace(productID) == "" {
		return "", fmt.Errorf("%w: empty product id", domain.ErrInvalidArgument)
	}

	var status domain.Availability
	err := s.repo.Txn(ctx, func(ctx context.Context, tx port.ReservationTx) error {
		product, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		status = product.AvailabilityAt(s.now())
		return nil
	})
	if err != nil {
		return "", classify(err)
	}
	return status, nil
}

// ListAvailability returns the status of every existing product among ids.
// Unknown ids are omitted.
func (s *ReservationService) ListAvailability(ctx context.Context, ids []string) (map[string]domain.Availability, error) {
	unique := set.NewStrings()
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			unique.Add(id)
		}
	}
	result := make(map[string]domain.Availability, unique.Size())
	if unique.IsEmpty() {
		return result, nil
	}

	err := s.repo.Txn(ctx, func(ctx context.Context, tx port.ReservationTx) error {
		products, err := tx.ListProducts(ctx, unique.SortedValues())
		if err != nil {
			return errors.Annotate(err, "listing products")
		}
		now := s.now()
		for _, p := range products {
			result[p.ID] = p.AvailabilityAt(now)
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return result, nil
}

// SaveProduct upserts catalog fields. It exists for seeding and tests; the
// catalog itself is owned elsewhere.
func (s *ReservationService) SaveProduct(ctx context.Context, product domain.Product) error {
	if strings.TrimSpace(product.ID) == "" {
		return fmt.Errorf("%w: empty product id", domain.ErrInvalidArgument)
	}
	err := s.repo.Txn(ctx, func(ctx context.Context, tx port.ReservationTx) error {
		return tx.SaveProduct(ctx, product)
	})
	return classify(err)
}

// retire marks r expired and clears the product lock if it still names r's
// actor. A row someone else already retired leaves the lock alone: it may
// belong to a newer reservation by the same actor.
func retire(ctx context.Context, tx port.ReservationTx, r domain.Reservation, outcome domain.Outcome, now time.Time) (bool, error) {
	ok, err := tx.RetireReservation(ctx, r.ID, outcome, now)
	if err != nil {
		return false, errors.Annotatef(err, "retiring reservation %s", r.ID)
	}
	if !ok {
		return false, nil
	}
	if _, err := tx.ClearProductLock(ctx, r.ProductID, r.ActorID); err != nil {
		return false, errors.Annotatef(err, "clearing lock on %s", r.ProductID)
	}
	return ok, nil
}

func (s *ReservationService) now() time.Time {
	return s.clock.Now().UTC()
}

func (s *ReservationService) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.opTimeout)
}

func (s *ReservationService) publish(ctx context.Context, event domain.Event) {
	if err := s.events.Publish(ctx, event); err != nil {
		logger.Warningf("publishing %s for %s: %v", event.Type, event.ReservationID, err)
	}
}

func validateIDs(productID, actorID string) error {
	if strings.TrimSpace(productID) == "" {
		return fmt.Errorf("%w: empty product id", domain.ErrInvalidArgument)
	}
	if strings.TrimSpace(actorID) == "" {
		return fmt.Errorf("%w: empty actor id", domain.ErrInvalidArgument)
	}
	return nil
}

// classify keeps business outcomes as they are and folds everything else
// into ErrTransientFailure, keeping the cause in the chain.
func classify(err error) error {
	if err == nil || domain.IsBusinessError(err) || errors.Is(err, domain.ErrTransientFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrTransientFailure, err)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrProductLockedByOther):
		return "locked_by_other"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrProductSold):
		return "sold"
	case errors.Is(err, domain.ErrNotHeld):
		return "not_held"
	case errors.Is(err, domain.ErrInvalidArgument):
		return "invalid"
	default:
		return "transient"
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, domain.Event) error { return nil }

type nopRecorder struct{}

func (nopRecorder) RecordOperation(string, string) {}
func (nopRecorder) RecordSwept(int)                {}
