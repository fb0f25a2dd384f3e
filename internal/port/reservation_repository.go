package port

import (
	"context"
	"time"

	"github.com/rl1809/product-reservation/internal/core/domain"
)

type ReservationRepository interface {
	// Txn runs fn inside one datastore transaction. Any error returned by fn
	// rolls back every write made through tx and is returned unchanged.
	Txn(ctx context.Context, fn func(ctx context.Context, tx ReservationTx) error) error
}

type ReservationTx interface {
	// LockProduct reads a product and holds a row lock on it until the
	// transaction ends. Returns domain.ErrNotFound if it does not exist.
	LockProduct(ctx context.Context, productID string) (domain.Product, error)

	// GetProduct reads a product without locking it.
	GetProduct(ctx context.Context, productID string) (domain.Product, error)

	// ListProducts returns the products that exist among ids, in no
	// particular order.
	ListProducts(ctx context.Context, ids []string) ([]domain.Product, error)

	// SaveProduct inserts or updates a product's catalog fields (name, price,
	// sold). Lock fields are left untouched on update.
	SaveProduct(ctx context.Context, product domain.Product) error

	// LiveReservations returns the product's reservations that have not been
	// retired, whether or not they have lapsed in time.
	LiveReservations(ctx context.Context, productID string) ([]domain.Reservation, error)

	// CreateReservation inserts a live reservation. A second live row for the
	// same product fails with domain.ErrProductLockedByOther.
	CreateReservation(ctx context.Context, reservation domain.Reservation) error

	// RetireReservation marks a live reservation expired with the given
	// outcome. Returns false if it was already retired.
	RetireReservation(ctx context.Context, id string, outcome domain.Outcome, at time.Time) (bool, error)

	// StaleReservations returns at most limit live reservations whose expiry
	// is at or before now.
	StaleReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)

	// SetProductLock writes the denormalized lock fields.
	SetProductLock(ctx context.Context, productID, actorID string, until time.Time) error

	// ClearProductLock clears the lock fields only while locked_by equals
	// actorID. Returns false if nothing was cleared.
	ClearProductLock(ctx context.Context, productID, actorID string) (bool, error)

	MarkSold(ctx context.Context, productID string) error
}
