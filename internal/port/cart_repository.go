package port

import (
	"context"

	"github.com/rl1809/product-reservation/internal/core/domain"
)

// CartRepository persists a session's cart mirror between loads.
type CartRepository interface {
	LoadCart(ctx context.Context, sessionID string) ([]domain.CartEntry, error)

	SaveCartEntry(ctx context.Context, sessionID string, entry domain.CartEntry) error

	RemoveCartEntries(ctx context.Context, sessionID string, productIDs ...string) error

	ClearCart(ctx context.Context, sessionID string) error
}
