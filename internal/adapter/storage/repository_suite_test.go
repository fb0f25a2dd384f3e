package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/product-reservation/internal/core/domain"
	"github.com/rl1809/product-reservation/internal/port"
)

var errRollback = errors.New("rollback please")

// runRepositorySuite checks the behaviour every ReservationRepository must
// share. ids must be unique per run so shared databases can be reused.
func runRepositorySuite(t *testing.T, repo port.ReservationRepository, ids func(string) string) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	txn := func(t *testing.T, fn func(tx port.ReservationTx) error) error {
		t.Helper()
		return repo.Txn(ctx, func(ctx context.Context, tx port.ReservationTx) error {
			return fn(tx)
		})
	}
	mustTxn := func(t *testing.T, fn func(tx port.ReservationTx) error) {
		t.Helper()
		require.NoError(t, txn(t, fn))
	}
	reservation := func(id, productID, actorID string, expiresAt time.Time) domain.Reservation {
		return domain.Reservation{
			ID:        id,
			ProductID: productID,
			ActorID:   actorID,
			CreatedAt: now,
			ExpiresAt: expiresAt,
			UpdatedAt: now,
		}
	}

	t.Run("missing product", func(t *testing.T) {
		err := txn(t, func(tx port.ReservationTx) error {
			_, err := tx.LockProduct(ctx, ids("nope"))
			return err
		})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("save and read product", func(t *testing.T) {
		id := ids("teapot")
		mustTxn(t, func(tx port.ReservationTx) error {
			return tx.SaveProduct(ctx, domain.Product{ID: id, Name: "Blue teapot", Price: 4200})
		})
		mustTxn(t, func(tx port.ReservationTx) error {
			p, err := tx.GetProduct(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, "Blue teapot", p.Name)
			assert.EqualValues(t, 4200, p.Price)
			assert.False(t, p.Locked)
			assert.Nil(t, p.LockedUntil)
			assert.Empty(t, p.LockedBy)
			return nil
		})
	})

	t.Run("upsert keeps lock fields", func(t *testing.T) {
		id := ids("bowl")
		until := now.Add(time.Minute)
		mustTxn(t, func(tx port.ReservationTx) error {
			require.NoError(t, tx.SaveProduct(ctx, domain.Product{ID: id, Price: 100}))
			return tx.SetProductLock(ctx, id, "actor-a", until)
		})
		mustTxn(t, func(tx port.ReservationTx) error {
			require.NoError(t, tx.SaveProduct(ctx, domain.Product{ID: id, Price: 150}))
			p, err := tx.LockProduct(ctx, id)
			require.NoError(t, err)
			assert.EqualValues(t, 150, p.Price)
			assert.True(t, p.Locked)
			assert.Equal(t, "actor-a", p.LockedBy)
			require.NotNil(t, p.LockedUntil)
			assert.WithinDuration(t, until, *p.LockedUntil, time.Millisecond)
			return nil
		})
	})

	t.Run("one live reservation per product", func(t *testing.T) {
		id := ids("scarf")
		mustTxn(t, func(tx port.ReservationTx) error {
			require.NoError(t, tx.SaveProduct(ctx, domain.Product{ID: id}))
			return tx.CreateReservation(ctx, reservation(ids("r1"), id, "actor-a", now.Add(time.Minute)))
		})

		err := txn(t, func(tx port.ReservationTx) error {
			return tx.CreateReservation(ctx, reservation(ids("r2"), id, "actor-b", now.Add(time.Minute)))
		})
		assert.ErrorIs(t, err, domain.ErrProductLockedByOther)

		mustTxn(t, func(tx port.ReservationTx) error {
			ok, err := tx.RetireReservation(ctx, ids("r1"), domain.OutcomeReleased, now)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = tx.RetireReservation(ctx, ids("r1"), domain.OutcomeSwept, now)
			require.NoError(t, err)
			assert.False(t, ok, "retiring twice must be a no-op")

			return tx.CreateReservation(ctx, reservation(ids("r3"), id, "actor-b", now.Add(time.Minute)))
		})

		mustTxn(t, func(tx port.ReservationTx) error {
			live, err := tx.LiveReservations(ctx, id)
			require.NoError(t, err)
			require.Len(t, live, 1)
			assert.Equal(t, ids("r3"), live[0].ID)
			assert.Equal(t, "actor-b", live[0].ActorID)
			assert.False(t, live[0].Expired)
			return nil
		})
	})

	t.Run("stale reservations", func(t *testing.T) {
		lapsed, fresh := ids("lapsed"), ids("fresh")
		mustTxn(t, func(tx port.ReservationTx) error {
			require.NoError(t, tx.SaveProduct(ctx, domain.Product{ID: lapsed}))
			require.NoError(t, tx.SaveProduct(ctx, domain.Product{ID: fresh}))
			require.NoError(t, tx.CreateReservation(ctx, reservation(ids("old"), lapsed, "actor-a", now.Add(-time.Second))))
			return tx.CreateReservation(ctx, reservation(ids("new"), fresh, "actor-a", now.Add(time.Hour)))
		})

		mustTxn(t, func(tx port.ReservationTx) error {
			stale, err := tx.StaleReservations(ctx, now, 1000)
			require.NoError(t, err)
			var found []string
			for _, r := range stale {
				found = append(found, r.ID)
			}
			assert.Contains(t, found, ids("old"))
			assert.NotContains(t, found, ids("new"))

			limited, err := tx.StaleReservations(ctx, now, 1)
			require.NoError(t, err)
			assert.Len(t, limited, 1)
			return nil
		})
	})

	t.Run("clear lock only for holder", func(t *testing.T) {
		id := ids("ring")
		mustTxn(t, func(tx port.ReservationTx) error {
			require.NoError(t, tx.SaveProduct(ctx, domain.Product{ID: id}))
			return tx.SetProductLock(ctx, id, "actor-b", now.Add(time.Minute))
		})
		mustTxn(t, func(tx port.ReservationTx) error {
			cleared, err := tx.ClearProductLock(ctx, id, "actor-a")
			require.NoError(t, err)
			assert.False(t, cleared)

			p, err := tx.GetProduct(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, "actor-b", p.LockedBy)

			cleared, err = tx.ClearProductLock(ctx, id, "actor-b")
			require.NoError(t, err)
			assert.True(t, cleared)

			p, err = tx.GetProduct(ctx, id)
			require.NoError(t, err)
			assert.False(t, p.Locked)
			assert.Nil(t, p.LockedUntil)
			assert.Empty(t, p.LockedBy)
			return nil
		})
	})

	t.Run("rollback discards writes", func(t *testing.T) {
		id := ids("quilt")
		mustTxn(t, func(tx port.ReservationTx) error {
			return tx.SaveProduct(ctx, domain.Product{ID: id})
		})

		err := txn(t, func(tx port.ReservationTx) error {
			require.NoError(t, tx.CreateReservation(ctx, reservation(ids("rb"), id, "actor-a", now.Add(time.Minute))))
			require.NoError(t, tx.SetProductLock(ctx, id, "actor-a", now.Add(time.Minute)))
			return errRollback
		})
		assert.ErrorIs(t, err, errRollback)

		mustTxn(t, func(tx port.ReservationTx) error {
			live, err := tx.LiveReservations(ctx, id)
			require.NoError(t, err)
			assert.Empty(t, live)

			p, err := tx.GetProduct(ctx, id)
			require.NoError(t, err)
			assert.False(t, p.Locked)
			return nil
		})
	})

	t.Run("list and sell", func(t *testing.T) {
		a, b := ids("print-a"), ids("print-b")
		mustTxn(t, func(tx port.ReservationTx) error {
			require.NoError(t, tx.SaveProduct(ctx, domain.Product{ID: a}))
			require.NoError(t, tx.SaveProduct(ctx, domain.Product{ID: b}))
			return tx.MarkSold(ctx, b)
		})
		mustTxn(t, func(tx port.ReservationTx) error {
			products, err := tx.ListProducts(ctx, []string{a, b, ids("ghost")})
			require.NoError(t, err)
			require.Len(t, products, 2)
			sold := map[string]bool{}
			for _, p := range products {
				sold[p.ID] = p.Sold
			}
			assert.False(t, sold[a])
			assert.True(t, sold[b])

			assert.ErrorIs(t, tx.MarkSold(ctx, ids("ghost")), domain.ErrNotFound)
			return nil
		})
	})
}

func TestMemoryAdapter_Repository(t *testing.T) {
	runRepositorySuite(t, NewMemoryAdapter(), func(s string) string { return s })
}

func TestMemoryAdapter_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := NewMemoryAdapter().Txn(ctx, func(context.Context, port.ReservationTx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
