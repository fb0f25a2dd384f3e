package handler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/product-reservation/internal/adapter/storage"
	"github.com/rl1809/product-reservation/internal/core/domain"
	"github.com/rl1809/product-reservation/internal/core/service"
	"github.com/rl1809/product-reservation/internal/port"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	clock *testclock.Clock
	repo  *storage.MemoryAdapter
	carts *storage.MemoryCartAdapter
	svc   *service.ReservationService
}

func newEnv(t *testing.T, products ...string) *env {
	t.Helper()
	e := &env{
		clock: testclock.NewClock(t0),
		repo:  storage.NewMemoryAdapter(),
		carts: storage.NewMemoryCartAdapter(),
	}
	e.svc = service.NewReservationService(e.repo, service.WithClock(e.clock))
	for _, id := range products {
		require.NoError(t, e.svc.SaveProduct(context.Background(), domain.Product{ID: id, Name: id, Price: 2500}))
	}
	return e
}

// downRepo fails every transaction, like a store that is unreachable.
type downRepo struct {
	port.ReservationRepository
}

func (downRepo) Txn(context.Context, func(context.Context, port.ReservationTx) error) error {
	return errors.New("connection refused")
}

func newDownEnv() *env {
	e := &env{
		clock: testclock.NewClock(t0),
		carts: storage.NewMemoryCartAdapter(),
	}
	e.svc = service.NewReservationService(downRepo{}, service.WithClock(e.clock))
	return e
}
