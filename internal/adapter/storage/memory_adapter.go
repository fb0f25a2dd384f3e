package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/product-reservation/internal/core/domain"
	"github.com/rl1809/product-reservation/internal/port"
)

// MemoryAdapter is an in-process reservation store. Transactions are fully
// serialised and roll back by restoring a snapshot, so it behaves like the
// SQL store for a single process.
type MemoryAdapter struct {
	mu           sync.Mutex
	products     map[string]domain.Product
	reservations map[string]domain.Reservation
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		products:     make(map[string]domain.Product),
		reservations: make(map[string]domain.Reservation),
	}
}

func (m *MemoryAdapter) Txn(ctx context.Context, fn func(ctx context.Context, tx port.ReservationTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	products := make(map[string]domain.Product, len(m.products))
	for k, v := range m.products {
		products[k] = v
	}
	reservations := make(map[string]domain.Reservation, len(m.reservations))
	for k, v := range m.reservations {
		reservations[k] = v
	}

	if err := fn(ctx, &memoryTx{m: m}); err != nil {
		m.products = products
		m.reservations = reservations
		return err
	}
	return nil
}

// Reservations returns every stored reservation for a product, retired ones
// included, oldest first.
func (m *MemoryAdapter) Reservations(productID string) []domain.Reservation {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Reservation
	for _, r := range m.reservations {
		if r.ProductID == productID {
			out = append(out, r)
		}
	}
	sortReservations(out)
	return out
}

func (m *MemoryAdapter) Product(productID string) (domain.Product, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	return p, ok
}

// memoryTx is only used while MemoryAdapter.mu is held.
type memoryTx struct {
	m *MemoryAdapter
}

func (t *memoryTx) LockProduct(ctx context.Context, productID string) (domain.Product, error) {
	return t.GetProduct(ctx, productID)
}

func (t *memoryTx) GetProduct(_ context.Context, productID string) (domain.Product, error) {
	p, ok := t.m.products[productID]
	if !ok {
		return domain.Product{}, domain.ErrNotFound
	}
	return p, nil
}

func (t *memoryTx) ListProducts(_ context.Context, ids []string) ([]domain.Product, error) {
	var out []domain.Product
	for _, id := range ids {
		if p, ok := t.m.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *memoryTx) SaveProduct(_ context.Context, product domain.Product) error {
	existing, ok := t.m.products[product.ID]
	if !ok {
		existing = domain.Product{ID: product.ID}
	}
	existing.Name = product.Name
	existing.Price = product.Price
	existing.Sold = product.Sold
	existing.UpdatedAt = time.Now().UTC()
	t.m.products[product.ID] = existing
	return nil
}

func (t *memoryTx) LiveReservations(_ context.Context, productID string) ([]domain.Reservation, error) {
	var out []domain.Reservation
	for _, r := range t.m.reservations {
		if r.ProductID == productID && !r.Expired {
			out = append(out, r)
		}
	}
	sortReservations(out)
	return out, nil
}

func (t *memoryTx) StaleReservations(_ context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	var out []domain.Reservation
	for _, r := range t.m.reservations {
		if r.StaleAt(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memoryTx) CreateReservation(_ context.Context, r domain.Reservation) error {
	for _, existing := range t.m.reservations {
		if existing.ProductID == r.ProductID && !existing.Expired {
			return domain.ErrProductLockedByOther
		}
	}
	r.Expired = false
	r.Outcome = domain.OutcomeLive
	t.m.reservations[r.ID] = r
	return nil
}

func (t *memoryTx) RetireReservation(_ context.Context, id string, outcome domain.Outcome, at time.Time) (bool, error) {
	r, ok := t.m.reservations[id]
	if !ok || r.Expired {
		return false, nil
	}
	r.Expired = true
	r.Outcome = outcome
	r.UpdatedAt = at.UTC()
	t.m.reservations[id] = r
	return true, nil
}

func (t *memoryTx) SetProductLock(_ context.Context, productID, actorID string, until time.Time) error {
	p, ok := t.m.products[productID]
	if !ok {
		return domain.ErrNotFound
	}
	p = p.WithLock(actorID, until)
	p.UpdatedAt = time.Now().UTC()
	t.m.products[productID] = p
	return nil
}

func (t *memoryTx) ClearProductLock(_ context.Context, productID, actorID string) (bool, error) {
	p, ok := t.m.products[productID]
	if !ok || p.LockedBy != actorID {
		return false, nil
	}
	p = p.WithoutLock()
	p.UpdatedAt = time.Now().UTC()
	t.m.products[productID] = p
	return true, nil
}

func (t *memoryTx) MarkSold(_ context.Context, productID string) error {
	p, ok := t.m.products[productID]
	if !ok {
		return domain.ErrNotFound
	}
	p.Sold = true
	p.UpdatedAt = time.Now().UTC()
	t.m.products[productID] = p
	return nil
}

func sortReservations(rs []domain.Reservation) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].CreatedAt.Before(rs[j].CreatedAt)
	})
}

// MemoryCartAdapter keeps carts in process, for running without Redis.
type MemoryCartAdapter struct {
	mu    sync.Mutex
	carts map[string]map[string]domain.CartEntry
}

func NewMemoryCartAdapter() *MemoryCartAdapter {
	return &MemoryCartAdapter{carts: make(map[string]map[string]domain.CartEntry)}
}

func (m *MemoryCartAdapter) LoadCart(_ context.Context, sessionID string) ([]domain.CartEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.CartEntry, 0, len(m.carts[sessionID]))
	for _, e := range m.carts[sessionID] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (m *MemoryCartAdapter) SaveCartEntry(_ context.Context, sessionID string, entry domain.CartEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cart, ok := m.carts[sessionID]
	if !ok {
		cart = make(map[string]domain.CartEntry)
		m.carts[sessionID] = cart
	}
	cart[entry.ProductID] = entry
	return nil
}

func (m *MemoryCartAdapter) RemoveCartEntries(_ context.Context, sessionID string, productIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range productIDs {
		delete(m.carts[sessionID], id)
	}
	return nil
}

func (m *MemoryCartAdapter) ClearCart(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.carts, sessionID)
	return nil
}
