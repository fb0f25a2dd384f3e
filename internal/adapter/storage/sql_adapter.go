package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/juju/loggo"

	"github.com/rl1809/product-reservation/internal/core/domain"
	"github.com/rl1809/product-reservation/internal/port"
)

var logger = loggo.GetLogger("reservation.storage")

// SQLAdapter is the relational reservation store. Reservations and product
// lock fields are written in the same transaction.
type SQLAdapter struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLAdapter(db *sql.DB, dialect Dialect) *SQLAdapter {
	return &SQLAdapter{db: db, dialect: dialect}
}

func (m *SQLAdapter) Dialect() Dialect {
	return m.dialect
}

// Migrate creates the tables and indexes if they are missing.
func (m *SQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range m.dialect.schema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", m.dialect.Name, err)
		}
	}
	logger.Infof("%s schema ready", m.dialect.Name)
	return nil
}

func (m *SQLAdapter) Txn(ctx context.Context, fn func(ctx context.Context, tx port.ReservationTx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &sqlTx{tx: tx, dialect: m.dialect}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type sqlTx struct {
	tx      *sql.Tx
	dialect Dialect
}

const productColumns = `id, name, price, sold, locked, locked_until, locked_by, updated_at`

const reservationColumns = `id, product_id, actor_id, created_at, expires_at, expired, outcome, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var (
		p           domain.Product
		lockedUntil sql.NullTime
		lockedBy    sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Price, &p.Sold, &p.Locked, &lockedUntil, &lockedBy, &p.UpdatedAt); err != nil {
		return domain.Product{}, err
	}
	if lockedUntil.Valid {
		t := lockedUntil.Time.UTC()
		p.LockedUntil = &t
	}
	p.LockedBy = lockedBy.String
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func scanReservation(row rowScanner) (domain.Reservation, error) {
	var (
		r       domain.Reservation
		outcome string
	)
	if err := row.Scan(&r.ID, &r.ProductID, &r.ActorID, &r.CreatedAt, &r.ExpiresAt, &r.Expired, &outcome, &r.UpdatedAt); err != nil {
		return domain.Reservation{}, err
	}
	r.Outcome = domain.Outcome(outcome)
	r.CreatedAt = r.CreatedAt.UTC()
	r.ExpiresAt = r.ExpiresAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func (t *sqlTx) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.dialect.rebind(q), args...)
}

func (t *sqlTx) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.rebind(q), args...)
}

func (t *sqlTx) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.rebind(q), args...)
}

func (t *sqlTx) LockProduct(ctx context.Context, productID string) (domain.Product, error) {
	return t.readProduct(ctx, productID, t.dialect.forUpdate)
}

func (t *sqlTx) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	return t.readProduct(ctx, productID, "")
}

func (t *sqlTx) readProduct(ctx context.Context, productID, suffix string) (domain.Product, error) {
	p, err := scanProduct(t.queryRow(ctx, `
		SELECT `+productColumns+`
		FROM products WHERE id = ?`+suffix, productID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("query product: %w", err)
	}
	return p, nil
}

func (t *sqlTx) ListProducts(ctx context.Context, ids []string) ([]domain.Product, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := t.query(ctx, `
		SELECT `+productColumns+`
		FROM products WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (t *sqlTx) SaveProduct(ctx context.Context, product domain.Product) error {
	_, err := t.exec(ctx, t.dialect.upsertProduct,
		product.ID, product.Name, product.Price, product.Sold, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

func (t *sqlTx) LiveReservations(ctx context.Context, productID string) ([]domain.Reservation, error) {
	return t.queryReservations(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE product_id = ? AND expired = FALSE
		ORDER BY created_at`, productID)
}

func (t *sqlTx) StaleReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	return t.queryReservations(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE expired = FALSE AND expires_at <= ?
		ORDER BY expires_at
		LIMIT ?`, now.UTC(), limit)
}

func (t *sqlTx) queryReservations(ctx context.Context, q string, args ...any) ([]domain.Reservation, error) {
	rows, err := t.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *sqlTx) CreateReservation(ctx context.Context, r domain.Reservation) error {
	_, err := t.exec(ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES (?, ?, ?, ?, ?, FALSE, ?, ?)`,
		r.ID, r.ProductID, r.ActorID, r.CreatedAt.UTC(), r.ExpiresAt.UTC(), string(domain.OutcomeLive), r.UpdatedAt.UTC(),
	)
	if t.dialect.IsUniqueViolation(err) {
		return domain.ErrProductLockedByOther
	}
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (t *sqlTx) RetireReservation(ctx context.Context, id string, outcome domain.Outcome, at time.Time) (bool, error) {
	result, err := t.exec(ctx, `
		UPDATE reservations
		SET expired = TRUE, outcome = ?, updated_at = ?
		WHERE id = ? AND expired = FALSE`,
		string(outcome), at.UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("retire reservation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("retire reservation: %w", err)
	}
	return rows > 0, nil
}

func (t *sqlTx) SetProductLock(ctx context.Context, productID, actorID string, until time.Time) error {
	result, err := t.exec(ctx, `
		UPDATE products
		SET locked = TRUE, locked_until = ?, locked_by = ?, updated_at = ?
		WHERE id = ?`,
		until.UTC(), actorID, time.Now().UTC(), productID,
	)
	if err != nil {
		return fmt.Errorf("lock product: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *sqlTx) ClearProductLock(ctx context.Context, productID, actorID string) (bool, error) {
	result, err := t.exec(ctx, `
		UPDATE products
		SET locked = FALSE, locked_until = NULL, locked_by = NULL, updated_at = ?
		WHERE id = ? AND locked_by = ?`,
		time.Now().UTC(), productID, actorID,
	)
	if err != nil {
		return false, fmt.Errorf("unlock product: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("unlock product: %w", err)
	}
	return rows > 0, nil
}

func (t *sqlTx) MarkSold(ctx context.Context, productID string) error {
	result, err := t.exec(ctx, `
		UPDATE products SET sold = TRUE, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), productID,
	)
	if err != nil {
		return fmt.Errorf("mark sold: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}
