package storage

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Dialect captures what differs between the SQL engines the store runs on.
type Dialect struct {
	Name string

	// DriverName is the database/sql driver to open.
	DriverName string

	// forUpdate is appended to row-locking reads.
	forUpdate string

	// numbered placeholders ($1, $2, ...) instead of '?'.
	numbered bool

	schema        []string
	upsertProduct string
	isUnique      func(error) bool
}

var (
	MySQL = Dialect{
		Name:       "mysql",
		DriverName: "mysql",
		forUpdate:  " FOR UPDATE",
		schema: []string{`
CREATE TABLE IF NOT EXISTS products (
	id           VARCHAR(64)  NOT NULL PRIMARY KEY,
	name         VARCHAR(255) NOT NULL DEFAULT '',
	price        BIGINT       NOT NULL DEFAULT 0,
	sold         BOOLEAN      NOT NULL DEFAULT FALSE,
	locked       BOOLEAN      NOT NULL DEFAULT FALSE,
	locked_until DATETIME(6)  NULL,
	locked_by    VARCHAR(128) NULL,
	updated_at   DATETIME(6)  NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS reservations (
	id              CHAR(36)     NOT NULL PRIMARY KEY,
	product_id      VARCHAR(64)  NOT NULL,
	actor_id        VARCHAR(128) NOT NULL,
	created_at      DATETIME(6)  NOT NULL,
	expires_at      DATETIME(6)  NOT NULL,
	expired         BOOLEAN      NOT NULL DEFAULT FALSE,
	outcome         VARCHAR(16)  NOT NULL DEFAULT '',
	updated_at      DATETIME(6)  NOT NULL,
	live_product_id VARCHAR(64)  AS (IF(expired, NULL, product_id)) STORED,
	UNIQUE KEY reservations_one_live (live_product_id),
	KEY reservations_sweep (expired, expires_at),
	KEY reservations_product (product_id, actor_id)
)`},
		upsertProduct: `
INSERT INTO products (id, name, price, sold, locked, updated_at)
VALUES (?, ?, ?, ?, FALSE, ?)
ON DUPLICATE KEY UPDATE name = VALUES(name), price = VALUES(price), sold = VALUES(sold), updated_at = VALUES(updated_at)`,
		isUnique: func(err error) bool {
			var me *mysql.MySQLError
			return errors.As(err, &me) && me.Number == 1062
		},
	}

	Postgres = Dialect{
		Name:       "postgres",
		DriverName: "postgres",
		forUpdate:  " FOR UPDATE",
		numbered:   true,
		schema: []string{`
CREATE TABLE IF NOT EXISTS products (
	id           VARCHAR(64)  PRIMARY KEY,
	name         VARCHAR(255) NOT NULL DEFAULT '',
	price        BIGINT       NOT NULL DEFAULT 0,
	sold         BOOLEAN      NOT NULL DEFAULT FALSE,
	locked       BOOLEAN      NOT NULL DEFAULT FALSE,
	locked_until TIMESTAMPTZ  NULL,
	locked_by    VARCHAR(128) NULL,
	updated_at   TIMESTAMPTZ  NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS reservations (
	id         UUID         PRIMARY KEY,
	product_id VARCHAR(64)  NOT NULL,
	actor_id   VARCHAR(128) NOT NULL,
	created_at TIMESTAMPTZ  NOT NULL,
	expires_at TIMESTAMPTZ  NOT NULL,
	expired    BOOLEAN      NOT NULL DEFAULT FALSE,
	outcome    VARCHAR(16)  NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ  NOT NULL
)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS reservations_one_live ON reservations (product_id) WHERE NOT expired`,
			`CREATE INDEX IF NOT EXISTS reservations_sweep ON reservations (expires_at) WHERE NOT expired`,
			`CREATE INDEX IF NOT EXISTS reservations_product ON reservations (product_id, actor_id)`,
		},
		upsertProduct: `
INSERT INTO products (id, name, price, sold, locked, updated_at)
VALUES (?, ?, ?, ?, FALSE, ?)
ON CONFLICT (id) DO UPDATE SET name = excluded.name, price = excluded.price, sold = excluded.sold, updated_at = excluded.updated_at`,
		isUnique: func(err error) bool {
			var pe *pq.Error
			return errors.As(err, &pe) && pe.Code == "23505"
		},
	}

	// SQLite serialises writers on the whole database, so row locks are not
	// needed; the partial unique index still guards the one-live-row rule.
	SQLite = Dialect{
		Name:       "sqlite",
		DriverName: "sqlite3",
		schema: []string{`
CREATE TABLE IF NOT EXISTS products (
	id           TEXT      PRIMARY KEY,
	name         TEXT      NOT NULL DEFAULT '',
	price        INTEGER   NOT NULL DEFAULT 0,
	sold         BOOLEAN   NOT NULL DEFAULT FALSE,
	locked       BOOLEAN   NOT NULL DEFAULT FALSE,
	locked_until TIMESTAMP NULL,
	locked_by    TEXT      NULL,
	updated_at   TIMESTAMP NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS reservations (
	id         TEXT      PRIMARY KEY,
	product_id TEXT      NOT NULL,
	actor_id   TEXT      NOT NULL,
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	expired    BOOLEAN   NOT NULL DEFAULT FALSE,
	outcome    TEXT      NOT NULL DEFAULT '',
	updated_at TIMESTAMP NOT NULL
)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS reservations_one_live ON reservations (product_id) WHERE NOT expired`,
			`CREATE INDEX IF NOT EXISTS reservations_sweep ON reservations (expires_at) WHERE NOT expired`,
			`CREATE INDEX IF NOT EXISTS reservations_product ON reservations (product_id, actor_id)`,
		},
		upsertProduct: `
INSERT INTO products (id, name, price, sold, locked, updated_at)
VALUES (?, ?, ?, ?, FALSE, ?)
ON CONFLICT (id) DO UPDATE SET name = excluded.name, price = excluded.price, sold = excluded.sold, updated_at = excluded.updated_at`,
		isUnique: func(err error) bool {
			var se sqlite3.Error
			return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
		},
	}
)

func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "mysql":
		return MySQL, nil
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unknown sql dialect %q", name)
	}
}

// rebind rewrites '?' placeholders for dialects that number them.
func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) IsUniqueViolation(err error) bool {
	return err != nil && d.isUnique != nil && d.isUnique(err)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
