package domain

import "time"

type Outcome string

const (
	OutcomeLive        Outcome = ""
	OutcomeReleased    Outcome = "released"
	OutcomeSwept       Outcome = "swept"
	OutcomeConsumed    Outcome = "consumed"
	OutcomeCompensated Outcome = "compensated"
)

// Reservation is an append-only record of a time-bounded claim on a product.
// Rows are retired by setting Expired, never deleted.
type Reservation struct {
	ID        string
	ProductID string
	ActorID   string
	CreatedAt time.Time
	ExpiresAt time.Time
	Expired   bool
	Outcome   Outcome
	UpdatedAt time.Time
}

// Live reports whether the row has not been retired yet. A live row may
// still have lapsed in time and be waiting for a sweep.
func (r Reservation) Live() bool {
	return !r.Expired
}

func (r Reservation) ActiveAt(now time.Time) bool {
	return !r.Expired && r.ExpiresAt.After(now)
}

func (r Reservation) StaleAt(now time.Time) bool {
	return !r.Expired && !r.ExpiresAt.After(now)
}

// Grant is what a successful reserve call hands back to the caller.
type Grant struct {
	ReservationID string
	ProductID     string
	ActorID       string
	ExpiresAt     time.Time
	Price         int64
	Existing      bool // an already active reservation was returned
}
