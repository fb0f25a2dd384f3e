package domain

import "time"

// CartEntry is a display-only copy of a reservation grant kept by the
// shopper's session. The reservation store always wins over it.
type CartEntry struct {
	ProductID     string    `json:"product_id"`
	ReservationID string    `json:"reservation_id"`
	ActorID       string    `json:"actor_id"`
	Price         int64     `json:"price"`
	ExpiresAt     time.Time `json:"expires_at"`
	AddedAt       time.Time `json:"added_at"`
}

func (e CartEntry) Remaining(now time.Time) time.Duration {
	return Remaining(e.ExpiresAt, now)
}
