package domain

import "time"

type EventType string

const (
	EventGranted  EventType = "reservation.granted"
	EventReleased EventType = "reservation.released"
	EventSwept    EventType = "reservation.swept"
	EventConsumed EventType = "reservation.consumed"
)

type Event struct {
	Type          EventType `json:"type"`
	ReservationID string    `json:"reservation_id"`
	ProductID     string    `json:"product_id"`
	ActorID       string    `json:"actor_id"`
	ExpiresAt     time.Time `json:"expires_at"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func NewEvent(t EventType, r Reservation, at time.Time) Event {
	return Event{
		Type:          t,
		ReservationID: r.ID,
		ProductID:     r.ProductID,
		ActorID:       r.ActorID,
		ExpiresAt:     r.ExpiresAt,
		OccurredAt:    at.UTC(),
	}
}
