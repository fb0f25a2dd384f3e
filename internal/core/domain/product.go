package domain

import "time"

type Product struct {
	ID    string
	Name  string
	Price int64 // minor currency units
	Sold  bool

	// Lock fields mirror the live reservation. Only the reservation service
	// writes them.
	Locked      bool
	LockedUntil *time.Time
	LockedBy    string

	UpdatedAt time.Time
}

// LockedAt reports whether the product carries a lock that has not yet
// lapsed at now.
func (p Product) LockedAt(now time.Time) bool {
	return p.Locked && p.LockedUntil != nil && p.LockedUntil.After(now)
}

func (p Product) AvailabilityAt(now time.Time) Availability {
	switch {
	case p.Sold:
		return AvailabilitySold
	case p.LockedAt(now):
		return AvailabilityReserved
	default:
		return AvailabilityAvailable
	}
}

// WithLock returns a copy of p locked by actorID until the given time.
func (p Product) WithLock(actorID string, until time.Time) Product {
	until = until.UTC()
	p.Locked = true
	p.LockedUntil = &until
	p.LockedBy = actorID
	return p
}

func (p Product) WithoutLock() Product {
	p.Locked = false
	p.LockedUntil = nil
	p.LockedBy = ""
	return p
}
