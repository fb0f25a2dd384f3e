package domain

import "time"

const (
	ReservationTTL = 15 * time.Minute
	CountdownTick  = time.Second
)

type Availability string

const (
	AvailabilityAvailable Availability = "available"
	AvailabilityReserved  Availability = "reserved"
	AvailabilitySold      Availability = "sold"
)

func ExpiryFrom(grantedAt time.Time) time.Time {
	return grantedAt.Add(ReservationTTL).UTC()
}

// Remaining is the time left until expiresAt, never negative.
func Remaining(expiresAt, now time.Time) time.Duration {
	d := expiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
