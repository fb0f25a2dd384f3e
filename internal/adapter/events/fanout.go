package events

import (
	"context"
	"errors"

	"github.com/juju/loggo"

	"github.com/rl1809/product-reservation/internal/core/domain"
	"github.com/rl1809/product-reservation/internal/port"
)

var logger = loggo.GetLogger("reservation.events")

// Fanout publishes each event to every publisher. One failing sink does not
// stop the others.
type Fanout []port.EventPublisher

func (f Fanout) Publish(ctx context.Context, event domain.Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(_ context.Context, event domain.Event) error {
	logger.Tracef("dropping %s for %s", event.Type, event.ReservationID)
	return nil
}
