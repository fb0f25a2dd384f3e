package port

import (
	"context"

	"github.com/rl1809/product-reservation/internal/core/domain"
)

type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// Recorder receives reservation outcomes for metrics.
type Recorder interface {
	RecordOperation(op, outcome string)
	RecordSwept(count int)
}
