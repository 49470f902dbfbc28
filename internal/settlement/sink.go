package settlement

import (
	"context"

	"predict-duel/internal/domain"
)

// EventSink receives settlement events after their operation commits.
// Sink failures are logged and never undo the operation.
type EventSink interface {
	Publish(ctx context.Context, events []*domain.SettlementEvent) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, events []*domain.SettlementEvent) error

// Publish implements EventSink.
func (f EventSinkFunc) Publish(ctx context.Context, events []*domain.SettlementEvent) error {
	return f(ctx, events)
}
