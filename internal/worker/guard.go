package worker

import (
	"context"
	"fmt"
	"log/slog"

	"taskpulse.app/pipeline/common/logger"
	"taskpulse.app/pipeline/internal/event"
	"taskpulse.app/pipeline/internal/queue"
)

const payloadPreviewLen = 256

// Guard turns raw deliveries into events without ever letting bad bytes
// escape as a panic or a half-built value.
type Guard struct {
	registry *event.Registry
}

func NewGuard(registry *event.Registry) *Guard {
	return &Guard{registry: registry}
}

// Inspect decodes d and reports why it could not be decoded. The event is nil
// whenever the error is not.
func (g *Guard) Inspect(ctx context.Context, d queue.Delivery) (ev event.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			ev = nil
			err = fmt.Errorf("%w: decoder panic: %v", event.ErrMalformed, r)
		}
	}()

	if d.Value == nil {
		return nil, fmt.Errorf("%w: tombstone record", event.ErrMalformed)
	}
	return g.registry.Decode(d.Value)
}

// Decode is Inspect for callers that only need the event. Undecodable
// deliveries are logged and reported as absent.
func (g *Guard) Decode(ctx context.Context, d queue.Delivery) (event.Event, bool) {
	ev, err := g.Inspect(ctx, d)
	if err != nil {
		logUndecodable(ctx, d, err)
		return nil, false
	}
	return ev, true
}

func logUndecodable(ctx context.Context, d queue.Delivery, err error) {
	slog.WarnContext(ctx, "discarding undecodable message",
		"message_id", d.ID(),
		"error", err,
		"payload", logger.Truncate(string(d.Value), payloadPreviewLen))
}
