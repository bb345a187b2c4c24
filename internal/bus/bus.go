package bus

import (
	"context"

	"chatpipe/internal/models"
)

// Bus broadcasts fan-out events to every subscribing process. Delivery is
// at-most-once with no replay: durability lives in the store, not here.
type Bus interface {
	// Publish is fire-and-forget. An error only degrades real-time
	// delivery and must never fail the publishing job.
	Publish(ctx context.Context, event *models.Event) error
	// Subscribe returns a channel that receives every event published on
	// the given topics while ctx is live. The channel closes when ctx is
	// cancelled.
	Subscribe(ctx context.Context, topics ...models.Topic) (<-chan *models.Event, error)
	Close() error
}
