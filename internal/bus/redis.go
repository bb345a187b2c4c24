package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"chatpipe/internal/constants"
	"chatpipe/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const channelPrefix = "chatpipe:events:"

// RedisBus broadcasts events over Redis pub/sub so every process in the
// fleet receives them, regardless of which process published.
type RedisBus struct {
	rdb    *redis.Client
	logger *logrus.Logger
}

func NewRedisBus(rdb *redis.Client, logger *logrus.Logger) *RedisBus {
	return &RedisBus{rdb: rdb, logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, event *models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := b.rdb.Publish(ctx, channelPrefix+string(event.Topic), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, topics ...models.Topic) (<-chan *models.Event, error) {
	channels := make([]string, len(topics))
	for i, t := range topics {
		channels[i] = channelPrefix + string(t)
	}

	pubsub := b.rdb.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan *models.Event, constants.DefaultSubscriberBuffer)

	go func() {
		defer close(out)
		defer func() {
			if err := pubsub.Close(); err != nil {
				b.logger.WithError(err).Warn("Failed to close pubsub subscription")
			}
		}()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				event := &models.Event{}
				if err := json.Unmarshal([]byte(msg.Payload), event); err != nil {
					b.logger.WithError(err).Warn("Dropping malformed event from bus")
					continue
				}
				select {
				case out <- event:
				default:
					// Slow consumer: drop rather than block the fleet.
					b.logger.WithField("topic", event.Topic).Warn("Subscriber buffer full, dropping event")
				}
			}
		}
	}()

	return out, nil
}

func (b *RedisBus) Close() error {
	return nil
}

var _ Bus = (*RedisBus)(nil)
