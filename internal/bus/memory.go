package bus

import (
	"context"
	"sync"

	"chatpipe/internal/constants"
	"chatpipe/internal/models"
)

type memorySub struct {
	topics map[models.Topic]bool
	ch     chan *models.Event
}

// MemoryBus fans events out over channels inside one process. It backs
// single-node deployments and lets tests run several dispatchers against a
// shared bus without Redis.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySub]struct{}
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[*memorySub]struct{}),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, event *models.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if !sub.topics[event.Topic] {
			continue
		}
		// Non-blocking send: a slow subscriber drops events rather than
		// stalling the publisher. At-most-once is the contract.
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topics ...models.Topic) (<-chan *models.Event, error) {
	sub := &memorySub{
		topics: make(map[models.Topic]bool, len(topics)),
		ch:     make(chan *models.Event, constants.DefaultSubscriberBuffer),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		close(sub.ch)
	}()

	return sub.ch, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

var _ Bus = (*MemoryBus)(nil)
