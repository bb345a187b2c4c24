package service

import (
	"context"
	"sync"
	"time"

	"chatpipe/internal/bus"
	"chatpipe/internal/models"
	"chatpipe/internal/privacy"
	"chatpipe/internal/store"

	"github.com/sirupsen/logrus"
)

// Transport is one live connection handle. A single identity may hold
// several handles at once (multi-device); fan-out targets all of them.
type Transport interface {
	Send(ctx context.Context, event *models.Event) error
	Close() error
}

// Registry is the per-process directory of identities reachable over live
// transport handles. It is process-local and ephemeral: absence of an
// identity here says nothing about the identity being offline globally.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[string]Transport

	presence store.PresenceStore
	bus      bus.Bus
	logger   *logrus.Logger

	wg     sync.WaitGroup
	closed bool
}

func NewRegistry(presence store.PresenceStore, b bus.Bus, logger *logrus.Logger) *Registry {
	return &Registry{
		conns:    make(map[string]map[string]Transport),
		presence: presence,
		bus:      b,
		logger:   logger,
	}
}

// Register adds a handle for the identity. Registration is idempotent per
// (identity, handle) pair, so connection flapping cannot leave stale state.
// The first handle for an identity marks it online asynchronously and
// publishes a presence event.
func (r *Registry) Register(ctx context.Context, identity, handleID string, t Transport) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = t.Close()
		return
	}
	handles, ok := r.conns[identity]
	if !ok {
		handles = make(map[string]Transport)
		r.conns[identity] = handles
	}
	_, existed := handles[handleID]
	handles[handleID] = t
	first := !existed && len(handles) == 1
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"identity": privacy.MaskIdentity(identity),
		"handle":   handleID,
	}).Debug("Connection registered")

	if first {
		r.markPresence(identity, true)
	}
}

// Unregister removes the specific handle only. When the last handle for the
// identity goes away, the identity is marked offline asynchronously and a
// presence event is published. Removal is idempotent.
func (r *Registry) Unregister(ctx context.Context, identity, handleID string) {
	r.mu.Lock()
	handles, ok := r.conns[identity]
	if !ok {
		r.mu.Unlock()
		return
	}
	t, existed := handles[handleID]
	if existed {
		delete(handles, handleID)
	}
	last := existed && len(handles) == 0
	if last {
		delete(r.conns, identity)
	}
	r.mu.Unlock()

	if !existed {
		return
	}
	_ = t.Close()

	r.logger.WithFields(logrus.Fields{
		"identity": privacy.MaskIdentity(identity),
		"handle":   handleID,
	}).Debug("Connection unregistered")

	if last {
		r.markPresence(identity, false)
	}
}

// Handles returns the live transports for an identity.
func (r *Registry) Handles(identity string) []Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handles := r.conns[identity]
	out := make([]Transport, 0, len(handles))
	for _, t := range handles {
		out = append(out, t)
	}
	return out
}

// Contains reports whether the identity has at least one local handle.
func (r *Registry) Contains(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[identity]) > 0
}

// LocalIdentities lists every identity with a live local handle.
func (r *Registry) LocalIdentities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	return out
}

// Len reports the number of connected identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Shutdown closes every handle and waits for in-flight presence writes.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	conns := r.conns
	r.conns = make(map[string]map[string]Transport)
	r.mu.Unlock()

	for _, handles := range conns {
		for _, t := range handles {
			_ = t.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// markPresence updates the durable flag and publishes the presence event off
// the connection path. Both writes are best-effort; the presence set is
// eventually consistent by design.
func (r *Registry) markPresence(identity string, online bool) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := r.presence.MarkPresence(ctx, identity, online); err != nil {
			r.logger.WithError(err).WithField("identity", privacy.MaskIdentity(identity)).
				Warn("Failed to mark presence")
		}

		event := &models.Event{
			Topic:     models.TopicPresence,
			Sender:    models.UserProfile{ID: identity},
			Online:    &online,
			CreatedAt: time.Now(),
		}
		if err := r.bus.Publish(ctx, event); err != nil {
			r.logger.WithError(err).WithField("identity", privacy.MaskIdentity(identity)).
				Warn("Failed to publish presence event")
		}
	}()
}
