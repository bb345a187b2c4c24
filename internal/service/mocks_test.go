package service

import (
	"context"
	"io"
	"sync"

	"chatpipe/internal/cache"
	"chatpipe/internal/models"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeTransport records delivered events.
type fakeTransport struct {
	mu      sync.Mutex
	events  []*models.Event
	sendErr error
	closed  bool
}

func (t *fakeTransport) Send(ctx context.Context, event *models.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.events = append(t.events, event)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) received() []*models.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*models.Event, len(t.events))
	copy(out, t.events)
	return out
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type presenceRecord struct {
	userID string
	online bool
}

// fakeStore is an in-memory store.Store with fault injection.
type fakeStore struct {
	mu        sync.Mutex
	messages  map[string]*models.Message
	users     map[string]*models.UserProfile
	groups    map[string][]string
	presence  []presenceRecord
	upsertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages: make(map[string]*models.Message),
		users: map[string]*models.UserProfile{
			"alice": {ID: "alice", DisplayName: "Alice"},
			"bob":   {ID: "bob", DisplayName: "Bob"},
			"carol": {ID: "carol", DisplayName: "Carol"},
		},
		groups: map[string][]string{
			"team": {"alice", "bob", "carol"},
		},
	}
}

func (s *fakeStore) UpsertMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	m := *msg
	s.messages[msg.ID] = &m
	return nil
}

func (s *fakeStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.messages[id]; ok {
		m := *msg
		return &m, nil
	}
	return nil, nil
}

func (s *fakeStore) ListDirectConversation(ctx context.Context, userA, userB string, limit, offset int) ([]*models.Message, error) {
	return nil, nil
}

func (s *fakeStore) ListGroupConversation(ctx context.Context, groupID string, limit, offset int) ([]*models.Message, error) {
	return nil, nil
}

func (s *fakeStore) UserExists(ctx context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[userID]
	return ok, nil
}

func (s *fakeStore) GroupExists(ctx context.Context, groupID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.groups[groupID]
	return ok, nil
}

func (s *fakeStore) GetUserProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if profile, ok := s.users[userID]; ok {
		p := *profile
		return &p, nil
	}
	return nil, nil
}

func (s *fakeStore) GetGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.groups[groupID]
	out := make([]string, len(members))
	copy(out, members)
	return out, nil
}

func (s *fakeStore) MarkPresence(ctx context.Context, userID string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence = append(s.presence, presenceRecord{userID: userID, online: online})
	return nil
}

func (s *fakeStore) setUpsertErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertErr = err
}

func (s *fakeStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *fakeStore) presenceLog() []presenceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]presenceRecord, len(s.presence))
	copy(out, s.presence)
	return out
}

// orderedCache wraps a MemoryCache and timestamps invalidations against a
// shared step counter, to assert ordering against publishes.
type orderedCache struct {
	*cache.MemoryCache
	steps        *stepCounter
	invalidateAt []int
	mu           sync.Mutex
}

func newOrderedCache(steps *stepCounter) *orderedCache {
	return &orderedCache{MemoryCache: cache.NewMemoryCache(), steps: steps}
}

func (c *orderedCache) Invalidate(ctx context.Context, pattern string) error {
	c.mu.Lock()
	c.invalidateAt = append(c.invalidateAt, c.steps.next())
	c.mu.Unlock()
	return c.MemoryCache.Invalidate(ctx, pattern)
}

// orderedBus records publishes and their position in the shared step counter.
type orderedBus struct {
	mu         sync.Mutex
	steps      *stepCounter
	events     []*models.Event
	publishAt  []int
	publishErr error
}

func newOrderedBus(steps *stepCounter) *orderedBus {
	return &orderedBus{steps: steps}
}

func (b *orderedBus) Publish(ctx context.Context, event *models.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.events = append(b.events, event)
	b.publishAt = append(b.publishAt, b.steps.next())
	return nil
}

func (b *orderedBus) Subscribe(ctx context.Context, topics ...models.Topic) (<-chan *models.Event, error) {
	ch := make(chan *models.Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (b *orderedBus) Close() error { return nil }

func (b *orderedBus) published() []*models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*models.Event, len(b.events))
	copy(out, b.events)
	return out
}

type stepCounter struct {
	mu sync.Mutex
	n  int
}

func (s *stepCounter) next() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return s.n
}
