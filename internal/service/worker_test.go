package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatpipe/internal/cache"
	apperrors "chatpipe/internal/errors"
	"chatpipe/internal/media"
	"chatpipe/internal/metrics"
	"chatpipe/internal/models"
	"chatpipe/internal/queue"
	"chatpipe/internal/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type workerFixture struct {
	pool     *WorkerPool
	queue    *queue.MemoryQueue
	store    *fakeStore
	cache    *orderedCache
	bus      *orderedBus
	uploader *media.MemoryUploader
	metrics  *metrics.Registry
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()

	steps := &stepCounter{}
	st := newFakeStore()
	c := newOrderedCache(steps)
	b := newOrderedBus(steps)
	uploader := media.NewMemoryUploader()
	m := metrics.NewRegistry()

	q := queue.NewMemoryQueue(queue.Config{
		MaxAttempts:       3,
		VisibilityTimeout: 5 * time.Second,
		Backoff: retry.NewBackoff(retry.BackoffConfig{
			InitialDelay: time.Millisecond,
			MaxDelay:     10 * time.Millisecond,
			Multiplier:   2.0,
			MaxAttempts:  3,
			Jitter:       false,
		}),
		DequeueBlock: 10 * time.Millisecond,
	})

	pool := NewWorkerPool(WorkerPoolConfig{
		DirectWorkers:     1,
		GroupWorkers:      1,
		VisibilityTimeout: 5 * time.Second,
		MembersCacheTTL:   time.Minute,
	}, q, st, c, b, uploader, testLogger(), m)

	return &workerFixture{
		pool:     pool,
		queue:    q,
		store:    st,
		cache:    c,
		bus:      b,
		uploader: uploader,
		metrics:  m,
	}
}

func (f *workerFixture) runOne(t *testing.T, class models.MessageClass) *models.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	job, err := f.queue.Dequeue(ctx, class)
	require.NoError(t, err)
	f.pool.handle(context.Background(), job)
	return job
}

func directPayload(id string) models.JobPayload {
	return models.JobPayload{
		ID:        id,
		Sender:    "alice",
		Receiver:  "bob",
		Text:      "hello",
		CreatedAt: time.Now(),
	}
}

func enqueuePayload(t *testing.T, f *workerFixture, payload models.JobPayload) {
	t.Helper()
	require.NoError(t, f.queue.Enqueue(context.Background(), &models.Job{
		ID:      payload.ID,
		Class:   payload.Class(),
		Payload: payload,
	}))
}

func TestWorker_ProcessDirectMessage(t *testing.T) {
	f := newWorkerFixture(t)
	enqueuePayload(t, f, directPayload("m1"))

	f.runOne(t, models.ClassDirect)

	msg, err := f.store.GetMessage(context.Background(), "m1")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "hello", msg.Text)

	events := f.bus.published()
	require.Len(t, events, 1)
	assert.Equal(t, models.TopicDirectMessage, events[0].Topic)
	assert.Equal(t, "m1", events[0].MessageID)
	assert.Equal(t, "Alice", events[0].Sender.DisplayName)
	assert.Equal(t, "bob", events[0].Receiver)

	stats, err := f.queue.Stats(context.Background(), models.ClassDirect)
	require.NoError(t, err)
	assert.Zero(t, stats.Active)
	assert.Zero(t, stats.Dead)
	assert.Equal(t, float64(1), f.metrics.CounterValue("jobs_processed_total", map[string]string{"class": "direct"}))
}

func TestWorker_InvalidatesCacheBeforePublish(t *testing.T) {
	f := newWorkerFixture(t)

	// Seed a stale page so there is something to invalidate.
	key := cache.DirectConversationKey("alice", "bob", 50, 0)
	require.NoError(t, f.cache.SetWithTTL(context.Background(), key, "stale", time.Minute))

	enqueuePayload(t, f, directPayload("m1"))
	f.runOne(t, models.ClassDirect)

	_, ok, _ := f.cache.Get(context.Background(), key)
	assert.False(t, ok)

	// A client reacting to the event must never read a page predating it.
	require.NotEmpty(t, f.cache.invalidateAt)
	require.NotEmpty(t, f.bus.publishAt)
	assert.Less(t, f.cache.invalidateAt[0], f.bus.publishAt[0])
}

func TestWorker_GroupMessageResolvesMembers(t *testing.T) {
	f := newWorkerFixture(t)
	enqueuePayload(t, f, models.JobPayload{
		ID:        "g1",
		Sender:    "alice",
		Group:     "team",
		Text:      "hi team",
		CreatedAt: time.Now(),
	})

	f.runOne(t, models.ClassGroup)

	events := f.bus.published()
	require.Len(t, events, 1)
	assert.Equal(t, models.TopicGroupMessage, events[0].Topic)
	assert.Equal(t, []string{"alice", "bob", "carol"}, events[0].Members)

	// Membership snapshot got cached for subsequent fan-outs.
	cached, ok, err := f.cache.Get(context.Background(), cache.GroupMembersKey("team"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, cached, "bob")
}

func TestWorker_MediaUploadBeforePersist(t *testing.T) {
	f := newWorkerFixture(t)
	enqueuePayload(t, f, models.JobPayload{
		ID:        "m1",
		Sender:    "alice",
		Receiver:  "bob",
		RawMedia:  []byte("image-bytes"),
		MediaMime: "image/png",
		CreatedAt: time.Now(),
	})

	f.runOne(t, models.ClassDirect)

	msg, err := f.store.GetMessage(context.Background(), "m1")
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.NotEmpty(t, msg.MediaRef)

	blob, ok := f.uploader.Get(msg.MediaRef)
	assert.True(t, ok)
	assert.Equal(t, []byte("image-bytes"), blob)

	events := f.bus.published()
	require.Len(t, events, 1)
	assert.Equal(t, msg.MediaRef, events[0].MediaRef)
}

func TestWorker_MalformedPayloadDeadLettersWithoutRetry(t *testing.T) {
	f := newWorkerFixture(t)

	// Both targets set: the job can never succeed.
	enqueuePayload(t, f, models.JobPayload{
		ID:       "bad1",
		Sender:   "alice",
		Receiver: "bob",
		Group:    "team",
		Text:     "confused",
	})

	f.runOne(t, models.ClassGroup)

	dead, err := f.queue.DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "bad1", dead[0].ID)
	assert.Equal(t, 1, dead[0].Attempts)

	assert.Zero(t, f.store.messageCount())
	assert.Empty(t, f.bus.published())
	assert.Equal(t, float64(1), f.metrics.CounterValue("jobs_dead_lettered_total", map[string]string{"class": "group"}))
}

func TestWorker_TransientStoreFailureRetries(t *testing.T) {
	f := newWorkerFixture(t)
	f.store.setUpsertErr(errors.New("disk full"))

	enqueuePayload(t, f, directPayload("m1"))
	f.runOne(t, models.ClassDirect)

	stats, err := f.queue.Stats(context.Background(), models.ClassDirect)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed)
	assert.Equal(t, float64(1), f.metrics.CounterValue("jobs_retried_total", map[string]string{"class": "direct"}))

	// Store recovers; the promoted retry completes.
	f.store.setUpsertErr(nil)
	time.Sleep(5 * time.Millisecond)
	promoted, err := f.queue.PromoteDue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, promoted)

	job := f.runOne(t, models.ClassDirect)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, 1, f.store.messageCount())
	assert.Len(t, f.bus.published(), 1)
}

func TestWorker_ExhaustedRetriesDeadLetter(t *testing.T) {
	f := newWorkerFixture(t)
	f.store.setUpsertErr(errors.New("disk full"))

	enqueuePayload(t, f, directPayload("m1"))
	for attempt := 1; attempt <= 3; attempt++ {
		f.runOne(t, models.ClassDirect)
		time.Sleep(15 * time.Millisecond)
		_, err := f.queue.PromoteDue(context.Background())
		require.NoError(t, err)
	}

	dead, err := f.queue.DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Attempts)
	assert.Contains(t, dead[0].LastError, "disk full")
}

func TestWorker_ReprocessingIsIdempotent(t *testing.T) {
	f := newWorkerFixture(t)
	payload := directPayload("m1")

	// The same job delivered twice, as after a crash between work and ack.
	enqueuePayload(t, f, payload)
	f.runOne(t, models.ClassDirect)
	enqueuePayload(t, f, payload)
	f.runOne(t, models.ClassDirect)

	assert.Equal(t, 1, f.store.messageCount())
}

func TestWorker_PublishFailureDoesNotFailJob(t *testing.T) {
	f := newWorkerFixture(t)
	f.bus.publishErr = errors.New("bus down")

	enqueuePayload(t, f, directPayload("m1"))
	f.runOne(t, models.ClassDirect)

	// Message persisted, job completed; only real-time delivery degraded.
	assert.Equal(t, 1, f.store.messageCount())
	stats, err := f.queue.Stats(context.Background(), models.ClassDirect)
	require.NoError(t, err)
	assert.Zero(t, stats.Waiting)
	assert.Zero(t, stats.Delayed)
	assert.Zero(t, stats.Dead)
	assert.Equal(t, float64(1), f.metrics.CounterValue("events_publish_failed_total", map[string]string{"topic": "message.direct"}))
}

func TestWorker_EmptyPayloadDeadLetters(t *testing.T) {
	f := newWorkerFixture(t)
	enqueuePayload(t, f, models.JobPayload{
		ID:       "empty1",
		Sender:   "alice",
		Receiver: "bob",
	})

	f.runOne(t, models.ClassDirect)

	dead, err := f.queue.DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].LastError, string(apperrors.ErrCodeEmptyPayload))

	assert.Zero(t, f.store.messageCount())
}

func TestWorkerPool_RunDrainsQueue(t *testing.T) {
	f := newWorkerFixture(t)

	for _, id := range []string{"m1", "m2", "m3"} {
		enqueuePayload(t, f, directPayload(id))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pool.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && f.store.messageCount() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	require.NoError(t, <-done)
	assert.Equal(t, 3, f.store.messageCount())
	assert.Len(t, f.bus.published(), 3)
}
