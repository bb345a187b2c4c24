package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "chatpipe/internal/errors"
	"chatpipe/internal/models"
	"chatpipe/internal/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MaxAttempts:       3,
		VisibilityTimeout: 30 * time.Second,
		Backoff: retry.NewBackoff(retry.BackoffConfig{
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2.0,
			MaxAttempts:  3,
			Jitter:       false,
		}),
		DequeueBlock: 10 * time.Millisecond,
	}
}

func directJob(id string) *models.Job {
	return &models.Job{
		ID:    id,
		Class: models.ClassDirect,
		Payload: models.JobPayload{
			ID:       id,
			Sender:   "alice",
			Receiver: "bob",
			Text:     "hello",
		},
	}
}

func TestMemoryQueue_EnqueueDequeue(t *testing.T) {
	q := NewMemoryQueue(testConfig())
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, directJob("j1")))
	require.NoError(t, q.Enqueue(ctx, directJob("j2")))

	job, err := q.Dequeue(ctx, models.ClassDirect)
	require.NoError(t, err)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, models.JobStateActive, job.State)
	assert.Equal(t, 3, job.MaxAttempts)

	job, err = q.Dequeue(ctx, models.ClassDirect)
	require.NoError(t, err)
	assert.Equal(t, "j2", job.ID)
}

func TestMemoryQueue_ClassIsolation(t *testing.T) {
	q := NewMemoryQueue(testConfig())
	defer q.Close()
	ctx := context.Background()

	groupJob := &models.Job{
		ID:    "g1",
		Class: models.ClassGroup,
		Payload: models.JobPayload{
			ID:     "g1",
			Sender: "alice",
			Group:  "team",
			Text:   "hi all",
		},
	}
	require.NoError(t, q.Enqueue(ctx, groupJob))

	dequeueCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(dequeueCtx, models.ClassDirect)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	job, err := q.Dequeue(ctx, models.ClassGroup)
	require.NoError(t, err)
	assert.Equal(t, "g1", job.ID)
}

func TestMemoryQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewMemoryQueue(testConfig())
	defer q.Close()
	ctx := context.Background()

	done := make(chan *models.Job, 1)
	go func() {
		job, err := q.Dequeue(ctx, models.ClassDirect)
		if err == nil {
			done <- job
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, directJob("j1")))

	select {
	case job := <-done:
		assert.Equal(t, "j1", job.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not return after enqueue")
	}
}

func TestMemoryQueue_AckRetiresJob(t *testing.T) {
	q := NewMemoryQueue(testConfig())
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, directJob("j1")))
	job, err := q.Dequeue(ctx, models.ClassDirect)
	require.NoError(t, err)

	require.NoError(t, q.Ack(ctx, models.ClassDirect, job.ID))

	stats, err := q.Stats(ctx, models.ClassDirect)
	require.NoError(t, err)
	assert.Zero(t, stats.Waiting)
	assert.Zero(t, stats.Active)
	assert.Zero(t, stats.Dead)

	assert.ErrorIs(t, q.Ack(ctx, models.ClassDirect, "j1"), ErrJobNotFound)
}

func TestMemoryQueue_FailRetryableDelaysThenPromotes(t *testing.T) {
	q := NewMemoryQueue(testConfig())
	defer q.Close()
	ctx := context.Background()

	current := time.Now()
	q.now = func() time.Time { return current }

	require.NoError(t, q.Enqueue(ctx, directJob("j1")))
	job, err := q.Dequeue(ctx, models.ClassDirect)
	require.NoError(t, err)

	cause := apperrors.WrapRetryable(errors.New("store down"), apperrors.ErrCodeStoreQuery, "upsert failed")
	require.NoError(t, q.Fail(ctx, job, cause))

	stats, err := q.Stats(ctx, models.ClassDirect)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed)

	// Backoff has not elapsed yet.
	promoted, err := q.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, promoted)

	current = current.Add(time.Second)
	promoted, err = q.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	job, err = q.Dequeue(ctx, models.ClassDirect)
	require.NoError(t, err)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, 2, job.Attempts)
	assert.Contains(t, job.LastError, "upsert failed")
}

func TestMemoryQueue_FailPermanentDeadLettersImmediately(t *testing.T) {
	q := NewMemoryQueue(testConfig())
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, directJob("j1")))
	job, err := q.Dequeue(ctx, models.ClassDirect)
	require.NoError(t, err)

	cause := apperrors.New(apperrors.ErrCodeInvalidTarget, "no such user")
	require.NoError(t, q.Fail(ctx, job, cause))

	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "j1", dead[0].ID)
	assert.Equal(t, 1, dead[0].Attempts)
	assert.Equal(t, models.JobStateFailed, dead[0].State)
	assert.NotNil(t, dead[0].FailedAt)
}

func TestMemoryQueue_FailExhaustsAttemptBudget(t *testing.T) {
	q := NewMemoryQueue(testConfig())
	defer q.Close()
	ctx := context.Background()

	current := time.Now()
	q.now = func() time.Time { return current }

	require.NoError(t, q.Enqueue(ctx, directJob("j1")))

	cause := apperrors.WrapRetryable(errors.New("timeout"), apperrors.ErrCodeMediaUpload, "upload failed")
	for attempt := 1; attempt <= 3; attempt++ {
		job, err := q.Dequeue(ctx, models.ClassDirect)
		require.NoError(t, err)
		assert.Equal(t, attempt, job.Attempts)
		require.NoError(t, q.Fail(ctx, job, cause))

		current = current.Add(time.Minute)
		_, err = q.PromoteDue(ctx)
		require.NoError(t, err)
	}

	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Attempts)

	stats, err := q.Stats(ctx, models.ClassDirect)
	require.NoError(t, err)
	assert.Zero(t, stats.Waiting)
	assert.Zero(t, stats.Delayed)
	assert.Equal(t, int64(1), stats.Dead)
}

func TestMemoryQueue_ReapExpiredMarksStalled(t *testing.T) {
	q := NewMemoryQueue(testConfig())
	defer q.Close()
	ctx := context.Background()

	current := time.Now()
	q.now = func() time.Time { return current }

	require.NoError(t, q.Enqueue(ctx, directJob("j1")))
	_, err := q.Dequeue(ctx, models.ClassDirect)
	require.NoError(t, err)

	// Lease still valid.
	reaped, err := q.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped)

	current = current.Add(time.Minute)
	reaped, err = q.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	job, err := q.Dequeue(ctx, models.ClassDirect)
	require.NoError(t, err)
	assert.Equal(t, "j1", job.ID)
	assert.True(t, job.Stalled)
	assert.Equal(t, 2, job.Attempts)
}

func TestMemoryQueue_ExtendLeaseRenewsDeadline(t *testing.T) {
	q := NewMemoryQueue(testConfig())
	defer q.Close()
	ctx := context.Background()

	current := time.Now()
	q.now = func() time.Time { return current }

	require.NoError(t, q.Enqueue(ctx, directJob("j1")))
	job, err := q.Dequeue(ctx, models.ClassDirect)
	require.NoError(t, err)

	current = current.Add(25 * time.Second)
	require.NoError(t, q.ExtendLease(ctx, models.ClassDirect, job.ID))

	current = current.Add(25 * time.Second)
	reaped, err := q.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped)
}

func TestMemoryQueue_RetryDeadResetsBudget(t *testing.T) {
	q := NewMemoryQueue(testConfig())
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, directJob("j1")))
	job, err := q.Dequeue(ctx, models.ClassDirect)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job, apperrors.New(apperrors.ErrCodeEmptyPayload, "empty")))

	require.NoError(t, q.RetryDead(ctx, "j1"))

	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)

	job, err = q.Dequeue(ctx, models.ClassDirect)
	require.NoError(t, err)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, 1, job.Attempts)
	assert.False(t, job.Stalled)
	assert.Empty(t, job.LastError)

	assert.ErrorIs(t, q.RetryDead(ctx, "missing"), ErrJobNotFound)
}

func TestMemoryQueue_PurgeDeadRespectsRetention(t *testing.T) {
	q := NewMemoryQueue(testConfig())
	defer q.Close()
	ctx := context.Background()

	current := time.Now()
	q.now = func() time.Time { return current }

	require.NoError(t, q.Enqueue(ctx, directJob("j1")))
	job, err := q.Dequeue(ctx, models.ClassDirect)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job, apperrors.New(apperrors.ErrCodeEmptyPayload, "empty")))

	purged, err := q.PurgeDead(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, purged)

	current = current.Add(2 * time.Hour)
	purged, err = q.PurgeDead(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)
}
