package queue

import (
	"context"
	"errors"
	"time"

	"chatpipe/internal/models"
	"chatpipe/internal/retry"
)

var (
	// ErrJobNotFound is returned for Ack/Fail/RetryDead on an unknown job.
	ErrJobNotFound = errors.New("job not found")
)

// Config is shared by every Queue implementation.
type Config struct {
	// MaxAttempts caps deliveries per job before dead-lettering.
	MaxAttempts int
	// VisibilityTimeout is the lease a worker holds on an active job. A
	// job whose lease expires reverts to waiting and is marked stalled.
	VisibilityTimeout time.Duration
	// Backoff supplies the retry delay for attempt N.
	Backoff *retry.Backoff
	// DequeueBlock bounds one blocking poll inside Dequeue.
	DequeueBlock time.Duration
}

// Queue is the durable job queue. Each message class rides its own queue so
// a backlog in one class cannot starve the other. FIFO within a class is a
// best-effort hint only; consumers must stay correct under reordering.
type Queue interface {
	// Enqueue adds a job in the waiting state. Enqueueing the same job
	// identity twice is allowed; downstream processing is idempotent.
	Enqueue(ctx context.Context, job *models.Job) error

	// Dequeue blocks until a job of the class is leased to the caller or
	// ctx is done. The returned job is active and its attempt count has
	// been incremented.
	Dequeue(ctx context.Context, class models.MessageClass) (*models.Job, error)

	// Ack marks the job completed and retires it.
	Ack(ctx context.Context, class models.MessageClass, jobID string) error

	// Fail records a processing failure. Non-retryable causes and
	// exhausted attempt budgets dead-letter the job; anything else is
	// re-queued with backoff.
	Fail(ctx context.Context, job *models.Job, cause error) error

	// ExtendLease renews the visibility timeout of an active job.
	ExtendLease(ctx context.Context, class models.MessageClass, jobID string) error

	// ReapExpired returns jobs with expired leases to the waiting state,
	// marking them stalled. It reports how many jobs were reaped.
	ReapExpired(ctx context.Context) (int, error)

	// PromoteDue moves delayed retries whose backoff has elapsed back to
	// the waiting state. It reports how many jobs were promoted.
	PromoteDue(ctx context.Context) (int, error)

	// DeadLetters lists dead-lettered jobs for inspection.
	DeadLetters(ctx context.Context) ([]*models.Job, error)

	// RetryDead re-queues a dead-lettered job with a fresh attempt budget.
	RetryDead(ctx context.Context, jobID string) error

	// PurgeDead removes dead-lettered jobs older than the given age and
	// reports how many were purged.
	PurgeDead(ctx context.Context, olderThan time.Duration) (int, error)

	Stats(ctx context.Context, class models.MessageClass) (*models.QueueStats, error)

	Close() error
}

// Classes lists the queues every deployment runs.
func Classes() []models.MessageClass {
	return []models.MessageClass{models.ClassDirect, models.ClassGroup}
}
