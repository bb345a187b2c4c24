package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "chatpipe/internal/errors"
	"chatpipe/internal/models"
)

type memoryLease struct {
	job      *models.Job
	deadline time.Time
}

type memoryClass struct {
	waiting []*models.Job
	delayed map[string]time.Time
	parked  map[string]*models.Job
	active  map[string]*memoryLease
	notify  chan struct{}
}

func newMemoryClass() *memoryClass {
	return &memoryClass{
		delayed: make(map[string]time.Time),
		parked:  make(map[string]*models.Job),
		active:  make(map[string]*memoryLease),
		notify:  make(chan struct{}, 1),
	}
}

// MemoryQueue implements Queue inside one process. Semantics match the
// Redis queue exactly so tests and single-node deployments exercise the
// same state machine the fleet runs.
type MemoryQueue struct {
	mu      sync.Mutex
	cfg     Config
	classes map[models.MessageClass]*memoryClass
	dead    map[string]*models.Job
	now     func() time.Time
}

func NewMemoryQueue(cfg Config) *MemoryQueue {
	q := &MemoryQueue{
		cfg:     cfg,
		classes: make(map[models.MessageClass]*memoryClass),
		dead:    make(map[string]*models.Job),
		now:     time.Now,
	}
	for _, class := range Classes() {
		q.classes[class] = newMemoryClass()
	}
	return q
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *models.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cls := q.classes[job.Class]
	if cls == nil {
		cls = newMemoryClass()
		q.classes[job.Class] = cls
	}

	j := *job
	j.State = models.JobStateWaiting
	if j.MaxAttempts == 0 {
		j.MaxAttempts = q.cfg.MaxAttempts
	}
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = q.now()
	}
	cls.waiting = append(cls.waiting, &j)
	q.wake(cls)
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, class models.MessageClass) (*models.Job, error) {
	for {
		q.mu.Lock()
		cls := q.classes[class]
		if cls == nil {
			q.mu.Unlock()
			return nil, ErrJobNotFound
		}
		q.promoteDueLocked(cls)

		if len(cls.waiting) > 0 {
			job := cls.waiting[0]
			cls.waiting = cls.waiting[1:]
			job.Attempts++
			job.State = models.JobStateActive
			cls.active[job.ID] = &memoryLease{
				job:      job,
				deadline: q.now().Add(q.cfg.VisibilityTimeout),
			}
			out := *job
			q.mu.Unlock()
			return &out, nil
		}
		notify := cls.notify
		q.mu.Unlock()

		block := q.cfg.DequeueBlock
		if block <= 0 {
			block = 100 * time.Millisecond
		}
		timer := time.NewTimer(block)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, class models.MessageClass, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cls := q.classes[class]
	if cls == nil {
		return ErrJobNotFound
	}
	lease, ok := cls.active[jobID]
	if !ok {
		return ErrJobNotFound
	}
	lease.job.State = models.JobStateCompleted
	delete(cls.active, jobID)
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, job *models.Job, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cls := q.classes[job.Class]
	if cls == nil {
		return ErrJobNotFound
	}
	lease, ok := cls.active[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	delete(cls.active, job.ID)

	held := lease.job
	if cause != nil {
		held.LastError = cause.Error()
	}

	if !apperrors.IsRetryable(cause) || held.Attempts >= held.MaxAttempts {
		now := q.now()
		held.State = models.JobStateFailed
		held.FailedAt = &now
		q.dead[held.ID] = held
		return nil
	}

	held.State = models.JobStateWaiting
	cls.parked[held.ID] = held
	cls.delayed[held.ID] = q.now().Add(q.cfg.Backoff.DelayFor(held.Attempts))
	return nil
}

func (q *MemoryQueue) ExtendLease(ctx context.Context, class models.MessageClass, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cls := q.classes[class]
	if cls == nil {
		return ErrJobNotFound
	}
	lease, ok := cls.active[jobID]
	if !ok {
		return ErrJobNotFound
	}
	lease.deadline = q.now().Add(q.cfg.VisibilityTimeout)
	return nil
}

func (q *MemoryQueue) ReapExpired(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	reaped := 0
	now := q.now()
	for _, cls := range q.classes {
		for id, lease := range cls.active {
			if lease.deadline.After(now) {
				continue
			}
			job := lease.job
			job.State = models.JobStateWaiting
			job.Stalled = true
			delete(cls.active, id)
			cls.waiting = append(cls.waiting, job)
			reaped++
		}
		if reaped > 0 {
			q.wake(cls)
		}
	}
	return reaped, nil
}

func (q *MemoryQueue) PromoteDue(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	promoted := 0
	for _, cls := range q.classes {
		promoted += q.promoteDueLocked(cls)
	}
	return promoted, nil
}

func (q *MemoryQueue) promoteDueLocked(cls *memoryClass) int {
	now := q.now()
	var due []string
	for id, readyAt := range cls.delayed {
		if !readyAt.After(now) {
			due = append(due, id)
		}
	}
	// Deterministic promotion order keeps retries roughly FIFO.
	sort.Strings(due)
	for _, id := range due {
		cls.waiting = append(cls.waiting, cls.parked[id])
		delete(cls.delayed, id)
		delete(cls.parked, id)
	}
	if len(due) > 0 {
		q.wake(cls)
	}
	return len(due)
}

func (q *MemoryQueue) DeadLetters(ctx context.Context) ([]*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*models.Job, 0, len(q.dead))
	for _, job := range q.dead {
		j := *job
		out = append(out, &j)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out, nil
}

func (q *MemoryQueue) RetryDead(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.dead[jobID]
	if !ok {
		return ErrJobNotFound
	}
	delete(q.dead, jobID)

	job.Attempts = 0
	job.State = models.JobStateWaiting
	job.Stalled = false
	job.LastError = ""
	job.FailedAt = nil

	cls := q.classes[job.Class]
	if cls == nil {
		cls = newMemoryClass()
		q.classes[job.Class] = cls
	}
	cls.waiting = append(cls.waiting, job)
	q.wake(cls)
	return nil
}

func (q *MemoryQueue) PurgeDead(ctx context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-olderThan)
	purged := 0
	for id, job := range q.dead {
		if job.FailedAt != nil && job.FailedAt.Before(cutoff) {
			delete(q.dead, id)
			purged++
		}
	}
	return purged, nil
}

func (q *MemoryQueue) Stats(ctx context.Context, class models.MessageClass) (*models.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := &models.QueueStats{Class: class}
	if cls := q.classes[class]; cls != nil {
		stats.Waiting = int64(len(cls.waiting))
		stats.Active = int64(len(cls.active))
		stats.Delayed = int64(len(cls.delayed))
	}
	for _, job := range q.dead {
		if job.Class == class {
			stats.Dead++
		}
	}
	return stats, nil
}

func (q *MemoryQueue) Close() error {
	return nil
}

func (q *MemoryQueue) wake(cls *memoryClass) {
	select {
	case cls.notify <- struct{}{}:
	default:
	}
}

var _ Queue = (*MemoryQueue)(nil)
