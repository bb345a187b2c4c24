package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	apperrors "chatpipe/internal/errors"
	"chatpipe/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	keyPrefix = "chatpipe:queue:"

	jobKeyPrefix = keyPrefix + "job:" // job:{id} - job hash
	deadKey      = keyPrefix + "dead" // zset: id -> failed-at unix
)

func waitingKey(class models.MessageClass) string {
	return keyPrefix + string(class) + ":waiting"
}

func activeKey(class models.MessageClass) string {
	return keyPrefix + string(class) + ":active"
}

func leaseKey(class models.MessageClass) string {
	return keyPrefix + string(class) + ":leases"
}

func delayedKey(class models.MessageClass) string {
	return keyPrefix + string(class) + ":delayed"
}

// RedisQueue is the fleet-wide durable queue. Workers on every process
// compete for jobs via blocking pops; that competition is the sole
// load-distribution mechanism.
type RedisQueue struct {
	rdb    *redis.Client
	cfg    Config
	logger *logrus.Logger
}

func NewRedisQueue(rdb *redis.Client, cfg Config, logger *logrus.Logger) *RedisQueue {
	return &RedisQueue{rdb: rdb, cfg: cfg, logger: logger}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *models.Job) error {
	if job.MaxAttempts == 0 {
		job.MaxAttempts = q.cfg.MaxAttempts
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job payload: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKeyPrefix+job.ID, map[string]interface{}{
		"class":        string(job.Class),
		"payload":      string(payload),
		"attempts":     job.Attempts,
		"max_attempts": job.MaxAttempts,
		"state":        string(models.JobStateWaiting),
		"stalled":      0,
		"last_error":   "",
		"enqueued_at":  job.EnqueuedAt.Unix(),
	})
	pipe.LPush(ctx, waitingKey(job.Class), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.WrapRetryable(err, apperrors.ErrCodeQueueUnavailable, "failed to enqueue job")
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, class models.MessageClass) (*models.Job, error) {
	block := q.cfg.DequeueBlock
	if block <= 0 {
		block = 2 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		id, err := q.rdb.BLMove(ctx, waitingKey(class), activeKey(class), "RIGHT", "LEFT", block).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, apperrors.WrapRetryable(err, apperrors.ErrCodeQueueUnavailable, "failed to dequeue job")
		}

		job, err := q.lease(ctx, class, id)
		if err != nil {
			// Job hash vanished (purged); drop the orphan id and move on.
			q.logger.WithError(err).WithField("jobId", id).Warn("Dropping orphaned queue entry")
			q.rdb.LRem(ctx, activeKey(class), 1, id)
			continue
		}
		return job, nil
	}
}

func (q *RedisQueue) lease(ctx context.Context, class models.MessageClass, id string) (*models.Job, error) {
	key := jobKeyPrefix + id

	exists, err := q.rdb.Exists(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check job hash: %w", err)
	}
	if exists == 0 {
		return nil, ErrJobNotFound
	}

	deadline := time.Now().Add(q.cfg.VisibilityTimeout)
	pipe := q.rdb.TxPipeline()
	attempts := pipe.HIncrBy(ctx, key, "attempts", 1)
	pipe.HSet(ctx, key, "state", string(models.JobStateActive))
	pipe.ZAdd(ctx, leaseKey(class), redis.Z{Score: float64(deadline.Unix()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to lease job: %w", err)
	}

	job, err := q.loadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Attempts = int(attempts.Val())
	job.State = models.JobStateActive
	return job, nil
}

func (q *RedisQueue) Ack(ctx context.Context, class models.MessageClass, jobID string) error {
	pipe := q.rdb.TxPipeline()
	removed := pipe.LRem(ctx, activeKey(class), 1, jobID)
	pipe.ZRem(ctx, leaseKey(class), jobID)
	// Completed jobs are retired outright; the store is the record.
	pipe.Del(ctx, jobKeyPrefix+jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.WrapRetryable(err, apperrors.ErrCodeQueueUnavailable, "failed to ack job")
	}
	if removed.Val() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, job *models.Job, cause error) error {
	key := jobKeyPrefix + job.ID
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, activeKey(job.Class), 1, job.ID)
	pipe.ZRem(ctx, leaseKey(job.Class), job.ID)

	if !apperrors.IsRetryable(cause) || job.Attempts >= job.MaxAttempts {
		pipe.HSet(ctx, key, map[string]interface{}{
			"state":      string(models.JobStateFailed),
			"last_error": lastError,
			"failed_at":  time.Now().Unix(),
		})
		pipe.ZAdd(ctx, deadKey, redis.Z{Score: float64(time.Now().Unix()), Member: job.ID})
	} else {
		readyAt := time.Now().Add(q.cfg.Backoff.DelayFor(job.Attempts))
		pipe.HSet(ctx, key, map[string]interface{}{
			"state":      string(models.JobStateWaiting),
			"last_error": lastError,
		})
		pipe.ZAdd(ctx, delayedKey(job.Class), redis.Z{Score: float64(readyAt.Unix()), Member: job.ID})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.WrapRetryable(err, apperrors.ErrCodeQueueUnavailable, "failed to record job failure")
	}
	return nil
}

func (q *RedisQueue) ExtendLease(ctx context.Context, class models.MessageClass, jobID string) error {
	deadline := time.Now().Add(q.cfg.VisibilityTimeout)
	err := q.rdb.ZAdd(ctx, leaseKey(class), redis.Z{Score: float64(deadline.Unix()), Member: jobID}).Err()
	if err != nil {
		return apperrors.WrapRetryable(err, apperrors.ErrCodeQueueUnavailable, "failed to extend lease")
	}
	return nil
}

func (q *RedisQueue) ReapExpired(ctx context.Context) (int, error) {
	reaped := 0
	now := strconv.FormatInt(time.Now().Unix(), 10)

	for _, class := range Classes() {
		ids, err := q.rdb.ZRangeByScore(ctx, leaseKey(class), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
		if err != nil {
			return reaped, fmt.Errorf("failed to scan expired leases: %w", err)
		}
		for _, id := range ids {
			pipe := q.rdb.TxPipeline()
			pipe.LRem(ctx, activeKey(class), 1, id)
			pipe.ZRem(ctx, leaseKey(class), id)
			pipe.HSet(ctx, jobKeyPrefix+id, map[string]interface{}{
				"state":   string(models.JobStateWaiting),
				"stalled": 1,
			})
			pipe.LPush(ctx, waitingKey(class), id)
			if _, err := pipe.Exec(ctx); err != nil {
				return reaped, fmt.Errorf("failed to reap job %s: %w", id, err)
			}
			q.logger.WithFields(logrus.Fields{
				"jobId": id,
				"class": class,
			}).Warn("Visibility lease expired, job returned to waiting")
			reaped++
		}
	}
	return reaped, nil
}

func (q *RedisQueue) PromoteDue(ctx context.Context) (int, error) {
	promoted := 0
	now := strconv.FormatInt(time.Now().Unix(), 10)

	for _, class := range Classes() {
		ids, err := q.rdb.ZRangeByScore(ctx, delayedKey(class), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
		if err != nil {
			return promoted, fmt.Errorf("failed to scan delayed jobs: %w", err)
		}
		for _, id := range ids {
			pipe := q.rdb.TxPipeline()
			pipe.ZRem(ctx, delayedKey(class), id)
			pipe.LPush(ctx, waitingKey(class), id)
			if _, err := pipe.Exec(ctx); err != nil {
				return promoted, fmt.Errorf("failed to promote job %s: %w", id, err)
			}
			promoted++
		}
	}
	return promoted, nil
}

func (q *RedisQueue) DeadLetters(ctx context.Context) ([]*models.Job, error) {
	ids, err := q.rdb.ZRange(ctx, deadKey, 0, -1).Result()
	if err != nil {
		return nil, apperrors.WrapRetryable(err, apperrors.ErrCodeQueueUnavailable, "failed to list dead letters")
	}

	jobs := make([]*models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.loadJob(ctx, id)
		if err == ErrJobNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *RedisQueue) RetryDead(ctx context.Context, jobID string) error {
	removed, err := q.rdb.ZRem(ctx, deadKey, jobID).Result()
	if err != nil {
		return apperrors.WrapRetryable(err, apperrors.ErrCodeQueueUnavailable, "failed to remove dead letter")
	}
	if removed == 0 {
		return ErrJobNotFound
	}

	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		return err
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKeyPrefix+jobID, map[string]interface{}{
		"attempts":   0,
		"state":      string(models.JobStateWaiting),
		"stalled":    0,
		"last_error": "",
		"failed_at":  0,
	})
	pipe.LPush(ctx, waitingKey(job.Class), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.WrapRetryable(err, apperrors.ErrCodeQueueUnavailable, "failed to requeue dead letter")
	}
	return nil
}

func (q *RedisQueue) PurgeDead(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := strconv.FormatInt(time.Now().Add(-olderThan).Unix(), 10)

	ids, err := q.rdb.ZRangeByScore(ctx, deadKey, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan dead letters: %w", err)
	}
	for _, id := range ids {
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, deadKey, id)
		pipe.Del(ctx, jobKeyPrefix+id)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("failed to purge dead letter %s: %w", id, err)
		}
	}
	return len(ids), nil
}

func (q *RedisQueue) Stats(ctx context.Context, class models.MessageClass) (*models.QueueStats, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, waitingKey(class))
	active := pipe.LLen(ctx, activeKey(class))
	delayed := pipe.ZCard(ctx, delayedKey(class))
	dead := pipe.ZCard(ctx, deadKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, apperrors.WrapRetryable(err, apperrors.ErrCodeQueueUnavailable, "failed to read queue stats")
	}

	return &models.QueueStats{
		Class:   class,
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
		Dead:    dead.Val(),
	}, nil
}

func (q *RedisQueue) Close() error {
	return nil
}

func (q *RedisQueue) loadJob(ctx context.Context, id string) (*models.Job, error) {
	fields, err := q.rdb.HGetAll(ctx, jobKeyPrefix+id).Result()
	if err != nil {
		return nil, apperrors.WrapRetryable(err, apperrors.ErrCodeQueueUnavailable, "failed to load job")
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}

	job := &models.Job{
		ID:        id,
		Class:     models.MessageClass(fields["class"]),
		State:     models.JobState(fields["state"]),
		LastError: fields["last_error"],
		Stalled:   fields["stalled"] == "1",
	}
	if err := json.Unmarshal([]byte(fields["payload"]), &job.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode job payload: %w", err)
	}
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	if ts, err := strconv.ParseInt(fields["enqueued_at"], 10, 64); err == nil {
		job.EnqueuedAt = time.Unix(ts, 0)
	}
	if ts, err := strconv.ParseInt(fields["failed_at"], 10, 64); err == nil && ts > 0 {
		t := time.Unix(ts, 0)
		job.FailedAt = &t
	}
	return job, nil
}

var _ Queue = (*RedisQueue)(nil)
