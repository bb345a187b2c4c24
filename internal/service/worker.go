package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"chatpipe/internal/bus"
	"chatpipe/internal/cache"
	apperrors "chatpipe/internal/errors"
	"chatpipe/internal/media"
	"chatpipe/internal/metrics"
	"chatpipe/internal/models"
	"chatpipe/internal/queue"
	"chatpipe/internal/store"
	"chatpipe/internal/tracing"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// WorkerPoolConfig sizes the pool per message class.
type WorkerPoolConfig struct {
	DirectWorkers     int
	GroupWorkers      int
	VisibilityTimeout time.Duration
	MembersCacheTTL   time.Duration
}

// WorkerPool drains the job queues: each worker competes for jobs, persists
// the message, invalidates read caches and publishes the fan-out event.
// Workers across the whole fleet compete on the same queues, which is the
// only load-distribution mechanism.
type WorkerPool struct {
	cfg      WorkerPoolConfig
	queue    queue.Queue
	store    store.Store
	cache    cache.Cache
	bus      bus.Bus
	uploader media.Uploader
	logger   *logrus.Logger
	metrics  *metrics.Registry
}

func NewWorkerPool(
	cfg WorkerPoolConfig,
	q queue.Queue,
	st store.Store,
	c cache.Cache,
	b bus.Bus,
	uploader media.Uploader,
	logger *logrus.Logger,
	m *metrics.Registry,
) *WorkerPool {
	return &WorkerPool{
		cfg:      cfg,
		queue:    q,
		store:    st,
		cache:    c,
		bus:      b,
		uploader: uploader,
		logger:   logger,
		metrics:  m,
	}
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// finished its in-flight job.
func (p *WorkerPool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.DirectWorkers; i++ {
		g.Go(func() error { return p.loop(ctx, models.ClassDirect) })
	}
	for i := 0; i < p.cfg.GroupWorkers; i++ {
		g.Go(func() error { return p.loop(ctx, models.ClassGroup) })
	}

	p.logger.WithFields(logrus.Fields{
		"directWorkers": p.cfg.DirectWorkers,
		"groupWorkers":  p.cfg.GroupWorkers,
	}).Info("Worker pool started")

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *WorkerPool) loop(ctx context.Context, class models.MessageClass) error {
	for {
		job, err := p.queue.Dequeue(ctx, class)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.WithError(err).WithField("class", class).Warn("Dequeue failed, backing off")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		p.handle(ctx, job)
	}
}

// handle processes one leased job. Work is bounded by the visibility
// timeout: past that deadline the queue hands the job to another worker, so
// this one must stop rather than act on a lease it no longer holds.
func (p *WorkerPool) handle(ctx context.Context, job *models.Job) {
	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.VisibilityTimeout)
	defer cancel()

	err := p.process(jobCtx, job)
	if err == nil {
		if ackErr := p.queue.Ack(context.WithoutCancel(ctx), job.Class, job.ID); ackErr != nil {
			p.logger.WithError(ackErr).WithField("jobId", job.ID).Warn("Failed to ack completed job")
		}
		p.metrics.IncrCounter("jobs_processed_total", map[string]string{"class": string(job.Class)})
		return
	}

	retryable := apperrors.IsRetryable(err)
	p.logger.WithError(err).WithFields(logrus.Fields{
		"jobId":     job.ID,
		"class":     job.Class,
		"attempt":   job.Attempts,
		"retryable": retryable,
	}).Error("Job processing failed")

	if failErr := p.queue.Fail(context.WithoutCancel(ctx), job, err); failErr != nil {
		p.logger.WithError(failErr).WithField("jobId", job.ID).Error("Failed to record job failure")
	}
	if !retryable || job.Attempts >= job.MaxAttempts {
		p.metrics.IncrCounter("jobs_dead_lettered_total", map[string]string{"class": string(job.Class)})
	} else {
		p.metrics.IncrCounter("jobs_retried_total", map[string]string{"class": string(job.Class)})
	}
}

func (p *WorkerPool) process(ctx context.Context, job *models.Job) error {
	ctx, span := tracing.StartSpan(ctx, "worker.process",
		attribute.String("job.id", job.ID),
		attribute.String("job.class", string(job.Class)),
		attribute.Int("job.attempt", job.Attempts))
	defer span.End()

	payload := &job.Payload

	// Malformed payloads can never succeed, so they fail without retry.
	if err := validatePayloadShape(payload); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	// Step 1: resolve raw media into a store reference.
	if len(payload.RawMedia) > 0 && payload.MediaRef == "" {
		ref, err := p.uploader.Upload(ctx, payload.RawMedia, payload.MediaMime)
		if err != nil {
			tracing.RecordError(ctx, err)
			return err
		}
		payload.MediaRef = ref
		payload.RawMedia = nil
	}

	// Step 2: idempotent upsert by identity. Reprocessing after a crash
	// just before ack must not create a duplicate record.
	msg := messageFromPayload(payload)
	if err := p.store.UpsertMessage(ctx, msg); err != nil {
		tracing.RecordError(ctx, err)
		return apperrors.WrapRetryable(err, apperrors.ErrCodeStoreQuery, "failed to persist message")
	}

	// Step 3: invalidate every page listing that could contain this
	// conversation, strictly before publishing. A client that reacts to
	// the event and re-fetches must never hit a cache entry predating
	// the message. Cache trouble is logged, not fatal: the store is
	// already consistent.
	p.invalidateConversation(ctx, payload)

	// Steps 4-5: resolve delivery targets and publish the fan-out event.
	// Publish failure never fails the job; durability lives in the store
	// and a bus outage only degrades real-time delivery.
	event, err := p.buildEvent(ctx, payload)
	if err != nil {
		p.logger.WithError(err).WithField("jobId", job.ID).Warn("Failed to resolve fan-out targets, skipping publish")
		return nil
	}
	if err := p.bus.Publish(ctx, event); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"jobId": job.ID,
			"topic": event.Topic,
		}).Warn("Failed to publish fan-out event")
		p.metrics.IncrCounter("events_publish_failed_total", map[string]string{"topic": string(event.Topic)})
		return nil
	}
	p.metrics.IncrCounter("events_published_total", map[string]string{"topic": string(event.Topic)})

	return nil
}

func (p *WorkerPool) invalidateConversation(ctx context.Context, payload *models.JobPayload) {
	var pattern string
	if payload.Group != "" {
		pattern = cache.GroupConversationPattern(payload.Group)
	} else {
		pattern = cache.DirectConversationPattern(payload.Sender, payload.Receiver)
	}
	if err := p.cache.Invalidate(ctx, pattern); err != nil {
		p.logger.WithError(err).WithField("pattern", pattern).Warn("Cache invalidation failed")
	}
}

func (p *WorkerPool) buildEvent(ctx context.Context, payload *models.JobPayload) (*models.Event, error) {
	event := &models.Event{
		MessageID: payload.ID,
		Sender:    models.UserProfile{ID: payload.Sender},
		Receiver:  payload.Receiver,
		Group:     payload.Group,
		Text:      payload.Text,
		MediaRef:  payload.MediaRef,
		FileRef:   payload.FileRef,
		ReplyTo:   payload.ReplyTo,
		CreatedAt: payload.CreatedAt,
	}

	if profile, err := p.store.GetUserProfile(ctx, payload.Sender); err != nil {
		p.logger.WithError(err).Warn("Failed to load sender profile, using bare identity")
	} else if profile != nil {
		event.Sender = *profile
	}

	if payload.Group != "" {
		event.Topic = models.TopicGroupMessage
		members, err := p.groupMembers(ctx, payload.Group)
		if err != nil {
			return nil, err
		}
		event.Members = members
	} else {
		event.Topic = models.TopicDirectMessage
	}

	return event, nil
}

// groupMembers reads the membership snapshot, preferring the short-TTL
// cache. The snapshot is not authoritative; a just-added member may miss
// one event and reconciles on next fetch.
func (p *WorkerPool) groupMembers(ctx context.Context, groupID string) ([]string, error) {
	key := cache.GroupMembersKey(groupID)
	if cached, ok, err := p.cache.Get(ctx, key); err == nil && ok {
		var members []string
		if json.Unmarshal([]byte(cached), &members) == nil {
			return members, nil
		}
	}

	members, err := p.store.GetGroupMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(members); err == nil {
		if err := p.cache.SetWithTTL(ctx, key, string(data), p.cfg.MembersCacheTTL); err != nil {
			p.logger.WithError(err).Debug("Failed to cache group members snapshot")
		}
	}
	return members, nil
}

func validatePayloadShape(payload *models.JobPayload) error {
	hasReceiver := payload.Receiver != ""
	hasGroup := payload.Group != ""
	if hasReceiver == hasGroup {
		return apperrors.New(apperrors.ErrCodeInvalidTarget,
			"payload must target exactly one of receiver or group")
	}
	if payload.Sender == "" {
		return apperrors.New(apperrors.ErrCodeInvalidTarget, "payload is missing sender")
	}
	if payload.Empty() {
		return apperrors.New(apperrors.ErrCodeEmptyPayload,
			"message must carry at least one of text, media or file")
	}
	return nil
}

func messageFromPayload(payload *models.JobPayload) *models.Message {
	return &models.Message{
		ID:        payload.ID,
		Sender:    payload.Sender,
		Receiver:  payload.Receiver,
		Group:     payload.Group,
		Text:      payload.Text,
		MediaRef:  payload.MediaRef,
		FileRef:   payload.FileRef,
		ReplyTo:   payload.ReplyTo,
		CreatedAt: payload.CreatedAt,
	}
}
