package service

import (
	"context"
	"time"

	"chatpipe/internal/bus"
	apperrors "chatpipe/internal/errors"
	"chatpipe/internal/metrics"
	"chatpipe/internal/models"
	"chatpipe/internal/queue"
	"chatpipe/internal/store"
	"chatpipe/internal/tracing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Ingestor accepts message requests, assigns durable identities and
// enqueues jobs. It returns as soon as the job is queued: ingestion latency
// is decoupled from persistence and fan-out.
type Ingestor struct {
	queue     queue.Queue
	directory store.DirectoryStore
	bus       bus.Bus
	logger    *logrus.Logger
	metrics   *metrics.Registry
}

func NewIngestor(q queue.Queue, directory store.DirectoryStore, b bus.Bus, logger *logrus.Logger, m *metrics.Registry) *Ingestor {
	return &Ingestor{
		queue:     q,
		directory: directory,
		bus:       b,
		logger:    logger,
		metrics:   m,
	}
}

// Enqueue validates the payload, assigns the message identity when missing
// and queues one job. The identity doubles as the job identity so caller
// retries stay idempotent. No persistence happens here.
func (i *Ingestor) Enqueue(ctx context.Context, payload models.JobPayload) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.enqueue",
		attribute.String("message.class", string(payload.Class())))
	defer span.End()

	if err := i.validate(ctx, &payload); err != nil {
		tracing.RecordError(ctx, err)
		i.metrics.IncrCounter("ingest_rejected_total", map[string]string{"class": string(payload.Class())})
		return "", err
	}

	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}
	if payload.CreatedAt.IsZero() {
		payload.CreatedAt = time.Now()
	}

	job := &models.Job{
		ID:      payload.ID,
		Class:   payload.Class(),
		Payload: payload,
	}

	if err := i.queue.Enqueue(ctx, job); err != nil {
		tracing.RecordError(ctx, err)
		return "", err
	}

	i.metrics.IncrCounter("ingest_accepted_total", map[string]string{"class": string(job.Class)})
	i.logger.WithFields(logrus.Fields{
		"jobId": job.ID,
		"class": job.Class,
	}).Debug("Job enqueued")

	return payload.ID, nil
}

// PublishTyping broadcasts a typing indicator without queuing: typing is
// ephemeral and never persisted.
func (i *Ingestor) PublishTyping(ctx context.Context, sender, receiver, group string) error {
	event := &models.Event{
		Topic:     models.TopicTyping,
		Sender:    models.UserProfile{ID: sender},
		Receiver:  receiver,
		Group:     group,
		CreatedAt: time.Now(),
	}
	if group != "" {
		members, err := i.directory.GetGroupMembers(ctx, group)
		if err != nil {
			return apperrors.WrapRetryable(err, apperrors.ErrCodeStoreQuery, "failed to resolve group members")
		}
		event.Members = members
	}
	return i.bus.Publish(ctx, event)
}

func (i *Ingestor) validate(ctx context.Context, payload *models.JobPayload) error {
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

	if hasReceiver {
		exists, err := i.directory.UserExists(ctx, payload.Receiver)
		if err != nil {
			return apperrors.WrapRetryable(err, apperrors.ErrCodeStoreQuery, "failed to validate receiver")
		}
		if !exists {
			return apperrors.New(apperrors.ErrCodeInvalidTarget, "receiver does not exist")
		}
	} else {
		exists, err := i.directory.GroupExists(ctx, payload.Group)
		if err != nil {
			return apperrors.WrapRetryable(err, apperrors.ErrCodeStoreQuery, "failed to validate group")
		}
		if !exists {
			return apperrors.New(apperrors.ErrCodeInvalidTarget, "group does not exist")
		}
	}

	return nil
}
