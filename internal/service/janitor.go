package service

import (
	"context"
	"time"

	"chatpipe/internal/queue"

	"github.com/sirupsen/logrus"
)

// QueueJanitor runs the queue's periodic maintenance: promoting delayed
// retries whose backoff elapsed, reclaiming jobs with expired visibility
// leases, and purging dead letters past the retention window.
type QueueJanitor struct {
	queue         queue.Queue
	tickInterval  time.Duration
	purgeInterval time.Duration
	deadRetention time.Duration
	logger        *logrus.Logger
	stopCh        chan struct{}
}

func NewQueueJanitor(q queue.Queue, tickInterval, purgeInterval, deadRetention time.Duration, logger *logrus.Logger) *QueueJanitor {
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	if purgeInterval <= 0 {
		purgeInterval = time.Hour
	}
	return &QueueJanitor{
		queue:         q,
		tickInterval:  tickInterval,
		purgeInterval: purgeInterval,
		deadRetention: deadRetention,
		logger:        logger,
		stopCh:        make(chan struct{}),
	}
}

func (j *QueueJanitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.tickInterval)
	defer ticker.Stop()
	purgeTicker := time.NewTicker(j.purgeInterval)
	defer purgeTicker.Stop()

	j.logger.Info("Starting queue janitor")

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("Queue janitor context cancelled, stopping")
			return
		case <-j.stopCh:
			j.logger.Info("Queue janitor stop signal received, stopping")
			return
		case <-ticker.C:
			j.tick(ctx)
		case <-purgeTicker.C:
			j.purge(ctx)
		}
	}
}

func (j *QueueJanitor) Stop() {
	close(j.stopCh)
}

func (j *QueueJanitor) tick(ctx context.Context) {
	if promoted, err := j.queue.PromoteDue(ctx); err != nil {
		j.logger.WithError(err).Warn("Failed to promote delayed jobs")
	} else if promoted > 0 {
		j.logger.WithField("promoted", promoted).Debug("Promoted delayed jobs")
	}

	if reaped, err := j.queue.ReapExpired(ctx); err != nil {
		j.logger.WithError(err).Warn("Failed to reap expired leases")
	} else if reaped > 0 {
		j.logger.WithField("reaped", reaped).Warn("Reclaimed jobs from expired leases")
	}
}

func (j *QueueJanitor) purge(ctx context.Context) {
	purged, err := j.queue.PurgeDead(ctx, j.deadRetention)
	if err != nil {
		j.logger.WithError(err).Warn("Failed to purge dead letters")
		return
	}
	if purged > 0 {
		j.logger.WithField("purged", purged).Info("Purged expired dead letters")
	}
}
