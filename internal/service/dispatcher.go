package service

import (
	"context"

	"chatpipe/internal/bus"
	"chatpipe/internal/metrics"
	"chatpipe/internal/models"
	"chatpipe/internal/privacy"

	"github.com/sirupsen/logrus"
)

// Dispatcher consumes the bus subscription and delivers events to handles
// held in the local registry. Cross-process delivery is mediated entirely by
// the bus; a dispatcher never talks to another process directly.
type Dispatcher struct {
	registry *Registry
	bus      bus.Bus
	logger   *logrus.Logger
	metrics  *metrics.Registry
}

func NewDispatcher(registry *Registry, b bus.Bus, logger *logrus.Logger, m *metrics.Registry) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		bus:      b,
		logger:   logger,
		metrics:  m,
	}
}

// Run subscribes to every topic and dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	events, err := d.bus.Subscribe(ctx, models.AllTopics()...)
	if err != nil {
		return err
	}

	d.logger.Info("Dispatcher started")
	for event := range events {
		d.dispatch(ctx, event)
	}
	d.logger.Info("Dispatcher stopped")
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, event *models.Event) {
	recipients := event.Recipients()
	if recipients == nil {
		// Presence changes go to every locally connected client.
		recipients = d.registry.LocalIdentities()
	}

	delivered := 0
	for _, identity := range recipients {
		for _, t := range d.registry.Handles(identity) {
			if err := t.Send(ctx, event); err != nil {
				// Delivery-only failure: the recipient will see the
				// message on next read from the store.
				d.logger.WithError(err).WithFields(logrus.Fields{
					"topic":    event.Topic,
					"identity": privacy.MaskIdentity(identity),
				}).Warn("Failed to deliver event to local connection")
				continue
			}
			delivered++
		}
	}

	d.metrics.IncrCounter("events_received_total", map[string]string{"topic": string(event.Topic)})
	if delivered > 0 {
		d.metrics.AddCounter("events_delivered_total", float64(delivered),
			map[string]string{"topic": string(event.Topic)})
	}
}
