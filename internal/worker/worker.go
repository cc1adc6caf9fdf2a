// Package worker runs the background loops of the service: the expiry
// sweep, the outbox relay and the notification consumer.
package worker

import (
	"context"
	"sync"
	"time"

	"giftcard-service/internal/broker"
	"giftcard-service/internal/models"
	"giftcard-service/internal/notify"
	"giftcard-service/internal/util"

	"go.uber.org/zap"
)

// Periodic calls run on a fixed interval until its context ends or Stop is
// called. A failed run is logged and retried on the next tick.
type Periodic struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) (int, error)
	logger   *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

func NewPeriodic(name string, interval time.Duration, run func(ctx context.Context) (int, error)) *Periodic {
	return &Periodic{
		name:     name,
		interval: interval,
		run:      run,
		logger:   util.GetLogger().With(zap.String("worker", name)),
		stop:     make(chan struct{}),
	}
}

// NewExpirySweeper expires pending intents past their horizon.
func NewExpirySweeper(svc interface {
	SweepExpired(ctx context.Context) (int, error)
}, interval time.Duration) *Periodic {
	return NewPeriodic("expiry-sweeper", interval, svc.SweepExpired)
}

// NewOutboxRelay republishes fulfillment events whose inline publish failed.
func NewOutboxRelay(svc interface {
	RelayOutbox(ctx context.Context) (int, error)
}, interval time.Duration) *Periodic {
	return NewPeriodic("outbox-relay", interval, svc.RelayOutbox)
}

// Start blocks until ctx is done or Stop is called.
func (p *Periodic) Start(ctx context.Context) error {
	p.logger.Info("Starting worker", zap.Duration("interval", p.interval))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stop:
			return nil
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Periodic) tick(ctx context.Context) {
	n, err := p.run(ctx)
	if err != nil {
		p.logger.Error("Worker run failed", zap.Error(err))
		return
	}
	if n > 0 {
		p.logger.Info("Worker run completed", zap.Int("processed", n))
	}
}

func (p *Periodic) Stop() error {
	p.logger.Info("Stopping worker")
	p.stopOnce.Do(func() { close(p.stop) })
	return nil
}

// EventLog remembers which events were already delivered.
type EventLog interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// NotificationWorker hands fulfillment events and unmatched-payment alerts
// to the notifier, skipping events it has already delivered. Without a
// consumer it only serves events dispatched in process through handler.
type NotificationWorker struct {
	consumer *broker.Consumer
	handler  *broker.EventHandler
	events   EventLog
	notifier notify.Notifier
	logger   *zap.Logger
}

func NewNotificationWorker(
	consumer *broker.Consumer,
	handler *broker.EventHandler,
	events EventLog,
	notifier notify.Notifier,
) *NotificationWorker {
	w := &NotificationWorker{
		consumer: consumer,
		handler:  handler,
		events:   events,
		notifier: notifier,
		logger:   util.GetLogger().With(zap.String("worker", "notifications")),
	}
	handler.OnFulfillment(w.handleFulfillment)
	handler.OnUnmatchedPayment(w.handleUnmatched)
	return w
}

func (w *NotificationWorker) Start(ctx context.Context) error {
	if w.consumer == nil {
		w.logger.Info("Kafka disabled, notifications dispatched in process")
		<-ctx.Done()
		return nil
	}
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.handler.HandleMessage)
}

func (w *NotificationWorker) Stop() error {
	if w.consumer == nil {
		return nil
	}
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}

func (w *NotificationWorker) handleFulfillment(ctx context.Context, event *models.FulfillmentEvent) error {
	ctx, span := util.StartSpan(ctx, "NotificationWorker.handleFulfillment")
	defer span.End()

	return w.once(ctx, event.EventID, event.EventType, func() error {
		return w.notifier.NotifyFulfillment(ctx, event)
	})
}

func (w *NotificationWorker) handleUnmatched(ctx context.Context, event *models.PaymentUnmatchedEvent) error {
	return w.once(ctx, event.EventID, event.EventType, func() error {
		return w.notifier.AlertUnmatchedPayment(ctx, event)
	})
}

func (w *NotificationWorker) once(ctx context.Context, eventID, eventType string, deliver func() error) error {
	processed, err := w.events.IsEventProcessed(ctx, eventID)
	if err != nil {
		return err
	}
	if processed {
		w.logger.Info("Event already processed", zap.String("event_id", eventID))
		return nil
	}

	if err := deliver(); err != nil {
		return err
	}

	if err := w.events.MarkEventProcessed(ctx, eventID, eventType); err != nil {
		w.logger.Error("Failed to mark event processed", zap.String("event_id", eventID), zap.Error(err))
		return err
	}
	util.NotificationsDeliveredTotal.WithLabelValues(eventType).Inc()
	return nil
}
