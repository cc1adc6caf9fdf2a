package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"giftcard-service/internal/models"
	"giftcard-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher publishes giftcard domain events to Kafka.
type EventPublisher struct {
	producer *Producer
}

func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func (ep *EventPublisher) PublishFulfillment(ctx context.Context, event *models.FulfillmentEvent) error {
	return ep.producer.PublishEvent(ctx, intentKey(event.IntentID), event)
}

func (ep *EventPublisher) PublishUnmatchedPayment(ctx context.Context, event *models.PaymentUnmatchedEvent) error {
	return ep.producer.PublishEvent(ctx, intentKey(event.IntentID), event)
}

func intentKey(intentID string) string {
	return "intent-" + intentID
}

// EventHandler routes raw messages to typed callbacks.
type EventHandler struct {
	onFulfillment func(context.Context, *models.FulfillmentEvent) error
	onUnmatched   func(context.Context, *models.PaymentUnmatchedEvent) error
	logger        *zap.Logger
}

func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

func (eh *EventHandler) OnFulfillment(handler func(context.Context, *models.FulfillmentEvent) error) {
	eh.onFulfillment = handler
}

func (eh *EventHandler) OnUnmatchedPayment(handler func(context.Context, *models.PaymentUnmatchedEvent) error) {
	eh.onUnmatched = handler
}

func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	return eh.HandlePayload(ctx, msg.Value)
}

// HandlePayload decodes one JSON event and dispatches it by type. Unknown
// types are ignored.
func (eh *EventHandler) HandlePayload(ctx context.Context, payload []byte) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(payload, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType), zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeFulfillmentCompleted:
		if eh.onFulfillment != nil {
			var event models.FulfillmentEvent
			if err := json.Unmarshal(payload, &event); err != nil {
				return fmt.Errorf("failed to unmarshal FulfillmentCompleted event: %w", err)
			}
			return eh.onFulfillment(ctx, &event)
		}

	case models.EventTypePaymentUnmatched:
		if eh.onUnmatched != nil {
			var event models.PaymentUnmatchedEvent
			if err := json.Unmarshal(payload, &event); err != nil {
				return fmt.Errorf("failed to unmarshal PaymentUnmatched event: %w", err)
			}
			return eh.onUnmatched(ctx, &event)
		}

	default:
		eh.logger.Warn("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}

// InProcessPublisher hands events straight to an EventHandler. It replaces
// Kafka when the broker is disabled, keeping the same JSON contract.
type InProcessPublisher struct {
	handler *EventHandler
}

func NewInProcessPublisher(handler *EventHandler) *InProcessPublisher {
	return &InProcessPublisher{handler: handler}
}

func (p *InProcessPublisher) PublishFulfillment(ctx context.Context, event *models.FulfillmentEvent) error {
	return p.dispatch(ctx, event)
}

func (p *InProcessPublisher) PublishUnmatchedPayment(ctx context.Context, event *models.PaymentUnmatchedEvent) error {
	return p.dispatch(ctx, event)
}

func (p *InProcessPublisher) dispatch(ctx context.Context, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.handler.HandlePayload(ctx, payload)
}
