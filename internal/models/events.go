package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeFulfillmentCompleted = "FULFILLMENT_COMPLETED"
	EventTypePaymentUnmatched     = "PAYMENT_UNMATCHED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// FulfillmentEvent is emitted once per intent that reached succeeded with a bound unit
type FulfillmentEvent struct {
	BaseEvent
	IntentID         string          `json:"intent_id"`
	BuyerRef         string          `json:"buyer_ref"`
	Merchant         string          `json:"merchant"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	InventoryUnitRef string          `json:"inventory_unit_ref"`
}

// PaymentUnmatchedEvent is an operator alert: money moved, fulfillment did not
type PaymentUnmatchedEvent struct {
	BaseEvent
	IntentID string          `json:"intent_id"`
	TxHash   string          `json:"tx_hash,omitempty"`
	Merchant string          `json:"merchant"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Reason   string          `json:"reason"`
}

// Unmatched payment reasons
const (
	UnmatchedReasonInventoryUnavailable = "inventory_unavailable"
	UnmatchedReasonIntentExpired        = "intent_expired"
	UnmatchedReasonLateConfirmation     = "late_confirmation"
)
