package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Buyer is created lazily the first time a wallet pays without a known owner
type Buyer struct {
	ID          string    `db:"id" json:"id"`
	ExternalRef *string   `db:"external_ref" json:"external_ref,omitempty"`
	Email       *string   `db:"email" json:"email,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Wallet is an on-chain address; Address is stored lower-cased and is globally unique
type Wallet struct {
	ID        string    `db:"id" json:"id"`
	Address   string    `db:"address" json:"address"`
	Kind      string    `db:"kind" json:"kind"`
	BuyerID   *string   `db:"buyer_id" json:"buyer_id,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Wallet kinds
const (
	WalletKindEmbedded = "embedded"
	WalletKindExternal = "external"
)

// PaymentIntent binds a buyer, a wallet, a merchant and an amount over time
type PaymentIntent struct {
	ID              string          `db:"id" json:"id"`
	BuyerID         string          `db:"buyer_id" json:"buyer_id"`
	WalletID        string          `db:"wallet_id" json:"wallet_id"`
	Merchant        string          `db:"merchant" json:"merchant"`
	Amount          decimal.Decimal `db:"amount" json:"amount"`
	Currency        string          `db:"currency" json:"currency"`
	Status          string          `db:"status" json:"status"`
	Fulfillment     string          `db:"fulfillment" json:"fulfillment"`
	PaymentID       *string         `db:"payment_id" json:"payment_id,omitempty"`
	InventoryUnitID *string         `db:"inventory_unit_id" json:"inventory_unit_id,omitempty"`
	PreferredUnitID *string         `db:"preferred_unit_id" json:"preferred_unit_id,omitempty"`
	FailureReason   *string         `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
	ExpiresAt       time.Time       `db:"expires_at" json:"expires_at"`
}

// Expired reports whether a pending intent is past its horizon at now.
func (i *PaymentIntent) Expired(now time.Time) bool {
	return i.Status == IntentStatusPending && !now.Before(i.ExpiresAt)
}

// Terminal reports whether no further transition is possible.
func (i *PaymentIntent) Terminal() bool {
	switch i.Status {
	case IntentStatusSucceeded, IntentStatusFailed, IntentStatusExpired:
		return true
	}
	return false
}

// Payment records the on-chain transaction submitted for an intent
type Payment struct {
	ID        string          `db:"id" json:"id"`
	IntentID  string          `db:"intent_id" json:"intent_id"`
	TxHash    string          `db:"tx_hash" json:"tx_hash"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	Token     string          `db:"token" json:"token"`
	Status    string          `db:"status" json:"status"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// InventoryUnit is a single redeemable voucher
type InventoryUnit struct {
	ID             string          `db:"id" json:"id"`
	Merchant       string          `db:"merchant" json:"merchant"`
	Name           string          `db:"name" json:"name"`
	Currency       string          `db:"currency" json:"currency"`
	FaceValue      int64           `db:"face_value" json:"face_value"`
	ReferenceValue decimal.Decimal `db:"reference_value" json:"reference_value"`
	ValidFrom      *time.Time      `db:"valid_from" json:"valid_from,omitempty"`
	ValidUntil     *time.Time      `db:"valid_until" json:"valid_until,omitempty"`
	Stock          int             `db:"stock" json:"stock"`
	Active         bool            `db:"active" json:"active"`
	Reserved       bool            `db:"reserved" json:"reserved"`
	PaymentID      *string         `db:"payment_id" json:"payment_id,omitempty"`
	ReservedAt     *time.Time      `db:"reserved_at" json:"reserved_at,omitempty"`
	RedemptionCode string          `db:"redemption_code" json:"-"`
	Pin            string          `db:"pin" json:"-"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// Available reports whether the unit can be reserved at now.
func (u *InventoryUnit) Available(now time.Time) bool {
	if !u.Active || u.Reserved || u.Stock <= 0 {
		return false
	}
	if u.ValidFrom != nil && now.Before(*u.ValidFrom) {
		return false
	}
	if u.ValidUntil != nil && !now.Before(*u.ValidUntil) {
		return false
	}
	return true
}

// OutboxEvent holds a fulfillment event until it is claimed for publishing
type OutboxEvent struct {
	ID        string     `db:"id" json:"id"`
	IntentID  string     `db:"intent_id" json:"intent_id"`
	EventType string     `db:"event_type" json:"event_type"`
	Payload   []byte     `db:"payload" json:"payload"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	ClaimedAt *time.Time `db:"claimed_at" json:"claimed_at,omitempty"`
}

// Intent statuses
const (
	IntentStatusPending    = "pending"
	IntentStatusConfirming = "confirming"
	IntentStatusSucceeded  = "succeeded"
	IntentStatusFailed     = "failed"
	IntentStatusExpired    = "expired"
)

// Fulfillment states of a succeeded intent
const (
	FulfillmentNone        = ""
	FulfillmentBound       = "bound"
	FulfillmentUnavailable = "unavailable"
)

// Payment statuses
const (
	PaymentStatusPending    = "pending"
	PaymentStatusConfirming = "confirming"
	PaymentStatusVerified   = "verified"
	PaymentStatusFailed     = "failed"
)

// FailureNotMinedBeforeExpiry is the failure reason of a confirming intent
// whose transaction was not mined within the confirmation grace.
const FailureNotMinedBeforeExpiry = "not_mined_before_expiry"

var intentTransitions = map[string][]string{
	IntentStatusPending:    {IntentStatusConfirming, IntentStatusExpired},
	IntentStatusConfirming: {IntentStatusSucceeded, IntentStatusFailed},
}

// CanTransition reports whether an intent may move from one status to another.
func CanTransition(from, to string) bool {
	for _, next := range intentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FulfillmentBinding is committed atomically once a verified payment has a
// reserved unit: payment verified, intent succeeded and bound, outbox row.
type FulfillmentBinding struct {
	IntentID  string
	PaymentID string
	UnitID    string
	Outbox    OutboxEvent
	At        time.Time
}
