// Package service implements the payment-intent lifecycle: creation with
// dedup, transaction submission, verification polling and fulfillment.
package service

import (
	"context"
	"strings"
	"time"

	"giftcard-service/internal/apperr"
	"giftcard-service/internal/chain"
	"giftcard-service/internal/matching"
	"giftcard-service/internal/models"
	"giftcard-service/internal/util"
	"giftcard-service/internal/verify"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Store is the persistence the lifecycle manager relies on. Conditional
// transitions return the current row and whether this call changed it.
type Store interface {
	Ping(ctx context.Context) error

	ResolveBuyerWallet(ctx context.Context, address, kind string, buyerRef *string, now time.Time) (*models.Buyer, *models.Wallet, error)
	GetBuyer(ctx context.Context, id string) (*models.Buyer, error)
	GetWallet(ctx context.Context, id string) (*models.Wallet, error)

	CreateIntent(ctx context.Context, intent *models.PaymentIntent, dedupSince time.Time) (*models.PaymentIntent, bool, error)
	GetIntent(ctx context.Context, id string) (*models.PaymentIntent, error)
	ExpireIntent(ctx context.Context, id string, now time.Time) (*models.PaymentIntent, bool, error)
	ExpireStaleIntents(ctx context.Context, now time.Time, limit int) ([]models.PaymentIntent, error)
	ListConfirmingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.PaymentIntent, error)
	ListUnfulfilled(ctx context.Context, limit int) ([]models.PaymentIntent, error)

	AttachPayment(ctx context.Context, payment *models.Payment, now time.Time) (*models.PaymentIntent, bool, error)
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	GetPaymentByHash(ctx context.Context, hash string) (*models.Payment, error)
	AdvancePayment(ctx context.Context, id, from, to string, now time.Time) (bool, error)
	FailPayment(ctx context.Context, intentID, paymentID, reason string, now time.Time) (*models.PaymentIntent, bool, error)
	CompleteFulfillment(ctx context.Context, b models.FulfillmentBinding) (*models.PaymentIntent, bool, error)
	MarkUnfulfilled(ctx context.Context, intentID, paymentID, reason string, now time.Time) (*models.PaymentIntent, bool, error)

	GetUnit(ctx context.Context, id string) (*models.InventoryUnit, error)

	ClaimOutbox(ctx context.Context, eventID string, now time.Time) (bool, error)
	ReleaseOutbox(ctx context.Context, eventID string) error
	PendingOutbox(ctx context.Context, olderThan time.Time, limit int) ([]models.OutboxEvent, error)
}

type Verifier interface {
	Verify(ctx context.Context, exp verify.Expectation) (*verify.Report, error)
}

type Reserver interface {
	Reserve(ctx context.Context, req matching.Request) (*matching.Reservation, error)
}

type EventPublisher interface {
	PublishFulfillment(ctx context.Context, event *models.FulfillmentEvent) error
	PublishUnmatchedPayment(ctx context.Context, event *models.PaymentUnmatchedEvent) error
}

// PollLocker coalesces concurrent polls of one intent across replicas.
type PollLocker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

type Config struct {
	IntentTTL    time.Duration
	DedupWindow  time.Duration
	AllowPartial bool
	PollLockTTL  time.Duration
	// ConfirmationGrace is how long past expiry a confirming intent may wait
	// for its transaction to be mined before it fails.
	ConfirmationGrace time.Duration
	// Token is the symbol recorded on payments.
	Token string
}

const (
	defaultIntentTTL   = 10 * time.Minute
	defaultDedupWindow = 30 * time.Second
	defaultPollLockTTL = 5 * time.Second
	defaultGrace       = 30 * time.Minute

	sweepBatch     = 500
	relayBatch     = 100
	relayGrace     = 10 * time.Second
	maxAmountScale = 18
)

type IntentService struct {
	store     Store
	verifier  Verifier
	reserver  Reserver
	publisher EventPublisher
	locker    PollLocker
	cfg       Config
	now       func() time.Time
	logger    *zap.Logger
}

type Option func(*IntentService)

func WithClock(now func() time.Time) Option {
	return func(s *IntentService) { s.now = now }
}

// WithPollLocker enables cross-replica poll coalescing.
func WithPollLocker(l PollLocker) Option {
	return func(s *IntentService) { s.locker = l }
}

func NewIntentService(store Store, verifier Verifier, reserver Reserver, publisher EventPublisher, cfg Config, opts ...Option) *IntentService {
	if cfg.IntentTTL <= 0 {
		cfg.IntentTTL = defaultIntentTTL
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = defaultDedupWindow
	}
	if cfg.PollLockTTL <= 0 {
		cfg.PollLockTTL = defaultPollLockTTL
	}
	if cfg.ConfirmationGrace <= 0 {
		cfg.ConfirmationGrace = defaultGrace
	}
	s := &IntentService{
		store:     store,
		verifier:  verifier,
		reserver:  reserver,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		logger:    util.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateIntentRequest is the input of CreateIntent. BuyerRef and
// InventoryUnitID are optional.
type CreateIntentRequest struct {
	WalletAddress   string
	WalletKind      string
	BuyerRef        string
	Merchant        string
	Amount          decimal.Decimal
	Currency        string
	InventoryUnitID string
}

type CreateIntentResult struct {
	Intent *models.PaymentIntent
	// Created is false when an equivalent recent intent was returned.
	Created            bool
	PayableAmountMinor int64
}

// CreateIntent registers a buyer's intent to pay. A repeat of the same
// request within the dedup window returns the existing pending intent.
func (s *IntentService) CreateIntent(ctx context.Context, req CreateIntentRequest) (*CreateIntentResult, error) {
	const op = "service.CreateIntent"
	ctx, span := util.StartSpan(ctx, "IntentService.CreateIntent",
		attribute.String("merchant", req.Merchant),
		attribute.String("currency", req.Currency))
	defer span.End()

	address, ok := chain.NormalizeAddress(req.WalletAddress)
	if !ok {
		return nil, apperr.Validation(op, "invalid wallet address %q", req.WalletAddress).WithCode("invalid_wallet")
	}
	kind := strings.ToLower(strings.TrimSpace(req.WalletKind))
	if kind == "" {
		kind = models.WalletKindExternal
	}
	if kind != models.WalletKindExternal && kind != models.WalletKindEmbedded {
		return nil, apperr.Validation(op, "unknown wallet kind %q", req.WalletKind).WithCode("invalid_wallet")
	}
	merchant := matching.NormalizeMerchant(req.Merchant)
	if merchant == "" {
		return nil, apperr.Validation(op, "merchant is required").WithCode("invalid_merchant")
	}
	if !req.Amount.IsPositive() {
		return nil, apperr.Validation(op, "amount must be positive").WithCode("invalid_amount")
	}
	if req.Amount.Exponent() < -maxAmountScale {
		return nil, apperr.Validation(op, "amount has more than %d decimal places", maxAmountScale).WithCode("invalid_amount")
	}
	currency, ok := normalizeCurrency(req.Currency)
	if !ok {
		return nil, apperr.Validation(op, "currency must be a 3-letter code, got %q", req.Currency).WithCode("invalid_currency")
	}
	if !matching.FitsMinorUnits(req.Amount, currency) {
		return nil, apperr.Validation(op, "amount %s is too large", req.Amount.String()).WithCode("invalid_amount")
	}

	now := s.now().UTC()

	var preferred *string
	if id := strings.TrimSpace(req.InventoryUnitID); id != "" {
		unit, err := s.store.GetUnit(ctx, id)
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, apperr.NotFound(op, "inventory unit %s not found", id).WithCode("inventory_unit_unavailable")
		}
		if err != nil {
			return nil, err
		}
		if !unit.Available(now) {
			return nil, apperr.NotFound(op, "inventory unit %s is not available", id).WithCode("inventory_unit_unavailable")
		}
		preferred = &unit.ID
	}

	var buyerRef *string
	if ref := strings.TrimSpace(req.BuyerRef); ref != "" {
		buyerRef = &ref
	}
	buyer, wallet, err := s.store.ResolveBuyerWallet(ctx, address, kind, buyerRef, now)
	if err != nil {
		return nil, err
	}

	candidate := &models.PaymentIntent{
		ID:              uuid.NewString(),
		BuyerID:         buyer.ID,
		WalletID:        wallet.ID,
		Merchant:        merchant,
		Amount:          req.Amount,
		Currency:        currency,
		Status:          models.IntentStatusPending,
		PreferredUnitID: preferred,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(s.cfg.IntentTTL),
	}
	intent, created, err := s.store.CreateIntent(ctx, candidate, now.Add(-s.cfg.DedupWindow))
	if err != nil {
		return nil, err
	}

	if created {
		util.IntentsCreatedTotal.Inc()
		s.logger.Info("Payment intent created",
			zap.String("intent_id", intent.ID),
			zap.String("buyer_id", intent.BuyerID),
			zap.String("wallet", address),
			zap.String("merchant", intent.Merchant),
			zap.String("amount", intent.Amount.String()),
			zap.String("currency", intent.Currency))
	} else {
		util.IntentsDedupedTotal.Inc()
		s.logger.Info("Returning recent duplicate intent",
			zap.String("intent_id", intent.ID),
			zap.String("buyer_id", intent.BuyerID))
	}
	span.SetAttributes(attribute.String("intent_id", intent.ID), attribute.Bool("created", created))

	return &CreateIntentResult{
		Intent:             intent,
		Created:            created,
		PayableAmountMinor: matching.ToMinorUnits(intent.Amount, intent.Currency),
	}, nil
}

// IntentView is the read model of an intent. Redemption secrets of the
// bound unit are never part of it.
type IntentView struct {
	Intent  *models.PaymentIntent
	Wallet  *models.Wallet
	Payment *models.Payment
	Unit    *UnitSummary
}

type UnitSummary struct {
	ID             string
	Merchant       string
	Name           string
	Currency       string
	FaceValue      int64
	ReferenceValue decimal.Decimal
}

func (s *IntentService) GetIntent(ctx context.Context, id string) (*IntentView, error) {
	ctx, span := util.StartSpan(ctx, "IntentService.GetIntent", attribute.String("intent_id", id))
	defer span.End()

	intent, err := s.store.GetIntent(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &IntentView{Intent: intent}

	if view.Wallet, err = s.store.GetWallet(ctx, intent.WalletID); err != nil {
		return nil, err
	}
	if intent.PaymentID != nil {
		if view.Payment, err = s.store.GetPayment(ctx, *intent.PaymentID); err != nil {
			return nil, err
		}
	}
	if intent.InventoryUnitID != nil {
		unit, err := s.store.GetUnit(ctx, *intent.InventoryUnitID)
		if err != nil {
			return nil, err
		}
		view.Unit = summarize(unit)
	}
	return view, nil
}

func summarize(u *models.InventoryUnit) *UnitSummary {
	return &UnitSummary{
		ID:             u.ID,
		Merchant:       u.Merchant,
		Name:           u.Name,
		Currency:       u.Currency,
		FaceValue:      u.FaceValue,
		ReferenceValue: u.ReferenceValue,
	}
}

func normalizeCurrency(c string) (string, bool) {
	c = strings.ToUpper(strings.TrimSpace(c))
	if len(c) != 3 {
		return "", false
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return "", false
		}
	}
	return c, true
}

func normalizeHash(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}
