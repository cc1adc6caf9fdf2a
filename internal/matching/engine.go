// Package matching finds the cheapest sufficient inventory unit for a
// request and reserves it with compare-and-set semantics.
package matching

import (
	"context"
	"fmt"
	"time"

	"giftcard-service/internal/apperr"
	"giftcard-service/internal/models"
	"giftcard-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Store is the inventory persistence the engine needs.
type Store interface {
	// FindCandidates returns units matching c ordered by face value, then id.
	FindCandidates(ctx context.Context, c Criteria, limit int) ([]models.InventoryUnit, error)
	// ReserveUnit flips the reservation flag iff it is still unset and
	// records paymentID on the unit. It reports whether this call won.
	ReserveUnit(ctx context.Context, unitID, paymentID string, now time.Time) (bool, error)
	GetUnit(ctx context.Context, unitID string) (*models.InventoryUnit, error)
	// FindUnitByPayment returns the unit already reserved for paymentID,
	// or nil when there is none.
	FindUnitByPayment(ctx context.Context, paymentID string) (*models.InventoryUnit, error)
}

type Request struct {
	Merchant     string
	Currency     string
	MinFaceValue int64
	// AllowPartial enables the amount-relaxed last tier.
	AllowPartial    bool
	PreferredUnitID string
	// PaymentID is recorded on the reserved unit and makes retries
	// recover the same unit.
	PaymentID string
}

type Reservation struct {
	Unit *models.InventoryUnit
	Tier int
	// Recovered is true when the unit had already been reserved for the
	// same payment by an earlier, interrupted attempt.
	Recovered bool
}

const (
	defaultCandidateLimit = 10
	defaultMaxAttempts    = 5
)

type Engine struct {
	store          Store
	candidateLimit int
	maxAttempts    int
	now            func() time.Time
	logger         *zap.Logger
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLimits(candidates, attempts int) Option {
	return func(e *Engine) {
		if candidates > 0 {
			e.candidateLimit = candidates
		}
		if attempts > 0 {
			e.maxAttempts = attempts
		}
	}
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:          store,
		candidateLimit: defaultCandidateLimit,
		maxAttempts:    defaultMaxAttempts,
		now:            time.Now,
		logger:         util.GetLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reserve returns a reserved unit or a KindNotFound error when no permitted
// tier has stock. Losing every compare-and-set across maxAttempts searches
// yields a retryable KindReservationConflict.
func (e *Engine) Reserve(ctx context.Context, req Request) (*Reservation, error) {
	const op = "matching.Reserve"
	ctx, span := util.StartSpan(ctx, "Engine.Reserve",
		attribute.String("merchant", req.Merchant),
		attribute.String("currency", req.Currency))
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReservationLatency.Observe(time.Since(start).Seconds())
	}()

	if req.PaymentID == "" {
		return nil, apperr.Validation(op, "payment id is required")
	}

	if unit, err := e.store.FindUnitByPayment(ctx, req.PaymentID); err != nil {
		return nil, err
	} else if unit != nil {
		e.logger.Info("Recovered unit already reserved for payment",
			zap.String("payment_id", req.PaymentID),
			zap.String("unit_id", unit.ID))
		return &Reservation{Unit: unit, Tier: TierRecovered, Recovered: true}, nil
	}

	if req.PreferredUnitID != "" {
		res, err := e.tryPreferred(ctx, req)
		if err != nil || res != nil {
			return res, err
		}
	}

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		now := e.now()
		res, matched, err := e.searchOnce(ctx, req, now)
		if err != nil {
			return nil, err
		}
		if res != nil {
			util.ReservationsTotal.WithLabelValues(TierLabel(res.Tier)).Inc()
			span.SetAttributes(attribute.Int("tier", res.Tier))
			return res, nil
		}
		if !matched {
			return nil, apperr.NotFound(op, "no %s inventory for %s at or above %d",
				req.Currency, NormalizeMerchant(req.Merchant), req.MinFaceValue).WithCode("inventory_exhausted")
		}
		// A concurrent poll of the same payment may have won the race.
		if unit, err := e.store.FindUnitByPayment(ctx, req.PaymentID); err != nil {
			return nil, err
		} else if unit != nil {
			return &Reservation{Unit: unit, Tier: TierRecovered, Recovered: true}, nil
		}
		e.logger.Debug("Lost every candidate, searching again",
			zap.String("payment_id", req.PaymentID), zap.Int("attempt", attempt))
	}

	return nil, apperr.New(apperr.KindReservationConflict, op,
		fmt.Sprintf("inventory contended after %d attempts", e.maxAttempts))
}

// searchOnce walks the tiers once. matched reports whether any tier had
// candidates, so an empty walk is distinguishable from a contended one.
func (e *Engine) searchOnce(ctx context.Context, req Request, now time.Time) (*Reservation, bool, error) {
	for _, c := range Tiers(req.Merchant, req.Currency, req.MinFaceValue, req.AllowPartial, now) {
		units, err := e.store.FindCandidates(ctx, c, e.candidateLimit)
		if err != nil {
			return nil, false, err
		}
		if len(units) == 0 {
			continue
		}

		for i := range units {
			unit := &units[i]
			won, err := e.store.ReserveUnit(ctx, unit.ID, req.PaymentID, now)
			if err != nil {
				return nil, true, err
			}
			if !won {
				util.ReservationConflictsTotal.Inc()
				continue
			}
			markReserved(unit, req.PaymentID, now)
			e.logger.Info("Inventory unit reserved",
				zap.String("payment_id", req.PaymentID),
				zap.String("unit_id", unit.ID),
				zap.String("tier", TierLabel(c.Tier)),
				zap.Int64("face_value", unit.FaceValue))
			return &Reservation{Unit: unit, Tier: c.Tier}, true, nil
		}
		// Every candidate of the first non-empty tier was taken concurrently.
		return nil, true, nil
	}
	return nil, false, nil
}

func (e *Engine) tryPreferred(ctx context.Context, req Request) (*Reservation, error) {
	unit, err := e.store.GetUnit(ctx, req.PreferredUnitID)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := e.now()
	if !unit.Available(now) {
		return nil, nil
	}
	won, err := e.store.ReserveUnit(ctx, unit.ID, req.PaymentID, now)
	if err != nil {
		return nil, err
	}
	if !won {
		util.ReservationConflictsTotal.Inc()
		return nil, nil
	}
	markReserved(unit, req.PaymentID, now)
	util.ReservationsTotal.WithLabelValues(TierLabel(TierPreferred)).Inc()
	return &Reservation{Unit: unit, Tier: TierPreferred}, nil
}

func markReserved(u *models.InventoryUnit, paymentID string, now time.Time) {
	u.Reserved = true
	u.PaymentID = &paymentID
	u.ReservedAt = &now
	if u.Stock > 0 {
		u.Stock--
	}
}
