package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"giftcard-service/internal/apperr"
	"giftcard-service/internal/matching"
	"giftcard-service/internal/models"
	"giftcard-service/internal/util"
	"giftcard-service/internal/verify"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type PollResult struct {
	Intent *models.PaymentIntent
	// Report is nil when no verification ran in this call.
	Report *verify.Report
	Unit   *UnitSummary
	// InProgress is set when another poller holds the intent.
	InProgress bool
}

// PollVerification advances an intent as far as the chain allows. It is
// idempotent: terminal intents are returned unchanged, and fulfillment
// happens at most once however many times it is called. When the chain
// rejects the payment the failed intent is returned together with an
// OnChainRejected error.
func (s *IntentService) PollVerification(ctx context.Context, intentID string) (*PollResult, error) {
	ctx, span := util.StartSpan(ctx, "IntentService.PollVerification",
		attribute.String("intent_id", intentID))
	defer span.End()

	intent, err := s.store.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}

	switch {
	case intent.Status == models.IntentStatusPending:
		now := s.now().UTC()
		if intent.Expired(now) {
			expired, changed, err := s.store.ExpireIntent(ctx, intent.ID, now)
			if err != nil {
				return nil, err
			}
			if changed {
				util.IntentsExpiredTotal.WithLabelValues("poll").Inc()
				s.logger.Info("Payment intent expired", zap.String("intent_id", intent.ID))
			}
			intent = expired
		}
		return &PollResult{Intent: intent}, nil
	case intent.Terminal():
		if notMined(intent) {
			return s.recheckTimedOut(ctx, intent)
		}
		return s.terminalResult(ctx, intent)
	}

	if s.locker != nil {
		key := "poll:" + intent.ID
		token, ok, err := s.locker.AcquireLock(ctx, key, s.cfg.PollLockTTL)
		switch {
		case err != nil:
			s.logger.Warn("Poll lock unavailable, polling without it",
				zap.String("intent_id", intent.ID), zap.Error(err))
		case !ok:
			return &PollResult{Intent: intent, InProgress: true}, nil
		default:
			defer func() {
				if err := s.locker.ReleaseLock(context.Background(), key, token); err != nil {
					s.logger.Warn("Failed to release poll lock", zap.String("intent_id", intent.ID), zap.Error(err))
				}
			}()
		}
	}

	return s.advanceConfirming(ctx, intent)
}

func (s *IntentService) advanceConfirming(ctx context.Context, intent *models.PaymentIntent) (*PollResult, error) {
	if intent.PaymentID == nil {
		return nil, apperr.New(apperr.KindInternal, "service.PollVerification",
			fmt.Sprintf("confirming intent %s has no payment", intent.ID))
	}
	payment, err := s.store.GetPayment(ctx, *intent.PaymentID)
	if err != nil {
		return nil, err
	}
	wallet, err := s.store.GetWallet(ctx, intent.WalletID)
	if err != nil {
		return nil, err
	}

	amount := intent.Amount
	report, err := s.verifier.Verify(ctx, verify.Expectation{
		TxHash:   payment.TxHash,
		IntentID: intent.ID,
		Wallet:   wallet.Address,
		Amount:   &amount,
		Strict:   true,
	})
	if err != nil {
		return &PollResult{Intent: intent, Report: report}, err
	}

	now := s.now().UTC()
	switch report.Status {
	case verify.StatusPending:
		included := report.Step(verify.StepIncluded)
		if included != nil && included.Satisfied {
			if _, err := s.store.AdvancePayment(ctx, payment.ID, models.PaymentStatusPending, models.PaymentStatusConfirming, now); err != nil {
				return nil, err
			}
			return &PollResult{Intent: intent, Report: report}, nil
		}
		if now.Before(intent.ExpiresAt.Add(s.cfg.ConfirmationGrace)) {
			return &PollResult{Intent: intent, Report: report}, nil
		}
		failed, err := s.failPayment(ctx, intent, payment, models.FailureNotMinedBeforeExpiry, now)
		if err != nil {
			return nil, err
		}
		return &PollResult{Intent: failed, Report: report}, nil

	case verify.StatusFailed:
		failed, err := s.failPayment(ctx, intent, payment, report.Message, now)
		if err != nil {
			return nil, err
		}
		res := &PollResult{Intent: failed, Report: report}
		if failed.Status != models.IntentStatusFailed {
			return res, nil
		}
		return res, apperr.New(apperr.KindOnChainRejected, "service.PollVerification", report.Message).WithCode("payment_failed")
	}

	return s.fulfill(ctx, intent, payment, report)
}

func (s *IntentService) failPayment(ctx context.Context, intent *models.PaymentIntent, payment *models.Payment, reason string, now time.Time) (*models.PaymentIntent, error) {
	failed, changed, err := s.store.FailPayment(ctx, intent.ID, payment.ID, reason, now)
	if err != nil {
		return nil, err
	}
	if changed {
		util.IntentTransitionsTotal.WithLabelValues(models.IntentStatusFailed).Inc()
		s.logger.Warn("Payment verification failed",
			zap.String("intent_id", intent.ID),
			zap.String("tx_hash", payment.TxHash),
			zap.String("reason", reason))
	}
	return failed, nil
}

func notMined(intent *models.PaymentIntent) bool {
	return intent.Status == models.IntentStatusFailed && intent.PaymentID != nil &&
		intent.FailureReason != nil && *intent.FailureReason == models.FailureNotMinedBeforeExpiry
}

// recheckTimedOut looks again at the transaction of an intent that failed
// because it was not mined in time. If it has since verified, the payment
// is marked verified and operators are alerted once; the intent stays failed.
func (s *IntentService) recheckTimedOut(ctx context.Context, intent *models.PaymentIntent) (*PollResult, error) {
	payment, err := s.store.GetPayment(ctx, *intent.PaymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentStatusFailed {
		return s.terminalResult(ctx, intent)
	}
	wallet, err := s.store.GetWallet(ctx, intent.WalletID)
	if err != nil {
		return nil, err
	}

	amount := intent.Amount
	report, err := s.verifier.Verify(ctx, verify.Expectation{
		TxHash:   payment.TxHash,
		IntentID: intent.ID,
		Wallet:   wallet.Address,
		Amount:   &amount,
		Strict:   true,
	})
	if err != nil {
		s.logger.Warn("Recheck of timed-out payment failed",
			zap.String("intent_id", intent.ID), zap.Error(err))
		return s.terminalResult(ctx, intent)
	}
	if report.Status == verify.StatusVerified {
		changed, err := s.store.AdvancePayment(ctx, payment.ID, models.PaymentStatusFailed, models.PaymentStatusVerified, s.now().UTC())
		if err != nil {
			return nil, err
		}
		if changed {
			s.alertUnmatched(ctx, intent, payment.TxHash, models.UnmatchedReasonLateConfirmation)
		}
	}
	return &PollResult{Intent: intent, Report: report}, nil
}

// fulfill reserves a unit for a verified payment and commits the binding.
// The fulfillment event is written to the outbox in the same commit, then
// claimed and published; a failed publish is left for the outbox relay.
func (s *IntentService) fulfill(ctx context.Context, intent *models.PaymentIntent, payment *models.Payment, report *verify.Report) (*PollResult, error) {
	ctx, span := util.StartSpan(ctx, "IntentService.fulfill", attribute.String("intent_id", intent.ID))
	defer span.End()

	req := matching.Request{
		Merchant:     intent.Merchant,
		Currency:     intent.Currency,
		MinFaceValue: matching.ToMinorUnits(intent.Amount, intent.Currency),
		AllowPartial: s.cfg.AllowPartial,
		PaymentID:    payment.ID,
	}
	if intent.PreferredUnitID != nil {
		req.PreferredUnitID = *intent.PreferredUnitID
	}

	reservation, err := s.reserver.Reserve(ctx, req)
	if apperr.Is(err, apperr.KindNotFound) {
		return s.markUnfulfilled(ctx, intent, payment, report, err)
	}
	if err != nil {
		return &PollResult{Intent: intent, Report: report}, err
	}
	unit := reservation.Unit

	buyerRef := intent.BuyerID
	if buyer, err := s.store.GetBuyer(ctx, intent.BuyerID); err == nil && buyer.ExternalRef != nil {
		buyerRef = *buyer.ExternalRef
	}

	now := s.now().UTC()
	event := &models.FulfillmentEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.NewString(),
			EventType: models.EventTypeFulfillmentCompleted,
			Timestamp: now,
		},
		IntentID:         intent.ID,
		BuyerRef:         buyerRef,
		Merchant:         intent.Merchant,
		Amount:           intent.Amount,
		Currency:         intent.Currency,
		InventoryUnitRef: unit.ID,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "service.fulfill", err)
	}

	updated, changed, err := s.store.CompleteFulfillment(ctx, models.FulfillmentBinding{
		IntentID:  intent.ID,
		PaymentID: payment.ID,
		UnitID:    unit.ID,
		Outbox: models.OutboxEvent{
			ID:        event.EventID,
			IntentID:  intent.ID,
			EventType: event.EventType,
			Payload:   payload,
			CreatedAt: now,
		},
		At: now,
	})
	if err != nil {
		return &PollResult{Intent: intent, Report: report}, err
	}
	if !changed {
		return s.terminalResult(ctx, updated)
	}

	util.IntentTransitionsTotal.WithLabelValues(models.IntentStatusSucceeded).Inc()
	s.logger.Info("Payment verified and unit bound",
		zap.String("intent_id", intent.ID),
		zap.String("payment_id", payment.ID),
		zap.String("unit_id", unit.ID),
		zap.String("tier", matching.TierLabel(reservation.Tier)),
		zap.Bool("recovered", reservation.Recovered))

	s.publishClaimed(ctx, event)
	return &PollResult{Intent: updated, Report: report, Unit: summarize(unit)}, nil
}

func (s *IntentService) markUnfulfilled(ctx context.Context, intent *models.PaymentIntent, payment *models.Payment, report *verify.Report, cause error) (*PollResult, error) {
	updated, changed, err := s.store.MarkUnfulfilled(ctx, intent.ID, payment.ID, cause.Error(), s.now().UTC())
	if err != nil {
		return nil, err
	}
	if changed {
		util.IntentTransitionsTotal.WithLabelValues(models.IntentStatusSucceeded).Inc()
		s.alertUnmatched(ctx, updated, payment.TxHash, models.UnmatchedReasonInventoryUnavailable)
	}
	return &PollResult{Intent: updated, Report: report}, nil
}

// publishClaimed publishes an outbox event only if this caller wins its
// claim. On publish failure the claim is released for the relay to retry.
func (s *IntentService) publishClaimed(ctx context.Context, event *models.FulfillmentEvent) {
	claimed, err := s.store.ClaimOutbox(ctx, event.EventID, s.now().UTC())
	if err != nil {
		s.logger.Warn("Failed to claim fulfillment event", zap.String("event_id", event.EventID), zap.Error(err))
		return
	}
	if !claimed {
		return
	}

	if err := s.publisher.PublishFulfillment(ctx, event); err != nil {
		util.FulfillmentEventsTotal.WithLabelValues("failed").Inc()
		s.logger.Error("Failed to publish fulfillment event",
			zap.String("event_id", event.EventID),
			zap.String("intent_id", event.IntentID),
			zap.Error(err))
		if err := s.store.ReleaseOutbox(ctx, event.EventID); err != nil {
			s.logger.Error("Failed to release fulfillment event", zap.String("event_id", event.EventID), zap.Error(err))
		}
		return
	}
	util.FulfillmentEventsTotal.WithLabelValues("published").Inc()
}

func (s *IntentService) terminalResult(ctx context.Context, intent *models.PaymentIntent) (*PollResult, error) {
	res := &PollResult{Intent: intent}
	if intent.InventoryUnitID != nil {
		unit, err := s.store.GetUnit(ctx, *intent.InventoryUnitID)
		if err != nil {
			return nil, err
		}
		res.Unit = summarize(unit)
	}
	return res, nil
}

// ProgressQuery drives the verify-progress endpoint. Only TxHash is
// required; IntentID fills in the remaining expectations when given.
type ProgressQuery struct {
	TxHash        string
	IntentID      string
	WalletAddress string
	Amount        *decimal.Decimal
}

type ProgressResult struct {
	Report       *verify.Report
	IntentStatus string
}

// VerifyProgress reports verification progress for a transaction. When the
// hash is the one attached to a confirming intent the intent is advanced.
func (s *IntentService) VerifyProgress(ctx context.Context, q ProgressQuery) (*ProgressResult, error) {
	const op = "service.VerifyProgress"
	ctx, span := util.StartSpan(ctx, "IntentService.VerifyProgress")
	defer span.End()

	hash := normalizeHash(q.TxHash)
	if hash == "" {
		return nil, apperr.Validation(op, "txHash is required").WithCode("invalid_tx_hash")
	}

	exp := verify.Expectation{TxHash: hash, IntentID: q.IntentID, Wallet: q.WalletAddress, Amount: q.Amount}
	var status string

	if q.IntentID != "" {
		intent, err := s.store.GetIntent(ctx, q.IntentID)
		if err != nil {
			return nil, err
		}
		status = intent.Status

		if intent.PaymentID != nil && intent.Status == models.IntentStatusConfirming {
			payment, err := s.store.GetPayment(ctx, *intent.PaymentID)
			if err != nil {
				return nil, err
			}
			if payment.TxHash == hash {
				res, err := s.PollVerification(ctx, intent.ID)
				if apperr.Is(err, apperr.KindOnChainRejected) {
					err = nil
				}
				if err != nil {
					if res != nil && res.Report != nil {
						return &ProgressResult{Report: res.Report, IntentStatus: res.Intent.Status}, err
					}
					return nil, err
				}
				if res.Report != nil {
					return &ProgressResult{Report: res.Report, IntentStatus: res.Intent.Status}, nil
				}
				status = res.Intent.Status
			}
		}

		if exp.Wallet == "" {
			if wallet, err := s.store.GetWallet(ctx, intent.WalletID); err == nil {
				exp.Wallet = wallet.Address
			}
		}
		if exp.Amount == nil {
			amount := intent.Amount
			exp.Amount = &amount
		}
	}

	report, err := s.verifier.Verify(ctx, exp)
	if err != nil {
		if report != nil {
			return &ProgressResult{Report: report, IntentStatus: status}, err
		}
		return nil, err
	}
	return &ProgressResult{Report: report, IntentStatus: status}, nil
}
