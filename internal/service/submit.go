package service

import (
	"context"
	"strings"

	"giftcard-service/internal/apperr"
	"giftcard-service/internal/chain"
	"giftcard-service/internal/models"
	"giftcard-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type SubmitResult struct {
	Intent  *models.PaymentIntent
	Payment *models.Payment
	// Duplicate is true when the same hash was already attached.
	Duplicate bool
}

// SubmitTransaction attaches an on-chain transaction to a pending intent and
// moves it to confirming. Resubmitting the attached hash is a no-op.
func (s *IntentService) SubmitTransaction(ctx context.Context, intentID, txHash, walletAddress string) (*SubmitResult, error) {
	const op = "service.SubmitTransaction"
	ctx, span := util.StartSpan(ctx, "IntentService.SubmitTransaction",
		attribute.String("intent_id", intentID))
	defer span.End()

	hash := normalizeHash(txHash)
	if !chain.ValidTxHash(hash) {
		return nil, apperr.Validation(op, "invalid transaction hash %q", txHash).WithCode("invalid_tx_hash")
	}
	address, ok := chain.NormalizeAddress(walletAddress)
	if !ok {
		return nil, apperr.Validation(op, "invalid wallet address %q", walletAddress).WithCode("invalid_wallet")
	}
	span.SetAttributes(attribute.String("tx_hash", hash))

	intent, err := s.store.GetIntent(ctx, strings.TrimSpace(intentID))
	if err != nil {
		return nil, err
	}
	wallet, err := s.store.GetWallet(ctx, intent.WalletID)
	if err != nil {
		return nil, err
	}
	if !chain.SameAddress(wallet.Address, address) {
		return nil, apperr.Validation(op, "wallet %s does not own intent %s", address, intent.ID).WithCode("wallet_mismatch")
	}

	if intent.PaymentID != nil {
		payment, err := s.store.GetPayment(ctx, *intent.PaymentID)
		if err != nil {
			return nil, err
		}
		if payment.TxHash == hash {
			return &SubmitResult{Intent: intent, Payment: payment, Duplicate: true}, nil
		}
	}
	if other, err := s.store.GetPaymentByHash(ctx, hash); err != nil {
		return nil, err
	} else if other != nil && other.IntentID != intent.ID {
		return nil, apperr.Validation(op, "transaction %s is already attached to another intent", hash).
			WithCode("tx_hash_in_use")
	}

	now := s.now().UTC()
	if intent.Status == models.IntentStatusExpired || intent.Expired(now) {
		return nil, s.rejectLate(ctx, intent, hash)
	}
	if !models.CanTransition(intent.Status, models.IntentStatusConfirming) {
		return nil, apperr.Validation(op, "intent %s is %s", intent.ID, intent.Status).WithCode("intent_not_pending")
	}

	payment := &models.Payment{
		ID:       uuid.NewString(),
		IntentID: intent.ID,
		TxHash:   hash,
		Amount:   intent.Amount,
		Token:    s.cfg.Token,
		Status:   models.PaymentStatusPending,
	}
	updated, changed, err := s.store.AttachPayment(ctx, payment, now)
	if err != nil {
		return nil, err
	}
	if !changed {
		// Lost a race with expiry or a concurrent submit.
		if updated.PaymentID != nil {
			if existing, err := s.store.GetPayment(ctx, *updated.PaymentID); err == nil && existing.TxHash == hash {
				return &SubmitResult{Intent: updated, Payment: existing, Duplicate: true}, nil
			}
		}
		if updated.Status == models.IntentStatusExpired || updated.Expired(now) {
			return nil, s.rejectLate(ctx, updated, hash)
		}
		return nil, apperr.Validation(op, "intent %s is %s", updated.ID, updated.Status).WithCode("intent_not_pending")
	}

	util.TransactionsSubmittedTotal.Inc()
	util.IntentTransitionsTotal.WithLabelValues(models.IntentStatusConfirming).Inc()
	s.logger.Info("Transaction submitted",
		zap.String("intent_id", updated.ID),
		zap.String("payment_id", payment.ID),
		zap.String("tx_hash", hash))

	stored, err := s.store.GetPayment(ctx, payment.ID)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Intent: updated, Payment: stored}, nil
}

// rejectLate expires the intent if it is still pending and raises an
// operator alert: the buyer may already have moved funds for an intent that
// can no longer be fulfilled.
func (s *IntentService) rejectLate(ctx context.Context, intent *models.PaymentIntent, hash string) error {
	if intent.Status == models.IntentStatusPending {
		if _, changed, err := s.store.ExpireIntent(ctx, intent.ID, s.now().UTC()); err != nil {
			return err
		} else if changed {
			util.IntentsExpiredTotal.WithLabelValues("submit").Inc()
		}
	}

	s.alertUnmatched(ctx, intent, hash, models.UnmatchedReasonIntentExpired)
	return apperr.Validation("service.SubmitTransaction", "intent %s expired at %s",
		intent.ID, intent.ExpiresAt.Format("2006-01-02T15:04:05Z07:00")).WithCode("intent_expired")
}

func (s *IntentService) alertUnmatched(ctx context.Context, intent *models.PaymentIntent, hash, reason string) {
	util.UnmatchedPaymentsTotal.WithLabelValues(reason).Inc()
	s.logger.Error("Unmatched payment",
		zap.String("intent_id", intent.ID),
		zap.String("tx_hash", hash),
		zap.String("merchant", intent.Merchant),
		zap.String("amount", intent.Amount.String()),
		zap.String("currency", intent.Currency),
		zap.String("reason", reason))

	event := &models.PaymentUnmatchedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.NewString(),
			EventType: models.EventTypePaymentUnmatched,
			Timestamp: s.now().UTC(),
		},
		IntentID: intent.ID,
		TxHash:   hash,
		Merchant: intent.Merchant,
		Amount:   intent.Amount,
		Currency: intent.Currency,
		Reason:   reason,
	}
	if err := s.publisher.PublishUnmatchedPayment(ctx, event); err != nil {
		s.logger.Error("Failed to publish unmatched payment alert",
			zap.String("intent_id", intent.ID), zap.Error(err))
	}
}
