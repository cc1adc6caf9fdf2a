package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"giftcard-service/internal/apperr"
	"giftcard-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// AttachPayment records payment and moves its intent from pending to
// confirming in one transaction. If the intent is no longer pending or is
// past its horizon nothing is written and the current row is returned with
// changed=false.
func (s *Store) AttachPayment(ctx context.Context, payment *models.Payment, now time.Time) (*models.PaymentIntent, bool, error) {
	const op = "store.AttachPayment"
	var (
		intent  models.PaymentIntent
		changed bool
	)

	if !validID(payment.IntentID) {
		return nil, false, notFound(op, "intent", payment.IntentID)
	}

	err := s.withTx(ctx, op, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &intent, `
			UPDATE payment_intents SET status = $1, payment_id = $2, updated_at = $3
			WHERE id = $4 AND status = $5 AND expires_at > $3
			RETURNING *`,
			models.IntentStatusConfirming, payment.ID, now, payment.IntentID, models.IntentStatusPending)
		if errors.Is(err, sql.ErrNoRows) {
			err = tx.GetContext(ctx, &intent, "SELECT * FROM payment_intents WHERE id = $1", payment.IntentID)
			if errors.Is(err, sql.ErrNoRows) {
				return notFound(op, "intent", payment.IntentID)
			}
			return classify(op, err)
		}
		if err != nil {
			return classify(op, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO payments (id, intent_id, tx_hash, amount, token, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
			payment.ID, payment.IntentID, payment.TxHash, payment.Amount, payment.Token, payment.Status, now)
		if uniqueViolation(err, "payments_tx_hash_key") {
			return apperr.Validation(op, "transaction %s is already attached to another intent", payment.TxHash).
				WithCode("tx_hash_in_use")
		}
		if err != nil {
			return classify(op, err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &intent, changed, nil
}

func (s *Store) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	const op = "store.GetPayment"
	if !validID(id) {
		return nil, notFound(op, "payment", id)
	}
	var p models.Payment
	err := s.db.GetContext(ctx, &p, "SELECT * FROM payments WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "payment", id)
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return &p, nil
}

// GetPaymentByHash returns nil, nil when no payment uses hash.
func (s *Store) GetPaymentByHash(ctx context.Context, hash string) (*models.Payment, error) {
	const op = "store.GetPaymentByHash"
	var p models.Payment
	err := s.db.GetContext(ctx, &p, "SELECT * FROM payments WHERE tx_hash = $1", hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return &p, nil
}

// AdvancePayment moves a payment from one status to another and reports
// whether it did; it is a no-op when the payment is not in from.
func (s *Store) AdvancePayment(ctx context.Context, id, from, to string, now time.Time) (bool, error) {
	const op = "store.AdvancePayment"
	if !validID(id) {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE payments SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4",
		to, now, id, from)
	if err != nil {
		return false, classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(op, err)
	}
	return n == 1, nil
}

// FailPayment marks the payment failed and moves its confirming intent to
// failed with reason.
func (s *Store) FailPayment(ctx context.Context, intentID, paymentID, reason string, now time.Time) (*models.PaymentIntent, bool, error) {
	const op = "store.FailPayment"
	return s.finishConfirming(ctx, op, intentID, models.IntentStatusFailed, func(tx *sqlx.Tx, intent *models.PaymentIntent) error {
		if _, err := tx.ExecContext(ctx,
			"UPDATE payments SET status = $1, updated_at = $2 WHERE id = $3",
			models.PaymentStatusFailed, now, paymentID); err != nil {
			return classify(op, err)
		}
		return classify(op, tx.GetContext(ctx, intent, `
			UPDATE payment_intents SET status = $1, failure_reason = $2, updated_at = $3
			WHERE id = $4 AND status = $5
			RETURNING *`,
			models.IntentStatusFailed, reason, now, intentID, models.IntentStatusConfirming))
	})
}

// CompleteFulfillment commits b atomically. The outbox row is keyed by
// intent, so a replay never queues a second event.
func (s *Store) CompleteFulfillment(ctx context.Context, b models.FulfillmentBinding) (*models.PaymentIntent, bool, error) {
	const op = "store.CompleteFulfillment"
	return s.finishConfirming(ctx, op, b.IntentID, models.IntentStatusSucceeded, func(tx *sqlx.Tx, intent *models.PaymentIntent) error {
		if _, err := tx.ExecContext(ctx,
			"UPDATE payments SET status = $1, updated_at = $2 WHERE id = $3",
			models.PaymentStatusVerified, b.At, b.PaymentID); err != nil {
			return classify(op, err)
		}
		if err := tx.GetContext(ctx, intent, `
			UPDATE payment_intents
			SET status = $1, fulfillment = $2, inventory_unit_id = $3, updated_at = $4
			WHERE id = $5 AND status = $6
			RETURNING *`,
			models.IntentStatusSucceeded, models.FulfillmentBound, b.UnitID, b.At,
			b.IntentID, models.IntentStatusConfirming); err != nil {
			return classify(op, err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO outbox_events (id, intent_id, event_type, payload, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (intent_id) DO NOTHING`,
			b.Outbox.ID, b.IntentID, b.Outbox.EventType, string(b.Outbox.Payload), b.At)
		return classify(op, err)
	})
}

// MarkUnfulfilled records a verified payment for which no inventory could
// be reserved: the intent succeeds with fulfillment "unavailable".
func (s *Store) MarkUnfulfilled(ctx context.Context, intentID, paymentID, reason string, now time.Time) (*models.PaymentIntent, bool, error) {
	const op = "store.MarkUnfulfilled"
	return s.finishConfirming(ctx, op, intentID, models.IntentStatusSucceeded, func(tx *sqlx.Tx, intent *models.PaymentIntent) error {
		if _, err := tx.ExecContext(ctx,
			"UPDATE payments SET status = $1, updated_at = $2 WHERE id = $3",
			models.PaymentStatusVerified, now, paymentID); err != nil {
			return classify(op, err)
		}
		return classify(op, tx.GetContext(ctx, intent, `
			UPDATE payment_intents SET status = $1, fulfillment = $2, failure_reason = $3, updated_at = $4
			WHERE id = $5 AND status = $6
			RETURNING *`,
			models.IntentStatusSucceeded, models.FulfillmentUnavailable, reason, now,
			intentID, models.IntentStatusConfirming))
	})
}

// finishConfirming runs fn against an intent locked FOR UPDATE if it may
// move to status to. Otherwise nothing is written and the current row is
// returned with changed=false.
func (s *Store) finishConfirming(ctx context.Context, op, intentID, to string, fn func(*sqlx.Tx, *models.PaymentIntent) error) (*models.PaymentIntent, bool, error) {
	var (
		intent  models.PaymentIntent
		changed bool
	)
	if !validID(intentID) {
		return nil, false, notFound(op, "intent", intentID)
	}
	err := s.withTx(ctx, op, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &intent, "SELECT * FROM payment_intents WHERE id = $1 FOR UPDATE", intentID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound(op, "intent", intentID)
		}
		if err != nil {
			return classify(op, err)
		}
		if !models.CanTransition(intent.Status, to) {
			return nil
		}
		if err := fn(tx, &intent); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &intent, changed, nil
}
