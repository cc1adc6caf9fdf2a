package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"giftcard-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateIntent inserts intent unless an equivalent pending intent exists.
// Within one transaction, serialized per buyer by an advisory lock, it
// lazily expires the buyer's stale pending intents, then returns any
// pending intent with the same buyer, wallet, merchant and amount created
// at or after dedupSince. created is false when an existing intent is
// returned.
func (s *Store) CreateIntent(ctx context.Context, intent *models.PaymentIntent, dedupSince time.Time) (*models.PaymentIntent, bool, error) {
	const op = "store.CreateIntent"
	var (
		result  models.PaymentIntent
		created bool
	)
	now := intent.CreatedAt

	err := s.withTx(ctx, op, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"SELECT pg_advisory_xact_lock(hashtext($1))", "intent:"+intent.BuyerID); err != nil {
			return classify(op, err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE payment_intents SET status = $1, updated_at = $2
			WHERE buyer_id = $3 AND status = $4 AND expires_at <= $2`,
			models.IntentStatusExpired, now, intent.BuyerID, models.IntentStatusPending); err != nil {
			return classify(op, err)
		}

		err := tx.GetContext(ctx, &result, `
			SELECT * FROM payment_intents
			WHERE buyer_id = $1 AND wallet_id = $2 AND merchant = $3 AND amount = $4
			  AND currency = $5 AND status = $6 AND created_at >= $7 AND expires_at > $8
			ORDER BY created_at DESC
			LIMIT 1`,
			intent.BuyerID, intent.WalletID, intent.Merchant, intent.Amount,
			intent.Currency, models.IntentStatusPending, dedupSince, now)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return classify(op, err)
		}

		created = true
		return classify(op, tx.GetContext(ctx, &result, `
			INSERT INTO payment_intents
				(id, buyer_id, wallet_id, merchant, amount, currency, status, fulfillment,
				 preferred_unit_id, created_at, updated_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10, $11)
			RETURNING *`,
			intent.ID, intent.BuyerID, intent.WalletID, intent.Merchant, intent.Amount,
			intent.Currency, models.IntentStatusPending, models.FulfillmentNone,
			intent.PreferredUnitID, now, intent.ExpiresAt))
	})
	if err != nil {
		return nil, false, err
	}
	return &result, created, nil
}

func (s *Store) GetIntent(ctx context.Context, id string) (*models.PaymentIntent, error) {
	const op = "store.GetIntent"
	if !validID(id) {
		return nil, notFound(op, "intent", id)
	}
	var intent models.PaymentIntent
	err := s.db.GetContext(ctx, &intent, "SELECT * FROM payment_intents WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "intent", id)
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return &intent, nil
}

// ExpireIntent moves a pending intent past its horizon to expired. It
// returns the current row and whether this call changed it.
func (s *Store) ExpireIntent(ctx context.Context, id string, now time.Time) (*models.PaymentIntent, bool, error) {
	const op = "store.ExpireIntent"
	if !validID(id) {
		return nil, false, notFound(op, "intent", id)
	}
	var intent models.PaymentIntent
	err := s.db.GetContext(ctx, &intent, `
		UPDATE payment_intents SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4 AND expires_at <= $2
		RETURNING *`,
		models.IntentStatusExpired, now, id, models.IntentStatusPending)
	if errors.Is(err, sql.ErrNoRows) {
		current, err := s.GetIntent(ctx, id)
		return current, false, err
	}
	if err != nil {
		return nil, false, classify(op, err)
	}
	return &intent, true, nil
}

// ExpireStaleIntents is the periodic counterpart of the lazy expiry done
// on create.
func (s *Store) ExpireStaleIntents(ctx context.Context, now time.Time, limit int) ([]models.PaymentIntent, error) {
	const op = "store.ExpireStaleIntents"
	var expired []models.PaymentIntent
	err := s.db.SelectContext(ctx, &expired, `
		UPDATE payment_intents SET status = $1, updated_at = $2
		WHERE id IN (
			SELECT id FROM payment_intents
			WHERE status = $3 AND expires_at <= $2
			ORDER BY expires_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`,
		models.IntentStatusExpired, now, models.IntentStatusPending, limit)
	if err != nil {
		return nil, classify(op, err)
	}
	return expired, nil
}

// ListConfirmingBefore returns confirming intents that expired at or before
// cutoff, oldest first.
func (s *Store) ListConfirmingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.PaymentIntent, error) {
	var intents []models.PaymentIntent
	err := s.db.SelectContext(ctx, &intents, `
		SELECT * FROM payment_intents
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at
		LIMIT NULLIF($3::int, 0)`,
		models.IntentStatusConfirming, cutoff, limit)
	if err != nil {
		return nil, classify("store.ListConfirmingBefore", err)
	}
	return intents, nil
}

// ListUnfulfilled returns succeeded intents whose payment could not be
// matched to inventory, oldest first. A zero limit lists all of them.
func (s *Store) ListUnfulfilled(ctx context.Context, limit int) ([]models.PaymentIntent, error) {
	const op = "store.ListUnfulfilled"
	var intents []models.PaymentIntent
	err := s.db.SelectContext(ctx, &intents, `
		SELECT * FROM payment_intents
		WHERE status = $1 AND fulfillment = $2
		ORDER BY updated_at
		LIMIT NULLIF($3::int, 0)`,
		models.IntentStatusSucceeded, models.FulfillmentUnavailable, limit)
	if err != nil {
		return nil, classify(op, err)
	}
	return intents, nil
}
