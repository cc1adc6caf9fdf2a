package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"giftcard-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ResolveBuyerWallet returns the wallet for address and the buyer owning
// it, creating either as needed. The wallet address is the natural key; a
// new buyer is created only when neither the wallet nor buyerRef resolves.
func (s *Store) ResolveBuyerWallet(ctx context.Context, address, kind string, buyerRef *string, now time.Time) (*models.Buyer, *models.Wallet, error) {
	const op = "store.ResolveBuyerWallet"
	var (
		buyer  models.Buyer
		wallet models.Wallet
	)

	err := s.withTx(ctx, op, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO wallets (id, address, kind, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (address) DO NOTHING`,
			uuid.NewString(), address, kind, now)
		if err != nil {
			return classify(op, err)
		}
		if err := tx.GetContext(ctx, &wallet,
			"SELECT * FROM wallets WHERE address = $1 FOR UPDATE", address); err != nil {
			return classify(op, err)
		}

		if wallet.BuyerID != nil {
			return classify(op, tx.GetContext(ctx, &buyer, "SELECT * FROM buyers WHERE id = $1", *wallet.BuyerID))
		}

		found, err := buyerByRef(ctx, tx, buyerRef)
		if err != nil {
			return classify(op, err)
		}
		if found != nil {
			buyer = *found
		} else {
			buyer = models.Buyer{ID: uuid.NewString(), ExternalRef: buyerRef, CreatedAt: now}
			if err := tx.GetContext(ctx, &buyer, `
				INSERT INTO buyers (id, external_ref, created_at)
				VALUES ($1, $2, $3)
				ON CONFLICT (external_ref) DO UPDATE SET external_ref = EXCLUDED.external_ref
				RETURNING *`,
				buyer.ID, buyer.ExternalRef, buyer.CreatedAt); err != nil {
				return classify(op, err)
			}
		}

		return classify(op, tx.GetContext(ctx, &wallet,
			"UPDATE wallets SET buyer_id = $1 WHERE id = $2 RETURNING *", buyer.ID, wallet.ID))
	})
	if err != nil {
		return nil, nil, err
	}
	return &buyer, &wallet, nil
}

func buyerByRef(ctx context.Context, tx *sqlx.Tx, ref *string) (*models.Buyer, error) {
	if ref == nil || *ref == "" {
		return nil, nil
	}
	var b models.Buyer
	err := tx.GetContext(ctx, &b, "SELECT * FROM buyers WHERE external_ref = $1", *ref)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) GetBuyer(ctx context.Context, id string) (*models.Buyer, error) {
	const op = "store.GetBuyer"
	if !validID(id) {
		return nil, notFound(op, "buyer", id)
	}
	var b models.Buyer
	err := s.db.GetContext(ctx, &b, "SELECT * FROM buyers WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "buyer", id)
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return &b, nil
}

func (s *Store) GetWallet(ctx context.Context, id string) (*models.Wallet, error) {
	const op = "store.GetWallet"
	if !validID(id) {
		return nil, notFound(op, "wallet", id)
	}
	var w models.Wallet
	err := s.db.GetContext(ctx, &w, "SELECT * FROM wallets WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "wallet", id)
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return &w, nil
}
