package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"giftcard-service/internal/matching"
	"giftcard-service/internal/models"
)

// FindCandidates returns available units matching c, cheapest first.
func (s *Store) FindCandidates(ctx context.Context, c matching.Criteria, limit int) ([]models.InventoryUnit, error) {
	const op = "store.FindCandidates"

	where := []string{
		"active = TRUE",
		"reserved = FALSE",
		"stock > 0",
		"(valid_from IS NULL OR valid_from <= ?)",
		"(valid_until IS NULL OR valid_until > ?)",
	}
	args := []interface{}{c.Now, c.Now}

	switch c.MerchantMatch {
	case matching.MerchantExact:
		where = append(where, "merchant = ?")
		args = append(args, c.Merchant)
	case matching.MerchantFold:
		where = append(where, "LOWER(merchant) = LOWER(?)")
		args = append(args, c.Merchant)
	default:
		if c.Keyword == "" {
			return nil, nil
		}
		where = append(where, "(STRPOS(LOWER(merchant), ?) > 0 OR STRPOS(LOWER(name), ?) > 0)")
		args = append(args, c.Keyword, c.Keyword)
	}
	if c.Currency != "" {
		where = append(where, "currency = ?")
		args = append(args, c.Currency)
	}
	if c.HasMin {
		where = append(where, "face_value >= ?")
		args = append(args, c.MinFaceValue)
	}
	args = append(args, limit)

	query := s.db.Rebind("SELECT * FROM inventory_units WHERE " + strings.Join(where, " AND ") +
		" ORDER BY face_value ASC, id ASC LIMIT ?")

	var units []models.InventoryUnit
	if err := s.db.SelectContext(ctx, &units, query, args...); err != nil {
		return nil, classify(op, err)
	}
	return units, nil
}

// ReserveUnit is the compare-and-set at the heart of reservation: it only
// succeeds while the unit is still unreserved and in stock.
func (s *Store) ReserveUnit(ctx context.Context, unitID, paymentID string, now time.Time) (bool, error) {
	const op = "store.ReserveUnit"
	if !validID(unitID) || !validID(paymentID) {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE inventory_units
		SET reserved = TRUE, payment_id = $2, reserved_at = $3, stock = stock - 1
		WHERE id = $1 AND reserved = FALSE AND active = TRUE AND stock > 0`,
		unitID, paymentID, now)
	if uniqueViolation(err, "inventory_units_payment_id_key") {
		// A concurrent poll already reserved a unit for this payment.
		return false, nil
	}
	if err != nil {
		return false, classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(op, err)
	}
	return n == 1, nil
}

func (s *Store) GetUnit(ctx context.Context, id string) (*models.InventoryUnit, error) {
	const op = "store.GetUnit"
	if !validID(id) {
		return nil, notFound(op, "inventory unit", id)
	}
	var u models.InventoryUnit
	err := s.db.GetContext(ctx, &u, "SELECT * FROM inventory_units WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "inventory unit", id)
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return &u, nil
}

func (s *Store) FindUnitByPayment(ctx context.Context, paymentID string) (*models.InventoryUnit, error) {
	const op = "store.FindUnitByPayment"
	if !validID(paymentID) {
		return nil, nil
	}
	var u models.InventoryUnit
	err := s.db.GetContext(ctx, &u, "SELECT * FROM inventory_units WHERE payment_id = $1", paymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return &u, nil
}

// CreateUnit adds a voucher to inventory.
func (s *Store) CreateUnit(ctx context.Context, u *models.InventoryUnit) error {
	const op = "store.CreateUnit"
	return classify(op, s.db.GetContext(ctx, u, `
		INSERT INTO inventory_units
			(id, merchant, name, currency, face_value, reference_value, valid_from, valid_until,
			 stock, active, redemption_code, pin, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING *`,
		u.ID, u.Merchant, u.Name, u.Currency, u.FaceValue, u.ReferenceValue, u.ValidFrom, u.ValidUntil,
		u.Stock, u.Active, u.RedemptionCode, u.Pin, u.CreatedAt))
}

// ListUnits lists inventory for a merchant (all merchants when empty).
func (s *Store) ListUnits(ctx context.Context, merchant string, onlyAvailable bool) ([]models.InventoryUnit, error) {
	const op = "store.ListUnits"
	query := "SELECT * FROM inventory_units WHERE ($1 = '' OR merchant = $1)"
	if onlyAvailable {
		query += " AND active = TRUE AND reserved = FALSE AND stock > 0"
	}
	query += " ORDER BY merchant, currency, face_value, id"

	var units []models.InventoryUnit
	if err := s.db.SelectContext(ctx, &units, query, merchant); err != nil {
		return nil, classify(op, err)
	}
	return units, nil
}
