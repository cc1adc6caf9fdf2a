package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"giftcard-service/internal/apperr"
	"giftcard-service/internal/matching"
	"giftcard-service/internal/models"

	"github.com/google/uuid"
)

// MemoryStore mirrors Store's semantics in process memory. It backs tests
// and single-instance local runs; a single mutex stands in for row locks.
type MemoryStore struct {
	mu       sync.Mutex
	buyers   map[string]models.Buyer
	wallets  map[string]models.Wallet
	intents  map[string]models.PaymentIntent
	payments map[string]models.Payment
	units    map[string]models.InventoryUnit
	outbox   map[string]models.OutboxEvent
	handled  map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buyers:   make(map[string]models.Buyer),
		wallets:  make(map[string]models.Wallet),
		intents:  make(map[string]models.PaymentIntent),
		payments: make(map[string]models.Payment),
		units:    make(map[string]models.InventoryUnit),
		outbox:   make(map[string]models.OutboxEvent),
		handled:  make(map[string]string),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) ResolveBuyerWallet(_ context.Context, address, kind string, buyerRef *string, now time.Time) (*models.Buyer, *models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var wallet *models.Wallet
	for _, w := range m.wallets {
		if w.Address == address {
			w := w
			wallet = &w
			break
		}
	}
	if wallet == nil {
		wallet = &models.Wallet{ID: uuid.NewString(), Address: address, Kind: kind, CreatedAt: now}
	}

	if wallet.BuyerID != nil {
		buyer := m.buyers[*wallet.BuyerID]
		m.wallets[wallet.ID] = *wallet
		return &buyer, wallet, nil
	}

	var buyer *models.Buyer
	if buyerRef != nil && *buyerRef != "" {
		for _, b := range m.buyers {
			if b.ExternalRef != nil && *b.ExternalRef == *buyerRef {
				b := b
				buyer = &b
				break
			}
		}
	}
	if buyer == nil {
		buyer = &models.Buyer{ID: uuid.NewString(), ExternalRef: buyerRef, CreatedAt: now}
		m.buyers[buyer.ID] = *buyer
	}

	wallet.BuyerID = &buyer.ID
	m.wallets[wallet.ID] = *wallet
	return buyer, wallet, nil
}

func (m *MemoryStore) GetBuyer(_ context.Context, id string) (*models.Buyer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buyers[id]
	if !ok {
		return nil, notFound("memory.GetBuyer", "buyer", id)
	}
	return &b, nil
}

func (m *MemoryStore) GetWallet(_ context.Context, id string) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok {
		return nil, notFound("memory.GetWallet", "wallet", id)
	}
	return &w, nil
}

func (m *MemoryStore) CreateIntent(_ context.Context, intent *models.PaymentIntent, dedupSince time.Time) (*models.PaymentIntent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := intent.CreatedAt

	for id, existing := range m.intents {
		if existing.BuyerID == intent.BuyerID && existing.Expired(now) {
			existing.Status = models.IntentStatusExpired
			existing.UpdatedAt = now
			m.intents[id] = existing
		}
	}

	var dup *models.PaymentIntent
	for _, existing := range m.intents {
		if existing.BuyerID == intent.BuyerID &&
			existing.WalletID == intent.WalletID &&
			existing.Merchant == intent.Merchant &&
			existing.Amount.Equal(intent.Amount) &&
			existing.Currency == intent.Currency &&
			existing.Status == models.IntentStatusPending &&
			!existing.CreatedAt.Before(dedupSince) &&
			existing.ExpiresAt.After(now) {
			if dup == nil || existing.CreatedAt.After(dup.CreatedAt) {
				existing := existing
				dup = &existing
			}
		}
	}
	if dup != nil {
		return dup, false, nil
	}

	created := *intent
	created.Status = models.IntentStatusPending
	created.Fulfillment = models.FulfillmentNone
	created.UpdatedAt = now
	m.intents[created.ID] = created
	return &created, true, nil
}

func (m *MemoryStore) GetIntent(_ context.Context, id string) (*models.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[id]
	if !ok {
		return nil, notFound("memory.GetIntent", "intent", id)
	}
	return &intent, nil
}

func (m *MemoryStore) ExpireIntent(_ context.Context, id string, now time.Time) (*models.PaymentIntent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[id]
	if !ok {
		return nil, false, notFound("memory.ExpireIntent", "intent", id)
	}
	if !models.CanTransition(intent.Status, models.IntentStatusExpired) || now.Before(intent.ExpiresAt) {
		return &intent, false, nil
	}
	intent.Status = models.IntentStatusExpired
	intent.UpdatedAt = now
	m.intents[id] = intent
	return &intent, true, nil
}

func (m *MemoryStore) ExpireStaleIntents(_ context.Context, now time.Time, limit int) ([]models.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []models.PaymentIntent
	for _, intent := range m.intents {
		if intent.Expired(now) {
			stale = append(stale, intent)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ExpiresAt.Before(stale[j].ExpiresAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	for i := range stale {
		stale[i].Status = models.IntentStatusExpired
		stale[i].UpdatedAt = now
		m.intents[stale[i].ID] = stale[i]
	}
	return stale, nil
}

func (m *MemoryStore) ListConfirmingBefore(_ context.Context, cutoff time.Time, limit int) ([]models.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.PaymentIntent
	for _, intent := range m.intents {
		if intent.Status == models.IntentStatusConfirming && !intent.ExpiresAt.After(cutoff) {
			out = append(out, intent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListUnfulfilled(_ context.Context, limit int) ([]models.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.PaymentIntent
	for _, intent := range m.intents {
		if intent.Status == models.IntentStatusSucceeded && intent.Fulfillment == models.FulfillmentUnavailable {
			out = append(out, intent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AttachPayment(_ context.Context, payment *models.Payment, now time.Time) (*models.PaymentIntent, bool, error) {
	const op = "memory.AttachPayment"
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[payment.IntentID]
	if !ok {
		return nil, false, notFound(op, "intent", payment.IntentID)
	}
	if !models.CanTransition(intent.Status, models.IntentStatusConfirming) || !intent.ExpiresAt.After(now) {
		return &intent, false, nil
	}
	for _, p := range m.payments {
		if p.TxHash == payment.TxHash {
			return nil, false, apperr.Validation(op, "transaction %s is already attached to another intent", payment.TxHash).
				WithCode("tx_hash_in_use")
		}
	}

	p := *payment
	p.CreatedAt, p.UpdatedAt = now, now
	m.payments[p.ID] = p

	intent.Status = models.IntentStatusConfirming
	intent.PaymentID = &p.ID
	intent.UpdatedAt = now
	m.intents[intent.ID] = intent
	return &intent, true, nil
}

func (m *MemoryStore) GetPayment(_ context.Context, id string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, notFound("memory.GetPayment", "payment", id)
	}
	return &p, nil
}

func (m *MemoryStore) GetPaymentByHash(_ context.Context, hash string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.TxHash == hash {
			p := p
			return &p, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) AdvancePayment(_ context.Context, id, from, to string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = now
	m.payments[id] = p
	return true, nil
}

func (m *MemoryStore) FailPayment(_ context.Context, intentID, paymentID, reason string, now time.Time) (*models.PaymentIntent, bool, error) {
	return m.finishConfirming("memory.FailPayment", intentID, models.IntentStatusFailed, func(intent *models.PaymentIntent) {
		m.setPaymentStatus(paymentID, models.PaymentStatusFailed, now)
		intent.Status = models.IntentStatusFailed
		intent.FailureReason = &reason
		intent.UpdatedAt = now
	})
}

func (m *MemoryStore) CompleteFulfillment(_ context.Context, b models.FulfillmentBinding) (*models.PaymentIntent, bool, error) {
	return m.finishConfirming("memory.CompleteFulfillment", b.IntentID, models.IntentStatusSucceeded, func(intent *models.PaymentIntent) {
		m.setPaymentStatus(b.PaymentID, models.PaymentStatusVerified, b.At)
		unitID := b.UnitID
		intent.Status = models.IntentStatusSucceeded
		intent.Fulfillment = models.FulfillmentBound
		intent.InventoryUnitID = &unitID
		intent.UpdatedAt = b.At

		for _, ev := range m.outbox {
			if ev.IntentID == b.IntentID {
				return
			}
		}
		ev := b.Outbox
		ev.IntentID = b.IntentID
		ev.CreatedAt = b.At
		ev.ClaimedAt = nil
		m.outbox[ev.ID] = ev
	})
}

func (m *MemoryStore) MarkUnfulfilled(_ context.Context, intentID, paymentID, reason string, now time.Time) (*models.PaymentIntent, bool, error) {
	return m.finishConfirming("memory.MarkUnfulfilled", intentID, models.IntentStatusSucceeded, func(intent *models.PaymentIntent) {
		m.setPaymentStatus(paymentID, models.PaymentStatusVerified, now)
		intent.Status = models.IntentStatusSucceeded
		intent.Fulfillment = models.FulfillmentUnavailable
		intent.FailureReason = &reason
		intent.UpdatedAt = now
	})
}

func (m *MemoryStore) finishConfirming(op, intentID, to string, fn func(*models.PaymentIntent)) (*models.PaymentIntent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[intentID]
	if !ok {
		return nil, false, notFound(op, "intent", intentID)
	}
	if !models.CanTransition(intent.Status, to) {
		return &intent, false, nil
	}
	fn(&intent)
	m.intents[intentID] = intent
	return &intent, true, nil
}

// setPaymentStatus must be called with m.mu held.
func (m *MemoryStore) setPaymentStatus(id, status string, now time.Time) {
	if p, ok := m.payments[id]; ok {
		p.Status = status
		p.UpdatedAt = now
		m.payments[id] = p
	}
}

func (m *MemoryStore) FindCandidates(_ context.Context, c matching.Criteria, limit int) ([]models.InventoryUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.InventoryUnit
	for _, u := range m.units {
		u := u
		if c.Matches(&u) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FaceValue != out[j].FaceValue {
			return out[i].FaceValue < out[j].FaceValue
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ReserveUnit(_ context.Context, unitID, paymentID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.units[unitID]
	if !ok || u.Reserved || !u.Active || u.Stock <= 0 {
		return false, nil
	}
	for _, other := range m.units {
		if other.PaymentID != nil && *other.PaymentID == paymentID {
			return false, nil
		}
	}
	u.Reserved = true
	u.PaymentID = &paymentID
	u.ReservedAt = &now
	u.Stock--
	m.units[unitID] = u
	return true, nil
}

func (m *MemoryStore) GetUnit(_ context.Context, id string) (*models.InventoryUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[id]
	if !ok {
		return nil, notFound("memory.GetUnit", "inventory unit", id)
	}
	return &u, nil
}

func (m *MemoryStore) FindUnitByPayment(_ context.Context, paymentID string) (*models.InventoryUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.units {
		if u.PaymentID != nil && *u.PaymentID == paymentID {
			u := u
			return &u, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) CreateUnit(_ context.Context, u *models.InventoryUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	m.units[u.ID] = *u
	return nil
}

func (m *MemoryStore) ListUnits(_ context.Context, merchant string, onlyAvailable bool) ([]models.InventoryUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.InventoryUnit
	for _, u := range m.units {
		if merchant != "" && u.Merchant != merchant {
			continue
		}
		if onlyAvailable && (!u.Active || u.Reserved || u.Stock <= 0) {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Merchant != b.Merchant {
			return a.Merchant < b.Merchant
		}
		if a.Currency != b.Currency {
			return a.Currency < b.Currency
		}
		if a.FaceValue != b.FaceValue {
			return a.FaceValue < b.FaceValue
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (m *MemoryStore) ClaimOutbox(_ context.Context, eventID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.outbox[eventID]
	if !ok || ev.ClaimedAt != nil {
		return false, nil
	}
	ev.ClaimedAt = &now
	m.outbox[eventID] = ev
	return true, nil
}

func (m *MemoryStore) ReleaseOutbox(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := m.outbox[eventID]; ok {
		ev.ClaimedAt = nil
		m.outbox[eventID] = ev
	}
	return nil
}

func (m *MemoryStore) PendingOutbox(_ context.Context, olderThan time.Time, limit int) ([]models.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.OutboxEvent
	for _, ev := range m.outbox {
		if ev.ClaimedAt == nil && !ev.CreatedAt.After(olderThan) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetOutboxByIntent(_ context.Context, intentID string) (*models.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.outbox {
		if ev.IntentID == intentID {
			ev := ev
			return &ev, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handled[eventID]
	return ok, nil
}

func (m *MemoryStore) MarkEventProcessed(_ context.Context, eventID, eventType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handled[eventID] = eventType
	return nil
}
