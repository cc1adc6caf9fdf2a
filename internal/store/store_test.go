package store

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"giftcard-service/internal/apperr"
	"giftcard-service/internal/matching"
	"giftcard-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backend is the surface exercised by these tests; Store and MemoryStore
// must behave identically on it.
type backend interface {
	ResolveBuyerWallet(ctx context.Context, address, kind string, buyerRef *string, now time.Time) (*models.Buyer, *models.Wallet, error)
	CreateIntent(ctx context.Context, intent *models.PaymentIntent, dedupSince time.Time) (*models.PaymentIntent, bool, error)
	GetIntent(ctx context.Context, id string) (*models.PaymentIntent, error)
	ExpireIntent(ctx context.Context, id string, now time.Time) (*models.PaymentIntent, bool, error)
	ListConfirmingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.PaymentIntent, error)
	ListUnfulfilled(ctx context.Context, limit int) ([]models.PaymentIntent, error)
	AttachPayment(ctx context.Context, payment *models.Payment, now time.Time) (*models.PaymentIntent, bool, error)
	GetPaymentByHash(ctx context.Context, hash string) (*models.Payment, error)
	AdvancePayment(ctx context.Context, id, from, to string, now time.Time) (bool, error)
	FailPayment(ctx context.Context, intentID, paymentID, reason string, now time.Time) (*models.PaymentIntent, bool, error)
	CompleteFulfillment(ctx context.Context, b models.FulfillmentBinding) (*models.PaymentIntent, bool, error)
	MarkUnfulfilled(ctx context.Context, intentID, paymentID, reason string, now time.Time) (*models.PaymentIntent, bool, error)
	FindCandidates(ctx context.Context, c matching.Criteria, limit int) ([]models.InventoryUnit, error)
	ReserveUnit(ctx context.Context, unitID, paymentID string, now time.Time) (bool, error)
	FindUnitByPayment(ctx context.Context, paymentID string) (*models.InventoryUnit, error)
	CreateUnit(ctx context.Context, u *models.InventoryUnit) error
	ClaimOutbox(ctx context.Context, eventID string, now time.Time) (bool, error)
	ReleaseOutbox(ctx context.Context, eventID string) error
	PendingOutbox(ctx context.Context, olderThan time.Time, limit int) ([]models.OutboxEvent, error)
	GetOutboxByIntent(ctx context.Context, intentID string) (*models.OutboxEvent, error)
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// eachBackend runs fn against the memory store and, when POSTGRES_TEST_DSN
// is set, against a migrated Postgres database.
func eachBackend(t *testing.T, fn func(t *testing.T, s backend)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("postgres", func(t *testing.T) {
		dsn := os.Getenv("POSTGRES_TEST_DSN")
		if dsn == "" {
			t.Skip("Integration test - set POSTGRES_TEST_DSN to run")
		}
		s, err := NewStore(dsn)
		require.NoError(t, err)
		defer s.Close()
		require.NoError(t, s.Migrate(context.Background()))
		fn(t, s)
	})
}

// Postgres keeps microseconds.
func testNow() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func randomAddress() string {
	return "0x" + uuid.New().String()[:8] + "00000000000000000000000000000000"
}

func seedIntent(t *testing.T, s backend, now time.Time) *models.PaymentIntent {
	t.Helper()
	ctx := context.Background()
	buyer, wallet, err := s.ResolveBuyerWallet(ctx, randomAddress(), models.WalletKindExternal, nil, now)
	require.NoError(t, err)

	intent, created, err := s.CreateIntent(ctx, &models.PaymentIntent{
		ID:        uuid.NewString(),
		BuyerID:   buyer.ID,
		WalletID:  wallet.ID,
		Merchant:  "Flipkart",
		Amount:    decimal.NewFromInt(750),
		Currency:  "INR",
		CreatedAt: now,
		ExpiresAt: now.Add(10 * time.Minute),
	}, now.Add(-30*time.Second))
	require.NoError(t, err)
	require.True(t, created)
	return intent
}

func seedPayment(t *testing.T, s backend, intent *models.PaymentIntent, now time.Time) *models.Payment {
	t.Helper()
	p := &models.Payment{
		ID:       uuid.NewString(),
		IntentID: intent.ID,
		TxHash:   "0x" + uuid.New().String(),
		Amount:   intent.Amount,
		Token:    "USDC",
		Status:   models.PaymentStatusConfirming,
	}
	_, changed, err := s.AttachPayment(context.Background(), p, now)
	require.NoError(t, err)
	require.True(t, changed)
	return p
}

func seedUnit(t *testing.T, s backend, merchant string, face int64, now time.Time) *models.InventoryUnit {
	t.Helper()
	u := &models.InventoryUnit{
		ID:             uuid.NewString(),
		Merchant:       merchant,
		Name:           merchant + " voucher",
		Currency:       "INR",
		FaceValue:      face,
		ReferenceValue: decimal.NewFromInt(face / 100),
		Stock:          1,
		Active:         true,
		RedemptionCode: "CODE-" + uuid.NewString()[:8],
		CreatedAt:      now,
	}
	require.NoError(t, s.CreateUnit(context.Background(), u))
	return u
}

func TestResolveBuyerWalletIsStable(t *testing.T) {
	eachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		now := testNow()
		addr := randomAddress()
		ref := "buyer-" + uuid.NewString()

		b1, w1, err := s.ResolveBuyerWallet(ctx, addr, models.WalletKindEmbedded, &ref, now)
		require.NoError(t, err)
		b2, w2, err := s.ResolveBuyerWallet(ctx, addr, models.WalletKindEmbedded, nil, now)
		require.NoError(t, err)

		assert.Equal(t, b1.ID, b2.ID)
		assert.Equal(t, w1.ID, w2.ID)
		require.NotNil(t, w2.BuyerID)
		assert.Equal(t, b1.ID, *w2.BuyerID)

		// A second wallet with the same external ref joins the same buyer.
		b3, w3, err := s.ResolveBuyerWallet(ctx, randomAddress(), models.WalletKindExternal, &ref, now)
		require.NoError(t, err)
		assert.Equal(t, b1.ID, b3.ID)
		assert.NotEqual(t, w1.ID, w3.ID)
	})
}

func TestCreateIntentDedup(t *testing.T) {
	eachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		now := testNow()
		first := seedIntent(t, s, now)

		again := *first
		again.ID = uuid.NewString()
		again.CreatedAt = now.Add(5 * time.Second)
		dup, created, err := s.CreateIntent(ctx, &again, again.CreatedAt.Add(-30*time.Second))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, dup.ID)

		// Outside the window a new intent is created.
		later := *first
		later.ID = uuid.NewString()
		later.CreatedAt = now.Add(time.Minute)
		fresh, created, err := s.CreateIntent(ctx, &later, later.CreatedAt.Add(-30*time.Second))
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, later.ID, fresh.ID)
		assert.Equal(t, models.IntentStatusPending, fresh.Status)

		// A different amount is never a duplicate.
		other := *first
		other.ID = uuid.NewString()
		other.Amount = decimal.NewFromInt(751)
		other.CreatedAt = now.Add(time.Second)
		_, created, err = s.CreateIntent(ctx, &other, now.Add(-30*time.Second))
		require.NoError(t, err)
		assert.True(t, created)
	})
}

func TestCreateIntentConcurrentDedup(t *testing.T) {
	eachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		now := testNow()
		buyer, wallet, err := s.ResolveBuyerWallet(ctx, randomAddress(), models.WalletKindExternal, nil, now)
		require.NoError(t, err)

		const clicks = 20
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			ids     = make(map[string]int)
			created int
		)
		ready := make(chan struct{})
		for i := 0; i < clicks; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-ready
				intent, isNew, err := s.CreateIntent(ctx, &models.PaymentIntent{
					ID:        uuid.NewString(),
					BuyerID:   buyer.ID,
					WalletID:  wallet.ID,
					Merchant:  "Amazon",
					Amount:    decimal.NewFromInt(500),
					Currency:  "INR",
					CreatedAt: now,
					ExpiresAt: now.Add(10 * time.Minute),
				}, now.Add(-30*time.Second))
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				ids[intent.ID]++
				if isNew {
					created++
				}
			}()
		}
		close(ready)
		wg.Wait()

		assert.Len(t, ids, 1, "identical concurrent creates must share one intent")
		assert.Equal(t, 1, created)
	})
}

func TestAttachPayment(t *testing.T) {
	eachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		now := testNow()
		intent := seedIntent(t, s, now)
		payment := seedPayment(t, s, intent, now.Add(time.Second))

		got, err := s.GetIntent(ctx, intent.ID)
		require.NoError(t, err)
		assert.Equal(t, models.IntentStatusConfirming, got.Status)
		require.NotNil(t, got.PaymentID)
		assert.Equal(t, payment.ID, *got.PaymentID)

		byHash, err := s.GetPaymentByHash(ctx, payment.TxHash)
		require.NoError(t, err)
		require.NotNil(t, byHash)
		assert.Equal(t, payment.ID, byHash.ID)

		// The intent is no longer pending.
		second := *payment
		second.ID = uuid.NewString()
		second.TxHash = "0x" + uuid.New().String()
		current, changed, err := s.AttachPayment(ctx, &second, now.Add(2*time.Second))
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, models.IntentStatusConfirming, current.Status)

		// A hash already attached elsewhere is rejected.
		other := seedIntent(t, s, now)
		reuse := *payment
		reuse.ID = uuid.NewString()
		reuse.IntentID = other.ID
		_, _, err = s.AttachPayment(ctx, &reuse, now.Add(2*time.Second))
		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.KindValidation))
		assert.Equal(t, "tx_hash_in_use", apperr.CodeOf(err))

		unknown, err := s.GetPaymentByHash(ctx, "0xdoesnotexist")
		require.NoError(t, err)
		assert.Nil(t, unknown)
	})
}

func TestAttachPaymentAfterHorizon(t *testing.T) {
	eachBackend(t, func(t *testing.T, s backend) {
		now := testNow()
		intent := seedIntent(t, s, now)

		p := &models.Payment{
			ID:       uuid.NewString(),
			IntentID: intent.ID,
			TxHash:   "0x" + uuid.New().String(),
			Amount:   intent.Amount,
			Status:   models.PaymentStatusConfirming,
		}
		current, changed, err := s.AttachPayment(context.Background(), p, intent.ExpiresAt)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, models.IntentStatusPending, current.Status)
	})
}

func TestExpireIntent(t *testing.T) {
	eachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		now := testNow()
		intent := seedIntent(t, s, now)

		_, changed, err := s.ExpireIntent(ctx, intent.ID, now.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, changed)

		expired, changed, err := s.ExpireIntent(ctx, intent.ID, intent.ExpiresAt)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, models.IntentStatusExpired, expired.Status)

		_, changed, err = s.ExpireIntent(ctx, intent.ID, intent.ExpiresAt.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, changed)

		_, _, err = s.ExpireIntent(ctx, uuid.NewString(), now)
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})
}

func TestAdvancePaymentReportsChange(t *testing.T) {
	eachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		now := testNow()
		intent := seedIntent(t, s, now)
		payment := seedPayment(t, s, intent, now)

		changed, err := s.AdvancePayment(ctx, payment.ID, models.PaymentStatusPending, models.PaymentStatusVerified, now)
		require.NoError(t, err)
		assert.False(t, changed, "payment is confirming, not pending")

		changed, err = s.AdvancePayment(ctx, payment.ID, models.PaymentStatusConfirming, models.PaymentStatusVerified, now)
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = s.AdvancePayment(ctx, payment.ID, models.PaymentStatusConfirming, models.PaymentStatusVerified, now)
		require.NoError(t, err)
		assert.False(t, changed)

		stored, err := s.GetPaymentByHash(ctx, payment.TxHash)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentStatusVerified, stored.Status)
	})
}

func TestListConfirmingBefore(t *testing.T) {
	eachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		now := testNow()
		stuck := seedIntent(t, s, now.Add(-time.Hour))
		seedPayment(t, s, stuck, now.Add(-time.Hour))
		recent := seedIntent(t, s, now)
		seedPayment(t, s, recent, now)
		seedIntent(t, s, now.Add(-2*time.Hour))

		listed, err := s.ListConfirmingBefore(ctx, now.Add(-30*time.Minute), 0)
		require.NoError(t, err)
		ids := make([]string, 0, len(listed))
		for _, i := range listed {
			assert.Equal(t, models.IntentStatusConfirming, i.Status)
			ids = append(ids, i.ID)
		}
		assert.Contains(t, ids, stuck.ID)
		assert.NotContains(t, ids, recent.ID)
	})
}

func TestReserveUnitIsCompareAndSet(t *testing.T) {
	eachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		now := testNow()
		unit := seedUnit(t, s, "cas-"+uuid.NewString()[:8], 100000, now)

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.ReserveUnit(ctx, unit.ID, uuid.NewString(), now)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}

func TestReserveUnitOnePerPayment(t *testing.T) {
	eachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		now := testNow()
		merchant := "pay-" + uuid.NewString()[:8]
		a := seedUnit(t, s, merchant, 50000, now)
		b := seedUnit(t, s, merchant, 100000, now)
		paymentID := uuid.NewString()

		ok, err := s.ReserveUnit(ctx, a.ID, paymentID, now)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.ReserveUnit(ctx, b.ID, paymentID, now)
		require.NoError(t, err)
		assert.False(t, ok)

		bound, err := s.FindUnitByPayment(ctx, paymentID)
		require.NoError(t, err)
		require.NotNil(t, bound)
		assert.Equal(t, a.ID, bound.ID)
		assert.True(t, bound.Reserved)
		assert.Equal(t, 0, bound.Stock)
	})
}

func TestFindCandidatesCheapestFirst(t *testing.T) {
	eachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		now := testNow()
		merchant := "Shop" + uuid.NewString()[:8]
		seedUnit(t, s, merchant, 200000, now)
		small := seedUnit(t, s, merchant, 50000, now)
		mid := seedUnit(t, s, merchant, 100000, now)

		units, err := s.FindCandidates(ctx, matching.Criteria{
			Merchant:      merchant,
			MerchantMatch: matching.MerchantExact,
			Currency:      "INR",
			MinFaceValue:  75000,
			HasMin:        true,
			Now:           now,
		}, 10)
		require.NoError(t, err)
		require.Len(t, units, 2)
		assert.Equal(t, mid.ID, units[0].ID)

		folded, err := s.FindCandidates(ctx, matching.Criteria{
			Merchant:      merchant,
			MerchantMatch: matching.MerchantFold,
			Now:           now,
		}, 1)
		require.NoError(t, err)
		require.Len(t, folded, 1)
		assert.Equal(t, small.ID, folded[0].ID)
	})
}

func TestCompleteFulfillmentOnce(t *testing.T) {
	eachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		now := testNow()
		intent := seedIntent(t, s, now)
		payment := seedPayment(t, s, intent, now)
		unit := seedUnit(t, s, "fulfil-"+uuid.NewString()[:8], 100000, now)

		payload, err := json.Marshal(map[string]string{"intent_id": intent.ID})
		require.NoError(t, err)
		binding := models.FulfillmentBinding{
			IntentID:  intent.ID,
			PaymentID: payment.ID,
			UnitID:    unit.ID,
			Outbox: models.OutboxEvent{
				ID:        uuid.NewString(),
				EventType: models.EventTypeFulfillmentCompleted,
				Payload:   payload,
			},
			At: now.Add(time.Second),
		}

		done, changed, err := s.CompleteFulfillment(ctx, binding)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, models.IntentStatusSucceeded, done.Status)
		assert.Equal(t, models.FulfillmentBound, done.Fulfillment)
		require.NotNil(t, done.InventoryUnitID)
		assert.Equal(t, unit.ID, *done.InventoryUnitID)

		again := binding
		again.Outbox.ID = uuid.NewString()
		_, changed, err = s.CompleteFulfillment(ctx, again)
		require.NoError(t, err)
		assert.False(t, changed)

		ev, err := s.GetOutboxByIntent(ctx, intent.ID)
		require.NoError(t, err)
		require.NotNil(t, ev)
		assert.Equal(t, binding.Outbox.ID, ev.ID)

		paid, err := s.GetPaymentByHash(ctx, payment.TxHash)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentStatusVerified, paid.Status)

		// A succeeded intent cannot fail afterwards.
		_, changed, err = s.FailPayment(ctx, intent.ID, payment.ID, "late", now.Add(2*time.Second))
		require.NoError(t, err)
		assert.False(t, changed)
	})
}

func TestOutboxClaimAndRelease(t *testing.T) {
	eachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		now := testNow()
		intent := seedIntent(t, s, now)
		payment := seedPayment(t, s, intent, now)
		unit := seedUnit(t, s, "outbox-"+uuid.NewString()[:8], 100000, now)
		eventID := uuid.NewString()

		_, _, err := s.CompleteFulfillment(ctx, models.FulfillmentBinding{
			IntentID:  intent.ID,
			PaymentID: payment.ID,
			UnitID:    unit.ID,
			Outbox:    models.OutboxEvent{ID: eventID, EventType: models.EventTypeFulfillmentCompleted, Payload: []byte(`{}`)},
			At:        now,
		})
		require.NoError(t, err)

		ok, err := s.ClaimOutbox(ctx, eventID, now)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.ClaimOutbox(ctx, eventID, now)
		require.NoError(t, err)
		assert.False(t, ok)

		pending, err := s.PendingOutbox(ctx, now.Add(time.Minute), 1000)
		require.NoError(t, err)
		assert.NotContains(t, outboxIDs(pending), eventID)

		require.NoError(t, s.ReleaseOutbox(ctx, eventID))
		pending, err = s.PendingOutbox(ctx, now.Add(time.Minute), 1000)
		require.NoError(t, err)
		assert.Contains(t, outboxIDs(pending), eventID)

		// Too recent for the relay.
		pending, err = s.PendingOutbox(ctx, now.Add(-time.Minute), 1000)
		require.NoError(t, err)
		assert.NotContains(t, outboxIDs(pending), eventID)
	})
}

func TestMarkUnfulfilledIsListed(t *testing.T) {
	eachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		now := testNow()
		intent := seedIntent(t, s, now)
		payment := seedPayment(t, s, intent, now)

		got, changed, err := s.MarkUnfulfilled(ctx, intent.ID, payment.ID, "no matching inventory", now)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, models.IntentStatusSucceeded, got.Status)
		assert.Equal(t, models.FulfillmentUnavailable, got.Fulfillment)

		list, err := s.ListUnfulfilled(ctx, 0)
		require.NoError(t, err)
		var ids []string
		for _, i := range list {
			ids = append(ids, i.ID)
		}
		assert.Contains(t, ids, intent.ID)
	})
}

func TestProcessedEvents(t *testing.T) {
	eachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		id := uuid.NewString()

		seen, err := s.IsEventProcessed(ctx, id)
		require.NoError(t, err)
		assert.False(t, seen)

		require.NoError(t, s.MarkEventProcessed(ctx, id, models.EventTypeFulfillmentCompleted))
		require.NoError(t, s.MarkEventProcessed(ctx, id, models.EventTypeFulfillmentCompleted))

		seen, err = s.IsEventProcessed(ctx, id)
		require.NoError(t, err)
		assert.True(t, seen)
	})
}

func outboxIDs(events []models.OutboxEvent) []string {
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	return ids
}

func TestMalformedIDsAreNotFound(t *testing.T) {
	// No connection: ids that cannot be UUIDs never reach the database.
	s := &Store{}
	ctx := context.Background()

	_, err := s.GetIntent(ctx, "abc")
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "got %v", err)
	_, err = s.GetUnit(ctx, "x")
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "got %v", err)
	_, err = s.GetPayment(ctx, "abc")
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "got %v", err)
	_, err = s.GetWallet(ctx, "abc")
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "got %v", err)
	_, _, err = s.ExpireIntent(ctx, "abc", testNow())
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "got %v", err)
	_, _, err = s.AttachPayment(ctx, &models.Payment{ID: uuid.NewString(), IntentID: "abc"}, testNow())
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "got %v", err)
	_, _, err = s.FailPayment(ctx, "abc", uuid.NewString(), "reverted", testNow())
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "got %v", err)

	unit, err := s.FindUnitByPayment(ctx, "abc")
	require.NoError(t, err)
	assert.Nil(t, unit)
	ok, err := s.ReserveUnit(ctx, "x", uuid.NewString(), testNow())
	require.NoError(t, err)
	assert.False(t, ok)
}
