package verify

import (
	"context"
	"errors"
	"testing"

	"giftcard-service/internal/apperr"
	"giftcard-service/internal/chain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	txHash   = "0x2222222222222222222222222222222222222222222222222222222222222222"
	contract = "0xC0Ffee0000000000000000000000000000000001"
	payer    = "0xBee0000000000000000000000000000000000002"
	intentID = "6f1c1f1e-0000-4000-8000-000000000001"
)

func payInput(t *testing.T, id string, amount string) []byte {
	t.Helper()
	input, err := chain.EncodePaymentCall(id, chain.ToBaseUnits(decimal.RequireFromString(amount), chain.TokenDecimals))
	require.NoError(t, err)
	return input
}

func goodTx(t *testing.T, confirmations uint64) chain.TxInfo {
	bn := uint64(100)
	return chain.TxInfo{
		Hash:          txHash,
		BlockNumber:   &bn,
		Confirmations: confirmations,
		Status:        chain.TxStatusSuccess,
		From:          payer,
		To:            contract,
		Input:         payInput(t, intentID, "750"),
	}
}

func expectation(strict bool) Expectation {
	amount := decimal.RequireFromString("750")
	return Expectation{TxHash: txHash, IntentID: intentID, Wallet: payer, Amount: &amount, Strict: strict}
}

func TestVerifyAwaitingBroadcast(t *testing.T) {
	v := NewVerifier(chain.NewFakeClient(), contract, 5)

	r, err := v.Verify(context.Background(), expectation(false))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)
	assert.False(t, r.Terminal)
	assert.Equal(t, "awaiting broadcast", r.Message)
	assert.False(t, r.Step(StepFound).Satisfied)
}

func TestVerifyNotIncluded(t *testing.T) {
	fake := chain.NewFakeClient()
	tx := goodTx(t, 0)
	tx.BlockNumber = nil
	tx.Status = chain.TxStatusUnknown
	fake.Put(tx)

	r, err := NewVerifier(fake, contract, 5).Verify(context.Background(), expectation(false))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)
	assert.False(t, r.Step(StepIncluded).Satisfied)
	assert.Nil(t, r.Step(StepNotReverted))
}

func TestVerifyVerifiedIsIdempotent(t *testing.T) {
	fake := chain.NewFakeClient()
	fake.Put(goodTx(t, 5))
	v := NewVerifier(fake, contract, 5)

	for i := 0; i < 3; i++ {
		r, err := v.Verify(context.Background(), expectation(true))
		require.NoError(t, err)
		assert.Equal(t, StatusVerified, r.Status)
		assert.True(t, r.Terminal)
		assert.Equal(t, "5/5", r.Progress)
		assert.Len(t, r.Steps, 9)
	}
}

func TestVerifyConfirmationGating(t *testing.T) {
	fake := chain.NewFakeClient()
	fake.Put(goodTx(t, 4))

	r, err := NewVerifier(fake, contract, 5).Verify(context.Background(), expectation(true))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, "4/5", r.Progress)
	assert.False(t, r.Step(StepConfirmations).Satisfied)
	assert.True(t, r.Step(StepAmountMatch).Satisfied)
}

func TestVerifyRevertShortCircuits(t *testing.T) {
	fake := chain.NewFakeClient()
	tx := goodTx(t, 50)
	tx.Status = chain.TxStatusReverted
	fake.Put(tx)

	r, err := NewVerifier(fake, contract, 5).Verify(context.Background(), expectation(false))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, r.Status)
	assert.True(t, r.Terminal)
	assert.False(t, r.Step(StepNotReverted).Satisfied)
	assert.Nil(t, r.Step(StepDestinationMatch))
	assert.Nil(t, r.Step(StepConfirmations))
}

func TestVerifyMismatchNonStrictStaysPending(t *testing.T) {
	fake := chain.NewFakeClient()
	tx := goodTx(t, 10)
	tx.To = "0x0000000000000000000000000000000000000bad"
	fake.Put(tx)

	r, err := NewVerifier(fake, contract, 5).Verify(context.Background(), expectation(false))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)
	assert.False(t, r.Step(StepDestinationMatch).Satisfied)
	assert.True(t, r.Step(StepConfirmations).Satisfied)
}

func TestVerifyMismatchStrictFails(t *testing.T) {
	fake := chain.NewFakeClient()
	tx := goodTx(t, 1)
	tx.Input = payInput(t, intentID, "500")
	fake.Put(tx)

	r, err := NewVerifier(fake, contract, 5).Verify(context.Background(), expectation(true))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, r.Status)
	assert.True(t, r.Terminal)
	assert.Contains(t, r.Message, "paid 500")
	assert.True(t, r.Step(StepIntentIDMatch).Satisfied)
	assert.False(t, r.Step(StepAmountMatch).Satisfied)
}

func TestVerifyDecodeErrorDegradesIntentSteps(t *testing.T) {
	fake := chain.NewFakeClient()
	tx := goodTx(t, 6)
	tx.Input = []byte{0xde, 0xad}
	fake.Put(tx)

	r, err := NewVerifier(fake, contract, 5).Verify(context.Background(), expectation(false))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)
	assert.False(t, r.Step(StepSelectorMatch).Satisfied)
	assert.False(t, r.Step(StepIntentIDMatch).Satisfied)
	assert.False(t, r.Step(StepAmountMatch).Satisfied)
	assert.True(t, r.Step(StepConfirmations).Satisfied)
}

func TestVerifyPayerSkippedWithoutWallet(t *testing.T) {
	fake := chain.NewFakeClient()
	fake.Put(goodTx(t, 5))

	exp := expectation(false)
	exp.Wallet = ""
	r, err := NewVerifier(fake, contract, 5).Verify(context.Background(), exp)
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, r.Status)
	assert.True(t, r.Step(StepPayerMatch).Skipped)
}

func TestVerifyWithoutIntentExpectation(t *testing.T) {
	fake := chain.NewFakeClient()
	tx := goodTx(t, 5)
	tx.Input = nil
	fake.Put(tx)

	r, err := NewVerifier(fake, contract, 5).Verify(context.Background(), Expectation{TxHash: txHash})
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, r.Status)
	assert.True(t, r.Step(StepAmountMatch).Skipped)
	assert.True(t, r.Step(StepIntentIDMatch).Skipped)
}

func TestVerifyAdapterOutageNeverFails(t *testing.T) {
	fake := chain.NewFakeClient()
	fake.FailWith(errors.New("connection refused"))

	r, err := NewVerifier(fake, contract, 5).Verify(context.Background(), expectation(true))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindChainUnavailable))
	require.NotNil(t, r)
	assert.Equal(t, StatusPending, r.Status)
	assert.False(t, r.Terminal)
}

func TestVerifyRejectsMalformedHash(t *testing.T) {
	_, err := NewVerifier(chain.NewFakeClient(), contract, 5).Verify(context.Background(), Expectation{TxHash: "0x12"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
