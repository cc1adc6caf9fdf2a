// Package verify checks an on-chain transaction against an expected payment
// intent, step by step, and aggregates the steps into a verdict.
package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"giftcard-service/internal/apperr"
	"giftcard-service/internal/chain"
	"giftcard-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusFailed   Status = "failed"
)

// Step names, in evaluation order.
const (
	StepFound            = "found"
	StepIncluded         = "included"
	StepNotReverted      = "not_reverted"
	StepDestinationMatch = "destination_match"
	StepPayerMatch       = "payer_match"
	StepSelectorMatch    = "selector_match"
	StepIntentIDMatch    = "intent_id_match"
	StepAmountMatch      = "amount_match"
	StepConfirmations    = "confirmations"
)

// Expectation describes what the transaction is supposed to be.
// Wallet, IntentID and Amount are optional.
type Expectation struct {
	TxHash   string
	IntentID string
	Wallet   string
	Amount   *decimal.Decimal
	// Strict turns a destination, payer or intent mismatch on an included,
	// non-reverted transaction into a terminal failure.
	Strict bool
}

type Step struct {
	Name      string `json:"name"`
	Satisfied bool   `json:"satisfied"`
	Skipped   bool   `json:"skipped,omitempty"`
	Message   string `json:"message"`
}

type Report struct {
	TxHash                string    `json:"txHash"`
	Status                Status    `json:"status"`
	Terminal              bool      `json:"terminal"`
	Message               string    `json:"message"`
	Steps                 []Step    `json:"steps"`
	Confirmations         uint64    `json:"confirmations"`
	RequiredConfirmations uint64    `json:"requiredConfirmations"`
	Progress              string    `json:"progress"`
	CheckedAt             time.Time `json:"checkedAt"`
}

// Step returns the named step, or nil if it was never evaluated.
func (r *Report) Step(name string) *Step {
	for i := range r.Steps {
		if r.Steps[i].Name == name {
			return &r.Steps[i]
		}
	}
	return nil
}

func (r *Report) add(name string, satisfied bool, msg string) {
	r.Steps = append(r.Steps, Step{Name: name, Satisfied: satisfied, Message: msg})
}

func (r *Report) skip(name, msg string) {
	r.Steps = append(r.Steps, Step{Name: name, Satisfied: true, Skipped: true, Message: msg})
}

type Verifier struct {
	chain                 chain.Client
	paymentContract       string
	requiredConfirmations uint64
	now                   func() time.Time
	logger                *zap.Logger
}

func NewVerifier(client chain.Client, paymentContract string, requiredConfirmations uint64) *Verifier {
	if requiredConfirmations == 0 {
		requiredConfirmations = 5
	}
	return &Verifier{
		chain:                 client,
		paymentContract:       paymentContract,
		requiredConfirmations: requiredConfirmations,
		now:                   time.Now,
		logger:                util.GetLogger(),
	}
}

func (v *Verifier) RequiredConfirmations() uint64 {
	return v.requiredConfirmations
}

// Verify evaluates exp against current chain state. It is safe to call
// repeatedly; every call re-derives the verdict from the chain.
//
// A transient adapter failure returns a pending report together with a
// KindChainUnavailable error. It never yields StatusFailed.
func (v *Verifier) Verify(ctx context.Context, exp Expectation) (*Report, error) {
	ctx, span := util.StartSpan(ctx, "Verifier.Verify")
	defer span.End()

	report := &Report{
		TxHash:                exp.TxHash,
		Status:                StatusPending,
		RequiredConfirmations: v.requiredConfirmations,
		CheckedAt:             v.now().UTC(),
	}
	report.Progress = v.progress(0)

	if !chain.ValidTxHash(exp.TxHash) {
		return nil, apperr.Validation("verify.Verify", "invalid transaction hash %q", exp.TxHash)
	}

	lookupStart := time.Now()
	tx, err := v.chain.Transaction(ctx, exp.TxHash)
	util.ChainLookupLatency.Observe(time.Since(lookupStart).Seconds())
	switch {
	case errors.Is(err, chain.ErrTxNotFound):
		report.add(StepFound, false, "awaiting broadcast")
		return v.finish(report), nil
	case err != nil:
		report.add(StepFound, false, "chain data source unavailable, retry later")
		report.Message = "chain data source unavailable"
		util.VerificationsTotal.WithLabelValues("unavailable").Inc()
		if apperr.KindOf(err) == apperr.KindChainUnavailable {
			return report, err
		}
		return report, apperr.Wrap(apperr.KindChainUnavailable, "verify.Verify", err)
	}
	report.add(StepFound, true, "transaction found")
	report.Confirmations = tx.Confirmations
	report.Progress = v.progress(tx.Confirmations)

	if tx.BlockNumber == nil {
		report.add(StepIncluded, false, "transaction not yet included in a block")
		return v.finish(report), nil
	}
	report.add(StepIncluded, true, fmt.Sprintf("included in block %d", *tx.BlockNumber))

	if tx.Status == chain.TxStatusReverted {
		report.add(StepNotReverted, false, "transaction reverted")
		report.Status = StatusFailed
		report.Terminal = true
		report.Message = "transaction reverted"
		return v.finish(report), nil
	}
	if tx.Status == chain.TxStatusSuccess {
		report.add(StepNotReverted, true, "execution succeeded")
	} else {
		report.add(StepNotReverted, false, "execution outcome not yet known")
	}

	v.checkDestination(report, tx)
	v.checkPayer(report, tx, exp)
	v.checkIntent(report, tx, exp)

	if tx.Confirmations >= v.requiredConfirmations {
		report.add(StepConfirmations, true, fmt.Sprintf("%s confirmations", report.Progress))
	} else {
		report.add(StepConfirmations, false, fmt.Sprintf("waiting for confirmations (%s)", report.Progress))
	}

	if exp.Strict && tx.Status == chain.TxStatusSuccess {
		if mismatch := firstMismatch(report); mismatch != nil {
			report.Status = StatusFailed
			report.Terminal = true
			report.Message = "transaction does not match intent: " + mismatch.Message
			return v.finish(report), nil
		}
	}

	return v.finish(report), nil
}

func (v *Verifier) checkDestination(r *Report, tx *chain.TxInfo) {
	if v.paymentContract == "" {
		r.skip(StepDestinationMatch, "no payment contract configured")
		return
	}
	if chain.SameAddress(tx.To, v.paymentContract) {
		r.add(StepDestinationMatch, true, "sent to the payment contract")
		return
	}
	r.add(StepDestinationMatch, false, fmt.Sprintf("sent to %s, expected %s", displayAddr(tx.To), v.paymentContract))
}

func (v *Verifier) checkPayer(r *Report, tx *chain.TxInfo, exp Expectation) {
	if strings.TrimSpace(exp.Wallet) == "" {
		r.skip(StepPayerMatch, "no wallet expectation")
		return
	}
	if chain.SameAddress(tx.From, exp.Wallet) {
		r.add(StepPayerMatch, true, "sent by the expected wallet")
		return
	}
	r.add(StepPayerMatch, false, fmt.Sprintf("sent by %s, expected %s", displayAddr(tx.From), exp.Wallet))
}

func (v *Verifier) checkIntent(r *Report, tx *chain.TxInfo, exp Expectation) {
	if exp.IntentID == "" && exp.Amount == nil {
		r.skip(StepSelectorMatch, "no intent expectation")
		r.skip(StepIntentIDMatch, "no intent expectation")
		r.skip(StepAmountMatch, "no intent expectation")
		return
	}

	call, err := chain.DecodePaymentCall(tx.Input)
	switch {
	case errors.Is(err, chain.ErrUnknownSelector):
		r.add(StepSelectorMatch, false, fmt.Sprintf("unexpected function selector 0x%x", call.Selector))
		r.add(StepIntentIDMatch, false, "call input not decodable")
		r.add(StepAmountMatch, false, "call input not decodable")
		return
	case err != nil:
		v.logger.Debug("Call input decode failed", zap.String("tx_hash", tx.Hash), zap.Error(err))
		selectorOK := call != nil
		msg := "call input malformed"
		if selectorOK {
			r.add(StepSelectorMatch, true, "payment function selector")
		} else {
			r.add(StepSelectorMatch, false, msg)
		}
		r.add(StepIntentIDMatch, false, msg)
		r.add(StepAmountMatch, false, msg)
		return
	}
	r.add(StepSelectorMatch, true, "payment function selector")

	if exp.IntentID == "" {
		r.skip(StepIntentIDMatch, "no intent id expectation")
	} else if call.IntentKey == chain.IntentKey(exp.IntentID) {
		r.add(StepIntentIDMatch, true, "intent id matches")
	} else {
		r.add(StepIntentIDMatch, false, "transaction pays a different intent")
	}

	if exp.Amount == nil {
		r.skip(StepAmountMatch, "no amount expectation")
		return
	}
	want := chain.ToBaseUnits(*exp.Amount, chain.TokenDecimals)
	if call.Amount.Cmp(want) == 0 {
		r.add(StepAmountMatch, true, "amount matches")
		return
	}
	got := chain.FromBaseUnits(call.Amount, chain.TokenDecimals)
	r.add(StepAmountMatch, false, fmt.Sprintf("paid %s, expected %s", got.String(), exp.Amount.String()))
}

// finish computes the verdict unless a terminal failure was already recorded.
func (v *Verifier) finish(r *Report) *Report {
	if r.Status != StatusFailed {
		r.Status = StatusVerified
		for _, s := range r.Steps {
			if !s.Satisfied {
				r.Status = StatusPending
				break
			}
		}
		if len(r.Steps) == 0 || r.Step(StepConfirmations) == nil {
			r.Status = StatusPending
		}
	}

	if r.Message == "" {
		switch r.Status {
		case StatusVerified:
			r.Message = "payment verified"
			r.Terminal = true
		default:
			r.Message = pendingMessage(r)
		}
	}

	util.VerificationsTotal.WithLabelValues(string(r.Status)).Inc()
	return r
}

func pendingMessage(r *Report) string {
	for _, s := range r.Steps {
		if !s.Satisfied {
			return s.Message
		}
	}
	return "pending"
}

func firstMismatch(r *Report) *Step {
	for _, name := range []string{StepDestinationMatch, StepPayerMatch, StepSelectorMatch, StepIntentIDMatch, StepAmountMatch} {
		if s := r.Step(name); s != nil && !s.Satisfied {
			return s
		}
	}
	return nil
}

func (v *Verifier) progress(k uint64) string {
	return fmt.Sprintf("%d/%d", k, v.requiredConfirmations)
}

func displayAddr(a string) string {
	if a == "" {
		return "(none)"
	}
	return a
}
