package chain

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// TokenDecimals is the base-unit scale of the payment token.
const TokenDecimals int32 = 18

const paymentMethod = "pay"

const paymentABIJSON = `[{
  "type": "function",
  "name": "pay",
  "stateMutability": "nonpayable",
  "inputs": [
    {"name": "intentKey", "type": "bytes32"},
    {"name": "amount", "type": "uint256"}
  ],
  "outputs": []
}]`

var (
	ErrUnknownSelector = errors.New("unknown function selector")
	ErrMalformedInput  = errors.New("malformed call input")
)

var paymentABI = mustParseABI(paymentABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse payment abi: %v", err))
	}
	return parsed
}

// PaymentCall is a decoded call to the payment contract.
type PaymentCall struct {
	Selector  []byte
	IntentKey common.Hash
	Amount    *big.Int
}

// PaymentSelector returns the 4-byte selector of the payment function.
func PaymentSelector() []byte {
	return paymentABI.Methods[paymentMethod].ID
}

// IntentKey maps an intent identifier to the bytes32 embedded on-chain.
func IntentKey(intentID string) common.Hash {
	return crypto.Keccak256Hash([]byte(intentID))
}

// EncodePaymentCall builds the call input a wallet sends to pay an intent.
func EncodePaymentCall(intentID string, amount *big.Int) ([]byte, error) {
	return paymentABI.Pack(paymentMethod, [32]byte(IntentKey(intentID)), amount)
}

// DecodePaymentCall parses call input. The selector is always returned when
// at least four bytes are present, even if it is not the payment selector.
func DecodePaymentCall(input []byte) (*PaymentCall, error) {
	if len(input) < 4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedInput, len(input))
	}
	call := &PaymentCall{Selector: common.CopyBytes(input[:4])}

	if !bytes.Equal(call.Selector, PaymentSelector()) {
		return call, ErrUnknownSelector
	}

	values, err := paymentABI.Methods[paymentMethod].Inputs.Unpack(input[4:])
	if err != nil {
		return call, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	if len(values) != 2 {
		return call, fmt.Errorf("%w: expected 2 arguments, got %d", ErrMalformedInput, len(values))
	}

	key, ok := values[0].([32]byte)
	if !ok {
		return call, fmt.Errorf("%w: intent key has type %T", ErrMalformedInput, values[0])
	}
	amount, ok := values[1].(*big.Int)
	if !ok {
		return call, fmt.Errorf("%w: amount has type %T", ErrMalformedInput, values[1])
	}

	call.IntentKey = common.Hash(key)
	call.Amount = amount
	return call, nil
}

// ToBaseUnits scales a token amount to its integer base-unit representation.
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).BigInt()
}

// FromBaseUnits is the inverse of ToBaseUnits.
func FromBaseUnits(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

// DecodeHexInput accepts call input with or without the 0x prefix.
func DecodeHexInput(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0x" {
		return nil, nil
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	b, err := hexutil.Decode("0x" + s[2:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return b, nil
}
