// Package chain wraps the read-only chain data source used to verify payments.
package chain

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrTxNotFound is returned when the data source has no record of a hash.
var ErrTxNotFound = errors.New("transaction not found")

// Client abstracts the external chain query API.
type Client interface {
	Transaction(ctx context.Context, hash string) (*TxInfo, error)
}

// HealthChecker is implemented by clients that can check their backend.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type TxStatus string

const (
	TxStatusUnknown  TxStatus = "unknown"
	TxStatusSuccess  TxStatus = "success"
	TxStatusReverted TxStatus = "reverted"
)

// TxInfo is the subset of transaction metadata verification relies on.
// BlockNumber is nil while the transaction is not yet included.
type TxInfo struct {
	Hash          string   `json:"hash"`
	BlockNumber   *uint64  `json:"block_number,omitempty"`
	Confirmations uint64   `json:"confirmations"`
	Status        TxStatus `json:"status"`
	From          string   `json:"from"`
	To            string   `json:"to"`
	Input         []byte   `json:"input"`
}

// SameAddress compares two hex addresses ignoring checksum casing.
func SameAddress(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(a, b)
}

// NormalizeAddress lower-cases a hex address after validating it.
func NormalizeAddress(addr string) (string, bool) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", false
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), true
}

// ValidTxHash reports whether s looks like a 32-byte 0x-prefixed hash.
func ValidTxHash(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, c := range s[2:] {
		if !isHexDigit(c) {
			return false
		}
	}
	return true
}

func isHexDigit(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
