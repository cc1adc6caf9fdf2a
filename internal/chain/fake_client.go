package chain

import (
	"context"
	"strings"
	"sync"
)

// FakeClient serves canned transactions for tests and local runs.
type FakeClient struct {
	mu    sync.Mutex
	txs   map[string]TxInfo
	err   error
	calls int
}

func NewFakeClient() *FakeClient {
	return &FakeClient{txs: make(map[string]TxInfo)}
}

// Put stores or replaces the transaction returned for info.Hash.
func (f *FakeClient) Put(info TxInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[strings.ToLower(info.Hash)] = info
}

// Confirm sets the confirmation count of a stored transaction.
func (f *FakeClient) Confirm(hash string, confirmations uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.ToLower(hash)
	info, ok := f.txs[key]
	if !ok {
		return
	}
	info.Confirmations = confirmations
	f.txs[key] = info
}

// FailWith makes every lookup return err until cleared with nil.
func (f *FakeClient) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *FakeClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeClient) Transaction(_ context.Context, hash string) (*TxInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	info, ok := f.txs[strings.ToLower(hash)]
	if !ok {
		return nil, ErrTxNotFound
	}
	cp := info
	if info.BlockNumber != nil {
		bn := *info.BlockNumber
		cp.BlockNumber = &bn
	}
	cp.Input = append([]byte(nil), info.Input...)
	return &cp, nil
}
