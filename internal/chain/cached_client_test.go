package chain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func (m *mapCache) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.data[key], nil
}

func (m *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[key] = value
	return nil
}

func TestCachedClientServesRepeatLookups(t *testing.T) {
	fake := NewFakeClient()
	bn := uint64(10)
	fake.Put(TxInfo{Hash: testHash, BlockNumber: &bn, Confirmations: 2, Status: TxStatusSuccess})

	c := NewCachedClient(fake, &mapCache{data: map[string][]byte{}}, time.Second, zap.NewNop())

	first, err := c.Transaction(context.Background(), testHash)
	require.NoError(t, err)
	second, err := c.Transaction(context.Background(), testHash)
	require.NoError(t, err)

	assert.Equal(t, 1, fake.Calls())
	assert.Equal(t, first.Confirmations, second.Confirmations)
	require.NotNil(t, second.BlockNumber)
	assert.Equal(t, bn, *second.BlockNumber)
}

func TestCachedClientDoesNotCacheNotFound(t *testing.T) {
	fake := NewFakeClient()
	c := NewCachedClient(fake, &mapCache{data: map[string][]byte{}}, time.Second, zap.NewNop())

	_, err := c.Transaction(context.Background(), testHash)
	assert.ErrorIs(t, err, ErrTxNotFound)

	fake.Put(TxInfo{Hash: testHash, Status: TxStatusUnknown})
	info, err := c.Transaction(context.Background(), testHash)
	require.NoError(t, err)
	assert.Equal(t, testHash, info.Hash)
	assert.Equal(t, 2, fake.Calls())
}

func TestCachedClientDegradesOnCacheFailure(t *testing.T) {
	fake := NewFakeClient()
	fake.Put(TxInfo{Hash: testHash, Status: TxStatusSuccess})
	c := NewCachedClient(fake, &mapCache{data: map[string][]byte{}, err: errors.New("redis down")}, time.Second, zap.NewNop())

	_, err := c.Transaction(context.Background(), testHash)
	require.NoError(t, err)
	_, err = c.Transaction(context.Background(), testHash)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.Calls())
}
