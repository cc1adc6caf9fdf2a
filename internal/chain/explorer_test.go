package chain

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"giftcard-service/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHash = "0x1111111111111111111111111111111111111111111111111111111111111111"

func newTestExplorer(t *testing.T, handler http.HandlerFunc) *ExplorerClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewExplorerClient(ExplorerConfig{BaseURL: srv.URL, APIKey: "k", Timeout: time.Second})
	require.NoError(t, err)
	return c
}

func TestExplorerTransaction(t *testing.T) {
	c := newTestExplorer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tx/"+testHash, r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("X-API-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"hash": "` + testHash + `",
			"blockNumber": "0x10",
			"confirmations": 7,
			"status": "0x1",
			"from": "0xAAA0000000000000000000000000000000000001",
			"to": "0xBBB0000000000000000000000000000000000002",
			"input": "deadbeef"
		}`))
	})

	info, err := c.Transaction(context.Background(), testHash)
	require.NoError(t, err)
	require.NotNil(t, info.BlockNumber)
	assert.Equal(t, uint64(16), *info.BlockNumber)
	assert.Equal(t, uint64(7), info.Confirmations)
	assert.Equal(t, TxStatusSuccess, info.Status)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, info.Input)
}

func TestExplorerToleratesMissingFields(t *testing.T) {
	c := newTestExplorer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"blockNumber": null, "status": "reverted"}`))
	})

	info, err := c.Transaction(context.Background(), testHash)
	require.NoError(t, err)
	assert.Nil(t, info.BlockNumber)
	assert.Equal(t, testHash, info.Hash)
	assert.Equal(t, TxStatusReverted, info.Status)
	assert.Empty(t, info.Input)
}

func TestExplorerNotFound(t *testing.T) {
	c := newTestExplorer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, err := c.Transaction(context.Background(), testHash)
	assert.ErrorIs(t, err, ErrTxNotFound)

	c = newTestExplorer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"found": false}`))
	})
	_, err = c.Transaction(context.Background(), testHash)
	assert.ErrorIs(t, err, ErrTxNotFound)
}

func TestExplorerOutageIsTransient(t *testing.T) {
	c := newTestExplorer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Transaction(context.Background(), testHash)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindChainUnavailable))
	assert.True(t, apperr.IsRetryable(err))
}
