package chain

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	rpcContract  = common.HexToAddress("0xC0Ffee0000000000000000000000000000000001")
	rpcBlockHash = common.HexToHash("0x2222222222222222222222222222222222222222222222222222222222222222")
)

// fakeNode answers the handful of JSON-RPC methods EthClient uses.
type fakeNode struct {
	tx *types.Transaction
	// from is reported alongside the transaction when set.
	from *common.Address
	// sender is reported by block hash and index.
	sender common.Address
	mined  bool
	head   uint64

	mu     sync.Mutex
	called map[string]int
}

func (n *fakeNode) calls(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.called[method]
}

func (n *fakeNode) txJSON() (map[string]interface{}, error) {
	raw, err := n.tx.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if n.mined {
		out["blockHash"] = rpcBlockHash
		out["blockNumber"] = hexutil.Uint64(100)
		out["transactionIndex"] = hexutil.Uint64(0)
	}
	if n.from != nil {
		out["from"] = *n.from
	}
	return out, nil
}

func (n *fakeNode) serve(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		n.mu.Lock()
		n.called[req.Method]++
		n.mu.Unlock()

		var (
			result interface{}
			err    error
		)
		switch req.Method {
		case "eth_getTransactionByHash":
			result, err = n.txJSON()
			assert.NoError(t, err)
		case "eth_getTransactionReceipt":
			if n.mined {
				result = &types.Receipt{
					Status:            types.ReceiptStatusSuccessful,
					CumulativeGasUsed: 21000,
					GasUsed:           21000,
					Logs:              []*types.Log{},
					TxHash:            n.tx.Hash(),
					BlockHash:         rpcBlockHash,
					BlockNumber:       big.NewInt(100),
				}
			}
		case "eth_getTransactionByBlockHashAndIndex":
			result = map[string]interface{}{"hash": n.tx.Hash(), "from": n.sender}
		case "eth_blockNumber":
			result = hexutil.Uint64(n.head)
		default:
			t.Errorf("unexpected method %s", req.Method)
		}

		w.Header().Set("Content-Type", "application/json")
		assert.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": req.ID, "result": result,
		}))
	}
}

func newTestEthClient(t *testing.T, node *fakeNode) *EthClient {
	t.Helper()
	node.called = make(map[string]int)
	srv := httptest.NewServer(node.serve(t))
	t.Cleanup(srv.Close)

	c, err := NewEthClient(context.Background(), srv.URL)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func signedLegacy(t *testing.T, key *ecdsa.PrivateKey, signer types.Signer) *types.Transaction {
	t.Helper()
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce: 1, GasPrice: big.NewInt(1e9), Gas: 60000, To: &rpcContract, Data: []byte{0xde, 0xad},
	}), signer, key)
	require.NoError(t, err)
	return tx
}

func TestSignerForRecoversEveryKind(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(key.PublicKey)
	chainID := big.NewInt(137)

	unprotected := signedLegacy(t, key, types.HomesteadSigner{})
	require.False(t, unprotected.Protected())
	protected := signedLegacy(t, key, types.NewEIP155Signer(chainID))
	dynamic, err := types.SignNewTx(key, types.LatestSignerForChainID(chainID), &types.DynamicFeeTx{
		ChainID: chainID, Nonce: 2, GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(2e9), Gas: 60000, To: &rpcContract,
	})
	require.NoError(t, err)

	for name, tx := range map[string]*types.Transaction{
		"unprotected legacy": unprotected,
		"eip155 legacy":      protected,
		"dynamic fee":        dynamic,
	} {
		from, err := types.Sender(signerFor(tx), tx)
		require.NoError(t, err, name)
		assert.Equal(t, want, from, name)
	}
}

func TestEthClientSenderOfMinedUnprotectedTx(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(key.PublicKey)

	node := &fakeNode{tx: signedLegacy(t, key, types.HomesteadSigner{}), from: &want, mined: true, head: 106}
	c := newTestEthClient(t, node)

	info, err := c.Transaction(context.Background(), node.tx.Hash().Hex())
	require.NoError(t, err)
	assert.Equal(t, want.Hex(), info.From)
	assert.Equal(t, TxStatusSuccess, info.Status)
	assert.Equal(t, uint64(6), info.Confirmations)
	assert.Equal(t, rpcContract.Hex(), info.To)
	assert.Zero(t, node.calls("eth_getTransactionByBlockHashAndIndex"), "sender comes from the lookup by hash")
}

func TestEthClientAsksNodeForSenderAtInclusion(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(key.PublicKey)

	// The lookup by hash omits the sender; only the block index reports it.
	node := &fakeNode{tx: signedLegacy(t, key, types.NewEIP155Signer(big.NewInt(137))), sender: want, mined: true, head: 100}
	c := newTestEthClient(t, node)

	info, err := c.Transaction(context.Background(), node.tx.Hash().Hex())
	require.NoError(t, err)
	assert.Equal(t, want.Hex(), info.From)
	assert.Equal(t, 1, node.calls("eth_getTransactionByBlockHashAndIndex"))
	assert.Zero(t, info.Confirmations)
}

func TestEthClientRecoversSenderOfPendingTx(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	node := &fakeNode{tx: signedLegacy(t, key, types.HomesteadSigner{})}
	c := newTestEthClient(t, node)

	info, err := c.Transaction(context.Background(), node.tx.Hash().Hex())
	require.NoError(t, err)
	assert.Nil(t, info.BlockNumber)
	assert.Equal(t, TxStatusUnknown, info.Status)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), info.From)
	assert.Zero(t, node.calls("eth_getTransactionReceipt"))
}
