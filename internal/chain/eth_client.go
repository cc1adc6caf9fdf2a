package chain

import (
	"context"
	"errors"
	"fmt"

	"giftcard-service/internal/apperr"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthClient derives TxInfo from a JSON-RPC node instead of an explorer.
type EthClient struct {
	client *ethclient.Client
}

func NewEthClient(ctx context.Context, rpcURL string) (*EthClient, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	cli, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return &EthClient{client: cli}, nil
}

func (c *EthClient) Transaction(ctx context.Context, hash string) (*TxInfo, error) {
	const op = "chain.EthClient.Transaction"
	h := common.HexToHash(hash)

	tx, isPending, err := c.client.TransactionByHash(ctx, h)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrTxNotFound
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindChainUnavailable, op, err)
	}

	info := &TxInfo{
		Hash:   h.Hex(),
		Status: TxStatusUnknown,
		Input:  tx.Data(),
	}
	if tx.To() != nil {
		info.To = tx.To().Hex()
	}
	if isPending {
		info.From = recoverSender(tx)
		return info, nil
	}

	receipt, err := c.client.TransactionReceipt(ctx, h)
	if errors.Is(err, ethereum.NotFound) {
		info.From = recoverSender(tx)
		return info, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindChainUnavailable, op, err)
	}
	// The node's view of the sender at inclusion wins over local recovery.
	if from, err := c.client.TransactionSender(ctx, tx, receipt.BlockHash, receipt.TransactionIndex); err == nil {
		info.From = from.Hex()
	} else {
		info.From = recoverSender(tx)
	}

	bn := receipt.BlockNumber.Uint64()
	info.BlockNumber = &bn
	if receipt.Status == types.ReceiptStatusSuccessful {
		info.Status = TxStatusSuccess
	} else {
		info.Status = TxStatusReverted
	}

	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindChainUnavailable, op, err)
	}
	if head > bn {
		info.Confirmations = head - bn
	}
	return info, nil
}

// signerFor picks the signer a transaction was signed with. Unprotected
// legacy transactions carry no chain id.
func signerFor(tx *types.Transaction) types.Signer {
	if !tx.Protected() {
		return types.HomesteadSigner{}
	}
	return types.LatestSignerForChainID(tx.ChainId())
}

func recoverSender(tx *types.Transaction) string {
	from, err := types.Sender(signerFor(tx), tx)
	if err != nil {
		return ""
	}
	return from.Hex()
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *EthClient) Close() {
	c.client.Close()
}
