package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"giftcard-service/internal/apperr"
)

// ExplorerClient queries a block-explorer style JSON API keyed by hash.
type ExplorerClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type ExplorerConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func NewExplorerClient(cfg ExplorerConfig) (*ExplorerClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("explorer base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ExplorerClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// explorerTx mirrors the explorer response. Every field except the hash is
// optional and may be a JSON number or a decimal/hex string.
type explorerTx struct {
	Found         *bool     `json:"found"`
	Hash          string    `json:"hash"`
	BlockNumber   flexUint  `json:"blockNumber"`
	Confirmations flexUint  `json:"confirmations"`
	Status        flexState `json:"status"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Input         string    `json:"input"`
}

func (c *ExplorerClient) Transaction(ctx context.Context, hash string) (*TxInfo, error) {
	const op = "chain.Explorer.Transaction"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tx/"+hash, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindChainUnavailable, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrTxNotFound
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, apperr.Wrap(apperr.KindChainUnavailable, op,
			fmt.Errorf("explorer returned status %d", resp.StatusCode))
	}

	var payload explorerTx
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, apperr.Wrap(apperr.KindChainUnavailable, op, fmt.Errorf("decode response: %w", err))
	}
	if payload.Found != nil && !*payload.Found {
		return nil, ErrTxNotFound
	}

	return payload.toTxInfo(hash), nil
}

func (p explorerTx) toTxInfo(requested string) *TxInfo {
	info := &TxInfo{
		Hash:          p.Hash,
		Confirmations: p.Confirmations.value,
		Status:        p.Status.value,
		From:          p.From,
		To:            p.To,
	}
	if info.Hash == "" {
		info.Hash = requested
	}
	if p.BlockNumber.set {
		bn := p.BlockNumber.value
		info.BlockNumber = &bn
	}
	if info.Status == "" {
		info.Status = TxStatusUnknown
	}
	// Undecodable input is surfaced to the verifier as an empty payload,
	// which fails the selector step instead of the whole lookup.
	if input, err := DecodeHexInput(p.Input); err == nil {
		info.Input = input
	}
	return info
}

type flexUint struct {
	value uint64
	set   bool
}

func (f *flexUint) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == `""` {
		return nil
	}
	raw = strings.Trim(raw, `"`)
	var (
		v   uint64
		err error
	)
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		v, err = strconv.ParseUint(raw[2:], 16, 64)
	} else {
		v, err = strconv.ParseUint(raw, 10, 64)
	}
	if err != nil {
		return fmt.Errorf("invalid unsigned value %q: %w", raw, err)
	}
	f.value, f.set = v, true
	return nil
}

type flexState struct {
	value TxStatus
}

func (f *flexState) UnmarshalJSON(data []byte) error {
	raw := strings.ToLower(strings.Trim(strings.TrimSpace(string(data)), `"`))
	switch raw {
	case "success", "succeeded", "ok", "1", "0x1", "true":
		f.value = TxStatusSuccess
	case "reverted", "revert", "failed", "failure", "0", "0x0", "false":
		f.value = TxStatusReverted
	default:
		f.value = TxStatusUnknown
	}
	return nil
}

func (c *ExplorerClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("explorer health returned %d", resp.StatusCode)
	}
	return nil
}
