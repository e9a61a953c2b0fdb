package stellar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// rpcClient is a minimal JSON-RPC 2.0 client for the Soroban RPC endpoint.
// Only the four methods the engine consumes are wired.
type rpcClient struct {
	url  string
	http *http.Client
	seq  atomic.Int64
}

func newRPCClient(url string) *rpcClient {
	return &rpcClient{
		url:  url,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Error  *rpcError       `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

func (c *rpcClient) call(ctx context.Context, method string, params, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.seq.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected HTTP status %d", method, resp.StatusCode)
	}

	var envelope rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("%s: rpc error %d: %s", method, envelope.Error.Code, envelope.Error.Message)
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// Wire shapes for the Soroban RPC methods the engine uses.

type simulateResult struct {
	Auth []string `json:"auth"`
	XDR  string   `json:"xdr"`
}

type simulateResponse struct {
	Error           string           `json:"error,omitempty"`
	TransactionData string           `json:"transactionData"`
	MinResourceFee  string           `json:"minResourceFee"`
	Results         []simulateResult `json:"results"`
	LatestLedger    uint32           `json:"latestLedger"`
}

func (c *rpcClient) simulateTransaction(ctx context.Context, txB64 string) (*simulateResponse, error) {
	var out simulateResponse
	err := c.call(ctx, "simulateTransaction", map[string]string{"transaction": txB64}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type sendResponse struct {
	Status         string `json:"status"` // PENDING, DUPLICATE, TRY_AGAIN_LATER, ERROR
	Hash           string `json:"hash"`
	ErrorResultXDR string `json:"errorResultXdr,omitempty"`
}

func (c *rpcClient) sendTransaction(ctx context.Context, txB64 string) (*sendResponse, error) {
	var out sendResponse
	err := c.call(ctx, "sendTransaction", map[string]string{"transaction": txB64}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type getTransactionResponse struct {
	Status    string `json:"status"` // NOT_FOUND, SUCCESS, FAILED
	ResultXDR string `json:"resultXdr,omitempty"`
}

func (c *rpcClient) getTransaction(ctx context.Context, hash string) (*getTransactionResponse, error) {
	var out getTransactionResponse
	err := c.call(ctx, "getTransaction", map[string]string{"hash": hash}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type ledgerEntry struct {
	XDR string `json:"xdr"`
}

type getLedgerEntriesResponse struct {
	Entries []ledgerEntry `json:"entries"`
}

func (c *rpcClient) getLedgerEntries(ctx context.Context, keys []string) (*getLedgerEntriesResponse, error) {
	var out getLedgerEntriesResponse
	err := c.call(ctx, "getLedgerEntries", map[string][]string{"keys": keys}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
