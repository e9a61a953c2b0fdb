package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ymcrcat/stellar-dark-pool/params"
	"github.com/ymcrcat/stellar-dark-pool/pkg/core"
	"github.com/ymcrcat/stellar-dark-pool/pkg/crypto"
	"github.com/ymcrcat/stellar-dark-pool/pkg/engine"
	"github.com/ymcrcat/stellar-dark-pool/pkg/settle"
	"github.com/ymcrcat/stellar-dark-pool/pkg/util"
)

const (
	baseToken  = "CBASETOKEN"
	quoteToken = "CQUOTETOKEN"
)

type fakeLedger struct {
	balances  map[string]int64
	settleErr error
	settled   int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: make(map[string]int64)}
}

func (f *fakeLedger) AssetPair(context.Context) (string, string, error) {
	return baseToken, quoteToken, nil
}

func (f *fakeLedger) GetVaultBalance(_ context.Context, account, token string) (int64, error) {
	return f.balances[account+"|"+token], nil
}

func (f *fakeLedger) SettleTrade(context.Context, *core.SettlementInstruction) (string, error) {
	if f.settleErr != nil {
		return "", f.settleErr
	}
	f.settled++
	return fmt.Sprintf("txhash-%d", f.settled), nil
}

func (f *fakeLedger) ResolveToken(symbol string) (string, error) { return symbol, nil }

func newTestServer(t *testing.T, ledger *fakeLedger) *httptest.Server {
	t.Helper()
	cfg := params.Engine{
		BalanceCacheTTL:   30 * time.Second,
		SettlementTimeout: 5 * time.Second,
		SelfTradePolicy:   params.SkipMatch,
	}
	driver := settle.NewDriver(ledger, cfg.SettlementTimeout, zap.NewNop())
	clock := util.NewFakeClock(time.Unix(1_700_000_000, 0))
	eng, err := engine.New(context.Background(), cfg, ledger, driver, clock, zap.NewNop())
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(eng, zap.NewNop()).Router())
	t.Cleanup(srv.Close)
	return srv
}

var orderCounter int

func signedRequest(t *testing.T, signer *crypto.Signer, side core.Side, price, qty string, tif core.TimeInForce) SubmitOrderRequest {
	t.Helper()
	orderCounter++
	o := &core.Order{
		OrderID:     fmt.Sprintf("api-ord-%d", orderCounter),
		UserAddress: signer.Address(),
		AssetPair:   core.AssetPair{Base: baseToken, Quote: quoteToken},
		Side:        side,
		OrderType:   core.Limit,
		Quantity:    decimal.RequireFromString(qty),
		TimeInForce: tif,
		Timestamp:   time.Now().Unix(),
	}
	p := decimal.RequireFromString(price)
	o.Price = &p
	sig, err := signer.SignOrder(o)
	require.NoError(t, err)

	return SubmitOrderRequest{
		OrderID:     o.OrderID,
		UserAddress: o.UserAddress,
		AssetPair:   o.AssetPair,
		Side:        o.Side,
		OrderType:   o.OrderType,
		Price:       o.Price,
		Quantity:    o.Quantity,
		TimeInForce: o.TimeInForce,
		Timestamp:   o.Timestamp,
		Signature:   sig,
	}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func newSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	s, err := crypto.GenerateSigner()
	require.NoError(t, err)
	return s
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, newFakeLedger())
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[HealthResponse](t, resp)
	assert.Equal(t, "healthy", body.Status)
	assert.NotZero(t, body.Timestamp)
}

func TestSubmitOrderRestsAndMatches(t *testing.T) {
	ledger := newFakeLedger()
	alice, bob := newSigner(t), newSigner(t)
	ledger.balances[alice.Address()+"|"+quoteToken] = 1_000_000_000
	ledger.balances[bob.Address()+"|"+baseToken] = 1_000_000_000
	srv := newTestServer(t, ledger)

	resp := postJSON(t, srv.URL+"/api/v1/orders", signedRequest(t, alice, core.Buy, "1.0", "10", core.GTC))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[SubmitOrderResponse](t, resp)
	assert.Equal(t, string(core.Pending), body.Status)
	assert.Empty(t, body.Trades)

	resp = postJSON(t, srv.URL+"/api/v1/orders", signedRequest(t, bob, core.Sell, "1.0", "10", core.GTC))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody[SubmitOrderResponse](t, resp)
	assert.Equal(t, string(core.Filled), body.Status)
	require.Len(t, body.Trades, 1)
	assert.Equal(t, core.SettlementSuccess, body.Trades[0].SettlementStatus)
	assert.Equal(t, "txhash-1", body.Trades[0].TxHash)
}

func TestSubmitOrderBadSignature(t *testing.T) {
	ledger := newFakeLedger()
	alice := newSigner(t)
	srv := newTestServer(t, ledger)

	req := signedRequest(t, alice, core.Buy, "1.0", "10", core.GTC)
	req.Quantity = decimal.RequireFromString("11") // tamper
	resp := postJSON(t, srv.URL+"/api/v1/orders", req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	body := decodeBody[ErrorResponse](t, resp)
	assert.NotEmpty(t, body.Detail)
}

func TestSubmitOrderDuplicateID(t *testing.T) {
	ledger := newFakeLedger()
	alice := newSigner(t)
	ledger.balances[alice.Address()+"|"+quoteToken] = 1_000_000_000
	srv := newTestServer(t, ledger)

	req := signedRequest(t, alice, core.Buy, "1.0", "1", core.GTC)
	resp := postJSON(t, srv.URL+"/api/v1/orders", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/v1/orders", req)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSubmitOrderInsufficientFunds(t *testing.T) {
	ledger := newFakeLedger()
	alice := newSigner(t)
	srv := newTestServer(t, ledger)

	resp := postJSON(t, srv.URL+"/api/v1/orders", signedRequest(t, alice, core.Buy, "1.0", "10", core.GTC))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestSubmitOrderInvalidJSON(t *testing.T) {
	srv := newTestServer(t, newFakeLedger())
	resp, err := http.Post(srv.URL+"/api/v1/orders", "application/json", bytes.NewReader([]byte("{nope")))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSettlementFailureIs502WithTrades(t *testing.T) {
	ledger := newFakeLedger()
	alice, bob := newSigner(t), newSigner(t)
	ledger.balances[alice.Address()+"|"+quoteToken] = 1_000_000_000
	ledger.balances[bob.Address()+"|"+baseToken] = 1_000_000_000
	srv := newTestServer(t, ledger)

	resp := postJSON(t, srv.URL+"/api/v1/orders", signedRequest(t, alice, core.Buy, "1.0", "10", core.GTC))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ledger.settleErr = core.Errorf(core.KindSettlementFailed, "InsufficientBalance")
	resp = postJSON(t, srv.URL+"/api/v1/orders", signedRequest(t, bob, core.Sell, "1.0", "10", core.GTC))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	body := decodeBody[SubmitOrderResponse](t, resp)
	require.Len(t, body.Trades, 1)
	assert.Equal(t, core.SettlementFailed, body.Trades[0].SettlementStatus)
}

func TestGetOrder(t *testing.T) {
	ledger := newFakeLedger()
	alice := newSigner(t)
	ledger.balances[alice.Address()+"|"+quoteToken] = 1_000_000_000
	srv := newTestServer(t, ledger)

	req := signedRequest(t, alice, core.Buy, "1.0", "2", core.GTC)
	resp := postJSON(t, srv.URL+"/api/v1/orders", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err := http.Get(srv.URL + "/api/v1/orders/" + req.OrderID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	order := decodeBody[core.Order](t, resp)
	assert.Equal(t, req.OrderID, order.OrderID)
	assert.Equal(t, core.Pending, order.Status)
	assert.Empty(t, order.Signature)

	resp, err = http.Get(srv.URL + "/api/v1/orders/unknown")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelOrder(t *testing.T) {
	ledger := newFakeLedger()
	alice := newSigner(t)
	ledger.balances[alice.Address()+"|"+quoteToken] = 1_000_000_000
	srv := newTestServer(t, ledger)

	req := signedRequest(t, alice, core.Buy, "1.0", "2", core.GTC)
	resp := postJSON(t, srv.URL+"/api/v1/orders", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel := &core.CancelRequest{
		OrderID:     req.OrderID,
		UserAddress: alice.Address(),
		Timestamp:   time.Now().Unix(),
	}
	var err error
	cancel.Signature, err = alice.SignCancel(cancel)
	require.NoError(t, err)

	payload, err := json.Marshal(cancel)
	require.NoError(t, err)
	httpReq, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/orders/"+req.OrderID, bytes.NewReader(payload))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// A cancel carrying an invalid signature is unauthorized.
	badCancel := &core.CancelRequest{
		OrderID:     req.OrderID,
		UserAddress: alice.Address(),
		Timestamp:   time.Now().Unix(),
		Signature:   "AAAA",
	}
	payload, _ = json.Marshal(badCancel)
	httpReq, _ = http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/orders/"+req.OrderID, bytes.NewReader(payload))
	resp, err = http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOrderbookSnapshot(t *testing.T) {
	ledger := newFakeLedger()
	alice := newSigner(t)
	ledger.balances[alice.Address()+"|"+quoteToken] = 10_000_000_000
	srv := newTestServer(t, ledger)

	resp := postJSON(t, srv.URL+"/api/v1/orders", signedRequest(t, alice, core.Buy, "0.99", "5", core.GTC))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = postJSON(t, srv.URL+"/api/v1/orders", signedRequest(t, alice, core.Buy, "0.99", "3", core.GTC))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err := http.Get(srv.URL + "/api/v1/orderbook/" + baseToken + "/" + quoteToken)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	snap := decodeBody[core.Snapshot](t, resp)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, "8", snap.Bids[0].Quantity.String())
	assert.Equal(t, 2, snap.Bids[0].OrderCount)
	assert.Empty(t, snap.Asks)
}

func TestBalancesEndpoint(t *testing.T) {
	ledger := newFakeLedger()
	alice := newSigner(t)
	ledger.balances[alice.Address()+"|"+baseToken] = 123_450_000
	srv := newTestServer(t, ledger)

	resp, err := http.Get(srv.URL + "/api/v1/balances?user_address=" + alice.Address() + "&token=" + baseToken)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[BalanceResponse](t, resp)
	assert.Equal(t, int64(123_450_000), body.BalanceRaw)
	assert.Equal(t, "12.345", body.Balance)
	assert.Equal(t, baseToken, body.ContractID)

	// Missing params.
	resp, err = http.Get(srv.URL + "/api/v1/balances")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClearCache(t *testing.T) {
	srv := newTestServer(t, newFakeLedger())
	resp := postJSON(t, srv.URL+"/api/v1/admin/clear_cache", struct{}{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
