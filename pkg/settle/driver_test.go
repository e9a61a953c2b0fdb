package settle

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ymcrcat/stellar-dark-pool/pkg/core"
)

type scriptedLedger struct {
	failures int
	failWith error
	calls    int
	lastInstr *core.SettlementInstruction
}

func (s *scriptedLedger) AssetPair(context.Context) (string, string, error) {
	return "CBASE", "CQUOTE", nil
}

func (s *scriptedLedger) GetVaultBalance(context.Context, string, string) (int64, error) {
	return 0, nil
}

func (s *scriptedLedger) SettleTrade(_ context.Context, instr *core.SettlementInstruction) (string, error) {
	s.calls++
	s.lastInstr = instr
	if s.calls <= s.failures {
		return "", s.failWith
	}
	return "txhash-ok", nil
}

func (s *scriptedLedger) ResolveToken(symbol string) (string, error) { return symbol, nil }

func sampleTrade() *core.Trade {
	return &core.Trade{
		TradeID:     strings.Repeat("ab", 32),
		BuyOrderID:  "b1",
		SellOrderID: "s1",
		BuyUser:     "GBUYER",
		SellUser:    "GSELLER",
		Price:       decimal.RequireFromString("0.5"),
		Quantity:    decimal.RequireFromString("10"),
		Timestamp:   1_700_000_000,
	}
}

func TestInstructionScaling(t *testing.T) {
	instr, err := Instruction(sampleTrade(), "CBASE", "CQUOTE")
	require.NoError(t, err)

	assert.Equal(t, int64(100_000_000), instr.BaseAmount)
	assert.Equal(t, int64(50_000_000), instr.QuoteAmount)
	assert.Equal(t, int64(0), instr.FeeBase)
	assert.Equal(t, int64(0), instr.FeeQuote)
	assert.Equal(t, uint64(1_700_000_000), instr.Timestamp)
	assert.Equal(t, "CBASE", instr.BaseAsset)
	assert.Equal(t, "CQUOTE", instr.QuoteAsset)

	want, _ := hex.DecodeString(strings.Repeat("ab", 32))
	assert.Equal(t, want, instr.TradeID[:])
}

func TestInstructionRoundsHalfUp(t *testing.T) {
	trade := sampleTrade()
	trade.Price = decimal.RequireFromString("0.0000001") // one stroop per unit
	trade.Quantity = decimal.RequireFromString("2.5")
	instr, err := Instruction(trade, "CBASE", "CQUOTE")
	require.NoError(t, err)
	// 2.5 * 0.0000001 = 0.00000025 units = 2.5 stroops -> 3.
	assert.Equal(t, int64(3), instr.QuoteAmount)
}

func TestInstructionRejectsBadTradeID(t *testing.T) {
	trade := sampleTrade()
	trade.TradeID = "not-hex"
	_, err := Instruction(trade, "CBASE", "CQUOTE")
	require.Error(t, err)
}

func TestInstructionOverflow(t *testing.T) {
	trade := sampleTrade()
	trade.Quantity = decimal.New(1, 15) // 10^15 units overflows stroops
	_, err := Instruction(trade, "CBASE", "CQUOTE")
	require.Error(t, err)
}

func TestSettleRetriesTransientErrors(t *testing.T) {
	ledger := &scriptedLedger{
		failures: 1,
		failWith: core.Errorf(core.KindUpstreamUnavailable, "connection reset"),
	}
	d := NewDriver(ledger, 30*time.Second, zap.NewNop())

	hash, err := d.Settle(context.Background(), sampleTrade(), "CBASE", "CQUOTE")
	require.NoError(t, err)
	assert.Equal(t, "txhash-ok", hash)
	assert.Equal(t, 2, ledger.calls)
}

func TestSettleDoesNotRetryContractRejection(t *testing.T) {
	ledger := &scriptedLedger{
		failures: 5,
		failWith: core.Errorf(core.KindSettlementFailed, "InsufficientBalance"),
	}
	d := NewDriver(ledger, 30*time.Second, zap.NewNop())

	_, err := d.Settle(context.Background(), sampleTrade(), "CBASE", "CQUOTE")
	require.Error(t, err)
	assert.Equal(t, 1, ledger.calls)
	assert.Equal(t, core.KindSettlementFailed, core.KindOf(err))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Reason
	}{
		{core.Errorf(core.KindSettlementFailed, "settle_trade simulation rejected: Insufficient balance"), ReasonInsufficientVaultBalance},
		{core.Errorf(core.KindSettlementFailed, "Matching engine not set"), ReasonUnauthorizedMatcher},
		{core.Errorf(core.KindSettlementFailed, "signer Revoked"), ReasonRevoked},
		{core.Errorf(core.KindSettlementFailed, "tx_failed"), ReasonContractRejected},
		{core.Errorf(core.KindUpstreamUnavailable, "connection refused"), ReasonNetworkError},
		{core.Wrap(core.KindUpstreamUnavailable, context.DeadlineExceeded, "polling timed out"), ReasonTimeout},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), tt.err.Error())
	}
}

func TestBackoffCapped(t *testing.T) {
	assert.Equal(t, retryBaseDelay, backoff(0))
	assert.Equal(t, 2*retryBaseDelay, backoff(1))
	assert.Equal(t, retryMaxDelay, backoff(30))
}
