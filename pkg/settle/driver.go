package settle

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ymcrcat/stellar-dark-pool/pkg/core"
	"github.com/ymcrcat/stellar-dark-pool/pkg/stellar"
)

// Reason is the driver's classification of a settlement failure.
type Reason string

const (
	ReasonInsufficientVaultBalance Reason = "InsufficientVaultBalance"
	ReasonUnauthorizedMatcher      Reason = "UnauthorizedMatcher"
	ReasonRevoked                  Reason = "Revoked"
	ReasonNetworkError             Reason = "NetworkError"
	ReasonTimeout                  Reason = "Timeout"
	ReasonContractRejected         Reason = "ContractRejected"
)

const (
	maxTransientRetries = 3
	retryBaseDelay      = 1 * time.Second
	retryMaxDelay       = 8 * time.Second
)

// Driver builds and submits settle_trade calls for matched trades. One trade
// in, one on-chain transaction out; retries cover transient network errors
// only, never contract rejections.
type Driver struct {
	ledger  stellar.Ledger
	timeout time.Duration
	log     *zap.Logger
}

func NewDriver(ledger stellar.Ledger, timeout time.Duration, log *zap.Logger) *Driver {
	return &Driver{ledger: ledger, timeout: timeout, log: log}
}

// Instruction converts a trade into the contract's wire form: amounts scaled
// to stroops, rounded half away from zero exactly once, zero fees.
func Instruction(trade *core.Trade, baseAsset, quoteAsset string) (*core.SettlementInstruction, error) {
	baseAmount, err := core.ToStroops(trade.Quantity)
	if err != nil {
		return nil, err
	}
	quoteAmount, err := core.MulToStroops(trade.Price, trade.Quantity)
	if err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(trade.TradeID)
	if err != nil || len(raw) != 32 {
		return nil, core.Errorf(core.KindInternal, "trade id %q is not 32 hex bytes", trade.TradeID)
	}
	var tradeID [32]byte
	copy(tradeID[:], raw)

	return &core.SettlementInstruction{
		TradeID:     tradeID,
		BuyUser:     trade.BuyUser,
		SellUser:    trade.SellUser,
		BaseAsset:   baseAsset,
		QuoteAsset:  quoteAsset,
		BaseAmount:  baseAmount,
		QuoteAmount: quoteAmount,
		Timestamp:   uint64(trade.Timestamp),
	}, nil
}

// Settle submits the trade's settlement and blocks until it lands or fails.
// Returns the on-chain transaction hash.
func (d *Driver) Settle(ctx context.Context, trade *core.Trade, baseAsset, quoteAsset string) (string, error) {
	instr, err := Instruction(trade, baseAsset, quoteAsset)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= maxTransientRetries; attempt++ {
		if attempt > 0 {
			d.log.Warn("retrying settlement",
				zap.String("trade_id", trade.TradeID),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return "", core.Wrap(core.KindUpstreamUnavailable, ctx.Err(), "settlement timed out for trade %s", trade.TradeID)
			case <-time.After(backoff(attempt - 1)):
			}
		}

		hash, err := d.ledger.SettleTrade(ctx, instr)
		if err == nil {
			d.log.Info("trade settled",
				zap.String("trade_id", trade.TradeID),
				zap.String("tx_hash", hash))
			return hash, nil
		}
		if !transient(ctx, err) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

// transient reports whether the error is worth retrying within the deadline.
// Contract rejections are final; only upstream hiccups retry.
func transient(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return core.KindOf(err) == core.KindUpstreamUnavailable
}

// backoff returns the delay before retry n: base * 2^n, capped.
func backoff(n int) time.Duration {
	if n < 0 {
		return retryBaseDelay
	}
	if n > 10 {
		return retryMaxDelay
	}
	d := retryBaseDelay * time.Duration(1<<uint(n))
	if d > retryMaxDelay {
		return retryMaxDelay
	}
	return d
}

// Classify maps a settlement error to the reason reported to clients.
func Classify(err error) Reason {
	if err == nil {
		return ""
	}
	switch core.KindOf(err) {
	case core.KindUpstreamUnavailable:
		if errors.Is(err, context.DeadlineExceeded) {
			return ReasonTimeout
		}
		return ReasonNetworkError
	case core.KindSettlementFailed:
		msg := err.Error()
		switch {
		case strings.Contains(msg, "Insufficient"):
			return ReasonInsufficientVaultBalance
		case strings.Contains(msg, "Matching engine not set"),
			strings.Contains(msg, "auth"):
			return ReasonUnauthorizedMatcher
		case strings.Contains(msg, "revoked"), strings.Contains(msg, "Revoked"):
			return ReasonRevoked
		default:
			return ReasonContractRejected
		}
	default:
		return ReasonContractRejected
	}
}
