package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ymcrcat/stellar-dark-pool/params"
	"github.com/ymcrcat/stellar-dark-pool/pkg/core"
	"github.com/ymcrcat/stellar-dark-pool/pkg/core/orderbook"
	"github.com/ymcrcat/stellar-dark-pool/pkg/crypto"
	"github.com/ymcrcat/stellar-dark-pool/pkg/settle"
	"github.com/ymcrcat/stellar-dark-pool/pkg/stellar"
	"github.com/ymcrcat/stellar-dark-pool/pkg/util"
	"github.com/ymcrcat/stellar-dark-pool/pkg/vault"
)

// balanceFetchTimeout bounds the admission-path balance read; settlement has
// its own, longer budget.
const balanceFetchTimeout = 10 * time.Second

// SubmitResult is what a successful submission returns: the order's final
// state plus the trades it produced, each carrying its settlement outcome.
type SubmitResult struct {
	Order  core.Order
	Trades []*core.Trade
}

// UpdateHook receives the post-operation book snapshot and any new trades.
// Called while the matching mutex is held; it must not call back into the
// engine.
type UpdateHook func(snapshot core.Snapshot, trades []*core.Trade)

// orderState pairs an order with its reservation bookkeeping. reserved is
// the portion of the original reservation not yet released; reserveRate is
// the quote-per-base rate buys were reserved at (nil for market buys, which
// reserve the exact pre-scanned cost and release at trade price).
type orderState struct {
	order        *core.Order
	reserveToken string
	reserveRate  *decimal.Decimal
	reserved     int64
}

// Engine owns the order book and the vault cache. Every state mutation runs
// under one matching mutex; contract RPC calls execute while holding it so
// admission and settlement observe a consistent view.
type Engine struct {
	mu sync.Mutex

	log    *zap.Logger
	cfg    params.Engine
	ledger stellar.Ledger
	driver *settle.Driver
	cache  *vault.Cache
	book   *orderbook.OrderBook

	pair   core.AssetPair // resolved contract addresses
	orders map[string]*orderState
	seq    uint64

	onUpdate UpdateHook
}

// New queries the contract for its configured asset pair and builds the
// engine around it.
func New(ctx context.Context, cfg params.Engine, ledger stellar.Ledger, driver *settle.Driver, clock util.Clock, log *zap.Logger) (*Engine, error) {
	base, quote, err := ledger.AssetPair(ctx)
	if err != nil {
		return nil, core.Wrap(core.KindUpstreamUnavailable, err, "fetch contract asset pair")
	}
	pair := core.AssetPair{Base: base, Quote: quote}
	log.Info("matching engine initialized",
		zap.String("base", base),
		zap.String("quote", quote))

	return &Engine{
		log:    log,
		cfg:    cfg,
		ledger: ledger,
		driver: driver,
		cache:  vault.NewCache(ledger, clock, cfg.BalanceCacheTTL, log),
		book:   orderbook.New(pair, cfg.SelfTradePolicy),
		pair:   pair,
		orders: make(map[string]*orderState),
	}, nil
}

// SetUpdateHook registers the market-data broadcast callback.
func (e *Engine) SetUpdateHook(hook UpdateHook) { e.onUpdate = hook }

// Pair returns the engine's resolved asset pair.
func (e *Engine) Pair() core.AssetPair { return e.pair }

// Submit runs the full admission -> match -> settle pipeline for one signed
// order. Signature verification happens before the matching mutex is taken;
// everything after is atomic with respect to other submissions.
func (e *Engine) Submit(ctx context.Context, order *core.Order) (*SubmitResult, error) {
	if err := validateStatic(order); err != nil {
		return nil, err
	}
	if err := crypto.VerifyOrderSignature(order, order.Signature); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.orders[order.OrderID]; exists {
		return nil, core.Errorf(core.KindDuplicateOrderID, "order id %q already known", order.OrderID)
	}
	if err := e.admitPair(order); err != nil {
		return nil, err
	}

	// FOK and non-IOC market orders must be fully fillable before any state
	// changes; the pre-scan also prices market-buy reservations exactly.
	achievableCost, err := e.preScan(order)
	if err != nil {
		e.recordRejected(order)
		return nil, err
	}

	st, err := e.admitBalance(ctx, order, achievableCost)
	if err != nil {
		if core.KindOf(err) != core.KindUpstreamUnavailable {
			e.recordRejected(order)
		}
		return nil, err
	}

	e.seq++
	order.Sequence = e.seq
	order.Status = core.Pending
	e.orders[order.OrderID] = st
	e.cache.Reserve(order.UserAddress, st.reserveToken, st.reserved)

	trades := e.book.Match(order)
	applies := e.applyTrades(trades)
	e.finishTimeInForce(order, st)

	e.settleBatch(ctx, order, trades, applies)

	result := &SubmitResult{Order: *order, Trades: trades}
	e.notify(trades)
	return result, nil
}

func validateStatic(o *core.Order) error {
	switch {
	case o.OrderID == "":
		return core.Errorf(core.KindClientInput, "order_id is required")
	case !o.Side.Valid():
		return core.Errorf(core.KindClientInput, "invalid side %q", o.Side)
	case !o.OrderType.Valid():
		return core.Errorf(core.KindClientInput, "invalid order type %q", o.OrderType)
	case !o.TimeInForce.Valid():
		return core.Errorf(core.KindClientInput, "invalid time in force %q", o.TimeInForce)
	case !o.Quantity.IsPositive():
		return core.Errorf(core.KindClientInput, "quantity must be positive")
	case !core.ValidScale(o.Quantity):
		return core.Errorf(core.KindClientInput, "quantity has more than %d decimal places", core.StroopScale)
	case o.FilledQuantity.IsPositive():
		return core.Errorf(core.KindClientInput, "filled_quantity must start at zero")
	}
	if o.OrderType == core.Limit {
		if o.Price == nil || !o.Price.IsPositive() {
			return core.Errorf(core.KindClientInput, "limit orders require a positive price")
		}
		if !core.ValidScale(*o.Price) {
			return core.Errorf(core.KindClientInput, "price has more than %d decimal places", core.StroopScale)
		}
		if _, err := core.MulToStroops(*o.Price, o.Quantity); err != nil {
			return err
		}
	}
	if _, err := core.ToStroops(o.Quantity); err != nil {
		return err
	}
	return nil
}

// admitPair resolves the submitted pair symbols to contract addresses and
// checks them against the engine's configured market.
func (e *Engine) admitPair(o *core.Order) error {
	base, err := e.ledger.ResolveToken(o.AssetPair.Base)
	if err != nil {
		return err
	}
	quote, err := e.ledger.ResolveToken(o.AssetPair.Quote)
	if err != nil {
		return err
	}
	if base != e.pair.Base || quote != e.pair.Quote {
		return core.Errorf(core.KindPairNotSupported,
			"unsupported asset pair %s/%s", o.AssetPair.Base, o.AssetPair.Quote)
	}
	return nil
}

// preScan enforces the all-or-nothing requirements before any mutation and
// returns the exact quote cost of the achievable fill.
func (e *Engine) preScan(o *core.Order) (decimal.Decimal, error) {
	qty, cost := e.book.Achievable(o)

	if o.TimeInForce == core.FOK && qty.LessThan(o.Quantity) {
		return cost, core.Errorf(core.KindFOKUnfillable,
			"FOK order %s can fill only %s of %s", o.OrderID, qty, o.Quantity)
	}
	if o.OrderType == core.Market {
		if qty.IsZero() {
			return cost, core.Errorf(core.KindMarketUnfillable,
				"no opposite liquidity for market order %s", o.OrderID)
		}
		if o.TimeInForce != core.IOC && qty.LessThan(o.Quantity) {
			return cost, core.Errorf(core.KindMarketUnfillable,
				"market order %s can fill only %s of %s", o.OrderID, qty, o.Quantity)
		}
	}
	return cost, nil
}

// admitBalance computes the required reservation and checks it against the
// cached vault balance. The balance read may call the contract; it runs
// under the matching mutex by design.
func (e *Engine) admitBalance(ctx context.Context, o *core.Order, achievableCost decimal.Decimal) (*orderState, error) {
	st := &orderState{order: o}

	var required int64
	var err error
	if o.Side == core.Buy {
		st.reserveToken = e.pair.Quote
		if o.OrderType == core.Limit {
			st.reserveRate = o.Price
			required, err = core.MulToStroops(*o.Price, o.Quantity)
		} else {
			// Market buy: reserve the exact cost of the pre-scanned fill.
			required, err = core.ToStroops(achievableCost)
		}
	} else {
		st.reserveToken = e.pair.Base
		required, err = core.ToStroops(o.Quantity)
	}
	if err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, balanceFetchTimeout)
	defer cancel()
	available, err := e.cache.Available(fetchCtx, o.UserAddress, st.reserveToken)
	if err != nil {
		return nil, err
	}
	if required > available {
		return nil, core.Errorf(core.KindInsufficientFunds,
			"insufficient vault balance: need %d, have %d available", required, available)
	}
	st.reserved = required
	return st, nil
}

func (e *Engine) recordRejected(o *core.Order) {
	o.Status = core.Rejected
	e.orders[o.OrderID] = &orderState{order: o}
}

// tradeApply records one trade's optimistic cache mutations so a failed
// settlement can unwind them exactly.
type tradeApply struct {
	trade        *core.Trade
	baseAmt      int64
	quoteAmt     int64
	buyReleased  int64
	sellReleased int64
}

// applyTrades debits/credits the cached balances for each trade and releases
// the filled share of both sides' reservations.
func (e *Engine) applyTrades(trades []*core.Trade) []tradeApply {
	applies := make([]tradeApply, 0, len(trades))
	for _, t := range trades {
		baseAmt, err := core.ToStroops(t.Quantity)
		if err != nil {
			// Guarded by admission; quantities in the book always scale.
			e.log.Error("trade quantity does not scale", zap.Error(err))
			continue
		}
		quoteAmt, err := core.MulToStroops(t.Price, t.Quantity)
		if err != nil {
			e.log.Error("trade notional does not scale", zap.Error(err))
			continue
		}

		e.cache.ApplyDelta(t.BuyUser, e.pair.Quote, -quoteAmt)
		e.cache.ApplyDelta(t.BuyUser, e.pair.Base, baseAmt)
		e.cache.ApplyDelta(t.SellUser, e.pair.Base, -baseAmt)
		e.cache.ApplyDelta(t.SellUser, e.pair.Quote, quoteAmt)

		apply := tradeApply{trade: t, baseAmt: baseAmt, quoteAmt: quoteAmt}
		apply.buyReleased = e.releaseFill(t.BuyOrderID, t)
		apply.sellReleased = e.releaseFill(t.SellOrderID, t)
		applies = append(applies, apply)
	}
	return applies
}

// releaseFill frees the filled share of one order's reservation and returns
// the released amount for potential unwind.
func (e *Engine) releaseFill(orderID string, t *core.Trade) int64 {
	st, ok := e.orders[orderID]
	if !ok {
		return 0
	}
	var amt int64
	var err error
	if st.order.Side == core.Buy {
		rate := t.Price
		if st.reserveRate != nil {
			rate = *st.reserveRate
		}
		amt, err = core.MulToStroops(rate, t.Quantity)
	} else {
		amt, err = core.ToStroops(t.Quantity)
	}
	if err != nil {
		e.log.Error("release amount does not scale", zap.Error(err))
		return 0
	}
	if amt > st.reserved {
		amt = st.reserved
	}
	st.reserved -= amt
	e.cache.Release(st.order.UserAddress, st.reserveToken, amt)

	// Fully filled orders keep no reservation; sweep rounding dust.
	if st.order.Status == core.Filled && st.reserved > 0 {
		e.cache.Release(st.order.UserAddress, st.reserveToken, st.reserved)
		amt += st.reserved
		st.reserved = 0
	}
	return amt
}

// finishTimeInForce applies residual semantics after matching: GTC residuals
// rest, IOC residuals are dropped, market orders never rest.
func (e *Engine) finishTimeInForce(o *core.Order, st *orderState) {
	if o.Status == core.Cancelled { // cancel-newer self-trade policy
		e.releaseRemainder(st)
		return
	}
	if !o.Remaining().IsPositive() {
		return
	}
	switch {
	case o.TimeInForce == core.GTC && o.OrderType == core.Limit:
		e.book.Insert(o)
	case o.TimeInForce == core.IOC:
		if o.FilledQuantity.IsZero() {
			o.Status = core.Cancelled
		}
		e.releaseRemainder(st)
	default:
		// Market GTC/FOK are fully fillable by pre-scan; FOK limit likewise.
		// Reaching here with residual means the book changed under us, which
		// the matching mutex rules out.
		o.Status = core.Cancelled
		e.releaseRemainder(st)
	}
}

func (e *Engine) releaseRemainder(st *orderState) {
	if st.reserved > 0 {
		e.cache.Release(st.order.UserAddress, st.reserveToken, st.reserved)
		st.reserved = 0
	}
}

// settleBatch settles each trade synchronously, in production order. The
// first failure unwinds that trade and every later one, and the affected
// orders re-enter the book at the tail of their price levels.
func (e *Engine) settleBatch(ctx context.Context, taker *core.Order, trades []*core.Trade, applies []tradeApply) {
	for i, apply := range applies {
		hash, err := e.driver.Settle(ctx, apply.trade, e.pair.Base, e.pair.Quote)
		if err == nil {
			apply.trade.SettlementStatus = core.SettlementSuccess
			apply.trade.TxHash = hash
			e.cache.Invalidate(apply.trade.BuyUser, e.pair.Base)
			e.cache.Invalidate(apply.trade.BuyUser, e.pair.Quote)
			e.cache.Invalidate(apply.trade.SellUser, e.pair.Base)
			e.cache.Invalidate(apply.trade.SellUser, e.pair.Quote)
			continue
		}

		reason := settle.Classify(err)
		e.log.Error("settlement failed, compensating",
			zap.String("trade_id", apply.trade.TradeID),
			zap.String("reason", string(reason)),
			zap.Error(err))
		e.compensate(taker, applies[i:])
		return
	}
}

// compensate unwinds the failed trade and all later trades in the batch,
// then re-inserts the affected orders at the tail of their original price
// levels. Losing time priority is the documented cost of a failed
// settlement.
func (e *Engine) compensate(taker *core.Order, failed []tradeApply) {
	affected := make(map[string]*orderState)

	for i := len(failed) - 1; i >= 0; i-- {
		apply := failed[i]
		t := apply.trade
		t.SettlementStatus = core.SettlementFailed
		t.TxHash = ""

		e.cache.ApplyDelta(t.BuyUser, e.pair.Quote, apply.quoteAmt)
		e.cache.ApplyDelta(t.BuyUser, e.pair.Base, -apply.baseAmt)
		e.cache.ApplyDelta(t.SellUser, e.pair.Base, apply.baseAmt)
		e.cache.ApplyDelta(t.SellUser, e.pair.Quote, -apply.quoteAmt)

		e.restoreFill(t.BuyOrderID, t.Quantity, apply.buyReleased, affected)
		e.restoreFill(t.SellOrderID, t.Quantity, apply.sellReleased, affected)
	}

	states := make([]*orderState, 0, len(affected))
	for _, st := range affected {
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].order.Sequence < states[j].order.Sequence
	})

	for _, st := range states {
		o := st.order
		if e.book.Contains(o.OrderID) {
			e.book.Remove(o.OrderID)
		}
		canRest := o.OrderType == core.Limit &&
			(o == taker && o.TimeInForce == core.GTC || o != taker)
		if canRest && o.Remaining().IsPositive() && !o.Status.Terminal() {
			e.book.Insert(o)
		} else if !o.Status.Terminal() {
			// Market, IOC and FOK takers cannot re-rest; their unwound
			// remainder is dropped.
			o.Status = core.Cancelled
			e.releaseRemainder(st)
		}
	}
}

func (e *Engine) restoreFill(orderID string, qty decimal.Decimal, released int64, affected map[string]*orderState) {
	st, ok := e.orders[orderID]
	if !ok {
		return
	}
	o := st.order
	o.FilledQuantity = o.FilledQuantity.Sub(qty)
	if o.FilledQuantity.IsNegative() {
		o.FilledQuantity = decimal.Zero
	}
	if o.Status == core.Filled {
		o.Status = core.Pending
	}
	o.UpdateStatus()

	if released > 0 {
		st.reserved += released
		e.cache.Reserve(o.UserAddress, st.reserveToken, released)
	}
	affected[orderID] = st
}

// Cancel removes a resting order. Terminal orders cancel idempotently.
func (e *Engine) Cancel(req *core.CancelRequest) error {
	if err := crypto.VerifyCancelSignature(req); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.orders[req.OrderID]
	if !ok {
		return core.Errorf(core.KindNotFound, "order %q not found", req.OrderID)
	}
	if st.order.UserAddress != req.UserAddress {
		return core.Errorf(core.KindNotOwner, "order %q belongs to another account", req.OrderID)
	}
	if st.order.Status.Terminal() {
		return nil
	}

	e.book.Remove(req.OrderID)
	st.order.Status = core.Cancelled
	e.releaseRemainder(st)
	e.notify(nil)
	return nil
}

// GetOrder returns a copy of a known order, any status.
func (e *Engine) GetOrder(orderID string) (core.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.orders[orderID]
	if !ok {
		return core.Order{}, core.Errorf(core.KindNotFound, "order %q not found", orderID)
	}
	return *st.order, nil
}

// Snapshot returns the aggregated top-of-book view.
func (e *Engine) Snapshot(depth int) core.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Snapshot(depth)
}

// Balance reads the committed vault balance for a token symbol through the
// cache.
func (e *Engine) Balance(ctx context.Context, account, token string) (string, int64, error) {
	contractID, err := e.ledger.ResolveToken(token)
	if err != nil {
		return "", 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fetchCtx, cancel := context.WithTimeout(ctx, balanceFetchTimeout)
	defer cancel()
	committed, err := e.cache.Committed(fetchCtx, account, contractID)
	if err != nil {
		return "", 0, err
	}
	return contractID, committed, nil
}

// ClearCache evicts the whole vault cache. Admin/test hook.
func (e *Engine) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache.Clear()
}

// Cache exposes the vault cache for invariant checks in tests.
func (e *Engine) Cache() *vault.Cache { return e.cache }

// notify pushes a fresh snapshot and the new trades to the update hook.
// Runs under the mutex; the hook must not call back into the engine.
func (e *Engine) notify(trades []*core.Trade) {
	if e.onUpdate == nil {
		return
	}
	e.onUpdate(e.book.Snapshot(20), trades)
}
