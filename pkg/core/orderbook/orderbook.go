package orderbook

import (
	"crypto/rand"
	"encoding/hex"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ymcrcat/stellar-dark-pool/params"
	"github.com/ymcrcat/stellar-dark-pool/pkg/core"
)

// OrderBook holds resting orders for one asset pair in price-time priority.
// Levels are FIFO slices keyed by the price scaled to stroops; within a level
// orders sit in insertion order. New orders arrive in sequence order under the
// engine's matching mutex; a compensation re-insert joins the tail, behind
// orders with later sequence numbers.
type OrderBook struct {
	pair   core.AssetPair
	policy params.SelfTradePolicy

	bids map[int64][]*core.Order // price key -> FIFO queue
	asks map[int64][]*core.Order

	// Order index for cancellation: id -> price key.
	index map[string]restingRef
}

type restingRef struct {
	side core.Side
	key  int64
}

// CancelResult is the outcome of a cancel attempt on the book.
type CancelResult int

const (
	CancelOK CancelResult = iota
	CancelNotFound
	CancelNotOwner
)

func New(pair core.AssetPair, policy params.SelfTradePolicy) *OrderBook {
	return &OrderBook{
		pair:   pair,
		policy: policy,
		bids:   make(map[int64][]*core.Order),
		asks:   make(map[int64][]*core.Order),
		index:  make(map[string]restingRef),
	}
}

// priceKey scales a price to its stroop integer for level ordering. Prices
// are validated to at most seven decimals before they reach the book.
func priceKey(p decimal.Decimal) int64 {
	k, _ := core.ToStroops(p)
	return k
}

// limitKey returns the marketable price bound for an incoming order:
// the limit price for limit orders, the widest bound for market orders.
func limitKey(o *core.Order) int64 {
	if o.OrderType == core.Market || o.Price == nil {
		if o.Side == core.Buy {
			return math.MaxInt64
		}
		return 0
	}
	return priceKey(*o.Price)
}

func (ob *OrderBook) opposite(side core.Side) map[int64][]*core.Order {
	if side == core.Buy {
		return ob.asks
	}
	return ob.bids
}

// marketablePrices returns the opposite side's price keys from best to worst,
// truncated at the taker's limit.
func (ob *OrderBook) marketablePrices(side core.Side, limit int64) []int64 {
	opp := ob.opposite(side)
	keys := make([]int64, 0, len(opp))
	for k := range opp {
		if side == core.Buy && k <= limit {
			keys = append(keys, k)
		} else if side == core.Sell && k >= limit {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if side == core.Buy {
			return keys[i] < keys[j] // match cheapest asks first
		}
		return keys[i] > keys[j] // match highest bids first
	})
	return keys
}

// Achievable pre-scans the opposite side and returns the quantity the taker
// could fill within its price limit, honouring self-trade skipping, together
// with the exact quote cost of that fill. No state is mutated.
func (ob *OrderBook) Achievable(taker *core.Order) (qty, quoteCost decimal.Decimal) {
	want := taker.Remaining()
	for _, key := range ob.marketablePrices(taker.Side, limitKey(taker)) {
		for _, maker := range ob.opposite(taker.Side)[key] {
			if maker.UserAddress == taker.UserAddress {
				continue
			}
			take := decimal.Min(want.Sub(qty), maker.Remaining())
			if take.IsPositive() {
				qty = qty.Add(take)
				quoteCost = quoteCost.Add(take.Mul(*maker.Price))
			}
			if qty.GreaterThanOrEqual(want) {
				return qty, quoteCost
			}
		}
	}
	return qty, quoteCost
}

// Match walks the opposite side from best price to worst, executing against
// resting orders at their maker price until the taker is filled or no
// marketable liquidity remains. Residuals are NOT rested here; the engine
// applies time-in-force semantics. Returns the trades in execution order.
func (ob *OrderBook) Match(taker *core.Order) []*core.Trade {
	var trades []*core.Trade
	opp := ob.opposite(taker.Side)

	for _, key := range ob.marketablePrices(taker.Side, limitKey(taker)) {
		level := opp[key]
		i := 0
		for i < len(level) && taker.Remaining().IsPositive() {
			maker := level[i]
			if maker.UserAddress == taker.UserAddress {
				if ob.policy == params.CancelNewer {
					taker.Status = core.Cancelled
					if len(level) == 0 {
						delete(opp, key)
					} else {
						opp[key] = level
					}
					return trades
				}
				i++ // skip-match: leave the resting order intact
				continue
			}

			q := decimal.Min(taker.Remaining(), maker.Remaining())
			taker.FilledQuantity = taker.FilledQuantity.Add(q)
			maker.FilledQuantity = maker.FilledQuantity.Add(q)
			taker.UpdateStatus()
			maker.UpdateStatus()
			trades = append(trades, ob.newTrade(taker, maker, *maker.Price, q))

			if maker.Remaining().IsZero() {
				level = append(level[:i], level[i+1:]...)
				delete(ob.index, maker.OrderID)
			} else {
				i++
			}
		}
		if len(level) == 0 {
			delete(opp, key)
		} else {
			opp[key] = level
		}
		if !taker.Remaining().IsPositive() || taker.Status == core.Cancelled {
			break
		}
	}
	return trades
}

func (ob *OrderBook) newTrade(taker, maker *core.Order, price, qty decimal.Decimal) *core.Trade {
	buy, sell := taker, maker
	if taker.Side == core.Sell {
		buy, sell = maker, taker
	}
	return &core.Trade{
		TradeID:          newTradeID(),
		BuyOrderID:       buy.OrderID,
		SellOrderID:      sell.OrderID,
		BuyUser:          buy.UserAddress,
		SellUser:         sell.UserAddress,
		AssetPair:        ob.pair,
		Price:            price,
		Quantity:         qty,
		Timestamp:        time.Now().Unix(),
		SettlementStatus: core.SettlementPending,
	}
}

// newTradeID draws a random 32-byte identifier, hex encoded.
func newTradeID() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("orderbook: rand failed: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// Insert rests an order at its limit price, at the tail of the level. Called
// for GTC residuals and for compensation re-inserts after a failed
// settlement, which is how those orders lose time priority.
func (ob *OrderBook) Insert(o *core.Order) {
	key := priceKey(*o.Price)
	if o.Side == core.Buy {
		ob.bids[key] = append(ob.bids[key], o)
	} else {
		ob.asks[key] = append(ob.asks[key], o)
	}
	ob.index[o.OrderID] = restingRef{side: o.Side, key: key}
}

// Contains reports whether an order currently rests in the book.
func (ob *OrderBook) Contains(orderID string) bool {
	_, ok := ob.index[orderID]
	return ok
}

// Remove deletes a resting order without changing its status. Returns false
// if the order is not resting.
func (ob *OrderBook) Remove(orderID string) bool {
	ref, ok := ob.index[orderID]
	if !ok {
		return false
	}
	book := ob.bids
	if ref.side == core.Sell {
		book = ob.asks
	}
	level := book[ref.key]
	for i, o := range level {
		if o.OrderID == orderID {
			level = append(level[:i], level[i+1:]...)
			break
		}
	}
	if len(level) == 0 {
		delete(book, ref.key)
	} else {
		book[ref.key] = level
	}
	delete(ob.index, orderID)
	return true
}

// Cancel removes a resting order after checking ownership.
func (ob *OrderBook) Cancel(orderID, account string) CancelResult {
	ref, ok := ob.index[orderID]
	if !ok {
		return CancelNotFound
	}
	book := ob.bids
	if ref.side == core.Sell {
		book = ob.asks
	}
	for _, o := range book[ref.key] {
		if o.OrderID == orderID {
			if o.UserAddress != account {
				return CancelNotOwner
			}
			ob.Remove(orderID)
			o.Status = core.Cancelled
			return CancelOK
		}
	}
	return CancelNotFound
}

// Snapshot aggregates the top `depth` price levels per side. Only price,
// remaining quantity, and order count are exposed; accounts stay dark.
func (ob *OrderBook) Snapshot(depth int) core.Snapshot {
	return core.Snapshot{
		AssetPair: ob.pair,
		Bids:      ob.levels(ob.bids, true, depth),
		Asks:      ob.levels(ob.asks, false, depth),
		Timestamp: time.Now().Unix(),
	}
}

func (ob *OrderBook) levels(book map[int64][]*core.Order, descending bool, depth int) []core.PriceLevel {
	keys := make([]int64, 0, len(book))
	for k := range book {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if descending {
			return keys[i] > keys[j]
		}
		return keys[i] < keys[j]
	})

	out := make([]core.PriceLevel, 0, depth)
	for _, k := range keys {
		if len(out) >= depth {
			break
		}
		level := book[k]
		total := decimal.Zero
		for _, o := range level {
			total = total.Add(o.Remaining())
		}
		out = append(out, core.PriceLevel{
			Price:      *level[0].Price,
			Quantity:   total,
			OrderCount: len(level),
		})
	}
	return out
}

// BestAsk returns the lowest resting ask price and whether any ask rests.
// The engine prices market-buy reservations with Achievable, not with this.
func (ob *OrderBook) BestAsk() (decimal.Decimal, bool) {
	best := int64(math.MaxInt64)
	found := false
	for k := range ob.asks {
		if k < best {
			best = k
			found = true
		}
	}
	if !found {
		return decimal.Zero, false
	}
	return *ob.asks[best][0].Price, true
}

// RestingQuantity sums remaining quantity across both sides. Test hook for
// the book's conservation invariant.
func (ob *OrderBook) RestingQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, level := range ob.bids {
		for _, o := range level {
			total = total.Add(o.Remaining())
		}
	}
	for _, level := range ob.asks {
		for _, o := range level {
			total = total.Add(o.Remaining())
		}
	}
	return total
}
