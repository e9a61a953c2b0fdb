package core

import (
	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "Buy"
	Sell Side = "Sell"
)

func (s Side) Valid() bool { return s == Buy || s == Sell }

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

type OrderType string

const (
	Limit  OrderType = "Limit"
	Market OrderType = "Market"
)

func (t OrderType) Valid() bool { return t == Limit || t == Market }

type TimeInForce string

const (
	GTC TimeInForce = "GTC" // Good Till Cancel
	IOC TimeInForce = "IOC" // Immediate Or Cancel
	FOK TimeInForce = "FOK" // Fill Or Kill
)

func (t TimeInForce) Valid() bool { return t == GTC || t == IOC || t == FOK }

type OrderStatus string

const (
	Pending         OrderStatus = "Pending"
	PartiallyFilled OrderStatus = "PartiallyFilled"
	Filled          OrderStatus = "Filled"
	Cancelled       OrderStatus = "Cancelled"
	Rejected        OrderStatus = "Rejected"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == Filled || s == Cancelled || s == Rejected
}

// AssetPair identifies a market. The API accepts short symbolic forms
// ("XLM", "CODE:ISSUER"); the engine stores the resolved contract addresses.
type AssetPair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// Order is a signed limit or market order. Price is nil for market orders.
// Quantity and price carry the client's exact decimal precision; conversion
// to integer stroops happens only at the settlement boundary.
type Order struct {
	OrderID        string           `json:"order_id"`
	UserAddress    string           `json:"user_address"`
	AssetPair      AssetPair        `json:"asset_pair"`
	Side           Side             `json:"side"`
	OrderType      OrderType        `json:"order_type"`
	Price          *decimal.Decimal `json:"price,omitempty"`
	Quantity       decimal.Decimal  `json:"quantity"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity"`
	TimeInForce    TimeInForce      `json:"time_in_force"`
	Timestamp      int64            `json:"timestamp"`
	Expiration     *int64           `json:"expiration,omitempty"`
	Sequence       uint64           `json:"sequence"`
	Status         OrderStatus      `json:"status"`
	Signature      string           `json:"signature,omitempty"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// UpdateStatus recomputes the fill-derived status. Terminal statuses other
// than Filled are never overwritten.
func (o *Order) UpdateStatus() {
	if o.Status == Cancelled || o.Status == Rejected {
		return
	}
	switch {
	case o.FilledQuantity.GreaterThanOrEqual(o.Quantity):
		o.Status = Filled
	case o.FilledQuantity.IsPositive():
		o.Status = PartiallyFilled
	default:
		o.Status = Pending
	}
}

// SettlementStatus tracks the on-chain outcome of a trade.
type SettlementStatus string

const (
	SettlementPending SettlementStatus = "pending"
	SettlementSuccess SettlementStatus = "success"
	SettlementFailed  SettlementStatus = "failed"
)

// Trade is an immutable match record. Price is the maker's price.
type Trade struct {
	TradeID          string           `json:"trade_id"`
	BuyOrderID       string           `json:"buy_order_id"`
	SellOrderID      string           `json:"sell_order_id"`
	BuyUser          string           `json:"buy_user"`
	SellUser         string           `json:"sell_user"`
	AssetPair        AssetPair        `json:"asset_pair"`
	Price            decimal.Decimal  `json:"price"`
	Quantity         decimal.Decimal  `json:"quantity"`
	Timestamp        int64            `json:"timestamp"`
	SettlementStatus SettlementStatus `json:"settlement_status"`
	TxHash           string           `json:"tx_hash,omitempty"`
}

// SettlementInstruction is the wire form of one settle_trade call. Amounts
// are integer stroops; the contract treats them as i128 but the engine bounds
// them to the signed 64-bit range.
type SettlementInstruction struct {
	TradeID     [32]byte
	BuyUser     string
	SellUser    string
	BaseAsset   string
	QuoteAsset  string
	BaseAmount  int64
	QuoteAmount int64
	FeeBase     int64
	FeeQuote    int64
	Timestamp   uint64
}

// CancelRequest is the signed envelope required to cancel a resting order.
// The signature covers the canonical form of the first three fields under the
// cancel message type, so an order signature can never authorise a cancel.
type CancelRequest struct {
	OrderID     string `json:"order_id"`
	UserAddress string `json:"user_address"`
	Timestamp   int64  `json:"timestamp"`
	Signature   string `json:"signature"`
}

// PriceLevel is one aggregated row of an order book snapshot.
type PriceLevel struct {
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	OrderCount int             `json:"count"`
}

// Snapshot is the public depth view of one book. No per-account data.
type Snapshot struct {
	AssetPair AssetPair    `json:"pair"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"`
}
