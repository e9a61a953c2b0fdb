package api

// Request and response types for REST endpoints and WebSocket messages.

import (
	"github.com/shopspring/decimal"

	"github.com/ymcrcat/stellar-dark-pool/pkg/core"
)

// SubmitOrderRequest is the wire form of an order submission. Decimals are
// decoded with their exact client precision; the canonical signing form
// renders them with trailing zeros trimmed.
type SubmitOrderRequest struct {
	OrderID     string           `json:"order_id,omitempty"`
	UserAddress string           `json:"user_address"`
	AssetPair   core.AssetPair   `json:"asset_pair"`
	Side        core.Side        `json:"side"`
	OrderType   core.OrderType   `json:"order_type"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	Quantity    decimal.Decimal  `json:"quantity"`
	TimeInForce core.TimeInForce `json:"time_in_force"`
	Timestamp   int64            `json:"timestamp,omitempty"`
	Expiration  *int64           `json:"expiration,omitempty"`
	Signature   string           `json:"signature"`
}

type SubmitOrderResponse struct {
	OrderID string        `json:"order_id"`
	Status  string        `json:"status"`
	Trades  []*core.Trade `json:"trades"`
}

// ErrorResponse is the structured error body every endpoint uses.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

type BalanceResponse struct {
	UserAddress string `json:"user_address"`
	Asset       string `json:"asset"`
	ContractID  string `json:"contract_id"`
	Balance     string `json:"balance"`
	BalanceRaw  int64  `json:"balance_raw"`
	Cached      bool   `json:"cached"`
}

// WSSubscribeRequest is the client -> server control message.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// WSMessage is the server -> client envelope.
type WSMessage struct {
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}

// TradeEvent is the public form of a trade pushed on the trades channel.
// Accounts and order ids stay dark.
type TradeEvent struct {
	TradeID   string          `json:"trade_id"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp int64           `json:"timestamp"`
}
