// Package broker defines the narrow contract the engine needs from a
// brokerage connection. Wire protocol and auth live behind implementations;
// the core only sees these synchronous-looking calls.
package broker

import (
	"context"
	"errors"
	"time"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// OrderRequest is one leg submission. Quantity is in units
// (lots * lot size), matching what the venue expects.
type OrderRequest struct {
	AccountID  string    `json:"account_id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Quantity   int       `json:"quantity"`
	OrderType  OrderType `json:"order_type"`
	LimitPrice float64   `json:"limit_price,omitempty"`
}

type OrderAck struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type Quote struct {
	Symbol string    `json:"symbol"`
	LTP    float64   `json:"ltp"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Taken  time.Time `json:"taken"`
}

// NetPosition is the broker-side view of holdings, used for recovery
// reconciliation.
type NetPosition struct {
	Symbol   string  `json:"symbol"`
	Quantity int     `json:"quantity"`
	AvgPrice float64 `json:"avg_price"`
	LTP      float64 `json:"ltp"`
}

// ErrOrderRejected marks a venue-side rejection (as opposed to transport
// failure). Batch execution stops on either.
var ErrOrderRejected = errors.New("broker rejected order")

// Gateway is injected into every component that touches the broker; no
// package-level singleton clients. Calls must honor ctx deadlines; callers
// always supply finite timeouts.
type Gateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	AvailableMargin(ctx context.Context, accountID string) (float64, error)
	MarginPerUnit(ctx context.Context, symbol string) (float64, error)
	Positions(ctx context.Context, accountID string) ([]NetPosition, error)
	Quote(ctx context.Context, symbol string) (Quote, error)
}
