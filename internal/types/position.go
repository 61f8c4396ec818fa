package types

import (
	"strings"
	"time"
)

// StrategyKind distinguishes directional plays from market-neutral
// (short strangle) structures. Sizing and averaging rules differ per kind.
type StrategyKind string

const (
	StrategyDirectional   StrategyKind = "directional"
	StrategyMarketNeutral StrategyKind = "market_neutral"
)

type Direction string

const (
	DirectionLong    Direction = "LONG"
	DirectionShort   Direction = "SHORT"
	DirectionNeutral Direction = "NEUTRAL"
)

type PositionStatus string

const (
	PositionActive PositionStatus = "ACTIVE"
	PositionClosed PositionStatus = "CLOSED"
)

// Position is the one persistent record of an open or closed trade.
// At most one ACTIVE position may exist per account; the registry enforces it.
type Position struct {
	ID          string         `json:"id"`
	AccountID   string         `json:"account_id"`
	Strategy    StrategyKind   `json:"strategy"`
	Instrument  string         `json:"instrument"`
	Direction   Direction      `json:"direction"`
	Quantity    int            `json:"quantity"`
	LotSize     int            `json:"lot_size"`
	EntryPrice  float64        `json:"entry_price"`
	CurrentPrice float64       `json:"current_price"`
	StopLoss    float64        `json:"stop_loss"`
	Target      float64        `json:"target"`
	CallStrike  float64        `json:"call_strike,omitempty"`
	PutStrike   float64        `json:"put_strike,omitempty"`
	CallPremium float64        `json:"call_premium,omitempty"`
	PutPremium  float64        `json:"put_premium,omitempty"`
	Expiry      time.Time      `json:"expiry"`
	MarginUsed  float64        `json:"margin_used"`
	EntryValue  float64        `json:"entry_value"`
	Status      PositionStatus `json:"status"`
	AveragingCount int         `json:"averaging_count"`
	RealizedPnL   float64      `json:"realized_pnl"`
	UnrealizedPnL float64      `json:"unrealized_pnl"`
	ExitPrice     float64      `json:"exit_price,omitempty"`
	ExitReason    string       `json:"exit_reason,omitempty"`
	OpenedAt      time.Time    `json:"opened_at"`
	ClosedAt      *time.Time   `json:"closed_at,omitempty"`
}

// IsDirectional reports whether averaging rules apply to this position.
func (p *Position) IsDirectional() bool {
	return p != nil && p.Strategy == StrategyDirectional
}

// TotalPremium returns the combined per-unit premium of both legs.
// Meaningful only for market-neutral positions.
func (p *Position) TotalPremium() float64 {
	if p == nil {
		return 0
	}
	return p.CallPremium + p.PutPremium
}

// MarkToMarket updates the current price and unrealized P&L.
func (p *Position) MarkToMarket(price float64) {
	if p == nil || price <= 0 {
		return
	}
	p.CurrentPrice = price
	units := float64(p.Quantity * p.LotSize)
	switch p.Direction {
	case DirectionShort, DirectionNeutral:
		// Short premium: profit when the marked value decays below entry.
		p.UnrealizedPnL = (p.EntryPrice - price) * units
	default:
		p.UnrealizedPnL = (price - p.EntryPrice) * units
	}
}

func NormalizeDirection(raw string) Direction {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "LONG", "BUY":
		return DirectionLong
	case "SHORT", "SELL":
		return DirectionShort
	default:
		return DirectionNeutral
	}
}
