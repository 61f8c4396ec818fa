// Package exitrule decides when an active position must close. The state
// machine is ACTIVE -> {STOP_HIT, TARGET_HIT, EOD_CONDITIONAL_EXIT,
// EOD_MANDATORY_EXIT} -> CLOSED, evaluated strictly in that priority.
package exitrule

import (
	"fmt"
	"strings"
	"time"

	"talon/internal/logger"
	"talon/internal/types"
)

// ExitState names a transition out of ACTIVE. CLOSED is terminal and
// recorded on the position itself.
type ExitState string

const (
	StateStopHit        ExitState = "STOP_HIT"
	StateTargetHit      ExitState = "TARGET_HIT"
	StateEODConditional ExitState = "EOD_CONDITIONAL_EXIT"
	StateEODMandatory   ExitState = "EOD_MANDATORY_EXIT"

	// StateRiskLiquidation is reserved for breaker-forced close-outs; the
	// evaluator never emits it.
	StateRiskLiquidation ExitState = "RISK_LIQUIDATION"
)

// Config carries the end-of-day timing rules. Times are wall-clock
// "15:04" strings interpreted in Timezone.
type Config struct {
	EODCheckpoint     string  `toml:"eod_checkpoint"`      // e.g. "15:00"
	MandatoryExitTime string  `toml:"mandatory_exit_time"` // e.g. "15:15" on expiry day
	MinProfitFraction float64 `toml:"min_profit_fraction"` // share of planned profit required at checkpoint
	Timezone          string  `toml:"timezone"`
}

func DefaultConfig() Config {
	return Config{
		EODCheckpoint:     "15:00",
		MandatoryExitTime: "15:15",
		MinProfitFraction: 0.5,
		Timezone:          "Asia/Kolkata",
	}
}

// Decision is one tick's verdict for one position. HoldReason is only
// set for the explicit overnight-hold outcome, which must be visible in
// the logs and the audit trail.
type Decision struct {
	ShouldExit bool      `json:"should_exit"`
	State      ExitState `json:"state,omitempty"`
	Reason     string    `json:"reason"`
	ExitPrice  float64   `json:"exit_price,omitempty"`
	HoldReason string    `json:"hold_reason,omitempty"`
}

type Evaluator struct {
	cfg       Config
	loc       *time.Location
	checkHour int
	checkMin  int
	mandHour  int
	mandMin   int
}

func NewEvaluator(cfg Config) (*Evaluator, error) {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.EODCheckpoint) == "" {
		cfg.EODCheckpoint = def.EODCheckpoint
	}
	if strings.TrimSpace(cfg.MandatoryExitTime) == "" {
		cfg.MandatoryExitTime = def.MandatoryExitTime
	}
	if cfg.MinProfitFraction <= 0 {
		cfg.MinProfitFraction = def.MinProfitFraction
	}
	if strings.TrimSpace(cfg.Timezone) == "" {
		cfg.Timezone = def.Timezone
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("exitrule: bad timezone %q: %w", cfg.Timezone, err)
	}
	ev := &Evaluator{cfg: cfg, loc: loc}
	if ev.checkHour, ev.checkMin, err = parseClock(cfg.EODCheckpoint); err != nil {
		return nil, fmt.Errorf("exitrule: bad eod_checkpoint: %w", err)
	}
	if ev.mandHour, ev.mandMin, err = parseClock(cfg.MandatoryExitTime); err != nil {
		return nil, fmt.Errorf("exitrule: bad mandatory_exit_time: %w", err)
	}
	return ev, nil
}

// Evaluate runs the priority chain for one position at the given marked
// price. It never mutates the position; Apply records the transition.
func (e *Evaluator) Evaluate(pos types.Position, price float64, now time.Time) Decision {
	if pos.Status != types.PositionActive {
		return Decision{Reason: "position not active"}
	}
	if price <= 0 {
		return Decision{Reason: "no mark price"}
	}

	// 1. Stop loss, unconditional.
	if stopHit(pos, price) {
		return Decision{
			ShouldExit: true,
			State:      StateStopHit,
			Reason:     fmt.Sprintf("price %.2f breached stop %.2f", price, pos.StopLoss),
			ExitPrice:  price,
		}
	}

	// 2. Target, unconditional.
	if targetHit(pos, price) {
		return Decision{
			ShouldExit: true,
			State:      StateTargetHit,
			Reason:     fmt.Sprintf("price %.2f reached target %.2f", price, pos.Target),
			ExitPrice:  price,
		}
	}

	local := now.In(e.loc)
	pastCheckpoint := e.afterClock(local, e.checkHour, e.checkMin)

	// 3. Conditional end-of-day exit: take the profit if it clears the
	// threshold at the checkpoint.
	if pastCheckpoint {
		profit := markedProfit(pos, price)
		threshold := e.cfg.MinProfitFraction * plannedProfit(pos)
		if threshold > 0 && decimalGTE(profit, threshold) {
			return Decision{
				ShouldExit: true,
				State:      StateEODConditional,
				Reason:     fmt.Sprintf("eod profit %.2f above threshold %.2f", profit, threshold),
				ExitPrice:  price,
			}
		}
	}

	// 4. Mandatory exit on expiry day, regardless of profit.
	if e.mandatoryDue(pos, local) {
		return Decision{
			ShouldExit: true,
			State:      StateEODMandatory,
			Reason:     fmt.Sprintf("mandatory exit window reached on expiry day (%s)", e.cfg.MandatoryExitTime),
			ExitPrice:  price,
		}
	}

	// Below-threshold checkpoint outcome is an explicit overnight hold.
	if pastCheckpoint {
		profit := markedProfit(pos, price)
		threshold := e.cfg.MinProfitFraction * plannedProfit(pos)
		hold := fmt.Sprintf("eod profit %.2f below threshold %.2f, holding overnight", profit, threshold)
		logger.Infof("exit: position=%s %s", pos.ID, hold)
		return Decision{Reason: "holding", HoldReason: hold}
	}

	return Decision{Reason: "no exit condition met"}
}

// Apply writes the transition onto the position: exit price, close time,
// realized P&L, terminal status.
func Apply(pos *types.Position, dec Decision, now time.Time) {
	if pos == nil || !dec.ShouldExit {
		return
	}
	pos.MarkToMarket(dec.ExitPrice)
	pos.ExitPrice = dec.ExitPrice
	pos.ExitReason = string(dec.State)
	pos.RealizedPnL += pos.UnrealizedPnL
	pos.UnrealizedPnL = 0
	pos.Status = types.PositionClosed
	closed := now
	pos.ClosedAt = &closed
	logger.Infof("exit: position=%s closed state=%s price=%.2f realized=%.2f",
		pos.ID, dec.State, dec.ExitPrice, pos.RealizedPnL)
}

func stopHit(pos types.Position, price float64) bool {
	if pos.StopLoss <= 0 {
		return false
	}
	switch pos.Direction {
	case types.DirectionShort, types.DirectionNeutral:
		return decimalGTE(price, pos.StopLoss)
	default:
		return decimalLTE(price, pos.StopLoss)
	}
}

func targetHit(pos types.Position, price float64) bool {
	if pos.Target <= 0 {
		return false
	}
	switch pos.Direction {
	case types.DirectionShort, types.DirectionNeutral:
		return decimalLTE(price, pos.Target)
	default:
		return decimalGTE(price, pos.Target)
	}
}

func markedProfit(pos types.Position, price float64) float64 {
	units := float64(pos.Quantity * pos.LotSize)
	switch pos.Direction {
	case types.DirectionShort, types.DirectionNeutral:
		return (pos.EntryPrice - price) * units
	default:
		return (price - pos.EntryPrice) * units
	}
}

// plannedProfit is the profit at the configured target, the "max planned
// profit" the conditional threshold is a fraction of.
func plannedProfit(pos types.Position) float64 {
	if pos.Target <= 0 {
		return 0
	}
	units := float64(pos.Quantity * pos.LotSize)
	switch pos.Direction {
	case types.DirectionShort, types.DirectionNeutral:
		return (pos.EntryPrice - pos.Target) * units
	default:
		return (pos.Target - pos.EntryPrice) * units
	}
}

func (e *Evaluator) mandatoryDue(pos types.Position, local time.Time) bool {
	if pos.Expiry.IsZero() {
		return false
	}
	expiry := pos.Expiry.In(e.loc)
	if local.Year() != expiry.Year() || local.YearDay() != expiry.YearDay() {
		// Past the expiry date entirely: close out whatever is left.
		return local.After(expiry)
	}
	return e.afterClock(local, e.mandHour, e.mandMin)
}

func (e *Evaluator) afterClock(local time.Time, hour, minute int) bool {
	if local.Hour() != hour {
		return local.Hour() > hour
	}
	return local.Minute() >= minute
}

func parseClock(raw string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}
