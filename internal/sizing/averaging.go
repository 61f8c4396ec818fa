package sizing

import (
	"fmt"
	"math"

	"talon/internal/logger"
	"talon/internal/types"

	"github.com/shopspring/decimal"
)

// AveragingConfig controls the averaging-down protocol for directional
// positions. Attempt fractions index into the reserved margin: attempt 1
// may spend AttemptFractions[0] of it, attempt 2 AttemptFractions[1].
type AveragingConfig struct {
	TriggerAdversePct float64   `toml:"trigger_adverse_pct"` // default 1.0
	MaxAttempts       int       `toml:"max_attempts"`        // default 2
	AttemptFractions  []float64 `toml:"attempt_fractions"`   // default [0.20, 0.50]
	StopTightenPct    float64   `toml:"stop_tighten_pct"`    // default 0.5
}

func DefaultAveragingConfig() AveragingConfig {
	return AveragingConfig{
		TriggerAdversePct: 1.0,
		MaxAttempts:       2,
		AttemptFractions:  []float64{0.20, 0.50},
		StopTightenPct:    0.5,
	}
}

// Recommendation is the side-effect-free output of one averaging
// evaluation. Nothing is executed here; the caller decides whether the
// recommendation is acted on.
type Recommendation struct {
	Eligible      bool    `json:"eligible"`
	Reason        string  `json:"reason"`
	Attempt       int     `json:"attempt,omitempty"`
	AddQuantity   int     `json:"add_quantity,omitempty"`
	SpendMargin   float64 `json:"spend_margin,omitempty"`
	NewEntryPrice float64 `json:"new_entry_price,omitempty"`
	NewStopLoss   float64 `json:"new_stop_loss,omitempty"`
	AdverseMove   float64 `json:"adverse_move_pct"`
}

// AveragingState is the mutable context the caller supplies; the manager
// never touches the position or the account itself.
type AveragingState struct {
	Position       types.Position
	CurrentPrice   float64
	ReservedMargin float64
	MarginPerUnit  float64
}

type AveragingManager struct {
	cfg AveragingConfig
}

func NewAveragingManager(cfg AveragingConfig) *AveragingManager {
	def := DefaultAveragingConfig()
	if cfg.TriggerAdversePct <= 0 {
		cfg.TriggerAdversePct = def.TriggerAdversePct
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if len(cfg.AttemptFractions) == 0 {
		cfg.AttemptFractions = def.AttemptFractions
	}
	if cfg.StopTightenPct <= 0 {
		cfg.StopTightenPct = def.StopTightenPct
	}
	return &AveragingManager{cfg: cfg}
}

// Evaluate produces an averaging recommendation for one directional
// position. Every rejection path carries its reason; the caller logs
// and moves on.
func (m *AveragingManager) Evaluate(state AveragingState) Recommendation {
	pos := state.Position

	if !pos.IsDirectional() {
		return Recommendation{Reason: "averaging applies to directional positions only"}
	}
	if pos.Status != types.PositionActive {
		return Recommendation{Reason: "position is not active"}
	}
	if state.CurrentPrice <= 0 || pos.EntryPrice <= 0 {
		return Recommendation{Reason: "prices unavailable"}
	}

	adverse := adverseMovePct(pos.Direction, pos.EntryPrice, state.CurrentPrice)
	rec := Recommendation{AdverseMove: adverse}
	if adverse < m.cfg.TriggerAdversePct {
		rec.Reason = fmt.Sprintf("adverse move %.2f%% below trigger %.2f%%", adverse, m.cfg.TriggerAdversePct)
		return rec
	}

	attempt := pos.AveragingCount + 1
	if attempt > m.cfg.MaxAttempts {
		rec.Reason = fmt.Sprintf("averaging attempts exhausted (%d of %d used)", pos.AveragingCount, m.cfg.MaxAttempts)
		return rec
	}

	fraction := m.fractionFor(attempt)
	budget := state.ReservedMargin * fraction
	if state.MarginPerUnit <= 0 {
		rec.Reason = "margin per unit unavailable"
		return rec
	}
	addQty := int(math.Floor(budget / state.MarginPerUnit))
	if addQty <= 0 {
		rec.Reason = fmt.Sprintf("reserved margin %.2f insufficient for attempt %d (budget %.2f, per unit %.2f)",
			state.ReservedMargin, attempt, budget, state.MarginPerUnit)
		return rec
	}

	newEntry := weightedEntry(pos.EntryPrice, pos.Quantity, state.CurrentPrice, addQty)
	newStop := tightenedStop(pos.Direction, newEntry, pos.StopLoss, state.CurrentPrice, m.cfg.StopTightenPct)

	rec.Eligible = true
	rec.Reason = fmt.Sprintf("adverse move %.2f%% triggered attempt %d", adverse, attempt)
	rec.Attempt = attempt
	rec.AddQuantity = addQty
	rec.SpendMargin = float64(addQty) * state.MarginPerUnit
	rec.NewEntryPrice = newEntry
	rec.NewStopLoss = newStop

	logger.Infof("averaging: position=%s attempt=%d add_qty=%d new_entry=%.2f new_stop=%.2f",
		pos.ID, attempt, addQty, newEntry, newStop)
	return rec
}

func (m *AveragingManager) fractionFor(attempt int) float64 {
	idx := attempt - 1
	if idx < len(m.cfg.AttemptFractions) {
		return m.cfg.AttemptFractions[idx]
	}
	return m.cfg.AttemptFractions[len(m.cfg.AttemptFractions)-1]
}

// adverseMovePct returns how far price has moved against the entry, in
// percent; favourable moves return a negative value.
func adverseMovePct(dir types.Direction, entry, price float64) float64 {
	e := decimal.NewFromFloat(entry)
	p := decimal.NewFromFloat(price)
	var move decimal.Decimal
	switch dir {
	case types.DirectionShort:
		move = p.Sub(e)
	default:
		move = e.Sub(p)
	}
	pct, _ := move.Div(e).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

func weightedEntry(entry float64, qty int, price float64, addQty int) float64 {
	e := decimal.NewFromFloat(entry).Mul(decimal.NewFromInt(int64(qty)))
	a := decimal.NewFromFloat(price).Mul(decimal.NewFromInt(int64(addQty)))
	total := decimal.NewFromInt(int64(qty + addQty))
	out, _ := e.Add(a).Div(total).Float64()
	return out
}

// tightenedStop places the stop at tightenPct away from the new average
// entry, on the stop side of the position, and only ever moves the
// existing stop closer to the current price.
func tightenedStop(dir types.Direction, newEntry, oldStop, price, tightenPct float64) float64 {
	offset := decimal.NewFromFloat(newEntry).Mul(decimal.NewFromFloat(tightenPct / 100))
	base := decimal.NewFromFloat(newEntry)
	var proposed decimal.Decimal
	switch dir {
	case types.DirectionShort:
		proposed = base.Add(offset)
	default:
		proposed = base.Sub(offset)
	}
	p, _ := proposed.Float64()
	if oldStop <= 0 {
		return p
	}
	// Closer to the current price wins; the stop never loosens.
	if math.Abs(p-price) < math.Abs(oldStop-price) {
		return p
	}
	return oldStop
}
