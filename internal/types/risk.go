package types

import "time"

// RiskLimit carries the account-level loss budgets read on every risk tick.
type RiskLimit struct {
	AccountID       string  `json:"account_id"`
	DailyLossLimit  float64 `json:"daily_loss_limit"`
	WeeklyLossLimit float64 `json:"weekly_loss_limit"`
	MaxDrawdownPct  float64 `json:"max_drawdown_pct"`
}

// LimitKind identifies which budget produced a utilization reading.
type LimitKind string

const (
	LimitDaily    LimitKind = "daily_loss"
	LimitWeekly   LimitKind = "weekly_loss"
	LimitDrawdown LimitKind = "max_drawdown"
)

// Utilization is one limit's current-loss/limit ratio, computed per risk tick.
type Utilization struct {
	AccountID string    `json:"account_id"`
	Kind      LimitKind `json:"kind"`
	Loss      float64   `json:"loss"`
	Limit     float64   `json:"limit"`
	Ratio     float64   `json:"ratio"`
}

// CircuitBreakerState blocks all entries for an account after a limit breach.
// Cooldown expiry is reported but never auto-clears the state; a manual
// reset is required.
type CircuitBreakerState struct {
	AccountID     string    `json:"account_id"`
	Active        bool      `json:"active"`
	Reason        string    `json:"reason"`
	TriggeredAt   time.Time `json:"triggered_at"`
	CooldownUntil time.Time `json:"cooldown_until"`
}

// CooldownExpired reports whether the cooldown window has passed at t.
func (s *CircuitBreakerState) CooldownExpired(t time.Time) bool {
	return s != nil && s.Active && !s.CooldownUntil.IsZero() && t.After(s.CooldownUntil)
}
