// Package risk watches account loss budgets, trips circuit breakers on
// breach and force-liquidates through the batch executor.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"talon/internal/clock"
	"talon/internal/gateway/notifier"
	"talon/internal/logger"
	"talon/internal/store"
	"talon/internal/types"
)

// Config tunes the monitor thresholds. Breach is fixed at 100%
// utilization; only the warning level and the cooldown are adjustable.
type Config struct {
	WarnRatio  float64       `toml:"warn_ratio"` // default 0.8
	Cooldown   time.Duration `toml:"cooldown"`   // default 24h
	LimitsFile string        `toml:"limits_file"`
}

func DefaultConfig() Config {
	return Config{WarnRatio: 0.8, Cooldown: 24 * time.Hour}
}

// AccountPnL is the loss picture of one account at a point in time.
// Losses are positive numbers; a profitable account reports zeros.
type AccountPnL struct {
	DailyLoss   float64
	WeeklyLoss  float64
	DrawdownPct float64
}

// PnLSource computes the current loss state per account.
type PnLSource interface {
	AccountPnL(ctx context.Context, accountID string, now time.Time) (AccountPnL, error)
}

// Liquidator force-closes everything an account holds. The engine backs
// this with the batch executor under the account's mutation lock.
type Liquidator interface {
	LiquidateAccount(ctx context.Context, accountID, reason string) error
}

type Monitor struct {
	cfg        Config
	riskStore  store.RiskStore
	pnl        PnLSource
	liquidator Liquidator
	alerts     *notifier.Dispatcher
	clk        clock.Clock

	// The risk scheduler writes and the HTTP reset handler deletes.
	mu               sync.Mutex
	cooldownNotified map[string]bool
}

func NewMonitor(cfg Config, riskStore store.RiskStore, pnl PnLSource, liq Liquidator, alerts *notifier.Dispatcher, clk clock.Clock) *Monitor {
	def := DefaultConfig()
	if cfg.WarnRatio <= 0 || cfg.WarnRatio >= 1 {
		cfg.WarnRatio = def.WarnRatio
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Monitor{
		cfg:              cfg,
		riskStore:        riskStore,
		pnl:              pnl,
		liquidator:       liq,
		alerts:           alerts,
		clk:              clk,
		cooldownNotified: make(map[string]bool),
	}
}

// RunCycle checks every account that has limits configured, then sweeps
// active breakers for cooldown expiry.
func (m *Monitor) RunCycle(ctx context.Context) error {
	limits, err := m.riskStore.ListRiskLimits(ctx)
	if err != nil {
		return fmt.Errorf("risk: listing limits: %w", err)
	}
	for _, limit := range limits {
		if _, err := m.CheckAccount(ctx, limit.AccountID); err != nil {
			logger.Errorf("risk: check failed for account=%s: %v", limit.AccountID, err)
		}
	}
	return m.sweepCooldowns(ctx)
}

// CheckAccount computes all utilizations for one account and acts on
// warning and breach thresholds. Accounts already behind an active
// breaker are skipped.
func (m *Monitor) CheckAccount(ctx context.Context, accountID string) ([]types.Utilization, error) {
	state, found, err := m.riskStore.GetBreakerState(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if found && state.Active {
		return nil, nil
	}

	limit, found, err := m.riskStore.GetRiskLimit(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	now := m.clk.Now()
	pnl, err := m.pnl.AccountPnL(ctx, accountID, now)
	if err != nil {
		return nil, fmt.Errorf("risk: pnl source: %w", err)
	}

	utils := utilizations(accountID, limit, pnl)
	for _, u := range utils {
		switch {
		case u.Ratio >= 1.0:
			m.trip(ctx, accountID, u)
			return utils, nil
		case u.Ratio >= m.cfg.WarnRatio:
			m.publish(notifier.Event{
				Severity:  notifier.SeverityWarning,
				AccountID: accountID,
				Kind:      "risk_warning",
				Message: fmt.Sprintf("%s utilization %.0f%% (loss %.2f of limit %.2f)",
					u.Kind, u.Ratio*100, u.Loss, u.Limit),
			})
		}
	}
	return utils, nil
}

// EntryBlocked implements the entry pipeline's breaker half of the
// account gate.
func (m *Monitor) EntryBlocked(ctx context.Context, accountID string) (bool, string, error) {
	state, found, err := m.riskStore.GetBreakerState(ctx, accountID)
	if err != nil {
		return false, "", err
	}
	if found && state.Active {
		return true, state.Reason, nil
	}
	return false, "", nil
}

// ResetBreaker is the explicit external reactivation signal. Cooldown
// expiry alone never clears the breaker.
func (m *Monitor) ResetBreaker(ctx context.Context, accountID string) error {
	state, found, err := m.riskStore.GetBreakerState(ctx, accountID)
	if err != nil {
		return err
	}
	if !found || !state.Active {
		return fmt.Errorf("risk: no active breaker for account %s", accountID)
	}
	state.Active = false
	if err := m.riskStore.SaveBreakerState(ctx, state); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.cooldownNotified, accountID)
	m.mu.Unlock()
	m.publish(notifier.Event{
		Severity:  notifier.SeverityInfo,
		AccountID: accountID,
		Kind:      "breaker_reset",
		Message:   "circuit breaker reset, account reactivated",
	})
	logger.Infof("risk: breaker reset for account=%s", accountID)
	return nil
}

func (m *Monitor) trip(ctx context.Context, accountID string, u types.Utilization) {
	now := m.clk.Now()
	reason := fmt.Sprintf("%s limit breached: loss %.2f >= limit %.2f", u.Kind, u.Loss, u.Limit)
	state := types.CircuitBreakerState{
		AccountID:     accountID,
		Active:        true,
		Reason:        reason,
		TriggeredAt:   now,
		CooldownUntil: now.Add(m.cfg.Cooldown),
	}
	if err := m.riskStore.SaveBreakerState(ctx, state); err != nil {
		logger.Errorf("risk: saving breaker state for account=%s failed: %v", accountID, err)
	}
	logger.Errorf("risk: circuit breaker tripped account=%s: %s", accountID, reason)

	if err := m.liquidator.LiquidateAccount(ctx, accountID, reason); err != nil {
		// Failed liquidation: escalate and leave the account deactivated.
		m.publish(notifier.Event{
			Severity:  notifier.SeverityCritical,
			AccountID: accountID,
			Kind:      "liquidation_failed",
			Message:   fmt.Sprintf("forced liquidation failed after breach (%s): %v", reason, err),
		})
		logger.Errorf("risk: liquidation failed for account=%s: %v", accountID, err)
		return
	}
	m.publish(notifier.Event{
		Severity:  notifier.SeverityCritical,
		AccountID: accountID,
		Kind:      "circuit_breaker",
		Message:   reason + "; all positions liquidated, account deactivated",
	})
}

func (m *Monitor) sweepCooldowns(ctx context.Context) error {
	states, err := m.riskStore.ListActiveBreakers(ctx)
	if err != nil {
		return fmt.Errorf("risk: listing breakers: %w", err)
	}
	now := m.clk.Now()
	for _, state := range states {
		if state.CooldownExpired(now) && m.markCooldownNotified(state.AccountID) {
			m.publish(notifier.Event{
				Severity:  notifier.SeverityInfo,
				AccountID: state.AccountID,
				Kind:      "cooldown_expired",
				Message:   "breaker cooldown elapsed; account stays deactivated until explicit reset",
			})
			logger.Infof("risk: cooldown expired for account=%s (awaiting manual reset)", state.AccountID)
		}
	}
	return nil
}

// markCooldownNotified reports whether this sweep is the first to see the
// lapsed cooldown.
func (m *Monitor) markCooldownNotified(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cooldownNotified[accountID] {
		return false
	}
	m.cooldownNotified[accountID] = true
	return true
}

func (m *Monitor) publish(evt notifier.Event) {
	if m.alerts != nil {
		m.alerts.Publish(evt)
	}
}

func utilizations(accountID string, limit types.RiskLimit, pnl AccountPnL) []types.Utilization {
	var out []types.Utilization
	add := func(kind types.LimitKind, loss, lim float64) {
		if lim <= 0 {
			return
		}
		ratio := loss / lim
		if ratio < 0 {
			ratio = 0
		}
		out = append(out, types.Utilization{
			AccountID: accountID, Kind: kind, Loss: loss, Limit: lim, Ratio: ratio,
		})
	}
	add(types.LimitDaily, pnl.DailyLoss, limit.DailyLossLimit)
	add(types.LimitWeekly, pnl.WeeklyLoss, limit.WeeklyLossLimit)
	add(types.LimitDrawdown, pnl.DrawdownPct, limit.MaxDrawdownPct)
	return out
}
