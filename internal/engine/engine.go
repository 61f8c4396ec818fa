// Package engine ties the decision components into the three periodic
// cycles: entry, position monitoring and risk. It owns no policy of its
// own; every decision is delegated to the component that specifies it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"talon/internal/clock"
	"talon/internal/entry"
	"talon/internal/execution"
	"talon/internal/exitrule"
	"talon/internal/gateway/broker"
	"talon/internal/gateway/notifier"
	"talon/internal/logger"
	"talon/internal/market"
	"talon/internal/registry"
	"talon/internal/risk"
	"talon/internal/sizing"
	"talon/internal/store/auditlog"
	"talon/internal/types"
)

// Config carries the per-deployment trade plan parameters. Component
// configs stay with their packages; this is only what the engine itself
// needs to assemble a position.
type Config struct {
	Accounts          []string
	Instrument        string
	LotSize           int
	PremiumStopFactor float64 // stop = entry credit * factor
	TargetFraction    float64 // target = entry credit * fraction
}

func (c Config) withDefaults() Config {
	if c.LotSize <= 0 {
		c.LotSize = 25
	}
	if c.PremiumStopFactor <= 0 {
		c.PremiumStopFactor = 2.0
	}
	if c.TargetFraction <= 0 || c.TargetFraction >= 1 {
		c.TargetFraction = 0.5
	}
	return c
}

// Deps are the collaborators the engine coordinates. The risk monitor is
// attached after construction because it needs the engine as its
// liquidator.
type Deps struct {
	Source    market.Source
	Calendar  market.Calendar
	Builder   *entry.Builder
	Sizer     *sizing.Sizer
	Averaging *sizing.AveragingManager
	Exits     *exitrule.Evaluator
	Registry  *registry.Registry
	Executor  *execution.Executor
	Gateway   broker.Gateway
	Audit     *auditlog.Store
	Alerts    *notifier.Dispatcher
	Clock     clock.Clock
}

type Engine struct {
	cfg      Config
	source   market.Source
	calendar market.Calendar
	pipeline *entry.Pipeline
	builder  *entry.Builder
	sizer    *sizing.Sizer
	avg      *sizing.AveragingManager
	exits    *exitrule.Evaluator
	reg      *registry.Registry
	exec     *execution.Executor
	gw       broker.Gateway
	audit    *auditlog.Store
	alerts   *notifier.Dispatcher
	clk      clock.Clock

	riskMon *risk.Monitor
}

// The engine is both halves of the entry gate (position slot via the
// registry, breaker via the risk monitor) and the account liquidator
// the risk monitor calls on a breach.
var (
	_ entry.AccountGate = (*Engine)(nil)
	_ risk.Liquidator   = (*Engine)(nil)
)

func New(cfg Config, filterCfg entry.Config, deps Deps) *Engine {
	e := &Engine{
		cfg:      cfg.withDefaults(),
		source:   deps.Source,
		calendar: deps.Calendar,
		builder:  deps.Builder,
		sizer:    deps.Sizer,
		avg:      deps.Averaging,
		exits:    deps.Exits,
		reg:      deps.Registry,
		exec:     deps.Executor,
		gw:       deps.Gateway,
		audit:    deps.Audit,
		alerts:   deps.Alerts,
		clk:      deps.Clock,
	}
	if e.clk == nil {
		e.clk = clock.System()
	}
	e.pipeline = entry.NewPipeline(entry.DefaultFilters(filterCfg, e)...)
	return e
}

// AttachRiskMonitor closes the construction cycle: the monitor needs the
// engine as liquidator, the engine needs the monitor as breaker gate.
func (e *Engine) AttachRiskMonitor(m *risk.Monitor) {
	e.riskMon = m
}

// Recover rehydrates the registry cache from the store after a restart.
func (e *Engine) Recover(ctx context.Context) error {
	return e.reg.Recover(ctx)
}

// HasActivePosition implements the position half of entry.AccountGate.
func (e *Engine) HasActivePosition(ctx context.Context, accountID string) (bool, error) {
	return e.reg.HasActivePosition(ctx, accountID)
}

// EntryBlocked implements the breaker half of entry.AccountGate.
func (e *Engine) EntryBlocked(ctx context.Context, accountID string) (bool, string, error) {
	if e.riskMon == nil {
		return false, "", nil
	}
	return e.riskMon.EntryBlocked(ctx, accountID)
}

// EntryCycle evaluates every configured account once. A skipped account
// never aborts the cycle; failures are logged and audited per account.
func (e *Engine) EntryCycle(ctx context.Context) {
	now := e.clk.Now()
	expiry := e.calendar.NextExpiry(now)
	snap, err := e.source.Snapshot(ctx, e.cfg.Instrument, expiry)
	if err != nil {
		logger.Warnf("engine: snapshot unavailable, entry cycle skipped: %v", err)
		e.recordAudit(ctx, auditlog.Entry{
			Category: auditlog.CategoryEntry,
			Action:   "cycle_skipped",
			Summary:  fmt.Sprintf("snapshot unavailable: %v", err),
		})
		return
	}
	for _, accountID := range e.cfg.Accounts {
		if ctx.Err() != nil {
			return
		}
		e.evaluateAccount(ctx, accountID, entry.Input{
			AccountID: accountID,
			Now:       now,
			Snapshot:  snap,
			Calendar:  e.calendar,
		})
	}
}

func (e *Engine) evaluateAccount(ctx context.Context, accountID string, in entry.Input) {
	dec, err := e.pipeline.Run(ctx, in)
	if err != nil {
		logger.Warnf("engine: account=%s filter pipeline failed: %v", accountID, err)
		e.recordAudit(ctx, auditlog.Entry{
			Category:  auditlog.CategoryFilter,
			AccountID: accountID,
			Action:    "pipeline_error",
			Summary:   err.Error(),
		})
		return
	}
	if !dec.Passed {
		e.recordAudit(ctx, auditlog.Entry{
			Category:  auditlog.CategoryFilter,
			AccountID: accountID,
			Action:    "entry_blocked",
			Summary:   fmt.Sprintf("%s: %s", dec.Blocked.Name, dec.Blocked.Reason),
			Detail:    dec,
		})
		return
	}

	cand, err := e.builder.Build(in, dec)
	if err != nil {
		logger.Infof("engine: account=%s no tradable candidate: %v", accountID, err)
		e.recordAudit(ctx, auditlog.Entry{
			Category:  auditlog.CategoryEntry,
			AccountID: accountID,
			Action:    "candidate_rejected",
			Summary:   err.Error(),
		})
		return
	}

	if err := e.openCandidate(ctx, accountID, cand); err != nil {
		if errors.Is(err, registry.ErrActivePositionExists) {
			return
		}
		logger.Errorf("engine: account=%s entry failed: %v", accountID, err)
	}
}

func (e *Engine) openCandidate(ctx context.Context, accountID string, cand entry.Candidate) error {
	available, err := e.gw.AvailableMargin(ctx, accountID)
	if err != nil {
		return fmt.Errorf("reading available margin: %w", err)
	}
	callSym := broker.OptionSymbol(cand.Instrument, cand.Expiry, cand.CallStrike, "CE")
	putSym := broker.OptionSymbol(cand.Instrument, cand.Expiry, cand.PutStrike, "PE")
	perLot, err := e.strangleMarginPerLot(ctx, callSym, putSym)
	if err != nil {
		return fmt.Errorf("reading margin requirement: %w", err)
	}

	sized, err := e.sizer.Size(sizing.Request{
		AvailableMargin: available,
		MarginPerUnit:   perLot,
	})
	if err != nil {
		e.recordAudit(ctx, auditlog.Entry{
			Category:  auditlog.CategorySizing,
			AccountID: accountID,
			Action:    "sizing_rejected",
			Summary:   err.Error(),
		})
		return err
	}

	credit := cand.TotalCredit()
	pos := types.Position{
		AccountID:   accountID,
		Strategy:    cand.Strategy,
		Instrument:  cand.Instrument,
		Direction:   cand.Direction,
		Quantity:    sized.Quantity,
		LotSize:     e.cfg.LotSize,
		EntryPrice:  credit,
		StopLoss:    credit * e.cfg.PremiumStopFactor,
		Target:      credit * e.cfg.TargetFraction,
		CallStrike:  cand.CallStrike,
		PutStrike:   cand.PutStrike,
		CallPremium: cand.CallPremium,
		PutPremium:  cand.PutPremium,
		Expiry:      cand.Expiry,
		MarginUsed:  sized.MarginRequired,
		EntryValue:  credit * float64(sized.Quantity*e.cfg.LotSize),
	}

	// Claim the account slot first; the registry rejects a second open
	// atomically even when cycles overlap.
	pos, err = e.reg.Open(ctx, pos)
	if err != nil {
		return err
	}

	res, execErr := e.exec.Execute(ctx, execution.Request{
		AccountID:     accountID,
		TotalQuantity: sized.Quantity * e.cfg.LotSize,
		Legs: []execution.Leg{
			{Symbol: callSym, Side: broker.Sell},
			{Symbol: putSym, Side: broker.Sell},
		},
		OrderType: broker.Market,
	})
	if execErr != nil || res.SubmittedQuantity == 0 {
		// Nothing (or nothing usable) on the book: release the slot.
		if res.SubmittedQuantity == 0 {
			e.abandonPosition(ctx, pos, fmt.Sprintf("execution failed: %v", execErr))
			if execErr == nil {
				execErr = fmt.Errorf("execution cancelled before first batch")
			}
			return execErr
		}
		// Partial fill: keep the filled lots as the live position.
		logger.Warnf("engine: account=%s partial fill %d/%d units: %v",
			accountID, res.SubmittedQuantity, sized.Quantity*e.cfg.LotSize, execErr)
	}
	filledLots := res.SubmittedQuantity / e.cfg.LotSize
	if filledLots < pos.Quantity {
		pos.Quantity = filledLots
		pos.MarginUsed = float64(filledLots) * perLot
		pos.EntryValue = credit * float64(filledLots*e.cfg.LotSize)
		if err := e.reg.Update(ctx, pos); err != nil {
			return err
		}
	}

	e.recordAudit(ctx, auditlog.Entry{
		Category:  auditlog.CategoryEntry,
		AccountID: accountID,
		Action:    "position_opened",
		Summary: fmt.Sprintf("%s %s %d lots credit=%.2f stop=%.2f target=%.2f",
			pos.Instrument, pos.Strategy, pos.Quantity, credit, pos.StopLoss, pos.Target),
		Detail: map[string]any{"position": pos, "candidate": cand, "execution": res},
	})
	e.notify(notifier.Event{
		Severity:  notifier.SeverityInfo,
		AccountID: accountID,
		Kind:      "position_opened",
		Message: fmt.Sprintf("opened %s strangle %d lots @ %.2f credit (stop %.2f, target %.2f)",
			pos.Instrument, pos.Quantity, credit, pos.StopLoss, pos.Target),
		At: e.clk.Now(),
	})
	return nil
}

func (e *Engine) strangleMarginPerLot(ctx context.Context, callSym, putSym string) (float64, error) {
	callMargin, err := e.gw.MarginPerUnit(ctx, callSym)
	if err != nil {
		return 0, err
	}
	putMargin, err := e.gw.MarginPerUnit(ctx, putSym)
	if err != nil {
		return 0, err
	}
	return callMargin + putMargin, nil
}

func (e *Engine) abandonPosition(ctx context.Context, pos types.Position, reason string) {
	now := e.clk.Now()
	pos.Status = types.PositionClosed
	pos.ExitReason = "EXECUTION_FAILED"
	pos.ClosedAt = &now
	if err := e.reg.Update(ctx, pos); err != nil {
		logger.Errorf("engine: recording abandoned position %s failed: %v", pos.ID, err)
		return
	}
	if err := e.reg.CloseOut(ctx, pos); err != nil {
		logger.Errorf("engine: releasing slot for %s failed: %v", pos.ID, err)
	}
	e.recordAudit(ctx, auditlog.Entry{
		Category:  auditlog.CategoryExecution,
		AccountID: pos.AccountID,
		Action:    "entry_abandoned",
		Summary:   reason,
	})
}

// MonitorCycle marks every active position to market, applies the exit
// chain and, for directional positions, the averaging rules.
func (e *Engine) MonitorCycle(ctx context.Context) {
	positions, err := e.reg.ListActive(ctx)
	if err != nil {
		logger.Errorf("engine: listing active positions failed: %v", err)
		return
	}
	for _, pos := range positions {
		if ctx.Err() != nil {
			return
		}
		accountID := pos.AccountID
		err := e.reg.WithAccountLock(accountID, func() error {
			return e.monitorAccount(ctx, accountID)
		})
		if err != nil {
			logger.Warnf("engine: monitoring account=%s failed: %v", accountID, err)
		}
	}
}

func (e *Engine) monitorAccount(ctx context.Context, accountID string) error {
	// Re-read under the lock; an exit or liquidation may have won the race.
	pos, found, err := e.reg.ActivePosition(ctx, accountID)
	if err != nil || !found {
		return err
	}
	price, err := e.markPrice(ctx, pos)
	if err != nil {
		return fmt.Errorf("marking position %s: %w", pos.ID, err)
	}
	pos.MarkToMarket(price)

	now := e.clk.Now()
	dec := e.exits.Evaluate(pos, price, now)
	if dec.ShouldExit {
		return e.closeLocked(ctx, pos, dec)
	}
	if dec.HoldReason != "" {
		e.recordAudit(ctx, auditlog.Entry{
			Category:  auditlog.CategoryExit,
			AccountID: accountID,
			Action:    "overnight_hold",
			Summary:   dec.HoldReason,
			Detail:    map[string]any{"position_id": pos.ID, "price": price},
		})
	}
	if pos.IsDirectional() && e.avg != nil {
		if err := e.maybeAverage(ctx, &pos, price); err != nil {
			logger.Warnf("engine: averaging account=%s failed: %v", accountID, err)
		}
	}
	return e.reg.Update(ctx, pos)
}

func (e *Engine) maybeAverage(ctx context.Context, pos *types.Position, price float64) error {
	available, err := e.gw.AvailableMargin(ctx, pos.AccountID)
	if err != nil {
		return err
	}
	perLot, err := e.positionMarginPerLot(ctx, *pos)
	if err != nil {
		return err
	}
	rec := e.avg.Evaluate(sizing.AveragingState{
		Position:       *pos,
		CurrentPrice:   price,
		ReservedMargin: available,
		MarginPerUnit:  perLot,
	})
	if !rec.Eligible {
		return nil
	}

	side := broker.Buy
	if pos.Direction == types.DirectionShort {
		side = broker.Sell
	}
	res, err := e.exec.Execute(ctx, execution.Request{
		AccountID:     pos.AccountID,
		TotalQuantity: rec.AddQuantity * pos.LotSize,
		Legs:          []execution.Leg{{Symbol: pos.Instrument, Side: side}},
		OrderType:     broker.Market,
	})
	if err != nil {
		return err
	}
	addedLots := res.SubmittedQuantity / pos.LotSize
	if addedLots == 0 {
		return nil
	}

	pos.Quantity += addedLots
	pos.EntryPrice = rec.NewEntryPrice
	pos.StopLoss = rec.NewStopLoss
	pos.AveragingCount++
	pos.MarginUsed += float64(addedLots) * perLot
	pos.MarkToMarket(price)

	e.recordAudit(ctx, auditlog.Entry{
		Category:  auditlog.CategoryAveraging,
		AccountID: pos.AccountID,
		Action:    "averaged_in",
		Summary: fmt.Sprintf("attempt %d: +%d lots, entry %.2f, stop %.2f",
			rec.Attempt, addedLots, rec.NewEntryPrice, rec.NewStopLoss),
		Detail: map[string]any{"recommendation": rec, "position_id": pos.ID},
	})
	e.notify(notifier.Event{
		Severity:  notifier.SeverityInfo,
		AccountID: pos.AccountID,
		Kind:      "averaged_in",
		Message: fmt.Sprintf("averaging attempt %d on %s: +%d lots, stop tightened to %.2f",
			rec.Attempt, pos.Instrument, addedLots, rec.NewStopLoss),
		At: e.clk.Now(),
	})
	return nil
}

// closeLocked buys back (or unwinds) the position and records the exit.
// Caller holds the account lock.
func (e *Engine) closeLocked(ctx context.Context, pos types.Position, dec exitrule.Decision) error {
	legs, err := e.closingLegs(pos)
	if err != nil {
		return err
	}
	res, err := e.exec.Execute(ctx, execution.Request{
		AccountID:     pos.AccountID,
		TotalQuantity: pos.Quantity * pos.LotSize,
		Legs:          legs,
		OrderType:     broker.Market,
	})
	if err != nil {
		// Completed batches are real fills; shrink the book so the retry
		// on the next monitor tick only closes what is still open.
		if closedLots := res.SubmittedQuantity / pos.LotSize; closedLots > 0 {
			perLot := pos.MarginUsed / float64(pos.Quantity)
			pos.Quantity -= closedLots
			pos.MarginUsed -= float64(closedLots) * perLot
			if uerr := e.reg.Update(ctx, pos); uerr != nil {
				logger.Errorf("engine: recording partial close of %s failed: %v", pos.ID, uerr)
			}
		}
		e.notify(notifier.Event{
			Severity:  notifier.SeverityCritical,
			AccountID: pos.AccountID,
			Kind:      "exit_failed",
			Message:   fmt.Sprintf("closing %s failed after %d batches: %v", pos.ID, res.BatchesCompleted, err),
			At:        e.clk.Now(),
		})
		return err
	}

	exitrule.Apply(&pos, dec, e.clk.Now())
	if err := e.reg.Update(ctx, pos); err != nil {
		return err
	}
	if err := e.reg.CloseOut(ctx, pos); err != nil {
		return err
	}

	e.recordAudit(ctx, auditlog.Entry{
		Category:  auditlog.CategoryExit,
		AccountID: pos.AccountID,
		Action:    "position_closed",
		Summary: fmt.Sprintf("%s at %.2f (%s): realized %.2f",
			pos.Instrument, dec.ExitPrice, dec.State, pos.RealizedPnL),
		Detail: map[string]any{"decision": dec, "position": pos},
	})
	severity := notifier.SeverityInfo
	if dec.State == exitrule.StateStopHit {
		severity = notifier.SeverityWarning
	}
	e.notify(notifier.Event{
		Severity:  severity,
		AccountID: pos.AccountID,
		Kind:      "position_closed",
		Message: fmt.Sprintf("closed %s (%s) at %.2f, realized %.2f",
			pos.Instrument, dec.State, dec.ExitPrice, pos.RealizedPnL),
		At: e.clk.Now(),
	})
	return nil
}

// LiquidateAccount implements risk.Liquidator: close whatever is open
// for the account at market, regardless of exit rules.
func (e *Engine) LiquidateAccount(ctx context.Context, accountID, reason string) error {
	return e.reg.WithAccountLock(accountID, func() error {
		pos, found, err := e.reg.ActivePosition(ctx, accountID)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		price, err := e.markPrice(ctx, pos)
		if err != nil {
			// Fall back to the last mark; liquidation must not stall on a
			// quote gap.
			price = pos.CurrentPrice
			if price <= 0 {
				price = pos.EntryPrice
			}
		}
		dec := exitrule.Decision{
			ShouldExit: true,
			State:      exitrule.StateRiskLiquidation,
			Reason:     reason,
			ExitPrice:  price,
		}
		return e.closeLocked(ctx, pos, dec)
	})
}

// RiskCycle delegates to the monitor; kept as an engine method so all
// three cycles hang off the same type for the schedulers.
func (e *Engine) RiskCycle(ctx context.Context) {
	if e.riskMon == nil {
		return
	}
	if err := e.riskMon.RunCycle(ctx); err != nil {
		logger.Errorf("engine: risk cycle failed: %v", err)
	}
}

// markPrice returns the combined marked value of the position: the sum
// of both leg premiums for a strangle, the instrument LTP otherwise.
func (e *Engine) markPrice(ctx context.Context, pos types.Position) (float64, error) {
	if pos.Strategy == types.StrategyMarketNeutral {
		callSym := broker.OptionSymbol(pos.Instrument, pos.Expiry, pos.CallStrike, "CE")
		putSym := broker.OptionSymbol(pos.Instrument, pos.Expiry, pos.PutStrike, "PE")
		callQ, err := e.gw.Quote(ctx, callSym)
		if err != nil {
			return 0, err
		}
		putQ, err := e.gw.Quote(ctx, putSym)
		if err != nil {
			return 0, err
		}
		return callQ.LTP + putQ.LTP, nil
	}
	q, err := e.gw.Quote(ctx, pos.Instrument)
	if err != nil {
		return 0, err
	}
	return q.LTP, nil
}

func (e *Engine) positionMarginPerLot(ctx context.Context, pos types.Position) (float64, error) {
	if pos.Strategy == types.StrategyMarketNeutral {
		callSym := broker.OptionSymbol(pos.Instrument, pos.Expiry, pos.CallStrike, "CE")
		putSym := broker.OptionSymbol(pos.Instrument, pos.Expiry, pos.PutStrike, "PE")
		return e.strangleMarginPerLot(ctx, callSym, putSym)
	}
	return e.gw.MarginPerUnit(ctx, pos.Instrument)
}

func (e *Engine) closingLegs(pos types.Position) ([]execution.Leg, error) {
	switch {
	case pos.Strategy == types.StrategyMarketNeutral:
		return []execution.Leg{
			{Symbol: broker.OptionSymbol(pos.Instrument, pos.Expiry, pos.CallStrike, "CE"), Side: broker.Buy},
			{Symbol: broker.OptionSymbol(pos.Instrument, pos.Expiry, pos.PutStrike, "PE"), Side: broker.Buy},
		}, nil
	case pos.Direction == types.DirectionLong:
		return []execution.Leg{{Symbol: pos.Instrument, Side: broker.Sell}}, nil
	case pos.Direction == types.DirectionShort:
		return []execution.Leg{{Symbol: pos.Instrument, Side: broker.Buy}}, nil
	default:
		return nil, fmt.Errorf("engine: cannot derive closing legs for position %s", pos.ID)
	}
}

func (e *Engine) recordAudit(ctx context.Context, rec auditlog.Entry) {
	if e.audit == nil {
		return
	}
	if rec.At.IsZero() {
		rec.At = e.clk.Now()
	}
	if err := e.audit.Append(ctx, rec); err != nil {
		logger.Warnf("engine: audit append failed (%s/%s): %v", rec.Category, rec.Action, err)
	}
}

func (e *Engine) notify(evt notifier.Event) {
	if e.alerts == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	e.alerts.Publish(evt)
}
