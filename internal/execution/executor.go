// Package execution submits orders in broker-sized batches with
// cooperative cancellation and externally queryable progress.
package execution

import (
	"context"
	"fmt"
	"time"

	"talon/internal/gateway/broker"
	"talon/internal/logger"
	"talon/internal/store"
	"talon/internal/types"

	"github.com/google/uuid"
)

// Config bounds one batch run. MaxPerBatch is the venue's per-order
// quantity ceiling; the delay spaces batches out and is skipped after
// the last one.
type Config struct {
	MaxPerBatch     int           `toml:"max_per_batch"`
	InterBatchDelay time.Duration `toml:"inter_batch_delay"`
	BrokerTimeout   time.Duration `toml:"broker_timeout"`
}

func DefaultConfig() Config {
	return Config{
		MaxPerBatch:     20,
		InterBatchDelay: 2 * time.Second,
		BrokerTimeout:   10 * time.Second,
	}
}

// Leg is one side of the structure, submitted every batch.
type Leg struct {
	Symbol string      `json:"symbol"`
	Side   broker.Side `json:"side"`
}

// Request describes the full submission. TotalQuantity is in units; each
// batch submits every leg at the batch quantity.
type Request struct {
	AccountID     string           `json:"account_id"`
	TotalQuantity int              `json:"total_quantity"`
	Legs          []Leg            `json:"legs"`
	OrderType     broker.OrderType `json:"order_type"`
}

// LegFill records one accepted leg order.
type LegFill struct {
	Batch    int    `json:"batch"`
	Symbol   string `json:"symbol"`
	OrderID  string `json:"order_id"`
	Quantity int    `json:"quantity"`
}

// Result is the final (possibly partial) outcome of a batch run. Fills
// are kept even when the sequence stopped early.
type Result struct {
	ControlID         string    `json:"control_id"`
	TotalBatches      int       `json:"total_batches"`
	BatchesCompleted  int       `json:"batches_completed"`
	SubmittedQuantity int       `json:"submitted_quantity"`
	Cancelled         bool      `json:"cancelled"`
	CancelReason      string    `json:"cancel_reason,omitempty"`
	Fills             []LegFill `json:"fills"`
}

type Executor struct {
	gw    broker.Gateway
	store store.ExecutionStore
	cfg   Config
}

func NewExecutor(gw broker.Gateway, execStore store.ExecutionStore, cfg Config) *Executor {
	def := DefaultConfig()
	if cfg.MaxPerBatch <= 0 {
		cfg.MaxPerBatch = def.MaxPerBatch
	}
	if cfg.BrokerTimeout <= 0 {
		cfg.BrokerTimeout = def.BrokerTimeout
	}
	if cfg.InterBatchDelay < 0 {
		cfg.InterBatchDelay = 0
	}
	return &Executor{gw: gw, store: execStore, cfg: cfg}
}

// Execute runs the batch sequence synchronously; callers that need it in
// the background launch it on their own goroutine and poll Progress.
// Cancellation is observed only at batch boundaries: a submitted batch
// is never rolled back.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	if req.TotalQuantity <= 0 {
		return Result{}, fmt.Errorf("execution: total quantity must be positive, got %d", req.TotalQuantity)
	}
	if len(req.Legs) == 0 {
		return Result{}, fmt.Errorf("execution: at least one leg required")
	}
	if req.OrderType == "" {
		req.OrderType = broker.Market
	}

	totalBatches := (req.TotalQuantity + e.cfg.MaxPerBatch - 1) / e.cfg.MaxPerBatch
	now := time.Now()
	ctl := types.ExecutionControl{
		ID:            uuid.NewString(),
		AccountID:     req.AccountID,
		TotalBatches:  totalBatches,
		LastHeartbeat: now,
		CreatedAt:     now,
	}
	if err := e.store.SaveExecutionControl(ctx, ctl); err != nil {
		return Result{}, fmt.Errorf("execution: creating control record: %w", err)
	}
	logger.Infof("execution: control=%s account=%s total=%d batches=%d",
		ctl.ID, req.AccountID, req.TotalQuantity, totalBatches)

	res := Result{ControlID: ctl.ID, TotalBatches: totalBatches}
	remaining := req.TotalQuantity

	for batch := 1; batch <= totalBatches; batch++ {
		// Cooperative cancellation check at the batch boundary.
		current, found, err := e.store.GetExecutionControl(ctx, ctl.ID)
		if err != nil {
			return res, fmt.Errorf("execution: reading control before batch %d: %w", batch, err)
		}
		if found && current.Cancelled {
			res.Cancelled = true
			res.CancelReason = current.CancelReason
			logger.Warnf("execution: control=%s cancelled before batch %d (%s)", ctl.ID, batch, current.CancelReason)
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			res.Cancelled = true
			res.CancelReason = "context cancelled"
			e.markCancelled(ctl.ID, res.CancelReason)
			return res, nil
		}

		batchQty := e.cfg.MaxPerBatch
		if remaining < batchQty {
			batchQty = remaining
		}

		// Both legs must be in before the batch counts as complete.
		for _, leg := range req.Legs {
			callCtx, cancel := context.WithTimeout(ctx, e.cfg.BrokerTimeout)
			ack, err := e.gw.PlaceOrder(callCtx, broker.OrderRequest{
				AccountID: req.AccountID,
				Symbol:    leg.Symbol,
				Side:      leg.Side,
				Quantity:  batchQty,
				OrderType: req.OrderType,
			})
			cancel()
			if err != nil {
				logger.Errorf("execution: control=%s batch %d leg %s failed: %v", ctl.ID, batch, leg.Symbol, err)
				return res, fmt.Errorf("execution: batch %d leg %s: %w", batch, leg.Symbol, err)
			}
			res.Fills = append(res.Fills, LegFill{
				Batch: batch, Symbol: leg.Symbol, OrderID: ack.OrderID, Quantity: batchQty,
			})
		}

		remaining -= batchQty
		res.BatchesCompleted = batch
		res.SubmittedQuantity += batchQty

		// Progress is a narrow write: a Cancel landing while the batch's
		// legs were in flight must survive this save.
		if err := e.store.UpdateExecutionProgress(ctx, ctl.ID, batch, time.Now()); err != nil {
			logger.Warnf("execution: control=%s progress save failed: %v", ctl.ID, err)
		}

		if batch < totalBatches && e.cfg.InterBatchDelay > 0 {
			timer := time.NewTimer(e.cfg.InterBatchDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				res.Cancelled = true
				res.CancelReason = "context cancelled"
				e.markCancelled(ctl.ID, res.CancelReason)
				return res, nil
			}
		}
	}
	logger.Infof("execution: control=%s completed %d/%d batches", ctl.ID, res.BatchesCompleted, totalBatches)
	return res, nil
}

// Cancel flips the shared cancellation flag; the running executor
// observes it before the next batch.
func (e *Executor) Cancel(ctx context.Context, controlID, reason string) error {
	ctl, found, err := e.store.GetExecutionControl(ctx, controlID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("execution: control %s not found", controlID)
	}
	if ctl.Cancelled {
		return nil
	}
	return e.store.MarkExecutionCancelled(ctx, controlID, reason)
}

// Progress is a non-blocking read of the shared control state. It never
// overstates completion: a batch counts only after both legs went in.
func (e *Executor) Progress(ctx context.Context, controlID string) (types.ExecutionControl, error) {
	ctl, found, err := e.store.GetExecutionControl(ctx, controlID)
	if err != nil {
		return types.ExecutionControl{}, err
	}
	if !found {
		return types.ExecutionControl{}, fmt.Errorf("execution: control %s not found", controlID)
	}
	return ctl, nil
}

func (e *Executor) markCancelled(controlID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.MarkExecutionCancelled(ctx, controlID, reason); err != nil {
		logger.Warnf("execution: control=%s cancel save failed: %v", controlID, err)
	}
}
