package types

import "time"

// ExecutionControl is the shared record behind one batched order submission.
// The executor mutates it after each batch; cancellation requests flip the
// flag; progress queries read it without blocking the batch loop.
type ExecutionControl struct {
	ID               string    `json:"id"`
	AccountID        string    `json:"account_id"`
	TotalBatches     int       `json:"total_batches"`
	BatchesCompleted int       `json:"batches_completed"`
	Cancelled        bool      `json:"cancelled"`
	CancelReason     string    `json:"cancel_reason,omitempty"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// PercentComplete never overstates completion: a batch counts only after
// both legs were submitted.
func (c *ExecutionControl) PercentComplete() float64 {
	if c == nil || c.TotalBatches <= 0 {
		return 0
	}
	pct := float64(c.BatchesCompleted) / float64(c.TotalBatches) * 100
	if pct > 100 {
		return 100
	}
	return pct
}
