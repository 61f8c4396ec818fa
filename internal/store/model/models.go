package model

import "gorm.io/datatypes"

// PositionModel is the persisted shape of types.Position. Timestamps are
// unix millis, mirroring how the rest of the stores serialize time.
type PositionModel struct {
	ID             string  `gorm:"column:id;primaryKey"`
	AccountID      string  `gorm:"column:account_id;index"`
	Strategy       string  `gorm:"column:strategy"`
	Instrument     string  `gorm:"column:instrument"`
	Direction      string  `gorm:"column:direction"`
	Quantity       int     `gorm:"column:quantity"`
	LotSize        int     `gorm:"column:lot_size"`
	EntryPrice     float64 `gorm:"column:entry_price"`
	CurrentPrice   float64 `gorm:"column:current_price"`
	StopLoss       float64 `gorm:"column:stop_loss"`
	Target         float64 `gorm:"column:target"`
	CallStrike     float64 `gorm:"column:call_strike"`
	PutStrike      float64 `gorm:"column:put_strike"`
	CallPremium    float64 `gorm:"column:call_premium"`
	PutPremium     float64 `gorm:"column:put_premium"`
	ExpiryUnix     int64   `gorm:"column:expiry"`
	MarginUsed     float64 `gorm:"column:margin_used"`
	EntryValue     float64 `gorm:"column:entry_value"`
	Status         string  `gorm:"column:status;index"`
	AveragingCount int     `gorm:"column:averaging_count"`
	RealizedPnL    float64 `gorm:"column:realized_pnl"`
	UnrealizedPnL  float64 `gorm:"column:unrealized_pnl"`
	ExitPrice      float64 `gorm:"column:exit_price"`
	ExitReason     string  `gorm:"column:exit_reason"`
	OpenedAtUnix   int64   `gorm:"column:opened_at"`
	ClosedAtUnix   int64   `gorm:"column:closed_at"`
	UpdatedAtUnix  int64   `gorm:"column:updated_at"`
}

func (PositionModel) TableName() string { return "positions" }

type RiskLimitModel struct {
	AccountID       string  `gorm:"column:account_id;primaryKey"`
	DailyLossLimit  float64 `gorm:"column:daily_loss_limit"`
	WeeklyLossLimit float64 `gorm:"column:weekly_loss_limit"`
	MaxDrawdownPct  float64 `gorm:"column:max_drawdown_pct"`
	UpdatedAtUnix   int64   `gorm:"column:updated_at"`
}

func (RiskLimitModel) TableName() string { return "risk_limits" }

type CircuitBreakerModel struct {
	AccountID         string `gorm:"column:account_id;primaryKey"`
	Active            int    `gorm:"column:active;index"`
	Reason            string `gorm:"column:reason"`
	TriggeredAtUnix   int64  `gorm:"column:triggered_at"`
	CooldownUntilUnix int64  `gorm:"column:cooldown_until"`
	UpdatedAtUnix     int64  `gorm:"column:updated_at"`
}

func (CircuitBreakerModel) TableName() string { return "circuit_breakers" }

type ExecutionControlModel struct {
	ID                string         `gorm:"column:id;primaryKey"`
	AccountID         string         `gorm:"column:account_id;index"`
	TotalBatches      int            `gorm:"column:total_batches"`
	BatchesCompleted  int            `gorm:"column:batches_completed"`
	Cancelled         int            `gorm:"column:cancelled"`
	CancelReason      string         `gorm:"column:cancel_reason"`
	Detail            datatypes.JSON `gorm:"column:detail"`
	LastHeartbeatUnix int64          `gorm:"column:last_heartbeat"`
	CreatedAtUnix     int64          `gorm:"column:created_at"`
	UpdatedAtUnix     int64          `gorm:"column:updated_at"`
}

func (ExecutionControlModel) TableName() string { return "execution_controls" }
