// Package gormstore implements the store contracts on Gorm + SQLite.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"talon/internal/store"
	"talon/internal/store/model"
	"talon/internal/types"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type Store struct {
	db *gorm.DB
}

var (
	_ store.PositionStore  = (*Store)(nil)
	_ store.RiskStore      = (*Store)(nil)
	_ store.ExecutionStore = (*Store)(nil)
)

// New opens (and migrates) the engine database at path. WAL mode with a
// busy timeout keeps the concurrent monitor/HTTP readers from tripping
// over SQLite locks.
func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: database path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	return NewWithDB(db)
}

// NewWithDB wraps an existing Gorm handle (used by tests with :memory:).
func NewWithDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(
		&model.PositionModel{},
		&model.RiskLimitModel{},
		&model.CircuitBreakerModel{},
		&model.ExecutionControlModel{},
	); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ------------------------- PositionStore -------------------------

func (s *Store) SavePosition(ctx context.Context, pos types.Position) error {
	if strings.TrimSpace(pos.ID) == "" {
		return fmt.Errorf("gorm store: position id required")
	}
	m := positionToModel(pos)
	m.UpdatedAtUnix = time.Now().UnixMilli()
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&m).Error
}

func (s *Store) GetPosition(ctx context.Context, id string) (types.Position, bool, error) {
	var m model.PositionModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.Position{}, false, nil
		}
		return types.Position{}, false, err
	}
	return modelToPosition(m), true, nil
}

func (s *Store) ActivePosition(ctx context.Context, accountID string) (types.Position, bool, error) {
	var m model.PositionModel
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND status = ?", accountID, string(types.PositionActive)).
		Order("opened_at DESC").
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.Position{}, false, nil
		}
		return types.Position{}, false, err
	}
	return modelToPosition(m), true, nil
}

func (s *Store) ListActivePositions(ctx context.Context) ([]types.Position, error) {
	var models []model.PositionModel
	if err := s.db.WithContext(ctx).
		Where("status = ?", string(types.PositionActive)).
		Order("opened_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.Position, 0, len(models))
	for _, m := range models {
		out = append(out, modelToPosition(m))
	}
	return out, nil
}

func (s *Store) ListPositions(ctx context.Context, accountID string, limit int) ([]types.Position, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Model(&model.PositionModel{})
	if accountID = strings.TrimSpace(accountID); accountID != "" {
		query = query.Where("account_id = ?", accountID)
	}
	var models []model.PositionModel
	if err := query.Order("opened_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.Position, 0, len(models))
	for _, m := range models {
		out = append(out, modelToPosition(m))
	}
	return out, nil
}

// ------------------------- RiskStore -------------------------

func (s *Store) SaveRiskLimit(ctx context.Context, limit types.RiskLimit) error {
	if strings.TrimSpace(limit.AccountID) == "" {
		return fmt.Errorf("gorm store: risk limit account id required")
	}
	m := model.RiskLimitModel{
		AccountID:       limit.AccountID,
		DailyLossLimit:  limit.DailyLossLimit,
		WeeklyLossLimit: limit.WeeklyLossLimit,
		MaxDrawdownPct:  limit.MaxDrawdownPct,
		UpdatedAtUnix:   time.Now().UnixMilli(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			UpdateAll: true,
		}).
		Create(&m).Error
}

func (s *Store) GetRiskLimit(ctx context.Context, accountID string) (types.RiskLimit, bool, error) {
	var m model.RiskLimitModel
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.RiskLimit{}, false, nil
		}
		return types.RiskLimit{}, false, err
	}
	return riskLimitFromModel(m), true, nil
}

func (s *Store) ListRiskLimits(ctx context.Context) ([]types.RiskLimit, error) {
	var models []model.RiskLimitModel
	if err := s.db.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.RiskLimit, 0, len(models))
	for _, m := range models {
		out = append(out, riskLimitFromModel(m))
	}
	return out, nil
}

func (s *Store) SaveBreakerState(ctx context.Context, state types.CircuitBreakerState) error {
	if strings.TrimSpace(state.AccountID) == "" {
		return fmt.Errorf("gorm store: breaker account id required")
	}
	m := model.CircuitBreakerModel{
		AccountID:         state.AccountID,
		Active:            boolToInt(state.Active),
		Reason:            state.Reason,
		TriggeredAtUnix:   state.TriggeredAt.UnixMilli(),
		CooldownUntilUnix: state.CooldownUntil.UnixMilli(),
		UpdatedAtUnix:     time.Now().UnixMilli(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			UpdateAll: true,
		}).
		Create(&m).Error
}

func (s *Store) GetBreakerState(ctx context.Context, accountID string) (types.CircuitBreakerState, bool, error) {
	var m model.CircuitBreakerModel
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.CircuitBreakerState{}, false, nil
		}
		return types.CircuitBreakerState{}, false, err
	}
	return breakerFromModel(m), true, nil
}

func (s *Store) ListActiveBreakers(ctx context.Context) ([]types.CircuitBreakerState, error) {
	var models []model.CircuitBreakerModel
	if err := s.db.WithContext(ctx).Where("active = 1").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.CircuitBreakerState, 0, len(models))
	for _, m := range models {
		out = append(out, breakerFromModel(m))
	}
	return out, nil
}

// ------------------------- ExecutionStore -------------------------

func (s *Store) SaveExecutionControl(ctx context.Context, ctl types.ExecutionControl) error {
	if strings.TrimSpace(ctl.ID) == "" {
		return fmt.Errorf("gorm store: execution id required")
	}
	m := model.ExecutionControlModel{
		ID:                ctl.ID,
		AccountID:         ctl.AccountID,
		TotalBatches:      ctl.TotalBatches,
		BatchesCompleted:  ctl.BatchesCompleted,
		Cancelled:         boolToInt(ctl.Cancelled),
		CancelReason:      ctl.CancelReason,
		LastHeartbeatUnix: ctl.LastHeartbeat.UnixMilli(),
		CreatedAtUnix:     ctl.CreatedAt.UnixMilli(),
		UpdatedAtUnix:     time.Now().UnixMilli(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&m).Error
}

func (s *Store) UpdateExecutionProgress(ctx context.Context, id string, batchesCompleted int, heartbeat time.Time) error {
	return s.db.WithContext(ctx).
		Model(&model.ExecutionControlModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"batches_completed": batchesCompleted,
			"last_heartbeat":    heartbeat.UnixMilli(),
			"updated_at":        time.Now().UnixMilli(),
		}).Error
}

func (s *Store) MarkExecutionCancelled(ctx context.Context, id, reason string) error {
	return s.db.WithContext(ctx).
		Model(&model.ExecutionControlModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"cancelled":     1,
			"cancel_reason": reason,
			"updated_at":    time.Now().UnixMilli(),
		}).Error
}

func (s *Store) GetExecutionControl(ctx context.Context, id string) (types.ExecutionControl, bool, error) {
	var m model.ExecutionControlModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.ExecutionControl{}, false, nil
		}
		return types.ExecutionControl{}, false, err
	}
	return types.ExecutionControl{
		ID:               m.ID,
		AccountID:        m.AccountID,
		TotalBatches:     m.TotalBatches,
		BatchesCompleted: m.BatchesCompleted,
		Cancelled:        m.Cancelled != 0,
		CancelReason:     m.CancelReason,
		LastHeartbeat:    millisToTime(m.LastHeartbeatUnix),
		CreatedAt:        millisToTime(m.CreatedAtUnix),
		UpdatedAt:        millisToTime(m.UpdatedAtUnix),
	}, true, nil
}

// ------------------------- conversions -------------------------

func positionToModel(p types.Position) model.PositionModel {
	m := model.PositionModel{
		ID:             p.ID,
		AccountID:      p.AccountID,
		Strategy:       string(p.Strategy),
		Instrument:     strings.ToUpper(strings.TrimSpace(p.Instrument)),
		Direction:      string(p.Direction),
		Quantity:       p.Quantity,
		LotSize:        p.LotSize,
		EntryPrice:     p.EntryPrice,
		CurrentPrice:   p.CurrentPrice,
		StopLoss:       p.StopLoss,
		Target:         p.Target,
		CallStrike:     p.CallStrike,
		PutStrike:      p.PutStrike,
		CallPremium:    p.CallPremium,
		PutPremium:     p.PutPremium,
		MarginUsed:     p.MarginUsed,
		EntryValue:     p.EntryValue,
		Status:         string(p.Status),
		AveragingCount: p.AveragingCount,
		RealizedPnL:    p.RealizedPnL,
		UnrealizedPnL:  p.UnrealizedPnL,
		ExitPrice:      p.ExitPrice,
		ExitReason:     p.ExitReason,
	}
	if !p.Expiry.IsZero() {
		m.ExpiryUnix = p.Expiry.UnixMilli()
	}
	if !p.OpenedAt.IsZero() {
		m.OpenedAtUnix = p.OpenedAt.UnixMilli()
	}
	if p.ClosedAt != nil && !p.ClosedAt.IsZero() {
		m.ClosedAtUnix = p.ClosedAt.UnixMilli()
	}
	return m
}

func modelToPosition(m model.PositionModel) types.Position {
	p := types.Position{
		ID:             m.ID,
		AccountID:      m.AccountID,
		Strategy:       types.StrategyKind(m.Strategy),
		Instrument:     m.Instrument,
		Direction:      types.Direction(m.Direction),
		Quantity:       m.Quantity,
		LotSize:        m.LotSize,
		EntryPrice:     m.EntryPrice,
		CurrentPrice:   m.CurrentPrice,
		StopLoss:       m.StopLoss,
		Target:         m.Target,
		CallStrike:     m.CallStrike,
		PutStrike:      m.PutStrike,
		CallPremium:    m.CallPremium,
		PutPremium:     m.PutPremium,
		MarginUsed:     m.MarginUsed,
		EntryValue:     m.EntryValue,
		Status:         types.PositionStatus(m.Status),
		AveragingCount: m.AveragingCount,
		RealizedPnL:    m.RealizedPnL,
		UnrealizedPnL:  m.UnrealizedPnL,
		ExitPrice:      m.ExitPrice,
		ExitReason:     m.ExitReason,
	}
	if m.ExpiryUnix > 0 {
		p.Expiry = millisToTime(m.ExpiryUnix)
	}
	if m.OpenedAtUnix > 0 {
		p.OpenedAt = millisToTime(m.OpenedAtUnix)
	}
	if m.ClosedAtUnix > 0 {
		ts := millisToTime(m.ClosedAtUnix)
		p.ClosedAt = &ts
	}
	return p
}

func riskLimitFromModel(m model.RiskLimitModel) types.RiskLimit {
	return types.RiskLimit{
		AccountID:       m.AccountID,
		DailyLossLimit:  m.DailyLossLimit,
		WeeklyLossLimit: m.WeeklyLossLimit,
		MaxDrawdownPct:  m.MaxDrawdownPct,
	}
}

func breakerFromModel(m model.CircuitBreakerModel) types.CircuitBreakerState {
	return types.CircuitBreakerState{
		AccountID:     m.AccountID,
		Active:        m.Active != 0,
		Reason:        m.Reason,
		TriggeredAt:   millisToTime(m.TriggeredAtUnix),
		CooldownUntil: millisToTime(m.CooldownUntilUnix),
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func millisToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
