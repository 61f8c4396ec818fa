// Package store defines the persistence contracts of the engine. The
// storage technology is a collaborator concern; the core only relies on
// these interfaces.
package store

import (
	"context"
	"time"

	"talon/internal/types"
)

type PositionStore interface {
	SavePosition(ctx context.Context, pos types.Position) error
	GetPosition(ctx context.Context, id string) (types.Position, bool, error)
	ActivePosition(ctx context.Context, accountID string) (types.Position, bool, error)
	ListActivePositions(ctx context.Context) ([]types.Position, error)
	ListPositions(ctx context.Context, accountID string, limit int) ([]types.Position, error)
}

type RiskStore interface {
	SaveRiskLimit(ctx context.Context, limit types.RiskLimit) error
	GetRiskLimit(ctx context.Context, accountID string) (types.RiskLimit, bool, error)
	ListRiskLimits(ctx context.Context) ([]types.RiskLimit, error)

	SaveBreakerState(ctx context.Context, state types.CircuitBreakerState) error
	GetBreakerState(ctx context.Context, accountID string) (types.CircuitBreakerState, bool, error)
	ListActiveBreakers(ctx context.Context) ([]types.CircuitBreakerState, error)
}

type ExecutionStore interface {
	SaveExecutionControl(ctx context.Context, ctl types.ExecutionControl) error
	GetExecutionControl(ctx context.Context, id string) (types.ExecutionControl, bool, error)

	// Narrow writers: the executor and the cancel path update disjoint
	// fields concurrently, so neither may rewrite the whole row.
	UpdateExecutionProgress(ctx context.Context, id string, batchesCompleted int, heartbeat time.Time) error
	MarkExecutionCancelled(ctx context.Context, id, reason string) error
}
