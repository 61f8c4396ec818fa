// Package memstore is the in-memory store used by simulation mode and
// tests. It implements every store contract with map-backed state.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"talon/internal/store"
	"talon/internal/types"
)

type Store struct {
	mu        sync.Mutex
	positions map[string]types.Position
	limits    map[string]types.RiskLimit
	breakers  map[string]types.CircuitBreakerState
	controls  map[string]types.ExecutionControl
}

var (
	_ store.PositionStore  = (*Store)(nil)
	_ store.RiskStore      = (*Store)(nil)
	_ store.ExecutionStore = (*Store)(nil)
)

func New() *Store {
	return &Store{
		positions: make(map[string]types.Position),
		limits:    make(map[string]types.RiskLimit),
		breakers:  make(map[string]types.CircuitBreakerState),
		controls:  make(map[string]types.ExecutionControl),
	}
}

func (s *Store) SavePosition(_ context.Context, pos types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[pos.ID] = pos
	return nil
}

func (s *Store) GetPosition(_ context.Context, id string) (types.Position, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[id]
	return pos, ok, nil
}

func (s *Store) ActivePosition(_ context.Context, accountID string) (types.Position, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pos := range s.positions {
		if pos.AccountID == accountID && pos.Status == types.PositionActive {
			return pos, true, nil
		}
	}
	return types.Position{}, false, nil
}

func (s *Store) ListActivePositions(_ context.Context) ([]types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Position
	for _, pos := range s.positions {
		if pos.Status == types.PositionActive {
			out = append(out, pos)
		}
	}
	sortByOpenedAt(out)
	return out, nil
}

func (s *Store) ListPositions(_ context.Context, accountID string, limit int) ([]types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Position
	for _, pos := range s.positions {
		if accountID == "" || pos.AccountID == accountID {
			out = append(out, pos)
		}
	}
	sortByOpenedAt(out)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) SaveRiskLimit(_ context.Context, limit types.RiskLimit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[limit.AccountID] = limit
	return nil
}

func (s *Store) GetRiskLimit(_ context.Context, accountID string) (types.RiskLimit, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limits[accountID]
	return l, ok, nil
}

func (s *Store) ListRiskLimits(_ context.Context) ([]types.RiskLimit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.RiskLimit, 0, len(s.limits))
	for _, l := range s.limits {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (s *Store) SaveBreakerState(_ context.Context, state types.CircuitBreakerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakers[state.AccountID] = state
	return nil
}

func (s *Store) GetBreakerState(_ context.Context, accountID string) (types.CircuitBreakerState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[accountID]
	return b, ok, nil
}

func (s *Store) ListActiveBreakers(_ context.Context) ([]types.CircuitBreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.CircuitBreakerState
	for _, b := range s.breakers {
		if b.Active {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (s *Store) SaveExecutionControl(_ context.Context, ctl types.ExecutionControl) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctl.UpdatedAt = time.Now()
	s.controls[ctl.ID] = ctl
	return nil
}

func (s *Store) UpdateExecutionProgress(_ context.Context, id string, batchesCompleted int, heartbeat time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctl, ok := s.controls[id]
	if !ok {
		return nil
	}
	ctl.BatchesCompleted = batchesCompleted
	ctl.LastHeartbeat = heartbeat
	ctl.UpdatedAt = time.Now()
	s.controls[id] = ctl
	return nil
}

func (s *Store) MarkExecutionCancelled(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctl, ok := s.controls[id]
	if !ok {
		return nil
	}
	ctl.Cancelled = true
	ctl.CancelReason = reason
	ctl.UpdatedAt = time.Now()
	s.controls[id] = ctl
	return nil
}

func (s *Store) GetExecutionControl(_ context.Context, id string) (types.ExecutionControl, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctl, ok := s.controls[id]
	return ctl, ok, nil
}

func sortByOpenedAt(positions []types.Position) {
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].OpenedAt.Before(positions[j].OpenedAt)
	})
}
