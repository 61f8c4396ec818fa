// Package registry enforces the one-active-position-per-account rule and
// serializes all position mutations through per-account locks.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"talon/internal/logger"
	"talon/internal/store"
	"talon/internal/types"

	"github.com/google/uuid"
)

// ErrActivePositionExists rejects a second concurrent entry for the same
// account. Correct filter ordering makes this unreachable, but the
// registry checks it regardless.
var ErrActivePositionExists = errors.New("active position already exists for account")

type Registry struct {
	store store.PositionStore

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	cacheMu sync.RWMutex
	active  map[string]types.Position
}

func New(positions store.PositionStore) *Registry {
	return &Registry{
		store:  positions,
		locks:  make(map[string]*sync.Mutex),
		active: make(map[string]types.Position),
	}
}

// Recover rehydrates the active-position cache from the store after a
// restart.
func (r *Registry) Recover(ctx context.Context) error {
	positions, err := r.store.ListActivePositions(ctx)
	if err != nil {
		return fmt.Errorf("registry: recovering active positions: %w", err)
	}
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.active = make(map[string]types.Position, len(positions))
	for _, pos := range positions {
		r.active[pos.AccountID] = pos
		logger.Infof("registry: recovered active position %s for account=%s", pos.ID, pos.AccountID)
	}
	return nil
}

func (r *Registry) accountLock(accountID string) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	mu, ok := r.locks[accountID]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[accountID] = mu
	}
	return mu
}

// WithAccountLock runs fn while holding the account's mutation lock.
// Liquidation, averaging and entry all pass through here, so a risk
// liquidation can never interleave with an averaging write.
func (r *Registry) WithAccountLock(accountID string, fn func() error) error {
	mu := r.accountLock(accountID)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// Open atomically checks for an existing active position and records the
// new one. The returned position carries its generated ID.
func (r *Registry) Open(ctx context.Context, pos types.Position) (types.Position, error) {
	if pos.AccountID == "" {
		return types.Position{}, fmt.Errorf("registry: account id required")
	}
	var out types.Position
	err := r.WithAccountLock(pos.AccountID, func() error {
		existing, found, err := r.activePosition(ctx, pos.AccountID)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("registry: %w (account=%s position=%s)", ErrActivePositionExists, pos.AccountID, existing.ID)
		}
		if pos.ID == "" {
			pos.ID = uuid.NewString()
		}
		pos.Status = types.PositionActive
		if pos.OpenedAt.IsZero() {
			pos.OpenedAt = time.Now()
		}
		if err := r.store.SavePosition(ctx, pos); err != nil {
			return fmt.Errorf("registry: saving position: %w", err)
		}
		r.cacheMu.Lock()
		r.active[pos.AccountID] = pos
		r.cacheMu.Unlock()
		out = pos
		return nil
	})
	if err != nil {
		return types.Position{}, err
	}
	logger.Infof("registry: opened position %s for account=%s qty=%d", out.ID, out.AccountID, out.Quantity)
	return out, nil
}

// Update persists a mutation of an active position (averaging, stop
// adjustments, mark-to-market refresh). Caller must hold the account
// lock when the mutation is part of a read-modify-write sequence.
func (r *Registry) Update(ctx context.Context, pos types.Position) error {
	if err := r.store.SavePosition(ctx, pos); err != nil {
		return fmt.Errorf("registry: updating position %s: %w", pos.ID, err)
	}
	r.cacheMu.Lock()
	if pos.Status == types.PositionActive {
		r.active[pos.AccountID] = pos
	} else {
		delete(r.active, pos.AccountID)
	}
	r.cacheMu.Unlock()
	return nil
}

// CloseOut records a closed position and clears the active slot.
func (r *Registry) CloseOut(ctx context.Context, pos types.Position) error {
	if pos.Status != types.PositionClosed {
		return fmt.Errorf("registry: position %s is not closed", pos.ID)
	}
	return r.Update(ctx, pos)
}

// HasActivePosition implements the entry pipeline's account gate.
func (r *Registry) HasActivePosition(ctx context.Context, accountID string) (bool, error) {
	_, found, err := r.activePosition(ctx, accountID)
	return found, err
}

// ActivePosition returns the account's active position if any.
func (r *Registry) ActivePosition(ctx context.Context, accountID string) (types.Position, bool, error) {
	return r.activePosition(ctx, accountID)
}

func (r *Registry) activePosition(ctx context.Context, accountID string) (types.Position, bool, error) {
	r.cacheMu.RLock()
	pos, ok := r.active[accountID]
	r.cacheMu.RUnlock()
	if ok {
		return pos, true, nil
	}
	pos, found, err := r.store.ActivePosition(ctx, accountID)
	if err != nil {
		return types.Position{}, false, fmt.Errorf("registry: active position lookup: %w", err)
	}
	if found {
		r.cacheMu.Lock()
		r.active[accountID] = pos
		r.cacheMu.Unlock()
	}
	return pos, found, nil
}

// ListActive returns all active positions across accounts.
func (r *Registry) ListActive(ctx context.Context) ([]types.Position, error) {
	return r.store.ListActivePositions(ctx)
}
