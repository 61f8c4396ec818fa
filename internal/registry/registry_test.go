package registry

import (
	"context"
	"sync"
	"testing"

	"talon/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory PositionStore for registry tests.
type memStore struct {
	mu        sync.Mutex
	positions map[string]types.Position
}

func newMemStore() *memStore {
	return &memStore{positions: make(map[string]types.Position)}
}

func (s *memStore) SavePosition(_ context.Context, pos types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[pos.ID] = pos
	return nil
}

func (s *memStore) GetPosition(_ context.Context, id string) (types.Position, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[id]
	return pos, ok, nil
}

func (s *memStore) ActivePosition(_ context.Context, accountID string) (types.Position, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pos := range s.positions {
		if pos.AccountID == accountID && pos.Status == types.PositionActive {
			return pos, true, nil
		}
	}
	return types.Position{}, false, nil
}

func (s *memStore) ListActivePositions(_ context.Context) ([]types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Position
	for _, pos := range s.positions {
		if pos.Status == types.PositionActive {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (s *memStore) ListPositions(_ context.Context, accountID string, _ int) ([]types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Position
	for _, pos := range s.positions {
		if accountID == "" || pos.AccountID == accountID {
			out = append(out, pos)
		}
	}
	return out, nil
}

func testPosition(account string) types.Position {
	return types.Position{
		AccountID:  account,
		Strategy:   types.StrategyMarketNeutral,
		Direction:  types.DirectionNeutral,
		Instrument: "NIFTY",
		Quantity:   4,
		LotSize:    25,
		EntryPrice: 182.5,
	}
}

func TestOpenAssignsIDAndActivates(t *testing.T) {
	r := New(newMemStore())
	ctx := context.Background()

	opened, err := r.Open(ctx, testPosition("acct-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, opened.ID)
	assert.Equal(t, types.PositionActive, opened.Status)
	assert.False(t, opened.OpenedAt.IsZero())

	has, err := r.HasActivePosition(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestOpenRejectsSecondActivePosition(t *testing.T) {
	r := New(newMemStore())
	ctx := context.Background()

	_, err := r.Open(ctx, testPosition("acct-1"))
	require.NoError(t, err)

	_, err = r.Open(ctx, testPosition("acct-1"))
	require.ErrorIs(t, err, ErrActivePositionExists)

	// A different account is unaffected.
	_, err = r.Open(ctx, testPosition("acct-2"))
	require.NoError(t, err)
}

func TestConcurrentOpensAdmitExactlyOne(t *testing.T) {
	r := New(newMemStore())
	ctx := context.Background()

	const attempts = 32
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Open(ctx, testPosition("acct-race"))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrActivePositionExists)
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestCloseOutFreesTheSlot(t *testing.T) {
	r := New(newMemStore())
	ctx := context.Background()

	opened, err := r.Open(ctx, testPosition("acct-1"))
	require.NoError(t, err)

	opened.Status = types.PositionClosed
	require.NoError(t, r.CloseOut(ctx, opened))

	has, err := r.HasActivePosition(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, has)

	// The slot is reusable after closing.
	_, err = r.Open(ctx, testPosition("acct-1"))
	require.NoError(t, err)
}

func TestCloseOutRequiresClosedStatus(t *testing.T) {
	r := New(newMemStore())
	opened, err := r.Open(context.Background(), testPosition("acct-1"))
	require.NoError(t, err)
	assert.Error(t, r.CloseOut(context.Background(), opened))
}

func TestRecoverHydratesCache(t *testing.T) {
	ms := newMemStore()
	ctx := context.Background()

	seed := testPosition("acct-1")
	seed.ID = "pos-recovered"
	seed.Status = types.PositionActive
	require.NoError(t, ms.SavePosition(ctx, seed))

	r := New(ms)
	require.NoError(t, r.Recover(ctx))

	pos, found, err := r.ActivePosition(ctx, "acct-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "pos-recovered", pos.ID)
}

func TestWithAccountLockSerializesMutations(t *testing.T) {
	r := New(newMemStore())

	var inside, maxInside int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.WithAccountLock("acct-1", func() error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)
}
