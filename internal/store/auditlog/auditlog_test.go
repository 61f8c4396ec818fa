package auditlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Append(ctx, Entry{
		Category:  CategoryFilter,
		AccountID: "acct-1",
		Action:    "entry_rejected",
		Summary:   "volatility regime filter failed",
		Detail:    map[string]any{"vix": 32.5, "max": 30.0},
	})
	require.NoError(t, err)

	err = s.Append(ctx, Entry{
		Category:  CategoryExecution,
		AccountID: "acct-2",
		Action:    "batch_completed",
		Summary:   "batch 3/6 submitted",
	})
	require.NoError(t, err)

	all, err := s.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, rec := range all {
		assert.NotEmpty(t, rec.EventID)
		assert.False(t, rec.At.IsZero())
	}

	filtered, err := s.List(ctx, Query{AccountID: "acct-1", Category: CategoryFilter})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "entry_rejected", filtered[0].Action)
	assert.Equal(t, 32.5, gjson.GetBytes(filtered[0].Detail, "vix").Float())
}

func TestAppendRequiresAction(t *testing.T) {
	s := newTestStore(t)
	err := s.Append(context.Background(), Entry{Category: CategoryRisk})
	assert.Error(t, err)
}

func TestListSinceAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, Entry{
			At:       base.Add(time.Duration(i) * time.Minute),
			Category: CategoryRisk,
			Action:   "utilization_sampled",
		}))
	}

	recent, err := s.List(ctx, Query{Since: base.Add(3 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	capped, err := s.List(ctx, Query{Limit: 2})
	require.NoError(t, err)
	require.Len(t, capped, 2)
	// Newest first.
	assert.True(t, capped[0].At.After(capped[1].At))
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())
	err := s.Append(context.Background(), Entry{Category: CategoryEntry, Action: "x"})
	assert.Error(t, err)
}
