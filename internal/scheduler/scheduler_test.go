package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIntervalDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"30s", 30 * time.Second, true},
		{"15m", 15 * time.Minute, true},
		{"1h", time.Hour, true},
		{"1d", 24 * time.Hour, true},
		{"2w", 14 * 24 * time.Hour, true},
		{" 5M ", 5 * time.Minute, true},
		{"", 0, false},
		{"h", 0, false},
		{"0m", 0, false},
		{"-3m", 0, false},
		{"5x", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseIntervalDuration(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestAlignedSchedulerRunsImmediatelyAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewAlignedScheduler(ctx, "test", time.Hour, 0)
	s.RunImmediately = true

	var runs atomic.Int32
	done := make(chan struct{})
	go func() {
		s.Start(func() {
			runs.Add(1)
			cancel()
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after context cancel")
	}
	assert.Equal(t, int32(1), runs.Load())
}

func TestAlignedSchedulerFiresOnBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Virtual clock sitting just before an interval boundary.
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	current := atomic.Int64{}
	current.Store(base.Add(-5 * time.Millisecond).UnixNano())

	s := NewAlignedScheduler(ctx, "boundary", 50*time.Millisecond, 0)
	s.NowFn = func() time.Time { return time.Unix(0, current.Load()) }

	var runs atomic.Int32
	done := make(chan struct{})
	go func() {
		s.Start(func() {
			if runs.Add(1) >= 2 {
				cancel()
				return
			}
			// Advance the virtual clock past the next boundary so the
			// following iteration fires without waiting.
			current.Add(int64(60 * time.Millisecond))
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler stalled")
	}
	require.GreaterOrEqual(t, runs.Load(), int32(2))
}

func TestAlignedSchedulerRejectsInvalidInterval(t *testing.T) {
	s := NewAlignedScheduler(context.Background(), "bad", 0, 0)
	done := make(chan struct{})
	go func() {
		s.Start(func() { t.Error("task must not run") })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler with invalid interval must return immediately")
	}
}
