// Package scheduler drives the periodic engine cycles. Each worker gets
// its own AlignedScheduler so entry, monitoring and risk cadences stay
// independent.
package scheduler

import (
	"context"
	"time"

	"talon/internal/logger"
)

// AlignedScheduler fires task on interval boundaries (UTC-truncated),
// optionally shifted by Offset. NowFn is injectable for tests.
type AlignedScheduler struct {
	Name           string
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool
	NowFn          func() time.Time

	ctx context.Context
}

func NewAlignedScheduler(ctx context.Context, name string, interval, offset time.Duration) *AlignedScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &AlignedScheduler{
		Name:     name,
		Interval: interval,
		Offset:   offset,
		NowFn:    time.Now,
		ctx:      ctx,
	}
}

// Start blocks, running task at every aligned boundary until the
// context ends. Invalid configuration logs and returns.
func (s *AlignedScheduler) Start(task func()) {
	if s == nil || task == nil {
		logger.Warnf("scheduler[%s]: nil task, exit", s.label())
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("scheduler[%s]: invalid interval=%s, exit", s.label(), s.Interval)
		return
	}
	if s.Offset < 0 {
		s.Offset = 0
	}
	if s.NowFn == nil {
		s.NowFn = time.Now
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}

	startAt := s.NowFn().UTC()
	logger.Infof("scheduler[%s]: started interval=%s offset=%s run_immediately=%v",
		s.label(), s.Interval, s.Offset, s.RunImmediately)

	if s.RunImmediately {
		task()
	}

	for {
		now := s.NowFn().UTC()
		wakeAt := now.Truncate(s.Interval).Add(s.Interval).Add(s.Offset)
		wait := wakeAt.Sub(now)
		logger.Debugf("scheduler[%s]: next run at %s (in %s) uptime=%s",
			s.label(), wakeAt.Format(time.RFC3339), wait.Truncate(time.Second),
			now.Sub(startAt).Truncate(time.Second))

		if wait <= 0 {
			task()
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			logger.Infof("scheduler[%s]: context done, exit", s.label())
			return
		case <-timer.C:
		}
		task()
	}
}

func (s *AlignedScheduler) label() string {
	if s == nil || s.Name == "" {
		return "unnamed"
	}
	return s.Name
}
