// Package app is the application-level orchestration: configuration in,
// running services out. All wiring lives in the builder; App only starts
// and stops what was built.
package app

import (
	"context"
	"fmt"
	"time"

	"talon/internal/config"
	"talon/internal/engine"
	"talon/internal/gateway/notifier"
	"talon/internal/logger"
	"talon/internal/risk"
	"talon/internal/scheduler"
	"talon/internal/store/auditlog"
	"talon/internal/store/gormstore"
	httpapi "talon/internal/transport/http"

	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg    *config.Config
	eng    *engine.Engine
	store  *gormstore.Store
	audit  *auditlog.Store
	alerts *notifier.Dispatcher
	limits *risk.LimitsWatcher
	http   *httpapi.Server
}

// NewApp builds the application from config without starting anything.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Engine exposes the engine instance for test and replay harnesses.
func (a *App) Engine() *engine.Engine {
	if a == nil {
		return nil
	}
	return a.eng
}

// Run starts the HTTP surface, the limits watcher and the three engine
// cycles, and blocks until ctx is cancelled or a service fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.closeAll()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := a.http.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		if err := a.limits.Run(ctx); err != nil {
			return fmt.Errorf("limits watcher error: %w", err)
		}
		return nil
	})

	offset := time.Duration(a.cfg.Scheduler.OffsetSeconds) * time.Second
	cycles := []struct {
		name     string
		interval string
		task     func(context.Context)
	}{
		{"entry", a.cfg.Scheduler.EntryInterval, a.eng.EntryCycle},
		{"monitor", a.cfg.Scheduler.MonitorInterval, a.eng.MonitorCycle},
		{"risk", a.cfg.Scheduler.RiskInterval, a.eng.RiskCycle},
	}
	for _, c := range cycles {
		interval, ok := scheduler.ParseIntervalDuration(c.interval)
		if !ok {
			return fmt.Errorf("invalid %s cycle interval: %s", c.name, c.interval)
		}
		task := c.task
		sched := scheduler.NewAlignedScheduler(ctx, c.name, interval, offset)
		sched.RunImmediately = a.cfg.Scheduler.RunImmediately
		group.Go(func() error {
			sched.Start(func() { task(ctx) })
			return nil
		})
	}

	logger.Infof("app: running env=%s accounts=%d broker=%s http=%s",
		a.cfg.App.Env, len(a.cfg.EnabledAccounts()), a.cfg.Broker.Mode, a.http.Addr())
	return group.Wait()
}

func (a *App) closeAll() {
	if a.alerts != nil {
		a.alerts.Close()
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			logger.Warnf("app: closing audit log: %v", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warnf("app: closing store: %v", err)
		}
	}
}
