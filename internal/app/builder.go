package app

import (
	"context"
	"fmt"

	"talon/internal/clock"
	"talon/internal/config"
	"talon/internal/engine"
	"talon/internal/entry"
	"talon/internal/execution"
	"talon/internal/exitrule"
	"talon/internal/gateway/broker"
	"talon/internal/gateway/notifier"
	"talon/internal/logger"
	"talon/internal/market"
	"talon/internal/registry"
	"talon/internal/report"
	"talon/internal/risk"
	"talon/internal/sizing"
	"talon/internal/store/auditlog"
	"talon/internal/store/gormstore"
	"talon/internal/strikes"
	httpapi "talon/internal/transport/http"
)

// AppBuilder assembles the engine stack from configuration. Override
// hooks keep the heavy pieces (broker, market feed, stores) swappable
// in tests without touching the wiring itself.
type AppBuilder struct {
	cfg *config.Config

	gatewayFn  func(config.BrokerConfig) (broker.Gateway, error)
	sourceFn   func(*config.Config, market.ChainProvider) (market.Source, error)
	calendarFn func(string) (market.Calendar, error)
	clockFn    func() clock.Clock
}

type AppBuilderOption func(*AppBuilder)

// WithGateway replaces the broker gateway factory.
func WithGateway(fn func(config.BrokerConfig) (broker.Gateway, error)) AppBuilderOption {
	return func(b *AppBuilder) { b.gatewayFn = fn }
}

// WithSource replaces the market snapshot source factory.
func WithSource(fn func(*config.Config, market.ChainProvider) (market.Source, error)) AppBuilderOption {
	return func(b *AppBuilder) { b.sourceFn = fn }
}

// WithClock replaces the engine clock.
func WithClock(clk clock.Clock) AppBuilderOption {
	return func(b *AppBuilder) { b.clockFn = func() clock.Clock { return clk } }
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		gatewayFn:  buildGateway,
		sourceFn:   buildSource,
		calendarFn: buildCalendar,
		clockFn:    clock.System,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func buildGateway(cfg config.BrokerConfig) (broker.Gateway, error) {
	switch cfg.Mode {
	case "rest":
		return broker.NewRESTGateway(cfg.REST)
	case "paper", "":
		return broker.NewPaperGateway(), nil
	default:
		return nil, fmt.Errorf("unsupported broker mode: %s", cfg.Mode)
	}
}

func buildSource(cfg *config.Config, chain market.ChainProvider) (market.Source, error) {
	spot := market.NewReferenceSource(cfg.Market.Reference)
	return market.NewCompositeSource(spot, chain), nil
}

func buildCalendar(path string) (market.Calendar, error) {
	return market.LoadCalendar(path)
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	st, err := gormstore.New(cfg.Store.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening domain store: %w", err)
	}
	audit, err := auditlog.New(cfg.Store.AuditLogPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("opening audit log: %w", err)
	}

	gw, err := b.gatewayFn(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("building broker gateway: %w", err)
	}
	chain, ok := gw.(market.ChainProvider)
	if !ok {
		return nil, fmt.Errorf("broker gateway %T does not serve option chains", gw)
	}
	source, err := b.sourceFn(cfg, chain)
	if err != nil {
		return nil, fmt.Errorf("building market source: %w", err)
	}
	calendar, err := b.calendarFn(cfg.Market.CalendarPath)
	if err != nil {
		return nil, fmt.Errorf("loading trading calendar: %w", err)
	}

	sinks := []notifier.Sink{notifier.LogSink{}}
	if cfg.Notify.Telegram.Enabled {
		tg := notifier.NewTelegram(cfg.Notify.Telegram.BotToken, cfg.Notify.Telegram.ChatID)
		sinks = append(sinks, notifier.TextSink{Notifier: tg})
	}
	alerts := notifier.NewDispatcher(256, sinks...)

	exits, err := exitrule.NewEvaluator(cfg.Exit)
	if err != nil {
		return nil, err
	}
	clk := b.clockFn()
	reg := registry.New(st)
	exec := execution.NewExecutor(gw, st, cfg.Execution)

	eng := engine.New(
		engine.Config{
			Accounts:          cfg.EnabledAccounts(),
			Instrument:        cfg.Market.Instrument,
			LotSize:           cfg.Market.LotSize,
			PremiumStopFactor: cfg.Trade.PremiumStopFactor,
			TargetFraction:    cfg.Trade.TargetFraction,
		},
		cfg.Entry.Filters,
		engine.Deps{
			Source:    source,
			Calendar:  calendar,
			Builder:   entry.NewBuilder(strikes.NewSelector(cfg.Strikes), cfg.Entry.Builder),
			Sizer:     sizing.NewSizer(cfg.Sizing),
			Averaging: sizing.NewAveragingManager(cfg.Averaging),
			Exits:     exits,
			Registry:  reg,
			Executor:  exec,
			Gateway:   gw,
			Audit:     audit,
			Alerts:    alerts,
			Clock:     clk,
		},
	)
	mon := risk.NewMonitor(cfg.Risk, st, risk.NewStorePnL(st, cfg.AccountEquity()), eng, alerts, clk)
	eng.AttachRiskMonitor(mon)

	if err := eng.Recover(ctx); err != nil {
		return nil, fmt.Errorf("recovering positions: %w", err)
	}

	limits := risk.NewLimitsWatcher(cfg.Risk.LimitsFile, st)

	srv, err := httpapi.NewServer(httpapi.ServerConfig{
		Addr: cfg.App.HTTPAddr,
		Router: &httpapi.Router{
			Positions:  st,
			RiskStore:  st,
			Executions: exec,
			Risk:       mon,
			Audit:      audit,
			Report:     report.NewRenderer(st),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("building http server: %w", err)
	}

	return &App{
		cfg:    cfg,
		eng:    eng,
		store:  st,
		audit:  audit,
		alerts: alerts,
		limits: limits,
		http:   srv,
	}, nil
}
