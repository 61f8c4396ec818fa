package config

import (
	"strings"

	"talon/internal/entry"
	"talon/internal/execution"
	"talon/internal/exitrule"
	"talon/internal/risk"
	"talon/internal/sizing"
	"talon/internal/strikes"
)

const (
	defaultAppEnv          = "dev"
	defaultAppLogLevel     = "info"
	defaultAppHTTPAddr     = ":9991"
	defaultAppLogPath      = "/data/logs/talon.log"
	defaultDatabasePath    = "/data/db/talon.db"
	defaultAuditLogPath    = "/data/db/talon-audit.db"
	defaultInstrument      = "NIFTY"
	defaultLotSize         = 25
	defaultCalendarPath    = "configs/calendar.yaml"
	defaultLimitsPath      = "configs/limits.yaml"
	defaultBrokerMode      = "paper"
	defaultStopFactor      = 2.0
	defaultTargetFraction  = 0.5
	defaultEntryInterval   = "5m"
	defaultMonitorInterval = "1m"
	defaultRiskInterval    = "1m"
)

// applyDefaults fills every section from its package defaults. Values an
// operator explicitly set in the files (tracked by keys) are never
// overwritten, even when zero.
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Broker.applyDefaults(keys)
	c.Trade.applyDefaults(keys)
	c.Scheduler.applyDefaults(keys)
	c.applyStrikesDefaults(keys)
	c.applyEntryDefaults(keys)
	c.applySizingDefaults(keys)
	c.applyExitDefaults(keys)
	c.applyRiskDefaults(keys)
	c.applyExecutionDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.database_path", &s.DatabasePath, defaultDatabasePath),
		stringFieldDefault("store.audit_log_path", &s.AuditLogPath, defaultAuditLogPath),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("market.instrument", &m.Instrument, defaultInstrument),
		stringFieldDefault("market.calendar_path", &m.CalendarPath, defaultCalendarPath),
		fieldDefault{
			key:   "market.lot_size",
			need:  func() bool { return m.LotSize <= 0 },
			apply: func() { m.LotSize = defaultLotSize },
		},
	)
}

func (b *BrokerConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("broker.mode", &b.Mode, defaultBrokerMode),
	)
	b.Mode = strings.ToLower(strings.TrimSpace(b.Mode))
}

func (t *TradeConfig) applyDefaults(keys keySet) {
	if t == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "trade.premium_stop_factor",
			need:  func() bool { return t.PremiumStopFactor <= 0 },
			apply: func() { t.PremiumStopFactor = defaultStopFactor },
		},
		fieldDefault{
			key:   "trade.target_fraction",
			need:  func() bool { return t.TargetFraction <= 0 || t.TargetFraction >= 1 },
			apply: func() { t.TargetFraction = defaultTargetFraction },
		},
	)
}

func (s *SchedulerConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("scheduler.entry_interval", &s.EntryInterval, defaultEntryInterval),
		stringFieldDefault("scheduler.monitor_interval", &s.MonitorInterval, defaultMonitorInterval),
		stringFieldDefault("scheduler.risk_interval", &s.RiskInterval, defaultRiskInterval),
	)
	if s.OffsetSeconds < 0 {
		s.OffsetSeconds = 0
	}
}

func (c *Config) applyStrikesDefaults(keys keySet) {
	def := strikes.DefaultConfig()
	s := &c.Strikes
	applyFieldDefaults(keys,
		floatFieldDefault("strikes.base_delta_pct", &s.BaseDeltaPct, def.BaseDeltaPct),
		floatFieldDefault("strikes.elevated_threshold", &s.ElevatedThreshold, def.ElevatedThreshold),
		floatFieldDefault("strikes.high_threshold", &s.HighThreshold, def.HighThreshold),
		floatFieldDefault("strikes.elevated_multiplier", &s.ElevatedMultiplier, def.ElevatedMultiplier),
		floatFieldDefault("strikes.high_multiplier", &s.HighMultiplier, def.HighMultiplier),
		floatFieldDefault("strikes.strike_increment", &s.StrikeIncrement, def.StrikeIncrement),
	)
}

func (c *Config) applyEntryDefaults(keys keySet) {
	def := entry.DefaultConfig()
	f := &c.Entry.Filters
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "entry.filters.min_days_to_expiry",
			need:  func() bool { return f.MinDaysToExpiry <= 0 },
			apply: func() { f.MinDaysToExpiry = def.MinDaysToExpiry },
		},
		fieldDefault{
			key:   "entry.filters.event_window",
			need:  func() bool { return f.EventWindow <= 0 },
			apply: func() { f.EventWindow = def.EventWindow },
		},
		floatFieldDefault("entry.filters.max_short_term_move_pct", &f.MaxShortTermMovePct, def.MaxShortTermMovePct),
		fieldDefault{
			key:   "entry.filters.stability_lookback",
			need:  func() bool { return f.StabilityLookback <= 0 },
			apply: func() { f.StabilityLookback = def.StabilityLookback },
		},
		floatFieldDefault("entry.filters.vol_ceiling", &f.VolCeiling, def.VolCeiling),
		fieldDefault{
			key:   "entry.filters.band_period",
			need:  func() bool { return f.BandPeriod <= 0 },
			apply: func() { f.BandPeriod = def.BandPeriod },
		},
		floatFieldDefault("entry.filters.band_std_dev", &f.BandStdDev, def.BandStdDev),
	)
	b := &c.Entry.Builder
	applyFieldDefaults(keys,
		floatFieldDefault("entry.builder.risk_free_rate", &b.RiskFreeRate, 0.07),
		floatFieldDefault("entry.builder.min_spread_pct", &b.MinSpreadPct, 0.01),
		floatFieldDefault("entry.builder.max_spread_pct", &b.MaxSpreadPct, 0.12),
	)
	if b.MinCredit < 0 {
		b.MinCredit = 0
	}
}

func (c *Config) applySizingDefaults(keys keySet) {
	def := sizing.DefaultConfig()
	applyFieldDefaults(keys,
		floatFieldDefault("sizing.initial_fraction", &c.Sizing.InitialFraction, def.InitialFraction),
	)
	avgDef := sizing.DefaultAveragingConfig()
	a := &c.Averaging
	applyFieldDefaults(keys,
		floatFieldDefault("averaging.trigger_adverse_pct", &a.TriggerAdversePct, avgDef.TriggerAdversePct),
		fieldDefault{
			key:   "averaging.max_attempts",
			need:  func() bool { return a.MaxAttempts <= 0 },
			apply: func() { a.MaxAttempts = avgDef.MaxAttempts },
		},
		fieldDefault{
			key:   "averaging.attempt_fractions",
			need:  func() bool { return len(a.AttemptFractions) == 0 },
			apply: func() { a.AttemptFractions = avgDef.AttemptFractions },
		},
		floatFieldDefault("averaging.stop_tighten_pct", &a.StopTightenPct, avgDef.StopTightenPct),
	)
}

func (c *Config) applyExitDefaults(keys keySet) {
	def := exitrule.DefaultConfig()
	e := &c.Exit
	applyFieldDefaults(keys,
		stringFieldDefault("exit.eod_checkpoint", &e.EODCheckpoint, def.EODCheckpoint),
		stringFieldDefault("exit.mandatory_exit_time", &e.MandatoryExitTime, def.MandatoryExitTime),
		floatFieldDefault("exit.min_profit_fraction", &e.MinProfitFraction, def.MinProfitFraction),
		stringFieldDefault("exit.timezone", &e.Timezone, def.Timezone),
	)
}

func (c *Config) applyRiskDefaults(keys keySet) {
	def := risk.DefaultConfig()
	r := &c.Risk
	applyFieldDefaults(keys,
		floatFieldDefault("risk.warn_ratio", &r.WarnRatio, def.WarnRatio),
		fieldDefault{
			key:   "risk.cooldown",
			need:  func() bool { return r.Cooldown <= 0 },
			apply: func() { r.Cooldown = def.Cooldown },
		},
		stringFieldDefault("risk.limits_file", &r.LimitsFile, defaultLimitsPath),
	)
}

func (c *Config) applyExecutionDefaults(keys keySet) {
	def := execution.DefaultConfig()
	e := &c.Execution
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "execution.max_per_batch",
			need:  func() bool { return e.MaxPerBatch <= 0 },
			apply: func() { e.MaxPerBatch = def.MaxPerBatch },
		},
		fieldDefault{
			key:   "execution.inter_batch_delay",
			need:  func() bool { return e.InterBatchDelay <= 0 },
			apply: func() { e.InterBatchDelay = def.InterBatchDelay },
		},
		fieldDefault{
			key:   "execution.broker_timeout",
			need:  func() bool { return e.BrokerTimeout <= 0 },
			apply: func() { e.BrokerTimeout = def.BrokerTimeout },
		},
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
