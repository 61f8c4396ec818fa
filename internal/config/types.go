package config

import (
	"strings"

	"talon/internal/entry"
	"talon/internal/execution"
	"talon/internal/exitrule"
	"talon/internal/gateway/broker"
	"talon/internal/market"
	"talon/internal/risk"
	"talon/internal/sizing"
	"talon/internal/strikes"
)

// Config is the merged configuration for the whole engine. Component
// packages own their sections; this struct only composes them.
type Config struct {
	App       AppConfig              `toml:"app"`
	Accounts  []AccountConfig        `toml:"accounts"`
	Store     StoreConfig            `toml:"store"`
	Market    MarketConfig           `toml:"market"`
	Broker    BrokerConfig           `toml:"broker"`
	Strikes   strikes.Config         `toml:"strikes"`
	Entry     EntryConfig            `toml:"entry"`
	Trade     TradeConfig            `toml:"trade"`
	Sizing    sizing.Config          `toml:"sizing"`
	Averaging sizing.AveragingConfig `toml:"averaging"`
	Exit      exitrule.Config        `toml:"exit"`
	Risk      risk.Config            `toml:"risk"`
	Execution execution.Config       `toml:"execution"`
	Notify    NotifyConfig           `toml:"notify"`
	Scheduler SchedulerConfig        `toml:"scheduler"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

// AccountConfig describes one managed trading account. Equity feeds the
// drawdown calculation; risk limits live in the limits file.
type AccountConfig struct {
	ID      string  `toml:"id"`
	Enabled bool    `toml:"enabled"`
	Equity  float64 `toml:"equity"`
}

type StoreConfig struct {
	DatabasePath string `toml:"database_path"`
	AuditLogPath string `toml:"audit_log_path"`
}

type MarketConfig struct {
	Instrument   string                 `toml:"instrument"`
	LotSize      int                    `toml:"lot_size"`
	CalendarPath string                 `toml:"calendar_path"`
	Reference    market.ReferenceConfig `toml:"reference"`
}

type BrokerConfig struct {
	Mode string            `toml:"mode"` // paper | rest
	REST broker.RESTConfig `toml:"rest"`
}

// EntryConfig bundles the gate pipeline and candidate builder settings.
type EntryConfig struct {
	Filters entry.Config        `toml:"filters"`
	Builder entry.BuilderConfig `toml:"builder"`
}

// TradeConfig holds position plan parameters applied at open time.
type TradeConfig struct {
	PremiumStopFactor float64 `toml:"premium_stop_factor"` // stop = entry credit * factor
	TargetFraction    float64 `toml:"target_fraction"`     // target = entry credit * fraction
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

// SchedulerConfig carries the cadence of the three engine cycles as
// interval strings ("30s", "5m", "1h").
type SchedulerConfig struct {
	EntryInterval   string `toml:"entry_interval"`
	MonitorInterval string `toml:"monitor_interval"`
	RiskInterval    string `toml:"risk_interval"`
	OffsetSeconds   int    `toml:"offset_seconds"`
	RunImmediately  bool   `toml:"run_immediately"`
}

// EnabledAccounts returns the IDs of accounts the engine trades.
func (c *Config) EnabledAccounts() []string {
	var out []string
	for _, a := range c.Accounts {
		if a.Enabled && strings.TrimSpace(a.ID) != "" {
			out = append(out, a.ID)
		}
	}
	return out
}

// AccountEquity maps account IDs to their configured equity.
func (c *Config) AccountEquity() map[string]float64 {
	out := make(map[string]float64, len(c.Accounts))
	for _, a := range c.Accounts {
		if strings.TrimSpace(a.ID) != "" {
			out[a.ID] = a.Equity
		}
	}
	return out
}

// keySet tracks the field paths explicitly present in the config files,
// so defaults never clobber intentional zero values.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	_, ok := k[strings.ToLower(strings.TrimSpace(path))]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
