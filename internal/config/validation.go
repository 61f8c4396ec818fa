package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// settingsSchema is the structural contract for the merged YAML before
// it is decoded into typed sections. It catches shape mistakes (wrong
// types, misspelled enums) with file-level key paths in the error.
const settingsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "include": {"type": "array", "items": {"type": "string"}},
    "app": {
      "type": "object",
      "properties": {
        "env": {"type": "string"},
        "log_level": {"enum": ["debug", "info", "warn", "error"]},
        "http_addr": {"type": "string"},
        "log_path": {"type": "string"}
      }
    },
    "accounts": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "enabled": {"type": "boolean"},
          "equity": {"type": "number", "minimum": 0}
        }
      }
    },
    "store": {
      "type": "object",
      "properties": {
        "database_path": {"type": "string"},
        "audit_log_path": {"type": "string"}
      }
    },
    "market": {
      "type": "object",
      "properties": {
        "instrument": {"type": "string"},
        "lot_size": {"type": "integer", "minimum": 1},
        "calendar_path": {"type": "string"},
        "reference": {"type": "object"}
      }
    },
    "broker": {
      "type": "object",
      "properties": {
        "mode": {"enum": ["paper", "rest"]},
        "rest": {"type": "object"}
      }
    },
    "strikes": {"type": "object"},
    "entry": {"type": "object"},
    "trade": {"type": "object"},
    "sizing": {"type": "object"},
    "averaging": {
      "type": "object",
      "properties": {
        "max_attempts": {"type": "integer", "minimum": 1},
        "attempt_fractions": {
          "type": "array",
          "items": {"type": "number", "exclusiveMinimum": 0, "maximum": 1}
        }
      }
    },
    "exit": {"type": "object"},
    "risk": {"type": "object"},
    "execution": {"type": "object"},
    "notify": {"type": "object"},
    "scheduler": {"type": "object"}
  }
}`

func validateSchema(settings map[string]any) error {
	schema, err := jsonschema.CompileString("config.schema.json", settingsSchema)
	if err != nil {
		return fmt.Errorf("compiling config schema failed: %w", err)
	}
	// Round-trip through JSON so YAML-native types match what the
	// validator expects.
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encoding config for validation failed: %w", err)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("decoding config for validation failed: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config schema validation failed: %w", err)
	}
	return nil
}

func validate(c *Config) error {
	if err := c.validateAccounts(); err != nil {
		return err
	}
	if err := c.Broker.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	if err := c.validateSizing(); err != nil {
		return err
	}
	if err := c.Scheduler.validate(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateAccounts() error {
	if len(c.EnabledAccounts()) == 0 {
		return fmt.Errorf("accounts requires at least one enabled account")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			return fmt.Errorf("accounts contains entry without id")
		}
		if seen[id] {
			return fmt.Errorf("accounts contains duplicate id: %s", id)
		}
		seen[id] = true
		if a.Equity < 0 {
			return fmt.Errorf("accounts.%s equity must be >= 0", id)
		}
	}
	return nil
}

func (b *BrokerConfig) validate() error {
	switch b.Mode {
	case "paper":
		return nil
	case "rest":
		if strings.TrimSpace(b.REST.BaseURL) == "" {
			return fmt.Errorf("broker.rest.base_url required when broker.mode=rest")
		}
		return nil
	default:
		return fmt.Errorf("broker.mode only supports 'paper' or 'rest', got %s", b.Mode)
	}
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if n.Telegram.BotToken == "" || n.Telegram.ChatID == "" {
			return fmt.Errorf("telegram notification enabled but missing bot_token or chat_id")
		}
	}
	return nil
}

func (c *Config) validateSizing() error {
	if c.Sizing.InitialFraction <= 0 || c.Sizing.InitialFraction > 1 {
		return fmt.Errorf("sizing.initial_fraction must be in (0, 1]")
	}
	if c.Averaging.MaxAttempts != len(c.Averaging.AttemptFractions) {
		return fmt.Errorf("averaging.attempt_fractions needs one entry per attempt (max_attempts=%d, fractions=%d)",
			c.Averaging.MaxAttempts, len(c.Averaging.AttemptFractions))
	}
	var total float64
	for i, f := range c.Averaging.AttemptFractions {
		if f <= 0 || f > 1 {
			return fmt.Errorf("averaging.attempt_fractions[%d] must be in (0, 1]", i)
		}
		total += f
	}
	if total > 1 {
		return fmt.Errorf("averaging.attempt_fractions sum must not exceed 1, got %.2f", total)
	}
	return nil
}

func (s *SchedulerConfig) validate() error {
	for key, interval := range map[string]string{
		"scheduler.entry_interval":   s.EntryInterval,
		"scheduler.monitor_interval": s.MonitorInterval,
		"scheduler.risk_interval":    s.RiskInterval,
	} {
		if !isValidInterval(interval) {
			return fmt.Errorf("%s invalid interval: %s", key, interval)
		}
	}
	return nil
}

// isValidInterval accepts digits followed by a unit of s/m/h/d/w.
func isValidInterval(s string) bool {
	if len(s) < 2 {
		return false
	}
	suf := s[len(s)-1]
	if suf != 's' && suf != 'm' && suf != 'h' && suf != 'd' && suf != 'w' {
		return false
	}
	for i := 0; i < len(s)-1; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
