package risk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"talon/internal/logger"
	"talon/internal/store"
	"talon/internal/types"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

type limitsFile struct {
	Limits []struct {
		AccountID       string  `yaml:"account_id"`
		DailyLossLimit  float64 `yaml:"daily_loss_limit"`
		WeeklyLossLimit float64 `yaml:"weekly_loss_limit"`
		MaxDrawdownPct  float64 `yaml:"max_drawdown_pct"`
	} `yaml:"limits"`
}

// LimitsWatcher keeps the risk-limit store in sync with an operator
// owned overrides file. Edits take effect on the next monitor tick
// without a restart.
type LimitsWatcher struct {
	path      string
	riskStore store.RiskStore
}

func NewLimitsWatcher(path string, riskStore store.RiskStore) *LimitsWatcher {
	return &LimitsWatcher{path: path, riskStore: riskStore}
}

// LoadOnce parses the file and upserts every limit it defines.
func (w *LimitsWatcher) LoadOnce(ctx context.Context) error {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("risk: reading limits file %s: %w", w.path, err)
	}
	var file limitsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("risk: parsing limits file %s: %w", w.path, err)
	}
	count := 0
	for _, entry := range file.Limits {
		accountID := strings.TrimSpace(entry.AccountID)
		if accountID == "" {
			continue
		}
		limit := types.RiskLimit{
			AccountID:       accountID,
			DailyLossLimit:  entry.DailyLossLimit,
			WeeklyLossLimit: entry.WeeklyLossLimit,
			MaxDrawdownPct:  entry.MaxDrawdownPct,
		}
		if err := w.riskStore.SaveRiskLimit(ctx, limit); err != nil {
			return fmt.Errorf("risk: saving limit for %s: %w", accountID, err)
		}
		count++
	}
	logger.Infof("risk: loaded %d account limits from %s", count, w.path)
	return nil
}

// Run loads the file once, then blocks watching it for changes until the
// context ends. A bad edit is logged and skipped; the previous limits
// stay in force.
func (w *LimitsWatcher) Run(ctx context.Context) error {
	if err := w.LoadOnce(ctx); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("risk: starting limits watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors typically replace the file, which
	// drops a watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("risk: watching %s: %w", filepath.Dir(w.path), err)
	}

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := w.LoadOnce(ctx); err != nil {
				logger.Errorf("risk: limits reload failed, keeping previous limits: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("risk: limits watcher error: %v", err)
		}
	}
}
