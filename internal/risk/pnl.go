package risk

import (
	"context"
	"time"

	"talon/internal/store"
	"talon/internal/types"
)

// StorePnL derives per-account loss figures from the position store:
// realized P&L of positions closed inside the window plus unrealized
// P&L of whatever is still open. Drawdown is the combined loss as a
// percentage of the account's configured baseline equity.
type StorePnL struct {
	positions store.PositionStore
	equity    map[string]float64
}

var _ PnLSource = (*StorePnL)(nil)

func NewStorePnL(positions store.PositionStore, baselineEquity map[string]float64) *StorePnL {
	if baselineEquity == nil {
		baselineEquity = make(map[string]float64)
	}
	return &StorePnL{positions: positions, equity: baselineEquity}
}

func (s *StorePnL) AccountPnL(ctx context.Context, accountID string, now time.Time) (AccountPnL, error) {
	positions, err := s.positions.ListPositions(ctx, accountID, 500)
	if err != nil {
		return AccountPnL{}, err
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	weekStart := startOfWeek(now)

	var dayPnL, weekPnL float64
	for _, pos := range positions {
		switch pos.Status {
		case types.PositionActive:
			dayPnL += pos.UnrealizedPnL
			weekPnL += pos.UnrealizedPnL
		case types.PositionClosed:
			if pos.ClosedAt == nil {
				continue
			}
			closed := *pos.ClosedAt
			if !closed.Before(dayStart) {
				dayPnL += pos.RealizedPnL
			}
			if !closed.Before(weekStart) {
				weekPnL += pos.RealizedPnL
			}
		}
	}

	pnl := AccountPnL{
		DailyLoss:  lossOf(dayPnL),
		WeeklyLoss: lossOf(weekPnL),
	}
	if equity := s.equity[accountID]; equity > 0 {
		pnl.DrawdownPct = pnl.WeeklyLoss / equity * 100
	}
	return pnl, nil
}

func lossOf(pnl float64) float64 {
	if pnl >= 0 {
		return 0
	}
	return -pnl
}

func startOfWeek(now time.Time) time.Time {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	offset := (int(day.Weekday()) + 6) % 7 // Monday-based week
	return day.AddDate(0, 0, -offset)
}
