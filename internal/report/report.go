// Package report renders the account P&L report as a self-contained
// HTML page built from closed positions.
package report

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"talon/internal/store"
	"talon/internal/types"
)

const (
	colorBackground  = "#060c1b"
	colorTextPrimary = "#eceff4"
	colorCurve       = "#34d399"

	chartWidthPx  = 1100
	chartHeightPx = 480

	historyLimit = 500
)

type Renderer struct {
	positions store.PositionStore
}

func NewRenderer(positions store.PositionStore) *Renderer {
	return &Renderer{positions: positions}
}

// Summary aggregates the closed trades of one account.
type Summary struct {
	AccountID   string  `json:"account_id"`
	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	RealizedPnL float64 `json:"realized_pnl"`
	BestTrade   float64 `json:"best_trade"`
	WorstTrade  float64 `json:"worst_trade"`
}

// Summarize computes the closed-trade statistics without rendering.
func (r *Renderer) Summarize(ctx context.Context, accountID string) (Summary, []types.Position, error) {
	positions, err := r.positions.ListPositions(ctx, accountID, historyLimit)
	if err != nil {
		return Summary{}, nil, err
	}
	closed := make([]types.Position, 0, len(positions))
	for _, p := range positions {
		if p.Status == types.PositionClosed && p.ClosedAt != nil {
			closed = append(closed, p)
		}
	}
	sort.Slice(closed, func(i, j int) bool {
		return closed[i].ClosedAt.Before(*closed[j].ClosedAt)
	})

	sum := Summary{AccountID: accountID, Trades: len(closed)}
	for i, p := range closed {
		sum.RealizedPnL += p.RealizedPnL
		if p.RealizedPnL > 0 {
			sum.Wins++
		}
		if i == 0 || p.RealizedPnL > sum.BestTrade {
			sum.BestTrade = p.RealizedPnL
		}
		if i == 0 || p.RealizedPnL < sum.WorstTrade {
			sum.WorstTrade = p.RealizedPnL
		}
	}
	return sum, closed, nil
}

// RenderPnL writes the cumulative realized P&L curve for the account.
func (r *Renderer) RenderPnL(ctx context.Context, accountID string, w io.Writer) error {
	sum, closed, err := r.Summarize(ctx, accountID)
	if err != nil {
		return err
	}

	xAxis := make([]string, 0, len(closed))
	curve := make([]opts.LineData, 0, len(closed))
	var cumulative float64
	for _, p := range closed {
		cumulative += p.RealizedPnL
		xAxis = append(xAxis, p.ClosedAt.Format(time.DateTime))
		curve = append(curve, opts.LineData{Value: cumulative})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", chartHeightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{
			Title: fmt.Sprintf("Realized P&L: %s", accountID),
			Subtitle: fmt.Sprintf("%d trades, %d wins, total %.2f (best %.2f / worst %.2f)",
				sum.Trades, sum.Wins, sum.RealizedPnL, sum.BestTrade, sum.WorstTrade),
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: colorTextPrimary},
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithYAxisOpts(opts.YAxis{Scale: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
	)
	line.SetXAxis(xAxis)
	line.AddSeries("cumulative P&L", curve,
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)}),
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorCurve, Width: 2}),
	)
	return line.Render(w)
}
