package market

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"talon/internal/logger"

	"github.com/adshao/go-binance/v2"
)

const referenceCloseLimit = 50

// ReferenceConfig configures the reference-index feed used by the filter
// pipeline (short-term stability window, statistical band history).
type ReferenceConfig struct {
	RESTBaseURL  string        `toml:"rest_base_url"`
	HTTPTimeout  time.Duration `toml:"http_timeout"`
	Interval     string        `toml:"interval"` // kline interval for recent closes, e.g. "5m"
	CandleLimit  int           `toml:"candle_limit"`
}

func (c ReferenceConfig) withDefaults() ReferenceConfig {
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if strings.TrimSpace(c.Interval) == "" {
		c.Interval = "5m"
	}
	if c.CandleLimit <= 0 || c.CandleLimit > 500 {
		c.CandleLimit = referenceCloseLimit
	}
	return c
}

// ReferenceSource pulls the reference-index spot and recent closes through
// the go-binance SDK. It covers the price legs of a Snapshot; the options
// chain and vol index come from the broker-side ChainProvider.
type ReferenceSource struct {
	cfg    ReferenceConfig
	client *binance.Client
}

func NewReferenceSource(cfg ReferenceConfig) *ReferenceSource {
	final := cfg.withDefaults()
	client := binance.NewClient("", "")
	if base := strings.TrimSpace(final.RESTBaseURL); base != "" {
		client.BaseURL = base
	}
	client.HTTPClient = &http.Client{Timeout: final.HTTPTimeout}
	return &ReferenceSource{cfg: final, client: client}
}

// SpotPrice returns the latest traded price for symbol.
func (s *ReferenceSource) SpotPrice(ctx context.Context, symbol string) (float64, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return 0, fmt.Errorf("reference source: symbol is required")
	}
	prices, err := s.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("reference source: price fetch for %s failed: %w", symbol, err)
	}
	if len(prices) == 0 {
		return 0, &MissingDataError{Instrument: symbol, Field: "spot"}
	}
	spot, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil || spot <= 0 {
		return 0, &MissingDataError{Instrument: symbol, Field: "spot"}
	}
	return spot, nil
}

// RecentCloses returns the latest close series, oldest first.
func (s *ReferenceSource) RecentCloses(ctx context.Context, symbol string) ([]float64, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("reference source: symbol is required")
	}
	kls, err := s.client.NewKlinesService().
		Symbol(symbol).
		Interval(s.cfg.Interval).
		Limit(s.cfg.CandleLimit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("reference source: kline fetch for %s failed: %w", symbol, err)
	}
	closes := make([]float64, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		close, err := strconv.ParseFloat(kl.Close, 64)
		if err != nil {
			logger.Warnf("reference source: unparseable close %q for %s", kl.Close, symbol)
			continue
		}
		closes = append(closes, close)
	}
	if len(closes) == 0 {
		return nil, &MissingDataError{Instrument: symbol, Field: "recent_closes"}
	}
	return closes, nil
}
