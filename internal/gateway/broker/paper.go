package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"talon/internal/market"

	"github.com/google/uuid"
)

// PaperGateway is the in-memory broker used in simulation mode and tests.
// Order flow is recorded, margins and quotes are settable, and individual
// symbols can be forced to fail to exercise partial-batch paths.
type PaperGateway struct {
	mu sync.Mutex

	margin      map[string]float64 // accountID -> available margin
	perUnit     map[string]float64 // symbol -> margin per unit
	quotes      map[string]float64 // symbol -> ltp
	chain       map[market.StrikeKey]market.PremiumQuote
	volIndex    float64
	failSymbols map[string]error
	failAfter   int
	failErr     error
	orders      []OrderRequest
	placeDelay  time.Duration
}

var _ Gateway = (*PaperGateway)(nil)
var _ market.ChainProvider = (*PaperGateway)(nil)

func NewPaperGateway() *PaperGateway {
	return &PaperGateway{
		margin:      make(map[string]float64),
		perUnit:     make(map[string]float64),
		quotes:      make(map[string]float64),
		chain:       make(map[market.StrikeKey]market.PremiumQuote),
		failSymbols: make(map[string]error),
		volIndex:    14,
	}
}

func (g *PaperGateway) SetMargin(accountID string, available float64) {
	g.mu.Lock()
	g.margin[accountID] = available
	g.mu.Unlock()
}

func (g *PaperGateway) SetMarginPerUnit(symbol string, amount float64) {
	g.mu.Lock()
	g.perUnit[symbol] = amount
	g.mu.Unlock()
}

func (g *PaperGateway) SetQuote(symbol string, ltp float64) {
	g.mu.Lock()
	g.quotes[symbol] = ltp
	g.mu.Unlock()
}

func (g *PaperGateway) SetVolIndex(v float64) {
	g.mu.Lock()
	g.volIndex = v
	g.mu.Unlock()
}

func (g *PaperGateway) SetChainQuote(strike float64, right string, q market.PremiumQuote) {
	g.mu.Lock()
	g.chain[market.StrikeKey{Strike: strike, Right: right}] = q
	g.mu.Unlock()
}

// FailSymbol makes every subsequent order for symbol return err.
func (g *PaperGateway) FailSymbol(symbol string, err error) {
	g.mu.Lock()
	g.failSymbols[symbol] = err
	g.mu.Unlock()
}

// FailAfter accepts the next n orders and rejects everything after them
// with err, simulating a venue dying mid-sequence.
func (g *PaperGateway) FailAfter(n int, err error) {
	g.mu.Lock()
	g.failAfter = n
	g.failErr = err
	g.mu.Unlock()
}

// SetPlaceDelay simulates venue latency per order.
func (g *PaperGateway) SetPlaceDelay(d time.Duration) {
	g.mu.Lock()
	g.placeDelay = d
	g.mu.Unlock()
}

// Orders returns a copy of everything placed so far.
func (g *PaperGateway) Orders() []OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]OrderRequest, len(g.orders))
	copy(out, g.orders)
	return out
}

func (g *PaperGateway) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if req.Quantity <= 0 {
		return OrderAck{}, fmt.Errorf("paper broker: order quantity must be positive, got %d", req.Quantity)
	}
	g.mu.Lock()
	delay := g.placeDelay
	failure := g.failSymbols[req.Symbol]
	if failure == nil && g.failErr != nil && len(g.orders) >= g.failAfter {
		failure = g.failErr
	}
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return OrderAck{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if failure != nil {
		return OrderAck{}, failure
	}
	if err := ctx.Err(); err != nil {
		return OrderAck{}, err
	}

	g.mu.Lock()
	g.orders = append(g.orders, req)
	g.mu.Unlock()
	return OrderAck{OrderID: uuid.NewString(), Status: "filled"}, nil
}

func (g *PaperGateway) AvailableMargin(ctx context.Context, accountID string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.margin[accountID]
	if !ok {
		return 0, fmt.Errorf("paper broker: unknown account %s", accountID)
	}
	return m, nil
}

func (g *PaperGateway) MarginPerUnit(ctx context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.perUnit[symbol]
	if !ok {
		return 0, fmt.Errorf("paper broker: no margin requirement for %s", symbol)
	}
	return m, nil
}

func (g *PaperGateway) Positions(ctx context.Context, accountID string) ([]NetPosition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	net := make(map[string]int)
	avg := make(map[string]float64)
	for _, o := range g.orders {
		qty := o.Quantity
		if o.Side == Sell {
			qty = -qty
		}
		net[o.Symbol] += qty
		avg[o.Symbol] = g.quotes[o.Symbol]
	}
	var out []NetPosition
	for sym, qty := range net {
		if qty == 0 {
			continue
		}
		out = append(out, NetPosition{Symbol: sym, Quantity: qty, AvgPrice: avg[sym], LTP: g.quotes[sym]})
	}
	return out, nil
}

func (g *PaperGateway) Quote(ctx context.Context, symbol string) (Quote, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ltp, ok := g.quotes[symbol]
	if !ok {
		return Quote{}, fmt.Errorf("paper broker: no quote for %s", symbol)
	}
	return Quote{Symbol: symbol, LTP: ltp, Bid: ltp, Ask: ltp, Taken: time.Now()}, nil
}

func (g *PaperGateway) OptionChain(ctx context.Context, instrument string, expiry time.Time) (map[market.StrikeKey]market.PremiumQuote, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.chain) == 0 {
		return nil, &market.MissingDataError{Instrument: instrument, Field: "option_chain"}
	}
	out := make(map[market.StrikeKey]market.PremiumQuote, len(g.chain))
	for k, v := range g.chain {
		out[k] = v
	}
	return out, nil
}

func (g *PaperGateway) VolIndex(ctx context.Context) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.volIndex <= 0 {
		return 0, &market.MissingDataError{Instrument: "volindex", Field: "value"}
	}
	return g.volIndex, nil
}

// OptionSymbol renders the canonical tradable symbol of one leg, e.g.
// NIFTY2608724500CE.
func OptionSymbol(instrument string, expiry time.Time, strike float64, right string) string {
	return fmt.Sprintf("%s%s%.0f%s", strings.ToUpper(instrument), expiry.Format("060102"), strike, strings.ToUpper(right))
}
