package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"talon/internal/market"

	"github.com/tidwall/gjson"
)

// RESTConfig configures the generic JSON-over-HTTP broker adapter.
type RESTConfig struct {
	BaseURL     string        `toml:"base_url"`
	APIKey      string        `toml:"api_key"`
	HTTPTimeout time.Duration `toml:"http_timeout"`
}

// RESTGateway talks to a broker bridge speaking a small JSON API. Response
// shapes are extracted with gjson so field drift on the bridge side fails
// loudly instead of decoding into zero values.
type RESTGateway struct {
	cfg    RESTConfig
	client *http.Client
}

var _ Gateway = (*RESTGateway)(nil)
var _ market.ChainProvider = (*RESTGateway)(nil)

func NewRESTGateway(cfg RESTConfig) (*RESTGateway, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("broker: base_url is required")
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	return &RESTGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
	}, nil
}

func (g *RESTGateway) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if req.Quantity <= 0 {
		return OrderAck{}, fmt.Errorf("broker: order quantity must be positive, got %d", req.Quantity)
	}
	body, err := g.post(ctx, "/orders", req)
	if err != nil {
		return OrderAck{}, err
	}
	parsed := gjson.ParseBytes(body)
	status := parsed.Get("status").String()
	if strings.EqualFold(status, "rejected") {
		reason := parsed.Get("reason").String()
		return OrderAck{Status: status}, fmt.Errorf("%w: %s", ErrOrderRejected, reason)
	}
	orderID := parsed.Get("order_id").String()
	if orderID == "" {
		return OrderAck{}, fmt.Errorf("broker: order response missing order_id")
	}
	return OrderAck{OrderID: orderID, Status: status}, nil
}

func (g *RESTGateway) AvailableMargin(ctx context.Context, accountID string) (float64, error) {
	body, err := g.get(ctx, "/accounts/"+accountID+"/margin")
	if err != nil {
		return 0, err
	}
	val := gjson.GetBytes(body, "available")
	if !val.Exists() {
		return 0, fmt.Errorf("broker: margin response missing available field")
	}
	return val.Float(), nil
}

func (g *RESTGateway) MarginPerUnit(ctx context.Context, symbol string) (float64, error) {
	body, err := g.get(ctx, "/instruments/"+symbol+"/margin")
	if err != nil {
		return 0, err
	}
	val := gjson.GetBytes(body, "per_unit")
	if !val.Exists() || val.Float() <= 0 {
		return 0, fmt.Errorf("broker: invalid per-unit margin for %s", symbol)
	}
	return val.Float(), nil
}

func (g *RESTGateway) Positions(ctx context.Context, accountID string) ([]NetPosition, error) {
	body, err := g.get(ctx, "/accounts/"+accountID+"/positions")
	if err != nil {
		return nil, err
	}
	var out []NetPosition
	gjson.GetBytes(body, "positions").ForEach(func(_, item gjson.Result) bool {
		out = append(out, NetPosition{
			Symbol:   item.Get("symbol").String(),
			Quantity: int(item.Get("quantity").Int()),
			AvgPrice: item.Get("avg_price").Float(),
			LTP:      item.Get("ltp").Float(),
		})
		return true
	})
	return out, nil
}

func (g *RESTGateway) Quote(ctx context.Context, symbol string) (Quote, error) {
	body, err := g.get(ctx, "/quotes/"+symbol)
	if err != nil {
		return Quote{}, err
	}
	parsed := gjson.ParseBytes(body)
	ltp := parsed.Get("ltp")
	if !ltp.Exists() || ltp.Float() <= 0 {
		return Quote{}, fmt.Errorf("broker: quote for %s missing ltp", symbol)
	}
	return Quote{
		Symbol: symbol,
		LTP:    ltp.Float(),
		Bid:    parsed.Get("bid").Float(),
		Ask:    parsed.Get("ask").Float(),
		Taken:  time.Now(),
	}, nil
}

// OptionChain implements market.ChainProvider over the bridge's chain
// endpoint.
func (g *RESTGateway) OptionChain(ctx context.Context, instrument string, expiry time.Time) (map[market.StrikeKey]market.PremiumQuote, error) {
	path := fmt.Sprintf("/chains/%s?expiry=%s", instrument, expiry.Format("2006-01-02"))
	body, err := g.get(ctx, path)
	if err != nil {
		return nil, err
	}
	chain := make(map[market.StrikeKey]market.PremiumQuote)
	gjson.GetBytes(body, "chain").ForEach(func(_, item gjson.Result) bool {
		strike := item.Get("strike").Float()
		right := strings.ToUpper(item.Get("right").String())
		if strike <= 0 || (right != "CE" && right != "PE") {
			return true
		}
		chain[market.StrikeKey{Strike: strike, Right: right}] = market.PremiumQuote{
			Premium:      item.Get("premium").Float(),
			OpenInterest: item.Get("oi").Float(),
		}
		return true
	})
	if len(chain) == 0 {
		return nil, &market.MissingDataError{Instrument: instrument, Field: "option_chain"}
	}
	return chain, nil
}

// VolIndex implements market.ChainProvider.
func (g *RESTGateway) VolIndex(ctx context.Context) (float64, error) {
	body, err := g.get(ctx, "/volindex")
	if err != nil {
		return 0, err
	}
	val := gjson.GetBytes(body, "value")
	if !val.Exists() || val.Float() <= 0 {
		return 0, &market.MissingDataError{Instrument: "volindex", Field: "value"}
	}
	return val.Float(), nil
}

func (g *RESTGateway) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return g.do(req)
}

func (g *RESTGateway) post(ctx context.Context, path string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return g.do(req)
}

func (g *RESTGateway) do(req *http.Request) ([]byte, error) {
	if g.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", g.cfg.APIKey)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("broker: %s %s failed: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("broker: %s %s status=%d body=%s", req.Method, req.URL.Path, resp.StatusCode, truncate(body, 200))
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("broker: %s %s returned invalid json", req.Method, req.URL.Path)
	}
	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
