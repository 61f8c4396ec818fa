package pricing

import (
	"fmt"
	"math"
)

// OptionRight is the side of the option contract.
type OptionRight string

const (
	Call OptionRight = "CE"
	Put  OptionRight = "PE"
)

// Inputs are the Black-Scholes parameters. TimeToExpiry is in years,
// Volatility and RiskFreeRate are annualized decimals (0.20 = 20%).
type Inputs struct {
	Spot         float64
	Strike       float64
	TimeToExpiry float64
	RiskFreeRate float64
	Volatility   float64
	Right        OptionRight
}

// Greeks holds the theoretical price and first-order sensitivities.
// Theta is per calendar day; Vega is per 1 volatility point (1%).
type Greeks struct {
	Price float64 `json:"price"`
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

func (i Inputs) validate() error {
	if i.Spot <= 0 {
		return fmt.Errorf("pricing: spot must be positive, got %f", i.Spot)
	}
	if i.Strike <= 0 {
		return fmt.Errorf("pricing: strike must be positive, got %f", i.Strike)
	}
	if i.TimeToExpiry <= 0 {
		return fmt.Errorf("pricing: time to expiry must be positive, got %f", i.TimeToExpiry)
	}
	if i.Volatility <= 0 {
		return fmt.Errorf("pricing: volatility must be positive, got %f", i.Volatility)
	}
	if i.Right != Call && i.Right != Put {
		return fmt.Errorf("pricing: unknown option right %q", i.Right)
	}
	return nil
}

// normCDF is the standard normal cumulative distribution.
// math.Erfc keeps the error well below the 1e-7 bound we need.
func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

func d1d2(in Inputs) (float64, float64) {
	volSqrtT := in.Volatility * math.Sqrt(in.TimeToExpiry)
	d1 := (math.Log(in.Spot/in.Strike) + (in.RiskFreeRate+0.5*in.Volatility*in.Volatility)*in.TimeToExpiry) / volSqrtT
	return d1, d1 - volSqrtT
}

// Compute returns the theoretical price and Greeks for the given inputs.
func Compute(in Inputs) (Greeks, error) {
	if err := in.validate(); err != nil {
		return Greeks{}, err
	}
	d1, d2 := d1d2(in)
	discount := math.Exp(-in.RiskFreeRate * in.TimeToExpiry)
	sqrtT := math.Sqrt(in.TimeToExpiry)

	var g Greeks
	switch in.Right {
	case Call:
		g.Price = in.Spot*normCDF(d1) - in.Strike*discount*normCDF(d2)
		g.Delta = normCDF(d1)
		g.Theta = (-in.Spot*normPDF(d1)*in.Volatility/(2*sqrtT) -
			in.RiskFreeRate*in.Strike*discount*normCDF(d2)) / 365
	case Put:
		g.Price = in.Strike*discount*normCDF(-d2) - in.Spot*normCDF(-d1)
		g.Delta = normCDF(d1) - 1
		g.Theta = (-in.Spot*normPDF(d1)*in.Volatility/(2*sqrtT) +
			in.RiskFreeRate*in.Strike*discount*normCDF(-d2)) / 365
	}
	g.Gamma = normPDF(d1) / (in.Spot * in.Volatility * sqrtT)
	g.Vega = in.Spot * normPDF(d1) * sqrtT / 100
	return g, nil
}

// Price is a convenience wrapper when only the theoretical value is needed.
func Price(in Inputs) (float64, error) {
	g, err := Compute(in)
	if err != nil {
		return 0, err
	}
	return g.Price, nil
}
