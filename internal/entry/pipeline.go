// Package entry gates new position entries behind an ordered set of
// independent predicate filters and assembles the trade candidate once
// every gate passes.
package entry

import (
	"context"
	"math"
	"time"

	"talon/internal/logger"
	"talon/internal/market"
)

// FilterResult is one filter's verdict with a human-readable reason.
type FilterResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Reason string `json:"reason"`
}

// Decision aggregates a full pipeline run. Blocked points at the first
// failing result; a clean pass is itself a reportable outcome.
type Decision struct {
	Passed  bool           `json:"passed"`
	Blocked *FilterResult  `json:"blocked,omitempty"`
	Results []FilterResult `json:"results"`
}

// Input is the read-only state every filter evaluates against. Filters
// must not mutate it; order-insensitivity depends on that.
type Input struct {
	AccountID string
	Now       time.Time
	Snapshot  market.Snapshot
	Calendar  market.Calendar
}

// DaysToExpiry counts calendar days from now to the snapshot expiry,
// rounding partial days up so the entry day itself counts.
func (in Input) DaysToExpiry() int {
	if in.Snapshot.Expiry.IsZero() {
		return 0
	}
	hours := in.Snapshot.Expiry.Sub(in.Now).Hours()
	if hours <= 0 {
		return 0
	}
	return int(math.Ceil(hours / 24))
}

// Filter is one side-effect-free predicate. A returned error means the
// filter could not be evaluated (missing upstream data, store failure);
// the pipeline surfaces that as a typed failure, never a default pass.
type Filter interface {
	Name() string
	Evaluate(ctx context.Context, in Input) (FilterResult, error)
}

// Pipeline runs its filters in order and stops at the first failure.
type Pipeline struct {
	filters []Filter
}

func NewPipeline(filters ...Filter) *Pipeline {
	return &Pipeline{filters: filters}
}

// Run evaluates all filters. Missing market data aborts with the typed
// missing-data error rather than letting a zero reading pass a gate.
func (p *Pipeline) Run(ctx context.Context, in Input) (Decision, error) {
	if err := in.Snapshot.Validate(); err != nil {
		return Decision{}, err
	}
	dec := Decision{Results: make([]FilterResult, 0, len(p.filters))}
	for _, f := range p.filters {
		res, err := f.Evaluate(ctx, in)
		if err != nil {
			return Decision{}, err
		}
		dec.Results = append(dec.Results, res)
		if !res.Passed {
			blocked := res
			dec.Blocked = &blocked
			logger.Infof("entry: filter %s blocked account=%s: %s", res.Name, in.AccountID, res.Reason)
			return dec, nil
		}
	}
	dec.Passed = true
	return dec, nil
}
