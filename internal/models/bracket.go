package models

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Bracket is a half-open temperature interval [Lower, Upper) traded as one market.
// Open-ended brackets ("59°F or below", "70°F or higher") use -Inf / +Inf bounds.
type Bracket struct {
	Label    string  `json:"label"`
	Lower    float64 `json:"lower"`
	Upper    float64 `json:"upper"`
	MarketID string  `json:"market_id"`          // opaque venue market identifier
	TokenID  string  `json:"token_id,omitempty"` // venue price token for the YES side
}

// Key returns the identifier used for price snapshots and liquidity lookups.
func (b Bracket) Key() string {
	if b.MarketID != "" {
		return b.MarketID
	}
	return b.Label
}

// Validate checks that the bracket bounds form a non-empty interval.
func (b Bracket) Validate() error {
	if b.Label == "" {
		return fmt.Errorf("%w: bracket label must not be empty", ErrInput)
	}
	if math.IsNaN(b.Lower) || math.IsNaN(b.Upper) {
		return fmt.Errorf("%w: bracket %q has NaN bounds", ErrInput, b.Label)
	}
	if b.Lower >= b.Upper {
		return fmt.Errorf("%w: bracket %q lower bound %.2f must be below upper bound %.2f", ErrInput, b.Label, b.Lower, b.Upper)
	}
	return nil
}

// ValidateBrackets checks every bracket and rejects overlapping intervals.
// Gaps between brackets are allowed.
func ValidateBrackets(brackets []Bracket) error {
	var errs []error
	for _, b := range brackets {
		if err := b.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	sorted := make([]Bracket, len(brackets))
	copy(sorted, brackets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Lower < sorted[j].Lower })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Lower < sorted[i-1].Upper {
			return fmt.Errorf("%w: brackets %q and %q overlap", ErrInput, sorted[i-1].Label, sorted[i].Label)
		}
	}
	return nil
}

// SortBrackets orders brackets by lower bound, ascending.
func SortBrackets(brackets []Bracket) {
	sort.SliceStable(brackets, func(i, j int) bool { return brackets[i].Lower < brackets[j].Lower })
}

// BracketProbability is the forecast probability of one bracket for one cycle.
// It is never mutated after creation; WithMarket returns a copy carrying a price.
type BracketProbability struct {
	Bracket   Bracket  `json:"bracket"`
	PForecast float64  `json:"p_forecast"`
	Sigma     float64  `json:"sigma"`
	PMarket   *float64 `json:"p_market,omitempty"`
}

// WithMarket returns a copy of p with the market probability attached.
func (p BracketProbability) WithMarket(pMarket float64) BracketProbability {
	v := pMarket
	p.PMarket = &v
	return p
}

// MarketPrice returns the attached market probability, if any.
func (p BracketProbability) MarketPrice() (float64, bool) {
	if p.PMarket == nil {
		return 0, false
	}
	return *p.PMarket, true
}

// Validate checks the probability bounds.
func (p BracketProbability) Validate() error {
	if p.PForecast < 0.0 || p.PForecast > 1.0 {
		return fmt.Errorf("%w: p_forecast must be between 0.0 and 1.0", ErrValidation)
	}
	if p.Sigma <= 0 {
		return fmt.Errorf("%w: sigma must be positive", ErrValidation)
	}
	if p.PMarket != nil && (*p.PMarket < 0.0 || *p.PMarket > 1.0) {
		return fmt.Errorf("%w: p_market must be between 0.0 and 1.0", ErrValidation)
	}
	return nil
}

// SizeReason names the bound or filter that determined a decision's size.
type SizeReason string

const (
	ReasonKelly            SizeReason = "kelly"
	ReasonKellyCap         SizeReason = "kelly_cap"
	ReasonPerMarketCap     SizeReason = "per_market_cap"
	ReasonLiquidity        SizeReason = "liquidity"
	ReasonDailyBankrollCap SizeReason = "daily_bankroll_cap"
)

// EdgeDecision is one sized position for one bracket in one cycle.
type EdgeDecision struct {
	Bracket       Bracket    `json:"bracket"`
	PForecast     float64    `json:"p_forecast"`
	PMarket       float64    `json:"p_market"`
	Edge          float64    `json:"edge"`
	KellyFraction float64    `json:"kelly_fraction"`
	SizeUSD       float64    `json:"size_usd"`
	Reason        SizeReason `json:"reason"`
}
