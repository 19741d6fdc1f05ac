// Package sizing converts forecast-vs-market probability gaps into bounded
// position sizes.
//
// For each priced bracket:
//
//	edge  = p_forecast − p_market − (fee_bp + slippage_bp)/10000
//	b     = 1/p_market − 1
//	f*    = max(0, (b·p_forecast − (1 − p_forecast)) / b)
//	size  = min(bankroll·f*, bankroll·kelly_cap, per_market_cap, liquidity)
//
// Brackets without a price, with a degenerate price, with edge below edge_min,
// or with too little liquidity produce no decision. The binding bound is
// recorded as the decision's reason.
package sizing

import (
	"math"
	"sort"

	"github.com/rewired-gh/polyedge/internal/config"
	"github.com/rewired-gh/polyedge/internal/models"
)

// Sizer is a pure function of its inputs and safe for concurrent use.
type Sizer struct {
	cfg config.StrategyConfig
}

// New creates a Sizer for the given strategy parameters.
func New(cfg config.StrategyConfig) *Sizer {
	return &Sizer{cfg: cfg}
}

// Costs returns the round-trip transaction cost as a probability.
func (s *Sizer) Costs() float64 {
	return (s.cfg.FeeBP + s.cfg.SlippageBP) / 10000
}

// Edge returns the cost-adjusted edge of buying YES at pMarket.
func (s *Sizer) Edge(pForecast, pMarket float64) float64 {
	return pForecast - pMarket - s.Costs()
}

// KellyFraction returns the full-Kelly bankroll fraction for buying YES at
// pMarket when the true probability is pForecast, floored at zero. The second
// result is false when the price is degenerate (b ≤ 0).
func KellyFraction(pForecast, pMarket float64) (float64, bool) {
	if pMarket <= 0 || pMarket >= 1 {
		return 0, false
	}
	b := 1/pMarket - 1
	if b <= 0 {
		return 0, false
	}
	f := (b*pForecast - (1 - pForecast)) / b
	return math.Max(0, f), true
}

type candidate struct {
	p         models.BracketProbability
	pMarket   float64
	edge      float64
	kelly     float64
	liquidity float64
	order     int
}

// Size returns one decision per qualifying bracket, ordered by edge descending.
// liquidity maps Bracket.Key() to available USD depth; a nil map means depth is
// unknown and unconstrained.
func (s *Sizer) Size(probs []models.BracketProbability, bankrollUSD float64, liquidity map[string]float64) []models.EdgeDecision {
	if bankrollUSD <= 0 {
		return nil
	}

	var candidates []candidate
	for i, p := range probs {
		pMarket, ok := p.MarketPrice()
		if !ok {
			continue
		}
		kelly, valid := KellyFraction(p.PForecast, pMarket)
		if !valid {
			continue
		}
		edge := s.Edge(p.PForecast, pMarket)
		if edge < s.cfg.EdgeMin {
			continue
		}

		avail := math.Inf(1)
		if liquidity != nil {
			depth, known := liquidity[p.Bracket.Key()]
			switch {
			case known:
				avail = depth
			case s.cfg.LiquidityMinUSD > 0:
				// depth cannot be verified against the minimum
				continue
			}
		}
		if avail < s.cfg.LiquidityMinUSD {
			continue
		}
		if kelly <= 0 {
			continue
		}

		candidates = append(candidates, candidate{
			p:         p,
			pMarket:   pMarket,
			edge:      edge,
			kelly:     kelly,
			liquidity: avail,
			order:     i,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].edge != candidates[j].edge {
			return candidates[i].edge > candidates[j].edge
		}
		return candidates[i].order < candidates[j].order
	})

	remaining := math.Inf(1)
	if s.cfg.DailyBankrollCap > 0 {
		remaining = s.cfg.DailyBankrollCap
	}

	decisions := make([]models.EdgeDecision, 0, len(candidates))
	for _, c := range candidates {
		size, reason := s.bound(c, bankrollUSD)
		if size > remaining {
			size, reason = remaining, models.ReasonDailyBankrollCap
		}
		if size <= 0 {
			continue
		}
		remaining -= size

		decisions = append(decisions, models.EdgeDecision{
			Bracket:       c.p.Bracket,
			PForecast:     c.p.PForecast,
			PMarket:       c.pMarket,
			Edge:          c.edge,
			KellyFraction: c.kelly,
			SizeUSD:       size,
			Reason:        reason,
		})
	}
	return decisions
}

// bound applies the per-position caps in a fixed order so ties resolve to the
// earliest bound.
func (s *Sizer) bound(c candidate, bankrollUSD float64) (float64, models.SizeReason) {
	size, reason := bankrollUSD*c.kelly, models.ReasonKelly
	if capped := bankrollUSD * s.cfg.KellyCap; capped < size {
		size, reason = capped, models.ReasonKellyCap
	}
	if s.cfg.PerMarketCap > 0 && s.cfg.PerMarketCap < size {
		size, reason = s.cfg.PerMarketCap, models.ReasonPerMarketCap
	}
	if c.liquidity < size {
		size, reason = c.liquidity, models.ReasonLiquidity
	}
	return size, reason
}
