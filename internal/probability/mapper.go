// Package probability turns a forecast window into a probability distribution
// over market brackets.
//
// The daily high mu is the maximum forecast sample. Its uncertainty sigma comes
// from a pluggable SigmaEstimator, is clamped to [sigma_min, sigma_max], and each
// bracket [a, b) gets Φ((b−mu)/sigma) − Φ((a−mu)/sigma). Probabilities are then
// renormalized so they sum to one over the provided brackets.
package probability

import (
	"fmt"
	"math"

	"github.com/rewired-gh/polyedge/internal/config"
	"github.com/rewired-gh/polyedge/internal/logger"
	"github.com/rewired-gh/polyedge/internal/models"
)

// normTolerance bounds |Σp − 1| after renormalization.
const normTolerance = 1e-4

// Result is the output of one mapping.
type Result struct {
	Probabilities []models.BracketProbability
	Mu            float64
	Sigma         float64
	Estimate      Estimate
	// AbsorbedMass is the raw probability outside the union of brackets that
	// renormalization redistributed.
	AbsorbedMass float64
}

// Top returns the bracket probability with the highest p_forecast.
func (r *Result) Top() (models.BracketProbability, bool) {
	if r == nil || len(r.Probabilities) == 0 {
		return models.BracketProbability{}, false
	}
	best := r.Probabilities[0]
	for _, p := range r.Probabilities[1:] {
		if p.PForecast > best.PForecast {
			best = p
		}
	}
	return best, true
}

// Mapper maps forecast windows to bracket probabilities. It holds no mutable
// state and is safe for concurrent use.
type Mapper struct {
	estimator    SigmaEstimator
	sigmaMin     float64
	sigmaMax     float64
	absorbedWarn float64
}

// NewMapper builds a Mapper with the estimator selected by cfg.
func NewMapper(cfg config.StrategyConfig) (*Mapper, error) {
	est, err := NewEstimator(cfg)
	if err != nil {
		return nil, err
	}
	return NewMapperWithEstimator(est, cfg)
}

// NewMapperWithEstimator builds a Mapper around an explicit estimator.
func NewMapperWithEstimator(est SigmaEstimator, cfg config.StrategyConfig) (*Mapper, error) {
	if est == nil {
		return nil, fmt.Errorf("sigma estimator is nil")
	}
	if cfg.SigmaMin <= 0 || cfg.SigmaMax < cfg.SigmaMin {
		return nil, fmt.Errorf("invalid sigma bounds [%.3f, %.3f]", cfg.SigmaMin, cfg.SigmaMax)
	}
	return &Mapper{
		estimator:    est,
		sigmaMin:     cfg.SigmaMin,
		sigmaMax:     cfg.SigmaMax,
		absorbedWarn: cfg.AbsorbedMassWarn,
	}, nil
}

// Map computes normalized per-bracket probabilities for one forecast window.
// An empty bracket list yields an empty result, not an error.
func (m *Mapper) Map(w *models.ForecastWindow, brackets []models.Bracket) (*Result, error) {
	if w == nil {
		return nil, fmt.Errorf("%w: forecast window is nil", models.ErrInput)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if err := models.ValidateBrackets(brackets); err != nil {
		return nil, err
	}

	mu := w.DailyHigh()
	est := m.estimator.Estimate(w, mu)
	sigma := m.clamp(est.Sigma)
	if !(sigma > 0) || math.IsInf(sigma, 0) {
		return nil, fmt.Errorf("%w: sigma %.4f invalid after clamping", models.ErrValidation, sigma)
	}

	if est.Fallback != "" {
		logger.Debug("Sigma for %s %s: strategy=%s fallback=%q sigma=%.3f", w.StationID, w.Date, est.Strategy, est.Fallback, sigma)
	} else {
		logger.Debug("Sigma for %s %s: strategy=%s sigma=%.3f", w.StationID, w.Date, est.Strategy, sigma)
	}

	result := &Result{
		Probabilities: make([]models.BracketProbability, 0, len(brackets)),
		Mu:            mu,
		Sigma:         sigma,
		Estimate:      est,
	}
	if len(brackets) == 0 {
		return result, nil
	}

	raw := make([]float64, len(brackets))
	var sum float64
	for i, b := range brackets {
		raw[i] = IntervalProbability(b.Lower, b.Upper, mu, sigma)
		sum += raw[i]
	}
	if !(sum > 0) {
		return nil, fmt.Errorf("%w: brackets carry no probability mass around %.2f±%.2f", models.ErrValidation, mu, sigma)
	}

	result.AbsorbedMass = math.Max(0, 1-sum)
	if m.absorbedWarn > 0 && result.AbsorbedMass > m.absorbedWarn {
		logger.Warn("Brackets for %s %s cover only %.1f%% of forecast mass (mu=%.2f sigma=%.2f); check bracket coverage",
			w.StationID, w.Date, sum*100, mu, sigma)
	}

	var total float64
	for i, b := range brackets {
		p := raw[i] / sum
		total += p
		result.Probabilities = append(result.Probabilities, models.BracketProbability{
			Bracket:   b,
			PForecast: p,
			Sigma:     sigma,
		})
	}
	if math.Abs(total-1) > normTolerance {
		return nil, fmt.Errorf("%w: probabilities sum to %.6f after normalization", models.ErrValidation, total)
	}

	return result, nil
}

func (m *Mapper) clamp(sigma float64) float64 {
	if math.IsNaN(sigma) {
		return sigma
	}
	return math.Max(m.sigmaMin, math.Min(m.sigmaMax, sigma))
}
