package probability

import (
	"fmt"
	"math"

	"github.com/rewired-gh/polyedge/internal/config"
	"github.com/rewired-gh/polyedge/internal/models"
)

// Strategy names accepted in strategy.sigma_strategy.
const (
	StrategySpread = "spread"
	StrategyBands  = "bands"
)

// Estimate is the outcome of one sigma estimation.
// Fallback is non-empty when the selected strategy could not be applied and
// another one produced Sigma.
type Estimate struct {
	Sigma    float64
	Strategy string
	Fallback string
}

// SigmaEstimator derives the forecast uncertainty of a daily high.
type SigmaEstimator interface {
	Name() string
	Estimate(w *models.ForecastWindow, mu float64) Estimate
}

// SpreadEstimator infers sigma from the dispersion of the forecast samples:
// stdev(samples)·√2, floored at half the default.
type SpreadEstimator struct {
	Default float64
}

func (s SpreadEstimator) Name() string { return StrategySpread }

func (s SpreadEstimator) Estimate(w *models.ForecastWindow, _ float64) Estimate {
	temps := w.Temperatures()
	if len(temps) < 2 {
		return Estimate{Sigma: s.Default, Strategy: StrategySpread, Fallback: "single sample, using sigma_default"}
	}

	sigma := sampleStdDev(temps) * math.Sqrt2
	floor := s.Default * 0.5
	if sigma < floor {
		return Estimate{Sigma: floor, Strategy: StrategySpread, Fallback: fmt.Sprintf("spread %.3f below floor", sigma)}
	}
	return Estimate{Sigma: sigma, Strategy: StrategySpread}
}

// BandsEstimator infers sigma from provider confidence bands: the likely and
// possible upper values are read as one-tailed percentiles of N(mu, sigma²)
// and the two implied sigmas are averaged. Without usable bands it delegates
// to Spread.
type BandsEstimator struct {
	ZLikely   float64
	ZPossible float64
	Spread    SpreadEstimator
}

// NewBandsEstimator builds a BandsEstimator for the given one-tailed percentiles.
func NewBandsEstimator(likelyPct, possiblePct, sigmaDefault float64) (BandsEstimator, error) {
	if likelyPct <= 0.5 || likelyPct >= 1 || possiblePct <= 0.5 || possiblePct >= 1 {
		return BandsEstimator{}, fmt.Errorf("band percentiles must be in (0.5, 1), got %.3f and %.3f", likelyPct, possiblePct)
	}
	return BandsEstimator{
		ZLikely:   NormalQuantile(likelyPct),
		ZPossible: NormalQuantile(possiblePct),
		Spread:    SpreadEstimator{Default: sigmaDefault},
	}, nil
}

func (b BandsEstimator) Name() string { return StrategyBands }

func (b BandsEstimator) Estimate(w *models.ForecastWindow, mu float64) Estimate {
	if !w.HasBands() {
		return b.fallback(w, mu, "confidence bands absent")
	}

	s1 := (*w.LikelyUpper - mu) / b.ZLikely
	s2 := (*w.PossibleUpper - mu) / b.ZPossible
	if s1 <= 0 || s2 <= 0 {
		return b.fallback(w, mu, fmt.Sprintf("bands at or below daily high (%.3f, %.3f)", s1, s2))
	}
	return Estimate{Sigma: (s1 + s2) / 2, Strategy: StrategyBands}
}

func (b BandsEstimator) fallback(w *models.ForecastWindow, mu float64, reason string) Estimate {
	est := b.Spread.Estimate(w, mu)
	est.Fallback = reason
	return est
}

// NewEstimator selects the estimator named by cfg.SigmaStrategy.
func NewEstimator(cfg config.StrategyConfig) (SigmaEstimator, error) {
	switch cfg.SigmaStrategy {
	case StrategySpread, "":
		return SpreadEstimator{Default: cfg.SigmaDefault}, nil
	case StrategyBands:
		return NewBandsEstimator(cfg.LikelyPct, cfg.PossiblePct, cfg.SigmaDefault)
	default:
		return nil, fmt.Errorf("unknown sigma strategy %q", cfg.SigmaStrategy)
	}
}

// sampleStdDev is the Bessel-corrected standard deviation.
func sampleStdDev(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var variance float64
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs) - 1)
	return math.Sqrt(variance)
}
