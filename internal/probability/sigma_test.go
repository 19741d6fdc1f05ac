package probability

import (
	"math"
	"strings"
	"testing"

	"github.com/rewired-gh/polyedge/internal/config"
)

func TestNormalQuantile(t *testing.T) {
	tests := []struct {
		p, want float64
	}{
		{0.5, 0},
		{0.80, 0.8416},
		{0.95, 1.6449},
	}
	for _, tt := range tests {
		if got := NormalQuantile(tt.p); math.Abs(got-tt.want) > 1e-4 {
			t.Errorf("NormalQuantile(%v) = %v, want %v", tt.p, got, tt.want)
		}
		if got := NormalCDF(NormalQuantile(tt.p)); math.Abs(got-tt.p) > 1e-9 {
			t.Errorf("NormalCDF(NormalQuantile(%v)) = %v", tt.p, got)
		}
	}
	if NormalCDF(math.Inf(-1)) != 0 || NormalCDF(math.Inf(1)) != 1 {
		t.Error("NormalCDF must be exact at ±Inf")
	}
}

func TestSpreadEstimator(t *testing.T) {
	s := SpreadEstimator{Default: 3}

	est := s.Estimate(window(60), 60)
	if est.Sigma != 3 || est.Fallback == "" {
		t.Errorf("single sample: got %+v, want sigma_default with fallback", est)
	}

	// samples 58, 60, 62: sample stdev 2, times √2
	est = s.Estimate(window(58, 60, 62), 62)
	if math.Abs(est.Sigma-2*math.Sqrt2) > 1e-9 {
		t.Errorf("spread sigma = %v, want %v", est.Sigma, 2*math.Sqrt2)
	}
	if est.Fallback != "" {
		t.Errorf("unexpected fallback %q", est.Fallback)
	}

	est = s.Estimate(window(60, 60, 60.1), 60.1)
	if est.Sigma != 1.5 {
		t.Errorf("flat samples should hit the floor 1.5, got %v", est.Sigma)
	}
}

func TestBandsEstimator(t *testing.T) {
	b, err := NewBandsEstimator(0.80, 0.95, 3)
	if err != nil {
		t.Fatal(err)
	}

	w := window(58, 61)
	likely, possible := 63.0, 65.0
	w.LikelyUpper = &likely
	w.PossibleUpper = &possible

	est := b.Estimate(w, 61)
	want := ((63-61)/NormalQuantile(0.80) + (65-61)/NormalQuantile(0.95)) / 2
	if math.Abs(est.Sigma-want) > 1e-9 {
		t.Errorf("bands sigma = %v, want %v", est.Sigma, want)
	}
	if est.Strategy != StrategyBands || est.Fallback != "" {
		t.Errorf("unexpected estimate %+v", est)
	}
}

func TestBandsFallsBackToSpread(t *testing.T) {
	b, err := NewBandsEstimator(0.80, 0.95, 3)
	if err != nil {
		t.Fatal(err)
	}
	spread := SpreadEstimator{Default: 3}

	w := window(58, 60, 62)
	est := b.Estimate(w, 62)
	if est.Strategy != StrategySpread {
		t.Errorf("Strategy = %s, want spread", est.Strategy)
	}
	if !strings.Contains(est.Fallback, "absent") {
		t.Errorf("Fallback = %q, want mention of absent bands", est.Fallback)
	}
	if est.Sigma != spread.Estimate(w, 62).Sigma {
		t.Errorf("fallback sigma %v differs from spread", est.Sigma)
	}

	below := 61.0
	w.LikelyUpper = &below
	w.PossibleUpper = &below
	if est := b.Estimate(w, 62); est.Strategy != StrategySpread || est.Fallback == "" {
		t.Errorf("bands below mu should fall back, got %+v", est)
	}
}

func TestNewEstimator(t *testing.T) {
	cfg := config.DefaultStrategy()

	cfg.SigmaStrategy = "bands"
	est, err := NewEstimator(cfg)
	if err != nil || est.Name() != StrategyBands {
		t.Errorf("NewEstimator(bands) = %v, %v", est, err)
	}

	cfg.SigmaStrategy = "spread"
	est, err = NewEstimator(cfg)
	if err != nil || est.Name() != StrategySpread {
		t.Errorf("NewEstimator(spread) = %v, %v", est, err)
	}

	cfg.SigmaStrategy = "ensemble"
	if _, err := NewEstimator(cfg); err == nil {
		t.Error("expected error for unknown strategy")
	}
}
