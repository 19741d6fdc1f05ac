package backtest

import (
	"errors"
	"math"
	"testing"

	"github.com/rewired-gh/polyedge/internal/models"
)

func pricedTrade(t *testing.T, station, label string, pMarket, size float64, o models.Outcome) *models.Trade {
	t.Helper()
	b := models.Bracket{Label: label, Lower: 60, Upper: 62, MarketID: station + label}
	tr := models.NewPricedTrade(station+label, "2025-01-05", station, 2, models.EdgeDecision{
		Bracket: b, PForecast: 0.6, PMarket: pMarket, Edge: 0.1, SizeUSD: size, Reason: models.ReasonKelly,
	}, nil)
	if o != models.OutcomePending {
		if err := tr.Resolve(o); err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
	}
	return tr
}

func calibrationTrade(t *testing.T, station string, p float64, top bool, o models.Outcome) *models.Trade {
	t.Helper()
	b := models.Bracket{Label: "x", Lower: p, Upper: p + 1, MarketID: station}
	tr := models.NewCalibrationTrade(station, "2025-01-05", station, models.BracketProbability{Bracket: b, PForecast: p, Sigma: 2}, top)
	if o != models.OutcomePending {
		if err := tr.Resolve(o); err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
	}
	return tr
}

func TestComputeMetrics(t *testing.T) {
	trades := []*models.Trade{
		pricedTrade(t, "KLGA", "60-61°F", 0.5, 100, models.OutcomeWin),    // +100
		pricedTrade(t, "KLGA", "62-63°F", 0.25, 50, models.OutcomeLoss),   // -50
		pricedTrade(t, "KATL", "60-61°F", 0.4, 40, models.OutcomePending), // 0
		calibrationTrade(t, "KDEN", 0.7, true, models.OutcomeWin),
		calibrationTrade(t, "KDEN", 0.3, false, models.OutcomeLoss),
		calibrationTrade(t, "KSEA", 0.6, true, models.OutcomePending),
	}
	errs := []models.UnitError{
		{Station: "KSEA", Date: "2025-01-05", Err: models.ErrProvider},
		{Station: "KSEA", Date: "2025-01-05", Err: errors.Join(models.ErrInput, errors.New("no samples"))},
	}

	m := ComputeMetrics(trades, errs)

	if m.Trades != 6 {
		t.Errorf("Expected 6 trades, got %d", m.Trades)
	}
	if m.Priced.Wins != 1 || m.Priced.Losses != 1 || m.Priced.Pending != 1 {
		t.Errorf("unexpected priced counts %+v", m.Priced)
	}
	if got := m.TotalPnL.StringFixed(2); got != "50.00" {
		t.Errorf("Expected total pnl 50.00, got %s", got)
	}
	if got := m.Priced.Staked.StringFixed(2); got != "190.00" {
		t.Errorf("Expected staked 190.00, got %s", got)
	}
	if got := m.Priced.HitRate().StringFixed(2); got != "0.50" {
		t.Errorf("Expected hit rate 0.50, got %s", got)
	}
	if got := m.Priced.ROI().StringFixed(4); got != "0.2632" {
		t.Errorf("Expected roi 0.2632, got %s", got)
	}

	if s := m.ByStation["KLGA"]; s == nil || s.Trades != 2 || s.PnL.StringFixed(2) != "50.00" {
		t.Errorf("unexpected KLGA breakdown %+v", s)
	}
	if b := m.ByBracket["60-61°F"]; b == nil || b.Trades != 2 || b.Wins != 1 || b.Pending != 1 {
		t.Errorf("unexpected 60-61 breakdown %+v", b)
	}
	if _, ok := m.ByStation["KDEN"]; ok {
		t.Error("calibration trades must not appear in P&L breakdowns")
	}

	c := m.Calibration
	if c.Events != 2 || c.Resolved != 1 || c.TopHits != 1 {
		t.Errorf("unexpected calibration %+v", c)
	}
	if c.Accuracy() != 1 {
		t.Errorf("Expected accuracy 1, got %v", c.Accuracy())
	}
	// ((0.7-1)^2 + (0.3-0)^2) / 2
	if c.BrierN != 2 || math.Abs(c.Brier-0.09) > 1e-12 {
		t.Errorf("Expected brier 0.09 over 2, got %v over %d", c.Brier, c.BrierN)
	}

	if m.ErrorsByKind["provider"] != 1 || m.ErrorsByKind["input"] != 1 {
		t.Errorf("unexpected error kinds %v", m.ErrorsByKind)
	}
}

func TestComputeMetricsEmpty(t *testing.T) {
	m := ComputeMetrics(nil, nil)
	if !m.Priced.HitRate().IsZero() || !m.Priced.ROI().IsZero() {
		t.Error("Expected zero ratios without trades")
	}
	if m.Calibration.Accuracy() != 0 {
		t.Error("Expected zero accuracy without calibration events")
	}
}

func TestReportSummary(t *testing.T) {
	r := &Report{From: "2025-01-05", To: "2025-01-06", Stations: []string{"KLGA"}}
	r.addDate(DateResult{Date: "2025-01-06", Trades: 1}, []*models.Trade{
		pricedTrade(t, "KLGA", "60-61°F", 0.5, 100, models.OutcomeWin),
	}, nil)
	r.addDate(DateResult{Date: "2025-01-05"}, nil, nil)
	r.finish()

	s := r.Summary()
	if s.Priced.PnL != "100.00" || s.Priced.HitRate != "1.0000" {
		t.Errorf("unexpected priced summary %+v", s.Priced)
	}
	if len(s.Dates) != 2 || s.Dates[0].Date != "2025-01-05" {
		t.Errorf("Expected dates sorted ascending, got %+v", s.Dates)
	}
	if s.ByStation["KLGA"].Trades != 1 {
		t.Errorf("unexpected station summary %+v", s.ByStation)
	}
}
