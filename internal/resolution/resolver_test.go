package resolution

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rewired-gh/polyedge/internal/models"
	"github.com/rewired-gh/polyedge/internal/retry"
)

type fakeProvider struct {
	results map[string]models.ResolutionResult
	errs    map[string]error
	calls   map[string]int
}

func (f *fakeProvider) GetWinner(ctx context.Context, marketID string) (models.ResolutionResult, error) {
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[marketID]++
	if err, ok := f.errs[marketID]; ok {
		return models.ResolutionResult{}, err
	}
	return f.results[marketID], nil
}

func strPtr(s string) *string { return &s }

var fastPolicy = retry.Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

func eventTrades() []*models.Trade {
	brackets := []models.Bracket{
		{Label: "59°F or below", Lower: math.Inf(-1), Upper: 60, MarketID: "m0"},
		{Label: "60-61°F", Lower: 60, Upper: 62, MarketID: "m1"},
		{Label: "62-63°F", Lower: 62, Upper: 64, MarketID: "m2"},
	}
	trades := make([]*models.Trade, 0, len(brackets))
	for i, b := range brackets {
		d := models.EdgeDecision{Bracket: b, PForecast: 0.4, PMarket: 0.5, Edge: 0.1, SizeUSD: 100, Reason: models.ReasonKelly}
		tr := models.NewPricedTrade(b.MarketID, "2025-01-05", "KLGA", 2, d, nil)
		if i == 0 {
			tr = models.NewCalibrationTrade(b.MarketID, "2025-01-05", "KLGA", models.BracketProbability{Bracket: b, PForecast: 0.2, Sigma: 2}, false)
		}
		trades = append(trades, tr)
	}
	return trades
}

func TestResolveEvent(t *testing.T) {
	p := &fakeProvider{results: map[string]models.ResolutionResult{
		"m0": {MarketID: "m0", Resolved: true, WinnerLabel: strPtr("60–61 °F")},
	}}
	trades := eventTrades()

	out := NewResolver(p, fastPolicy).ResolveEvent(context.Background(), trades)
	if !out.Resolved {
		t.Fatalf("expected event to resolve, errors: %v", out.Errors)
	}
	if len(out.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", out.Errors)
	}

	want := []models.Outcome{models.OutcomeLoss, models.OutcomeWin, models.OutcomeLoss}
	for i, tr := range trades {
		if tr.Outcome() != want[i] {
			t.Errorf("trade %s outcome = %s, want %s", tr.ID, tr.Outcome(), want[i])
		}
	}
	if got := trades[1].RealizedPnL(); got != 100 {
		t.Errorf("winning P&L = %v, want 100", got)
	}
	if got := trades[2].RealizedPnL(); got != -100 {
		t.Errorf("losing P&L = %v, want -100", got)
	}
	if got := trades[0].RealizedPnL(); got != 0 {
		t.Errorf("calibration P&L = %v, want 0", got)
	}
	if p.calls["m1"] != 0 {
		t.Errorf("expected first resolved market to stop the search, m1 called %d times", p.calls["m1"])
	}
}

func TestResolveEventUnresolvedStaysPending(t *testing.T) {
	p := &fakeProvider{results: map[string]models.ResolutionResult{
		"m0": {MarketID: "m0", Resolved: false},
	}}
	trades := eventTrades()

	out := NewResolver(p, fastPolicy).ResolveEvent(context.Background(), trades)
	if out.Resolved {
		t.Fatal("expected event to stay unresolved")
	}
	for _, tr := range trades {
		if tr.Outcome() != models.OutcomePending {
			t.Errorf("trade %s outcome = %s, want pending", tr.ID, tr.Outcome())
		}
	}
}

func TestResolveEventProviderFailure(t *testing.T) {
	boom := errors.New("connection reset")
	p := &fakeProvider{errs: map[string]error{"m0": boom, "m1": boom, "m2": boom}}
	trades := eventTrades()

	out := NewResolver(p, fastPolicy).ResolveEvent(context.Background(), trades)
	if out.Resolved {
		t.Fatal("expected event to stay unresolved")
	}
	if len(out.Errors) != 3 {
		t.Fatalf("expected 3 unit errors, got %d", len(out.Errors))
	}
	for _, e := range out.Errors {
		if !errors.Is(e, models.ErrProvider) {
			t.Errorf("expected provider error, got %v", e)
		}
	}
	if p.calls["m0"] != fastPolicy.Attempts {
		t.Errorf("m0 called %d times, want %d", p.calls["m0"], fastPolicy.Attempts)
	}
	for _, tr := range trades {
		if tr.Outcome() != models.OutcomePending {
			t.Errorf("trade %s outcome = %s, want pending", tr.ID, tr.Outcome())
		}
	}
}

func TestResolveEventFallsBackToNextMarket(t *testing.T) {
	p := &fakeProvider{
		errs: map[string]error{"m0": retry.Permanent(errors.New("not found"))},
		results: map[string]models.ResolutionResult{
			"m1": {MarketID: "m1", Resolved: true, WinnerLabel: strPtr("62-63°F")},
		},
	}
	trades := eventTrades()

	out := NewResolver(p, fastPolicy).ResolveEvent(context.Background(), trades)
	if !out.Resolved || out.WinnerLabel != "62-63°F" {
		t.Fatalf("expected resolution via m1, got %+v", out)
	}
	if len(out.Errors) != 1 {
		t.Errorf("expected 1 unit error for m0, got %d", len(out.Errors))
	}
	if trades[2].Outcome() != models.OutcomeWin {
		t.Errorf("62-63 outcome = %s, want win", trades[2].Outcome())
	}
}

func TestResolveEventIdempotent(t *testing.T) {
	p := &fakeProvider{results: map[string]models.ResolutionResult{
		"m0": {MarketID: "m0", Resolved: true, WinnerLabel: strPtr("60-61°F")},
	}}
	trades := eventTrades()
	r := NewResolver(p, fastPolicy)

	r.ResolveEvent(context.Background(), trades)
	first := make([]models.Outcome, len(trades))
	for i, tr := range trades {
		first[i] = tr.Outcome()
	}

	out := r.ResolveEvent(context.Background(), trades)
	if out.Resolved {
		t.Error("expected second pass to find nothing pending")
	}
	for i, tr := range trades {
		if tr.Outcome() != first[i] {
			t.Errorf("trade %s changed from %s to %s", tr.ID, first[i], tr.Outcome())
		}
	}
}
