package backtest

import (
	"context"
	"errors"
	"testing"

	"github.com/rewired-gh/polyedge/internal/config"
	"github.com/rewired-gh/polyedge/internal/models"
	"github.com/rewired-gh/polyedge/internal/snapshot"
)

func TestCapture(t *testing.T) {
	h := newHarness(t)
	e := h.engine(t)
	ctx := context.Background()
	stations := []config.StationConfig{nyc, atl}

	res, err := e.Capture(ctx, stations, "2025-01-05")
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if res.Recorded != 1 || res.Skipped != 7 || len(res.Errors) != 0 {
		t.Errorf("Capture = %+v, want 1 recorded and 7 skipped", res)
	}

	key := models.PriceSnapshotKey{Date: "2025-01-05", Station: "KLGA", BracketID: "KLGA-2025-01-05-m1"}
	snap, ok, err := h.snapshots.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("snapshot not stored: ok=%v err=%v", ok, err)
	}
	if snap.PMarket != 0.05 || snap.Source != string(snapshot.SourceLive) {
		t.Errorf("snapshot = %+v", snap)
	}

	// a later observation never replaces the first
	h.prices.mu.Lock()
	h.prices.prices["KLGA-2025-01-05-m1"] = 0.40
	h.prices.mu.Unlock()

	res, err = e.Capture(ctx, stations, "2025-01-05")
	if err != nil {
		t.Fatalf("second Capture failed: %v", err)
	}
	if res.Recorded != 0 {
		t.Errorf("second Capture recorded %d, want 0", res.Recorded)
	}
	snap, _, _ = h.snapshots.Get(ctx, key)
	if snap.PMarket != 0.05 {
		t.Errorf("snapshot price = %v, want first observation 0.05", snap.PMarket)
	}
}

func TestCapture_BadDate(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine(t).Capture(context.Background(), []config.StationConfig{nyc}, "01/05/2025")
	if !errors.Is(err, models.ErrInput) {
		t.Errorf("Capture error = %v, want ErrInput", err)
	}
}
