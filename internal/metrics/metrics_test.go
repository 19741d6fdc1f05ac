package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.RecordTrade("priced", "win")
	r.RecordTrade("priced", "win")
	r.RecordTrade("calibration", "pending")
	r.RecordUnitError("provider")
	r.RecordPriceSource("cache")
	r.SetPnL(42.5)

	if got := testutil.ToFloat64(r.trades.WithLabelValues("priced", "win")); got != 2 {
		t.Errorf("priced/win trades = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.trades.WithLabelValues("calibration", "pending")); got != 1 {
		t.Errorf("calibration/pending trades = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.unitErrors.WithLabelValues("provider")); got != 1 {
		t.Errorf("provider errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.pnl); got != 42.5 {
		t.Errorf("pnl = %v, want 42.5", got)
	}
}

func TestRecordersAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.RecordDateDone()
	if got := testutil.ToFloat64(b.datesDone); got != 0 {
		t.Errorf("second recorder saw %v dates, want 0", got)
	}
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.RecordTrade("priced", "win")
	r.ObserveUnit(1)
	if err := r.WriteTextfile("/nonexistent/metrics.prom"); err != nil {
		t.Errorf("nil recorder should not write, got %v", err)
	}
}

func TestWriteTextfile(t *testing.T) {
	r := New()
	r.RecordTrade("priced", "loss")
	r.ObserveUnit(0.2)

	path := filepath.Join(t.TempDir(), "polyedge.prom")
	if err := r.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(data), `polyedge_trades_total{mode="priced",outcome="loss"} 1`) {
		t.Errorf("textfile missing trade counter:\n%s", data)
	}
}
