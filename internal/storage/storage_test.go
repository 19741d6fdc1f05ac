package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rewired-gh/polyedge/internal/models"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(MemoryPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSnapshot(bracket string, p float64) models.PriceSnapshot {
	return models.PriceSnapshot{
		PriceSnapshotKey: models.PriceSnapshotKey{Date: "2025-01-05", Station: "KLGA", BracketID: bracket},
		PMarket:          p,
		CapturedAt:       time.Date(2025, 1, 5, 12, 0, 0, 0, time.UTC),
		Source:           "observer",
	}
}

func TestSQLite_PutAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	snap := testSnapshot("m1", 0.42)
	written, err := s.PutIfAbsent(ctx, snap)
	if err != nil {
		t.Fatalf("PutIfAbsent failed: %v", err)
	}
	if !written {
		t.Fatal("expected first write to succeed")
	}

	got, ok, err := s.Get(ctx, snap.PriceSnapshotKey)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("expected snapshot to exist")
	}
	if got.PMarket != 0.42 {
		t.Errorf("Expected p_market 0.42, got %v", got.PMarket)
	}
	if !got.CapturedAt.Equal(snap.CapturedAt) {
		t.Errorf("Expected captured_at %v, got %v", snap.CapturedAt, got.CapturedAt)
	}
	if got.Source != "observer" {
		t.Errorf("Expected source observer, got %s", got.Source)
	}
}

func TestSQLite_GetMissing(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.Get(context.Background(), models.PriceSnapshotKey{Date: "2025-01-05", Station: "KLGA", BracketID: "nope"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Error("expected missing snapshot")
	}
}

func TestSQLite_FirstWriteWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.PutIfAbsent(ctx, testSnapshot("m1", 0.42)); err != nil {
		t.Fatalf("PutIfAbsent failed: %v", err)
	}
	written, err := s.PutIfAbsent(ctx, testSnapshot("m1", 0.90))
	if err != nil {
		t.Fatalf("PutIfAbsent failed: %v", err)
	}
	if written {
		t.Error("expected second write to be ignored")
	}

	got, _, _ := s.Get(ctx, testSnapshot("m1", 0).PriceSnapshotKey)
	if got.PMarket != 0.42 {
		t.Errorf("Expected original price 0.42 to survive, got %v", got.PMarket)
	}
}

func TestSQLite_ConcurrentWriters(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			written, err := s.PutIfAbsent(ctx, testSnapshot("m1", 0.1+float64(i)*0.05))
			if err != nil {
				t.Errorf("PutIfAbsent failed: %v", err)
				return
			}
			if written {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Expected exactly one winning writer, got %d", wins)
	}
}

func TestSQLite_RejectsInvalidSnapshot(t *testing.T) {
	s := openTestStore(t)

	bad := testSnapshot("m1", 1.5)
	if _, err := s.PutIfAbsent(context.Background(), bad); err == nil {
		t.Error("expected error for out of range price")
	}
}

func TestSQLite_Snapshots(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"m2", "m1", "m3"} {
		if _, err := s.PutIfAbsent(ctx, testSnapshot(id, 0.3)); err != nil {
			t.Fatalf("PutIfAbsent failed: %v", err)
		}
	}

	snaps, err := s.Snapshots(ctx, "2025-01-05", "KLGA")
	if err != nil {
		t.Fatalf("Snapshots failed: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("Expected 3 snapshots, got %d", len(snaps))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if snaps[i].BracketID != want {
			t.Errorf("snapshot %d: expected %s, got %s", i, want, snaps[i].BracketID)
		}
	}
}

func TestSQLite_Checkpoints(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, _ := s.Checkpoint(ctx, "2025-01-05"); ok {
		t.Fatal("expected no checkpoint before MarkDone")
	}

	cp := Checkpoint{Date: "2025-01-05", LedgerPath: "/tmp/trades-2025-01-05.csv", Trades: 4}
	if err := s.MarkDone(ctx, cp); err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}
	cp.Trades = 5
	if err := s.MarkDone(ctx, cp); err != nil {
		t.Fatalf("MarkDone overwrite failed: %v", err)
	}

	got, ok, err := s.Checkpoint(ctx, "2025-01-05")
	if err != nil || !ok {
		t.Fatalf("Checkpoint failed: ok=%v err=%v", ok, err)
	}
	if got.Trades != 5 || got.LedgerPath != cp.LedgerPath {
		t.Errorf("unexpected checkpoint %+v", got)
	}

	if err := s.ClearCheckpoints(ctx); err != nil {
		t.Fatalf("ClearCheckpoints failed: %v", err)
	}
	if _, ok, _ := s.Checkpoint(ctx, "2025-01-05"); ok {
		t.Error("expected checkpoint to be cleared")
	}
}

func TestSQLite_CheckpointKeepsUnitState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cp := Checkpoint{
		Date:       "2025-01-05",
		LedgerPath: "/tmp/trades-2025-01-05.csv",
		Trades:     1,
		Stations:   []string{"KATL", "KLGA"},
		Failed:     []string{"KATL"},
		Errors: []UnitErrorRecord{
			{Station: "KATL", Kind: "provider", Message: "forecast: provider error: station offline"},
			{Station: "KLGA", BracketID: "m2", Kind: "validation", Message: "bad bracket"},
		},
	}
	if err := s.MarkDone(ctx, cp); err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}

	got, ok, err := s.Checkpoint(ctx, "2025-01-05")
	if err != nil || !ok {
		t.Fatalf("Checkpoint failed: ok=%v err=%v", ok, err)
	}
	if len(got.Stations) != 2 || len(got.Failed) != 1 || got.Failed[0] != "KATL" {
		t.Errorf("unexpected stations %v failed %v", got.Stations, got.Failed)
	}
	if len(got.Errors) != 2 || got.Errors[1] != cp.Errors[1] {
		t.Errorf("unexpected errors %+v", got.Errors)
	}

	tests := []struct {
		station string
		redo    bool
	}{
		{station: "KATL", redo: true},
		{station: "KLGA", redo: false},
		{station: "KORD", redo: true},
	}
	for _, tt := range tests {
		if got.Redo(tt.station) != tt.redo {
			t.Errorf("Redo(%s) = %v, want %v", tt.station, !tt.redo, tt.redo)
		}
	}
}

func TestSQLite_MigratesOldCheckpointTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE checkpoints (
		date TEXT PRIMARY KEY, ledger_path TEXT NOT NULL,
		trades INTEGER NOT NULL, completed_at INTEGER NOT NULL)`); err != nil {
		t.Fatalf("create old table: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO checkpoints VALUES ('2025-01-05', '/tmp/a.csv', 3, 0)`); err != nil {
		t.Fatalf("seed old row: %v", err)
	}
	db.Close()

	for i := 0; i < 2; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open #%d failed: %v", i+1, err)
		}
		cp, ok, err := s.Checkpoint(context.Background(), "2025-01-05")
		s.Close()
		if err != nil || !ok {
			t.Fatalf("Checkpoint failed: ok=%v err=%v", ok, err)
		}
		if cp.Trades != 3 || len(cp.Stations) != 0 || len(cp.Errors) != 0 {
			t.Errorf("unexpected migrated checkpoint %+v", cp)
		}
		// an old row lists no stations, so every station is redone
		if !cp.Redo("KLGA") {
			t.Error("expected old checkpoint to redo every station")
		}
	}
}

func TestSQLite_MarkDoneRejectsBadDate(t *testing.T) {
	s := openTestStore(t)
	if err := s.MarkDone(context.Background(), Checkpoint{Date: "yesterday"}); err == nil {
		t.Error("expected error for malformed date")
	}
}
