// Package storage persists self-observed price snapshots and backtest
// checkpoints in SQLite.
//
// Snapshots are append-only: the first write for a (date, station, bracket)
// key wins and later writes are ignored, so concurrent observers and reruns
// can never rewrite history. Checkpoints record which backtest dates have
// completed so an interrupted run can resume.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rewired-gh/polyedge/internal/logger"
	"github.com/rewired-gh/polyedge/internal/models"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLite is a snapshot store and checkpoint log backed by a SQLite file.
type SQLite struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Checkpoint marks one completed backtest date.
//
// Stations lists the units evaluated for the date and Failed the subset that
// hit provider errors; a resumed run evaluates Failed stations again. Errors
// holds every unit error of the date so a resumed report can count them.
type Checkpoint struct {
	Date        string
	LedgerPath  string
	Trades      int
	Stations    []string
	Failed      []string
	Errors      []UnitErrorRecord
	CompletedAt time.Time
}

// UnitErrorRecord is the stored form of one unit error.
type UnitErrorRecord struct {
	Station   string `json:"station"`
	BracketID string `json:"bracket_id,omitempty"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

// Redo reports whether station must be evaluated again for the checkpointed date.
func (cp Checkpoint) Redo(station string) bool {
	for _, f := range cp.Failed {
		if f == station {
			return true
		}
	}
	for _, s := range cp.Stations {
		if s == station {
			return false
		}
	}
	return true
}

// Open opens (or creates) the database at dbPath and runs migrations.
// The parent directory is created when missing.
func Open(dbPath string) (*SQLite, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "polyedge", "polyedge.db")
	}
	if dbPath != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if dbPath == MemoryPath {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLite{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Debug("SQLite store opened: %s", dbPath)
	return s, nil
}

func (s *SQLite) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS price_snapshots (
			date        TEXT NOT NULL,
			station     TEXT NOT NULL,
			bracket_id  TEXT NOT NULL,
			p_market    REAL NOT NULL,
			captured_at INTEGER NOT NULL,
			source      TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (date, station, bracket_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_station ON price_snapshots(station, date)`,

		`CREATE TABLE IF NOT EXISTS checkpoints (
			date         TEXT PRIMARY KEY,
			ledger_path  TEXT NOT NULL,
			trades       INTEGER NOT NULL,
			completed_at INTEGER NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}

	// columns added after the first release; older databases gain them here
	for _, col := range []string{"stations", "failed", "errors"} {
		_, err := s.db.Exec(`ALTER TABLE checkpoints ADD COLUMN ` + col + ` TEXT NOT NULL DEFAULT '[]'`)
		if err != nil && !strings.Contains(err.Error(), "duplicate column") {
			return fmt.Errorf("add checkpoints.%s: %w", col, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Get returns the snapshot stored under key, if any.
func (s *SQLite) Get(ctx context.Context, key models.PriceSnapshotKey) (models.PriceSnapshot, bool, error) {
	snap := models.PriceSnapshot{PriceSnapshotKey: key}
	var capturedAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT p_market, captured_at, source FROM price_snapshots
		 WHERE date = ? AND station = ? AND bracket_id = ?`,
		key.Date, key.Station, key.BracketID,
	).Scan(&snap.PMarket, &capturedAt, &snap.Source)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PriceSnapshot{}, false, nil
	}
	if err != nil {
		return models.PriceSnapshot{}, false, fmt.Errorf("query snapshot %s: %w", key, err)
	}

	snap.CapturedAt = time.UnixMilli(capturedAt).UTC()
	return snap, true, nil
}

// PutIfAbsent stores snap unless its key already exists. It reports whether
// the snapshot was written.
func (s *SQLite) PutIfAbsent(ctx context.Context, snap models.PriceSnapshot) (bool, error) {
	if err := snap.Validate(); err != nil {
		return false, fmt.Errorf("invalid snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO price_snapshots
		 (date, station, bracket_id, p_market, captured_at, source)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		snap.Date, snap.Station, snap.BracketID, snap.PMarket, snap.CapturedAt.UnixMilli(), snap.Source,
	)
	if err != nil {
		return false, fmt.Errorf("insert snapshot %s: %w", snap.PriceSnapshotKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert snapshot %s: %w", snap.PriceSnapshotKey, err)
	}
	return n == 1, nil
}

// Snapshots returns every snapshot recorded for station on date, ordered by bracket id.
func (s *SQLite) Snapshots(ctx context.Context, date, station string) ([]models.PriceSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bracket_id, p_market, captured_at, source FROM price_snapshots
		 WHERE date = ? AND station = ? ORDER BY bracket_id`,
		date, station,
	)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.PriceSnapshot
	for rows.Next() {
		snap := models.PriceSnapshot{PriceSnapshotKey: models.PriceSnapshotKey{Date: date, Station: station}}
		var capturedAt int64
		if err := rows.Scan(&snap.BracketID, &snap.PMarket, &capturedAt, &snap.Source); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.CapturedAt = time.UnixMilli(capturedAt).UTC()
		out = append(out, snap)
	}
	return out, rows.Err()
}

// MarkDone records that date completed and its ledger was written to ledgerPath.
func (s *SQLite) MarkDone(ctx context.Context, cp Checkpoint) error {
	if _, err := models.ParseDate(cp.Date); err != nil {
		return err
	}
	if cp.CompletedAt.IsZero() {
		cp.CompletedAt = time.Now()
	}

	stations, err := encodeList(cp.Stations)
	if err != nil {
		return err
	}
	failed, err := encodeList(cp.Failed)
	if err != nil {
		return err
	}
	unitErrs, err := encodeList(cp.Errors)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (date, ledger_path, trades, completed_at, stations, failed, errors)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(date) DO UPDATE SET
		   ledger_path = excluded.ledger_path,
		   trades = excluded.trades,
		   completed_at = excluded.completed_at,
		   stations = excluded.stations,
		   failed = excluded.failed,
		   errors = excluded.errors`,
		cp.Date, cp.LedgerPath, cp.Trades, cp.CompletedAt.UnixMilli(), stations, failed, unitErrs,
	)
	if err != nil {
		return fmt.Errorf("record checkpoint %s: %w", cp.Date, err)
	}
	return nil
}

// Checkpoint returns the checkpoint for date, if any.
func (s *SQLite) Checkpoint(ctx context.Context, date string) (Checkpoint, bool, error) {
	cp := Checkpoint{Date: date}
	var completedAt int64
	var stations, failed, unitErrs string
	err := s.db.QueryRowContext(ctx,
		`SELECT ledger_path, trades, completed_at, stations, failed, errors
		 FROM checkpoints WHERE date = ?`, date,
	).Scan(&cp.LedgerPath, &cp.Trades, &completedAt, &stations, &failed, &unitErrs)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("query checkpoint %s: %w", date, err)
	}
	for _, col := range []struct {
		raw  string
		dest any
	}{{stations, &cp.Stations}, {failed, &cp.Failed}, {unitErrs, &cp.Errors}} {
		if err := json.Unmarshal([]byte(col.raw), col.dest); err != nil {
			return Checkpoint{}, false, fmt.Errorf("decode checkpoint %s: %w", date, err)
		}
	}
	cp.CompletedAt = time.UnixMilli(completedAt).UTC()
	return cp, true, nil
}

func encodeList[T any](v []T) (string, error) {
	if v == nil {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode checkpoint column: %w", err)
	}
	return string(b), nil
}

// ClearCheckpoints forgets every completed date.
func (s *SQLite) ClearCheckpoints(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints`); err != nil {
		return fmt.Errorf("clear checkpoints: %w", err)
	}
	return nil
}
