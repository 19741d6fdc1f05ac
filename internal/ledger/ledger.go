// Package ledger writes and reads the per-date trade ledger files and the
// run summary of a backtest.
//
// Each date is one CSV file, trades-YYYY-MM-DD.csv, written to a temporary
// file and renamed into place. Rows are sorted and floats are formatted with
// fixed precision, so rerunning a date with the same inputs rewrites a
// byte-identical file.
package ledger

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/rewired-gh/polyedge/internal/models"
)

// SummaryFile is the run summary written next to the ledger files.
const SummaryFile = "summary.yaml"

// Header lists the ledger columns in file order.
var Header = []string{
	"date",
	"station",
	"bracket_label",
	"lower",
	"upper",
	"p_forecast",
	"p_market_open",
	"p_market_close",
	"edge",
	"size_usd",
	"outcome",
	"realized_pnl",
	"mode",
	"sigma",
	"kelly_fraction",
	"reason",
	"top_bracket",
	"market_id",
	"trade_id",
}

// FileName returns the ledger file name for date.
func FileName(date string) string {
	return "trades-" + date + ".csv"
}

// Writer writes ledger files under one output directory.
type Writer struct {
	dir string
}

// NewWriter creates a Writer rooted at dir. The directory is created on first write.
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// Dir returns the output directory.
func (w *Writer) Dir() string {
	return w.dir
}

// Path returns the ledger path for date.
func (w *Writer) Path(date string) string {
	return filepath.Join(w.dir, FileName(date))
}

// Exists reports whether the ledger file for date is present.
func (w *Writer) Exists(date string) bool {
	_, err := os.Stat(w.Path(date))
	return err == nil
}

// WriteDate replaces the ledger file for date with trades and returns its path.
// Every trade must belong to date.
func (w *Writer) WriteDate(date string, trades []*models.Trade) (string, error) {
	for _, t := range trades {
		if t.Date != date {
			return "", fmt.Errorf("trade %s has date %s, expected %s", t.ID, t.Date, date)
		}
	}

	var buf bytes.Buffer
	if err := Encode(&buf, trades); err != nil {
		return "", err
	}

	path := w.Path(date)
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return "", err
	}
	return path, nil
}

// ReadDate loads the ledger file for date.
func (w *Writer) ReadDate(date string) ([]*models.Trade, error) {
	f, err := os.Open(w.Path(date))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// WriteSummary marshals v as YAML into summary.yaml.
func (w *Writer) WriteSummary(v any) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal summary: %w", err)
	}
	path := filepath.Join(w.dir, SummaryFile)
	if err := writeFileAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// SortTrades orders trades by station, bracket lower bound and label.
func SortTrades(trades []*models.Trade) {
	sort.SliceStable(trades, func(i, j int) bool {
		a, b := trades[i], trades[j]
		if a.Station != b.Station {
			return a.Station < b.Station
		}
		if a.Bracket.Lower != b.Bracket.Lower {
			return a.Bracket.Lower < b.Bracket.Lower
		}
		return a.Bracket.Label < b.Bracket.Label
	})
}

// Encode writes trades as CSV, header first, in SortTrades order.
// The input slice is not reordered.
func Encode(out io.Writer, trades []*models.Trade) error {
	sorted := make([]*models.Trade, len(trades))
	copy(sorted, trades)
	SortTrades(sorted)

	w := csv.NewWriter(out)
	if err := w.Write(Header); err != nil {
		return err
	}
	for _, t := range sorted {
		if err := w.Write(encodeRow(t)); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func encodeRow(t *models.Trade) []string {
	row := []string{
		t.Date,
		t.Station,
		t.Bracket.Label,
		fmtFloat(t.Bracket.Lower),
		fmtFloat(t.Bracket.Upper),
		fmtFloat(t.PForecast),
		"", // p_market_open
		"", // p_market_close
		"", // edge
		"", // size_usd
		string(t.Outcome()),
		fmtFloat(t.RealizedPnL()),
		string(t.Kind()),
		fmtFloat(t.Sigma),
		"", // kelly_fraction
		"", // reason
		"", // top_bracket
		t.Bracket.MarketID,
		t.ID,
	}

	switch p := t.Position.(type) {
	case models.PricedPosition:
		row[6] = fmtFloat(p.PMarketOpen)
		if p.PMarketClose != nil {
			row[7] = fmtFloat(*p.PMarketClose)
		}
		row[8] = fmtFloat(p.Edge)
		row[9] = fmtFloat(p.SizeUSD)
		row[14] = fmtFloat(p.KellyFraction)
		row[15] = string(p.Reason)
	case models.CalibrationPosition:
		row[16] = strconv.FormatBool(p.TopBracket)
	}
	return row
}

// Decode reads trades written by Encode. Resolved outcomes are restored and
// realized P&L is recomputed from the stored position.
func Decode(in io.Reader) ([]*models.Trade, error) {
	r := csv.NewReader(in)
	r.FieldsPerRecord = len(Header)

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("ledger is empty")
	}
	for i, col := range Header {
		if records[0][i] != col {
			return nil, fmt.Errorf("unexpected ledger column %d: %q", i, records[0][i])
		}
	}

	trades := make([]*models.Trade, 0, len(records)-1)
	for n, rec := range records[1:] {
		t, err := decodeRow(rec)
		if err != nil {
			return nil, fmt.Errorf("ledger row %d: %w", n+2, err)
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func decodeRow(rec []string) (*models.Trade, error) {
	var p floatParser
	bracket := models.Bracket{
		Label:    rec[2],
		Lower:    p.parse(rec[3]),
		Upper:    p.parse(rec[4]),
		MarketID: rec[17],
	}
	pForecast := p.parse(rec[5])
	sigma := p.parse(rec[13])

	var t *models.Trade
	switch models.TradeKind(rec[12]) {
	case models.KindPriced:
		d := models.EdgeDecision{
			Bracket:       bracket,
			PForecast:     pForecast,
			PMarket:       p.parse(rec[6]),
			Edge:          p.parse(rec[8]),
			SizeUSD:       p.parse(rec[9]),
			KellyFraction: p.parse(rec[14]),
			Reason:        models.SizeReason(rec[15]),
		}
		var pClose *float64
		if rec[7] != "" {
			v := p.parse(rec[7])
			pClose = &v
		}
		t = models.NewPricedTrade(rec[18], rec[0], rec[1], sigma, d, pClose)
	case models.KindCalibration:
		top, err := strconv.ParseBool(rec[16])
		if err != nil {
			return nil, fmt.Errorf("invalid top_bracket %q: %w", rec[16], err)
		}
		prob := models.BracketProbability{Bracket: bracket, PForecast: pForecast, Sigma: sigma}
		t = models.NewCalibrationTrade(rec[18], rec[0], rec[1], prob, top)
	default:
		return nil, fmt.Errorf("unknown mode %q", rec[12])
	}
	if p.err != nil {
		return nil, p.err
	}

	switch o := models.Outcome(rec[10]); o {
	case models.OutcomePending:
	case models.OutcomeWin, models.OutcomeLoss:
		if err := t.Resolve(o); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown outcome %q", rec[10])
	}
	return t, nil
}

// floatParser keeps the first parse error so a row can be decoded in one pass.
type floatParser struct {
	err error
}

func (p *floatParser) parse(s string) float64 {
	if p.err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.err = fmt.Errorf("invalid number %q: %w", s, err)
	}
	return v
}

func fmtFloat(x float64) string {
	switch {
	case math.IsInf(x, 1):
		return "+Inf"
	case math.IsInf(x, -1):
		return "-Inf"
	}
	s := strconv.FormatFloat(x, 'f', models.LedgerDecimals, 64)
	if s == "-0.000000" {
		return "0.000000"
	}
	return s
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}
