package backtest

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/polyedge/internal/config"
	"github.com/rewired-gh/polyedge/internal/models"
)

// DateResult summarizes one processed date.
type DateResult struct {
	Date       string `yaml:"date"`
	Trades     int    `yaml:"trades"`
	Errors     int    `yaml:"errors"`
	LedgerPath string `yaml:"ledger"`
	Resumed    bool   `yaml:"-"`
}

// Report is the result of one backtest run.
type Report struct {
	From        string
	To          string
	Stations    []string
	Dates       []DateResult
	Trades      []*models.Trade
	Errors      []models.UnitError
	Metrics     Metrics
	Cancelled   bool
	SummaryPath string
}

func newReport(from, to string, stations []config.StationConfig) *Report {
	ids := make([]string, len(stations))
	for i, s := range stations {
		ids[i] = s.ID
	}
	return &Report{From: from, To: to, Stations: ids}
}

func (r *Report) addDate(d DateResult, trades []*models.Trade, errs []models.UnitError) {
	r.Dates = append(r.Dates, d)
	r.Trades = append(r.Trades, trades...)
	r.Errors = append(r.Errors, errs...)
}

func (r *Report) finish() {
	r.Metrics = ComputeMetrics(r.Trades, r.Errors)
}

// Breakdown aggregates priced trades of one station or bracket.
type Breakdown struct {
	Trades  int
	Wins    int
	Losses  int
	Pending int
	Staked  decimal.Decimal
	PnL     decimal.Decimal
}

// HitRate returns wins/(wins+losses), or zero when nothing resolved.
func (b *Breakdown) HitRate() decimal.Decimal {
	return ratio(decimal.NewFromInt(int64(b.Wins)), decimal.NewFromInt(int64(b.Wins+b.Losses)))
}

// ROI returns realized P&L over total stake, or zero when nothing was staked.
func (b *Breakdown) ROI() decimal.Decimal {
	return ratio(b.PnL, b.Staked)
}

func (b *Breakdown) add(t *models.Trade) {
	b.Trades++
	switch t.Outcome() {
	case models.OutcomeWin:
		b.Wins++
	case models.OutcomeLoss:
		b.Losses++
	default:
		b.Pending++
	}
	b.Staked = b.Staked.Add(decimal.NewFromFloat(t.SizeUSD()))
	b.PnL = b.PnL.Add(decimal.NewFromFloat(t.RealizedPnL()))
}

// Calibration scores resolution-only events, independent of P&L.
type Calibration struct {
	Events   int // resolution-only events
	Resolved int // events whose top bracket resolved
	TopHits  int // resolved events whose top bracket won
	// Brier is the mean squared error of p_forecast over resolved
	// calibration brackets; BrierN counts them.
	Brier  float64
	BrierN int
}

// Accuracy returns TopHits/Resolved, or zero when nothing resolved.
func (c Calibration) Accuracy() float64 {
	if c.Resolved == 0 {
		return 0
	}
	return float64(c.TopHits) / float64(c.Resolved)
}

// Metrics aggregates a run.
type Metrics struct {
	Trades       int
	Priced       Breakdown
	ByStation    map[string]*Breakdown
	ByBracket    map[string]*Breakdown
	Calibration  Calibration
	ErrorsByKind map[string]int
	// TotalPnL mirrors Priced.PnL.
	TotalPnL decimal.Decimal
}

// ComputeMetrics aggregates trades and errors. Only priced trades contribute
// to P&L, hit rate and ROI; calibration trades feed the calibration score.
func ComputeMetrics(trades []*models.Trade, errs []models.UnitError) Metrics {
	m := Metrics{
		Trades:       len(trades),
		ByStation:    make(map[string]*Breakdown),
		ByBracket:    make(map[string]*Breakdown),
		ErrorsByKind: make(map[string]int),
	}

	type event struct{ date, station string }
	topResolved := make(map[event]bool)
	calibEvents := make(map[event]bool)
	var brierSum float64

	for _, t := range trades {
		switch pos := t.Position.(type) {
		case models.PricedPosition:
			m.Priced.add(t)
			breakdown(m.ByStation, t.Station).add(t)
			breakdown(m.ByBracket, t.Bracket.Label).add(t)
		case models.CalibrationPosition:
			ev := event{t.Date, t.Station}
			calibEvents[ev] = true
			o := t.Outcome()
			if o == models.OutcomePending {
				continue
			}
			actual := 0.0
			if o == models.OutcomeWin {
				actual = 1
			}
			brierSum += (t.PForecast - actual) * (t.PForecast - actual)
			m.Calibration.BrierN++
			if pos.TopBracket && !topResolved[ev] {
				topResolved[ev] = true
				m.Calibration.Resolved++
				if o == models.OutcomeWin {
					m.Calibration.TopHits++
				}
			}
		}
	}

	m.Calibration.Events = len(calibEvents)
	if m.Calibration.BrierN > 0 {
		m.Calibration.Brier = brierSum / float64(m.Calibration.BrierN)
	}
	for _, e := range errs {
		m.ErrorsByKind[models.ErrorKind(e.Err)]++
	}
	m.TotalPnL = m.Priced.PnL
	return m
}

func breakdown(m map[string]*Breakdown, key string) *Breakdown {
	b, ok := m[key]
	if !ok {
		b = &Breakdown{}
		m[key] = b
	}
	return b
}

func ratio(num, den decimal.Decimal) decimal.Decimal {
	if den.IsZero() {
		return decimal.Zero
	}
	return num.DivRound(den, 6)
}

// Summary is the serialized form of a report written to summary.yaml. It
// holds no timestamps or run ids so reruns produce identical files.
type Summary struct {
	From        string                      `yaml:"from"`
	To          string                      `yaml:"to"`
	Stations    []string                    `yaml:"stations"`
	Cancelled   bool                        `yaml:"cancelled,omitempty"`
	Trades      int                         `yaml:"trades"`
	Priced      BreakdownSummary            `yaml:"priced"`
	ByStation   map[string]BreakdownSummary `yaml:"by_station,omitempty"`
	ByBracket   map[string]BreakdownSummary `yaml:"by_bracket,omitempty"`
	Calibration CalibrationSummary          `yaml:"calibration"`
	Errors      map[string]int              `yaml:"errors,omitempty"`
	Dates       []DateResult                `yaml:"dates"`
}

// BreakdownSummary is the serialized form of a Breakdown.
type BreakdownSummary struct {
	Trades  int    `yaml:"trades"`
	Wins    int    `yaml:"wins"`
	Losses  int    `yaml:"losses"`
	Pending int    `yaml:"pending"`
	Staked  string `yaml:"staked_usd"`
	PnL     string `yaml:"realized_pnl_usd"`
	HitRate string `yaml:"hit_rate"`
	ROI     string `yaml:"roi"`
}

// CalibrationSummary is the serialized form of Calibration.
type CalibrationSummary struct {
	Events   int    `yaml:"events"`
	Resolved int    `yaml:"resolved"`
	TopHits  int    `yaml:"top_hits"`
	Accuracy string `yaml:"accuracy"`
	Brier    string `yaml:"brier"`
}

func (b *Breakdown) summary() BreakdownSummary {
	return BreakdownSummary{
		Trades:  b.Trades,
		Wins:    b.Wins,
		Losses:  b.Losses,
		Pending: b.Pending,
		Staked:  b.Staked.StringFixed(2),
		PnL:     b.PnL.StringFixed(2),
		HitRate: b.HitRate().StringFixed(4),
		ROI:     b.ROI().StringFixed(4),
	}
}

// Summary returns the serializable summary of r.
func (r *Report) Summary() Summary {
	s := Summary{
		From:      r.From,
		To:        r.To,
		Stations:  r.Stations,
		Cancelled: r.Cancelled,
		Trades:    r.Metrics.Trades,
		Priced:    r.Metrics.Priced.summary(),
		ByStation: make(map[string]BreakdownSummary, len(r.Metrics.ByStation)),
		ByBracket: make(map[string]BreakdownSummary, len(r.Metrics.ByBracket)),
		Calibration: CalibrationSummary{
			Events:   r.Metrics.Calibration.Events,
			Resolved: r.Metrics.Calibration.Resolved,
			TopHits:  r.Metrics.Calibration.TopHits,
			Accuracy: decimal.NewFromFloat(r.Metrics.Calibration.Accuracy()).StringFixed(4),
			Brier:    decimal.NewFromFloat(r.Metrics.Calibration.Brier).StringFixed(4),
		},
		Errors: r.Metrics.ErrorsByKind,
		Dates:  append([]DateResult(nil), r.Dates...),
	}
	for k, b := range r.Metrics.ByStation {
		s.ByStation[k] = b.summary()
	}
	for k, b := range r.Metrics.ByBracket {
		s.ByBracket[k] = b.summary()
	}
	sort.Slice(s.Dates, func(i, j int) bool { return s.Dates[i].Date < s.Dates[j].Date })
	return s
}
