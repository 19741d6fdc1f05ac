package models

import (
	"errors"
	"fmt"
	"math"
)

// LedgerDecimals is the number of decimals every float carries in the ledger.
const LedgerDecimals = 6

var ledgerScale = math.Pow10(LedgerDecimals)

// Quantize rounds x to LedgerDecimals. Trades hold quantized values so that a
// trade read back from the ledger resolves to the same P&L as the one written.
func Quantize(x float64) float64 {
	if math.IsInf(x, 0) || math.IsNaN(x) {
		return x
	}
	q := math.Round(x*ledgerScale) / ledgerScale
	if q == 0 {
		return 0
	}
	return q
}

// Outcome is the resolution state of a simulated trade.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeWin     Outcome = "win"
	OutcomeLoss    Outcome = "loss"
)

// TradeKind distinguishes priced trades from calibration-only trades.
type TradeKind string

const (
	// KindPriced trades come from an EdgeDecision against a known market price.
	KindPriced TradeKind = "priced"
	// KindCalibration trades exist only to score the forecast; no price was ever available.
	KindCalibration TradeKind = "calibration"
)

// Position is the mode-specific part of a Trade. It is implemented only by
// PricedPosition and CalibrationPosition.
type Position interface {
	kind() TradeKind
}

// PricedPosition is a position opened in full mode.
type PricedPosition struct {
	PMarketOpen   float64    `json:"p_market_open"`
	PMarketClose  *float64   `json:"p_market_close,omitempty"`
	Edge          float64    `json:"edge"`
	KellyFraction float64    `json:"kelly_fraction"`
	SizeUSD       float64    `json:"size_usd"`
	Reason        SizeReason `json:"reason"`
}

func (PricedPosition) kind() TradeKind { return KindPriced }

// CalibrationPosition marks a bracket tracked in resolution-only mode.
type CalibrationPosition struct {
	// TopBracket is set on the bracket holding the event's highest forecast probability.
	TopBracket bool `json:"top_bracket"`
}

func (CalibrationPosition) kind() TradeKind { return KindCalibration }

// Trade is one simulated backtest trade. It is created pending and resolves at most once.
type Trade struct {
	ID        string   `json:"id"`
	Date      string   `json:"date"`
	Station   string   `json:"station"`
	Bracket   Bracket  `json:"bracket"`
	PForecast float64  `json:"p_forecast"`
	Sigma     float64  `json:"sigma"`
	Position  Position `json:"position"`

	outcome     Outcome
	realizedPnL float64
}

// NewPricedTrade creates a pending full-mode trade from a sizing decision.
// Numeric fields are quantized to ledger precision.
func NewPricedTrade(id, date, station string, sigma float64, d EdgeDecision, pClose *float64) *Trade {
	var closeQ *float64
	if pClose != nil {
		c := Quantize(*pClose)
		closeQ = &c
	}
	return &Trade{
		ID:        id,
		Date:      date,
		Station:   station,
		Bracket:   d.Bracket,
		PForecast: Quantize(d.PForecast),
		Sigma:     Quantize(sigma),
		Position: PricedPosition{
			PMarketOpen:   Quantize(d.PMarket),
			PMarketClose:  closeQ,
			Edge:          Quantize(d.Edge),
			KellyFraction: Quantize(d.KellyFraction),
			SizeUSD:       Quantize(d.SizeUSD),
			Reason:        d.Reason,
		},
		outcome: OutcomePending,
	}
}

// NewCalibrationTrade creates a pending resolution-only trade.
func NewCalibrationTrade(id, date, station string, p BracketProbability, top bool) *Trade {
	return &Trade{
		ID:        id,
		Date:      date,
		Station:   station,
		Bracket:   p.Bracket,
		PForecast: Quantize(p.PForecast),
		Sigma:     Quantize(p.Sigma),
		Position:  CalibrationPosition{TopBracket: top},
		outcome:   OutcomePending,
	}
}

// Kind reports which mode produced the trade.
func (t *Trade) Kind() TradeKind {
	if t.Position == nil {
		return KindCalibration
	}
	return t.Position.kind()
}

// Priced returns the priced position when the trade was opened in full mode.
func (t *Trade) Priced() (PricedPosition, bool) {
	p, ok := t.Position.(PricedPosition)
	return p, ok
}

// Outcome returns the current resolution state.
func (t *Trade) Outcome() Outcome {
	if t.outcome == "" {
		return OutcomePending
	}
	return t.outcome
}

// RealizedPnL returns the realized profit; zero while pending and for calibration trades.
func (t *Trade) RealizedPnL() float64 {
	return t.realizedPnL
}

// SizeUSD returns the staked amount; zero for calibration trades.
func (t *Trade) SizeUSD() float64 {
	if p, ok := t.Priced(); ok {
		return p.SizeUSD
	}
	return 0
}

// Resolve moves a pending trade to win or loss and books its P&L.
// Resolving again with the same outcome is a no-op; a different outcome
// returns ErrAlreadyResolved.
func (t *Trade) Resolve(o Outcome) error {
	if o != OutcomeWin && o != OutcomeLoss {
		return fmt.Errorf("%w: cannot resolve to %q", ErrValidation, o)
	}
	current := t.Outcome()
	if current != OutcomePending {
		if current == o {
			return nil
		}
		return fmt.Errorf("%w: trade %s is %s, not %s", ErrAlreadyResolved, t.ID, current, o)
	}

	t.outcome = o
	t.realizedPnL = 0
	if p, ok := t.Priced(); ok {
		t.realizedPnL = PnL(o, p.SizeUSD, p.PMarketOpen)
	}
	return nil
}

// PnL returns the realized profit of a binary position bought at pMarket.
func PnL(o Outcome, sizeUSD, pMarket float64) float64 {
	switch o {
	case OutcomeWin:
		if pMarket <= 0 {
			return 0
		}
		return sizeUSD/pMarket - sizeUSD
	case OutcomeLoss:
		return -sizeUSD
	default:
		return 0
	}
}

// Validate checks that all trade fields are valid.
func (t *Trade) Validate() error {
	if t.ID == "" {
		return errors.New("trade ID must not be empty")
	}
	if t.Station == "" {
		return errors.New("station must not be empty")
	}
	if _, err := ParseDate(t.Date); err != nil {
		return err
	}
	if t.PForecast < 0.0 || t.PForecast > 1.0 {
		return errors.New("p_forecast must be between 0.0 and 1.0")
	}
	if p, ok := t.Priced(); ok {
		if p.PMarketOpen <= 0.0 || p.PMarketOpen >= 1.0 {
			return errors.New("p_market_open must be strictly between 0.0 and 1.0")
		}
		if p.SizeUSD < 0 {
			return errors.New("size_usd must not be negative")
		}
	}
	return nil
}

// ResolutionResult is the venue's answer for one market.
type ResolutionResult struct {
	MarketID    string  `json:"market_id"`
	Resolved    bool    `json:"resolved"`
	WinnerLabel *string `json:"winner_label,omitempty"`
}
