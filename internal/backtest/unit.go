package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/polyedge/internal/config"
	"github.com/rewired-gh/polyedge/internal/logger"
	"github.com/rewired-gh/polyedge/internal/models"
	"github.com/rewired-gh/polyedge/internal/retry"
)

// tradeNamespace seeds deterministic trade ids so reruns reproduce ledgers.
var tradeNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/rewired-gh/polyedge/trades"))

// TradeID derives the id of the trade on bracket b for one event.
func TradeID(date, station string, b models.Bracket, kind models.TradeKind) string {
	return uuid.NewSHA1(tradeNamespace, []byte(date+"|"+station+"|"+b.Key()+"|"+string(kind))).String()
}

// unitResult is the outcome of one (station, date) evaluation.
type unitResult struct {
	trades []*models.Trade
	errs   []models.UnitError
}

// evaluate runs one unit: forecast, probabilities, prices, sizing, resolution.
// Failures are returned as unit errors and never escape the unit.
func (e *Engine) evaluate(ctx context.Context, station config.StationConfig, date string) unitResult {
	var res unitResult
	fail := func(bracketID string, err error) {
		res.errs = append(res.errs, models.UnitError{Station: station.ID, Date: date, BracketID: bracketID, Err: err})
	}

	window, err := retry.Value(ctx, e.policy("forecast"), func(ctx context.Context) (*models.ForecastWindow, error) {
		return e.forecasts.Fetch(ctx, station, date)
	})
	if err != nil {
		fail("", providerError("forecast", err))
		return res
	}

	brackets, err := retry.Value(ctx, e.policy("discovery"), func(ctx context.Context) ([]models.Bracket, error) {
		return e.markets.ListBrackets(ctx, station, date)
	})
	if err != nil {
		fail("", providerError("bracket discovery", err))
		return res
	}
	if len(brackets) == 0 {
		logger.Debug("No brackets listed for %s %s", station.ID, date)
		return res
	}
	models.SortBrackets(brackets)

	mapped, err := e.mapper.Map(window, brackets)
	if err != nil {
		fail("", err)
		return res
	}

	dayStart, dayEnd, err := localDay(station, date)
	if err != nil {
		fail("", err)
		return res
	}
	openAt := dayStart.Add(-e.opts.PriceLead)

	probs := make([]models.BracketProbability, len(mapped.Probabilities))
	priced := 0
	var liquidity map[string]float64
	for i, p := range mapped.Probabilities {
		probs[i] = p
		key := models.PriceSnapshotKey{Date: date, Station: station.ID, BracketID: p.Bracket.Key()}
		quote, err := e.prices.Price(ctx, key, p.Bracket, openAt)
		e.metrics.RecordPriceSource(string(quote.Source))
		if err != nil {
			fail(p.Bracket.Key(), err)
			continue
		}
		if !quote.Found() {
			continue
		}
		probs[i] = p.WithMarket(quote.PMarket)
		priced++

		if e.liquidity != nil {
			depth, err := retry.Value(ctx, e.policy("liquidity"), func(ctx context.Context) (liquidityQuote, error) {
				usd, found, err := e.liquidity.Liquidity(ctx, p.Bracket, openAt)
				return liquidityQuote{usd: usd, found: found}, err
			})
			if liquidity == nil {
				liquidity = make(map[string]float64)
			}
			if err != nil {
				// unknown depth must not size as unconstrained
				probs[i] = p
				priced--
				fail(p.Bracket.Key(), providerError("liquidity", err))
				continue
			}
			if depth.found {
				liquidity[p.Bracket.Key()] = depth.usd
			}
		}
	}

	if priced > 0 {
		decisions := e.sizer.Size(probs, e.opts.Strategy.BankrollUSD, liquidity)
		for _, d := range decisions {
			pClose := e.closePrice(ctx, d.Bracket, dayEnd, fail)
			id := TradeID(date, station.ID, d.Bracket, models.KindPriced)
			res.trades = append(res.trades, models.NewPricedTrade(id, date, station.ID, mapped.Sigma, d, pClose))
		}
		logger.Debug("%s %s: full mode, %d/%d brackets priced, %d decisions", station.ID, date, priced, len(probs), len(decisions))
	} else {
		top, _ := mapped.Top()
		for _, p := range mapped.Probabilities {
			id := TradeID(date, station.ID, p.Bracket, models.KindCalibration)
			res.trades = append(res.trades, models.NewCalibrationTrade(id, date, station.ID, p, p.Bracket.Key() == top.Bracket.Key()))
		}
		logger.Debug("%s %s: resolution-only mode, no bracket priced", station.ID, date)
	}

	if len(res.trades) > 0 {
		out := e.resolver.ResolveEvent(ctx, res.trades)
		res.errs = append(res.errs, out.Errors...)
	}
	return res
}

// liquidityQuote carries a liquidity lookup through retry.Value.
type liquidityQuote struct {
	usd   float64
	found bool
}

// closePrice fetches the final venue price when the price source offers it.
// A failure only costs the close price, so it is recorded and nil is returned.
func (e *Engine) closePrice(ctx context.Context, b models.Bracket, dayEnd time.Time, fail func(string, error)) *float64 {
	if e.closer == nil {
		return nil
	}
	type closeQuote struct {
		price float64
		found bool
	}
	q, err := retry.Value(ctx, e.policy("close price"), func(ctx context.Context) (closeQuote, error) {
		p, found, err := e.closer.ClosePrice(ctx, b, dayEnd)
		return closeQuote{price: p, found: found}, err
	})
	if err != nil {
		fail(b.Key(), providerError("close price", err))
		return nil
	}
	if !q.found {
		return nil
	}
	return &q.price
}

// localDay returns the UTC bounds of date in the station's timezone.
func localDay(station config.StationConfig, date string) (time.Time, time.Time, error) {
	loc := time.UTC
	if station.Timezone != "" {
		l, err := time.LoadLocation(station.Timezone)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: station %s timezone %q: %w", models.ErrInput, station.ID, station.Timezone, err)
		}
		loc = l
	}
	start, err := time.ParseInLocation(models.DateLayout, date, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: invalid date %q: %w", models.ErrInput, date, err)
	}
	return start.UTC(), start.AddDate(0, 0, 1).UTC(), nil
}

// providerError tags collaborator failures as provider errors.
func providerError(op string, err error) error {
	if errors.Is(err, models.ErrProvider) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrProvider, err)
}
