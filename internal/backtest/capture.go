package backtest

import (
	"context"
	"fmt"

	"github.com/rewired-gh/polyedge/internal/config"
	"github.com/rewired-gh/polyedge/internal/logger"
	"github.com/rewired-gh/polyedge/internal/models"
	"github.com/rewired-gh/polyedge/internal/retry"
)

// CaptureResult counts the snapshots taken by Capture.
type CaptureResult struct {
	Recorded int
	// Skipped counts brackets already snapshotted or not yet priced.
	Skipped int
	Errors  []models.UnitError
}

// Capture records the venue's current price of every bracket of date's
// events as a snapshot, so later backtests over date replay prices that were
// actually observed. Existing snapshots are kept.
func (e *Engine) Capture(ctx context.Context, stations []config.StationConfig, date string) (CaptureResult, error) {
	var res CaptureResult
	if _, err := models.ParseDate(date); err != nil {
		return res, err
	}

	for _, station := range stations {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		brackets, err := retry.Value(ctx, e.policy("discovery"), func(ctx context.Context) ([]models.Bracket, error) {
			return e.markets.ListBrackets(ctx, station, date)
		})
		if err != nil {
			res.Errors = append(res.Errors, models.UnitError{Station: station.ID, Date: date, Err: providerError("list brackets", err)})
			continue
		}

		for _, b := range brackets {
			key := models.PriceSnapshotKey{Date: date, Station: station.ID, BracketID: b.Key()}
			written, err := e.prices.Observe(ctx, key, b)
			switch {
			case err != nil:
				res.Errors = append(res.Errors, models.UnitError{Station: station.ID, Date: date, BracketID: b.Key(), Err: providerError("observe price", err)})
			case written:
				res.Recorded++
			default:
				res.Skipped++
			}
		}
	}

	for _, ue := range res.Errors {
		e.metrics.RecordUnitError(models.ErrorKind(ue.Err))
		logger.Warn("%v", ue)
	}
	logger.Info("Captured snapshots for %s: %d new, %d skipped, %d errors",
		date, res.Recorded, res.Skipped, len(res.Errors))
	if len(res.Errors) > 0 && res.Recorded == 0 && res.Skipped == 0 {
		return res, fmt.Errorf("%w: no snapshots captured for %s", models.ErrProvider, date)
	}
	return res, nil
}
