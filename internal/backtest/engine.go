// Package backtest replays forecasts against venue prices and resolutions
// over a date range and aggregates the simulated trades.
//
// Each (station, date) pair is one evaluation unit. Within a unit the
// forecast is mapped to bracket probabilities before prices are resolved, and
// prices are resolved before outcomes. Units of the same date run in parallel;
// dates run in ascending order and each finished date is written to its
// ledger file and checkpointed before the next one starts.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/polyedge/internal/config"
	"github.com/rewired-gh/polyedge/internal/ledger"
	"github.com/rewired-gh/polyedge/internal/logger"
	"github.com/rewired-gh/polyedge/internal/metrics"
	"github.com/rewired-gh/polyedge/internal/models"
	"github.com/rewired-gh/polyedge/internal/probability"
	"github.com/rewired-gh/polyedge/internal/resolution"
	"github.com/rewired-gh/polyedge/internal/retry"
	"github.com/rewired-gh/polyedge/internal/sizing"
	"github.com/rewired-gh/polyedge/internal/snapshot"
	"github.com/rewired-gh/polyedge/internal/storage"
)

// Options holds the engine's run parameters.
type Options struct {
	Strategy config.StrategyConfig
	Workers  int
	Resume   bool
	Retry    retry.Policy
	// PriceLead is how long before the start of the event's local day the
	// opening price is taken.
	PriceLead time.Duration
}

// Deps holds the engine's collaborators. Prices, Checkpoints and Metrics
// may be nil.
type Deps struct {
	Forecasts   ForecastProvider
	Markets     MarketDiscovery
	Prices      PriceSource
	Resolutions ResolutionProvider
	Snapshots   snapshot.Store
	Ledger      *ledger.Writer
	Checkpoints Checkpointer
	Metrics     *metrics.Recorder
}

// Engine runs backtests. It is safe to reuse across runs but not to run
// concurrently with itself over the same output directory.
type Engine struct {
	opts        Options
	mapper      *probability.Mapper
	sizer       *sizing.Sizer
	forecasts   ForecastProvider
	markets     MarketDiscovery
	prices      *snapshot.Cache
	closer      ClosePriceSource
	liquidity   LiquiditySource
	resolver    *resolution.Resolver
	ledger      *ledger.Writer
	checkpoints Checkpointer
	metrics     *metrics.Recorder
}

// New wires an Engine.
func New(opts Options, deps Deps) (*Engine, error) {
	if deps.Forecasts == nil {
		return nil, errors.New("forecast provider is required")
	}
	if deps.Markets == nil {
		return nil, errors.New("market discovery is required")
	}
	if deps.Resolutions == nil {
		return nil, errors.New("resolution provider is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("ledger writer is required")
	}
	if deps.Snapshots == nil {
		deps.Snapshots = snapshot.NewMemoryStore()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	mapper, err := probability.NewMapper(opts.Strategy)
	if err != nil {
		return nil, fmt.Errorf("failed to create probability mapper: %w", err)
	}

	e := &Engine{
		opts:        opts,
		mapper:      mapper,
		sizer:       sizing.New(opts.Strategy),
		forecasts:   deps.Forecasts,
		markets:     deps.Markets,
		ledger:      deps.Ledger,
		checkpoints: deps.Checkpoints,
		metrics:     deps.Metrics,
	}

	e.prices = snapshot.NewCache(deps.Snapshots, deps.Prices, e.policy("price"))
	e.resolver = resolution.NewResolver(deps.Resolutions, e.policy("resolution"))
	if deps.Prices != nil {
		e.closer, _ = deps.Prices.(ClosePriceSource)
		e.liquidity, _ = deps.Prices.(LiquiditySource)
	}
	return e, nil
}

// policy returns the retry policy for one operation, counting retries.
func (e *Engine) policy(op string) retry.Policy {
	p := e.opts.Retry
	p.OnRetry = func(attempt int, err error) {
		e.metrics.RecordRetry(op)
		logger.Debug("Retrying %s call (attempt %d): %v", op, attempt, err)
	}
	return p
}

// Run backtests stations over the inclusive date range [from, to].
// Cancellation is honored between dates: the returned report covers every
// completed date and the error is the context's.
func (e *Engine) Run(ctx context.Context, stations []config.StationConfig, from, to string) (*Report, error) {
	dates, err := DateRange(from, to)
	if err != nil {
		return nil, err
	}
	if len(stations) == 0 {
		return nil, fmt.Errorf("%w: no stations to backtest", models.ErrInput)
	}

	stations = append([]config.StationConfig(nil), stations...)
	sort.Slice(stations, func(i, j int) bool { return stations[i].ID < stations[j].ID })

	runID := uuid.NewString()
	report := newReport(from, to, stations)
	logger.Info("Backtest %s started: %d stations, %s to %s (%d dates)", runID, len(stations), from, to, len(dates))

	for _, date := range dates {
		if err := ctx.Err(); err != nil {
			report.Cancelled = true
			logger.Warn("Backtest %s cancelled before %s", runID, date)
			e.finish(report)
			return report, err
		}

		if e.opts.Resume {
			done, err := e.resumeDate(ctx, stations, date, report)
			if err != nil && ctx.Err() != nil {
				report.Cancelled = true
				logger.Warn("Backtest %s cancelled while resuming %s", runID, date)
				e.finish(report)
				return report, ctx.Err()
			}
			if err != nil {
				logger.Warn("Could not resume %s, reprocessing: %v", date, err)
			} else if done {
				continue
			}
		}

		if err := e.runDate(ctx, stations, date, report); err != nil {
			e.finish(report)
			return report, err
		}
	}

	if err := e.finish(report); err != nil {
		return report, err
	}
	logger.Info("Backtest %s finished: %d trades, %d errors, pnl %s",
		runID, report.Metrics.Trades, len(report.Errors), report.Metrics.TotalPnL.StringFixed(2))
	return report, nil
}

// finish computes the report's metrics and writes the run summary.
func (e *Engine) finish(report *Report) error {
	report.finish()
	e.metrics.SetPnL(report.Metrics.TotalPnL.InexactFloat64())
	path, err := e.ledger.WriteSummary(report.Summary())
	if err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	report.SummaryPath = path
	return nil
}

// runDate evaluates every station for date, then writes and checkpoints the ledger.
func (e *Engine) runDate(ctx context.Context, stations []config.StationConfig, date string, report *Report) error {
	results := e.evaluateAll(ctx, stations, date)
	if err := ctx.Err(); err != nil {
		// a date interrupted mid-way is neither written nor checkpointed
		report.Cancelled = true
		logger.Warn("Backtest cancelled during %s; date will be redone", date)
		return err
	}

	units := make(map[string]unitResult, len(stations))
	for i, st := range stations {
		units[st.ID] = results[i]
	}
	e.recordUnits(results)

	res, trades, unitErrs, err := e.commitDate(ctx, date, units)
	if err != nil {
		return err
	}
	report.addDate(res, trades, unitErrs)
	logger.Info("Completed %s: %d trades, %d errors", date, len(trades), len(unitErrs))
	return nil
}

// recordUnits logs and counts freshly evaluated units.
func (e *Engine) recordUnits(results []unitResult) {
	for _, r := range results {
		for _, ue := range r.errs {
			e.metrics.RecordUnitError(models.ErrorKind(ue.Err))
			logger.Warn("%v", ue)
		}
		for _, t := range r.trades {
			e.metrics.RecordTrade(string(t.Kind()), string(t.Outcome()))
		}
	}
}

// collectUnits flattens units in station order. Trades come back in ledger order.
func collectUnits(units map[string]unitResult) ([]string, []*models.Trade, []models.UnitError) {
	ids := make([]string, 0, len(units))
	for id := range units {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var trades []*models.Trade
	var unitErrs []models.UnitError
	for _, id := range ids {
		trades = append(trades, units[id].trades...)
		unitErrs = append(unitErrs, units[id].errs...)
	}
	ledger.SortTrades(trades)
	return ids, trades, unitErrs
}

// commitDate writes the ledger of date and checkpoints which stations were
// evaluated and which of them failed with provider errors.
func (e *Engine) commitDate(ctx context.Context, date string, units map[string]unitResult) (DateResult, []*models.Trade, []models.UnitError, error) {
	ids, trades, unitErrs := collectUnits(units)

	path, err := e.ledger.WriteDate(date, trades)
	if err != nil {
		return DateResult{}, nil, nil, fmt.Errorf("failed to write ledger for %s: %w", date, err)
	}
	if e.checkpoints != nil {
		cp := storage.Checkpoint{Date: date, LedgerPath: path, Trades: len(trades), Stations: ids}
		failed := make(map[string]bool)
		for _, ue := range unitErrs {
			cp.Errors = append(cp.Errors, storage.UnitErrorRecord{
				Station:   ue.Station,
				BracketID: ue.BracketID,
				Kind:      models.ErrorKind(ue.Err),
				Message:   ue.Err.Error(),
			})
			if errors.Is(ue.Err, models.ErrProvider) && !failed[ue.Station] {
				failed[ue.Station] = true
				cp.Failed = append(cp.Failed, ue.Station)
			}
		}
		if err := e.checkpoints.MarkDone(ctx, cp); err != nil {
			return DateResult{}, nil, nil, fmt.Errorf("failed to checkpoint %s: %w", date, err)
		}
	}
	e.metrics.RecordDateDone()

	res := DateResult{Date: date, Trades: len(trades), Errors: len(unitErrs), LedgerPath: path}
	return res, trades, unitErrs, nil
}

// resumeDate loads a checkpointed date from its ledger. Stations that failed
// with provider errors, or that the checkpoint does not list, are evaluated
// again. Pending trades of the other stations are offered to the resolver,
// and the ledger is rewritten when anything changed.
func (e *Engine) resumeDate(ctx context.Context, stations []config.StationConfig, date string, report *Report) (bool, error) {
	if e.checkpoints == nil {
		return false, nil
	}
	cp, ok, err := e.checkpoints.Checkpoint(ctx, date)
	if err != nil || !ok {
		return false, err
	}
	if !e.ledger.Exists(date) {
		return false, nil
	}

	stored, err := e.ledger.ReadDate(date)
	if err != nil {
		return false, err
	}

	redoIDs := make(map[string]bool)
	var redo []config.StationConfig
	for _, st := range stations {
		if cp.Redo(st.ID) {
			redo = append(redo, st)
			redoIDs[st.ID] = true
		}
	}

	// stations outside this run keep whatever the checkpoint recorded
	units := make(map[string]unitResult)
	for _, id := range cp.Stations {
		if !redoIDs[id] {
			units[id] = unitResult{}
		}
	}
	for _, t := range stored {
		if redoIDs[t.Station] {
			continue
		}
		u := units[t.Station]
		u.trades = append(u.trades, t)
		units[t.Station] = u
	}
	for _, rec := range cp.Errors {
		if redoIDs[rec.Station] {
			continue
		}
		u := units[rec.Station]
		u.errs = append(u.errs, models.UnitError{
			Station:   rec.Station,
			Date:      date,
			BracketID: rec.BracketID,
			Err:       models.KindError(rec.Kind, rec.Message),
		})
		units[rec.Station] = u
	}

	var kept []*models.Trade
	for _, u := range units {
		kept = append(kept, u.trades...)
	}
	ledger.SortTrades(kept)
	pendingErrs, changed := e.resolvePending(ctx, kept)
	if err := ctx.Err(); err != nil {
		return false, err
	}
	for _, ue := range pendingErrs {
		u := units[ue.Station]
		u.errs = append(u.errs, ue)
		units[ue.Station] = u
	}

	if len(redo) > 0 {
		results := e.evaluateAll(ctx, redo, date)
		if err := ctx.Err(); err != nil {
			return false, err
		}
		for i, st := range redo {
			units[st.ID] = results[i]
		}
		e.recordUnits(results)
		changed = true
		logger.Info("Re-evaluated %d stations for checkpointed date %s", len(redo), date)
	}

	var res DateResult
	var trades []*models.Trade
	var unitErrs []models.UnitError
	if changed || len(pendingErrs) > 0 {
		if res, trades, unitErrs, err = e.commitDate(ctx, date, units); err != nil {
			return false, err
		}
	} else {
		_, trades, unitErrs = collectUnits(units)
		res = DateResult{Date: date, Trades: len(trades), Errors: len(unitErrs), LedgerPath: e.ledger.Path(date)}
	}
	res.Resumed = true

	report.addDate(res, trades, unitErrs)
	logger.Debug("Resumed checkpointed date %s (%d trades, %d errors)", date, len(trades), len(unitErrs))
	return true, nil
}

// resolvePending runs resolution for every event that still has pending trades.
func (e *Engine) resolvePending(ctx context.Context, trades []*models.Trade) ([]models.UnitError, bool) {
	events := make(map[string][]*models.Trade)
	var order []string
	for _, t := range trades {
		if t.Outcome() != models.OutcomePending {
			continue
		}
		if _, ok := events[t.Station]; !ok {
			order = append(order, t.Station)
		}
		events[t.Station] = append(events[t.Station], t)
	}

	var errs []models.UnitError
	changed := false
	for _, station := range order {
		out := e.resolver.ResolveEvent(ctx, events[station])
		errs = append(errs, out.Errors...)
		changed = changed || out.Resolved
	}
	return errs, changed
}

// evaluateAll runs one unit per station through a bounded worker pool and
// returns the results in station order.
func (e *Engine) evaluateAll(ctx context.Context, stations []config.StationConfig, date string) []unitResult {
	results := make([]unitResult, len(stations))
	jobs := make(chan int)

	workers := e.opts.Workers
	if workers > len(stations) {
		workers = len(stations)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				start := time.Now()
				results[i] = e.evaluate(ctx, stations[i], date)
				e.metrics.ObserveUnit(time.Since(start).Seconds())
			}
		}()
	}

	for i := range stations {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}

// DateRange expands an inclusive YYYY-MM-DD range.
func DateRange(from, to string) ([]string, error) {
	start, err := models.ParseDate(from)
	if err != nil {
		return nil, fmt.Errorf("invalid start date: %w", err)
	}
	end, err := models.ParseDate(to)
	if err != nil {
		return nil, fmt.Errorf("invalid end date: %w", err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end date %s is before start date %s", models.ErrInput, to, from)
	}

	var dates []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format(models.DateLayout))
	}
	return dates, nil
}
