// Command polyedge backtests weather-bracket forecasts against Polymarket
// prices and resolutions.
//
// Usage:
//
//	polyedge backtest -config configs/config.yaml -from 2025-01-01 -to 2025-01-31
//	polyedge schedule -config configs/config.yaml
//	polyedge snapshot -config configs/config.yaml -date 2025-02-01
//	polyedge snapshot -config configs/config.yaml -date 2025-02-01 -list
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rewired-gh/polyedge/internal/backtest"
	"github.com/rewired-gh/polyedge/internal/config"
	"github.com/rewired-gh/polyedge/internal/forecast"
	"github.com/rewired-gh/polyedge/internal/ledger"
	"github.com/rewired-gh/polyedge/internal/logger"
	"github.com/rewired-gh/polyedge/internal/metrics"
	"github.com/rewired-gh/polyedge/internal/polymarket"
	"github.com/rewired-gh/polyedge/internal/retry"
	"github.com/rewired-gh/polyedge/internal/scheduler"
	"github.com/rewired-gh/polyedge/internal/snapshot"
	"github.com/rewired-gh/polyedge/internal/storage"
	"github.com/rewired-gh/polyedge/internal/telegram"
)

const usage = `usage: polyedge <command> [flags]

commands:
  backtest   replay a date range and write ledgers and a summary
  schedule   run the backtest of the previous day on a cron schedule
  snapshot   record current venue prices for a date's brackets, or list them with -list
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "backtest":
		err = runBacktest(args)
	case "schedule":
		err = runSchedule(args)
	case "snapshot":
		err = runSnapshot(args)
	case "-h", "-help", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal("%v", err)
	}
}

// app holds the wired collaborators shared by every command.
type app struct {
	cfg         *config.Config
	engine      *backtest.Engine
	metrics     *metrics.Recorder
	telegram    *telegram.Client
	checkpoints *storage.SQLite
	snapshots   snapshotStore
	closers     []func() error
}

// snapshotStore is a snapshot store that can also list what it holds.
type snapshotStore interface {
	snapshot.Store
	snapshot.Lister
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Error("Failed to close resource: %v", err)
		}
	}
}

// loadConfig reads and validates the configuration and sets up logging.
func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", path)
	return cfg
}

// newApp opens storage and wires the engine.
func newApp(ctx context.Context, cfg *config.Config, resume bool, workers int) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.New()}

	checkpoints, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.checkpoints = checkpoints
	a.closers = append(a.closers, checkpoints.Close)

	var snapshots snapshotStore = checkpoints
	if cfg.Storage.Backend == "redis" {
		rs, err := snapshot.NewRedisStore(ctx, snapshot.RedisOptions{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			Prefix:   cfg.Storage.Redis.Prefix,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect snapshot store: %w", err)
		}
		a.closers = append(a.closers, rs.Close)
		snapshots = rs
		logger.Info("Using Redis snapshot store at %s", cfg.Storage.Redis.Addr)
	}

	a.snapshots = snapshots

	venue := polymarket.NewClientFromConfig(cfg.Venue)
	if workers <= 0 {
		workers = cfg.Backtest.Workers
	}

	a.engine, err = backtest.New(backtest.Options{
		Strategy: cfg.Strategy,
		Workers:  workers,
		Resume:   resume,
		Retry: retry.Policy{
			Attempts:    cfg.Backtest.Retry.Attempts,
			BaseDelay:   cfg.Backtest.Retry.BaseDelay,
			MaxDelay:    cfg.Backtest.Retry.MaxDelay,
			CallTimeout: cfg.Backtest.Retry.CallTimeout,
		},
		PriceLead: time.Duration(cfg.Venue.PriceLeadHours) * time.Hour,
	}, backtest.Deps{
		Forecasts:   forecast.NewClientFromConfig(cfg.Forecast),
		Markets:     venue,
		Prices:      venue,
		Resolutions: venue,
		Snapshots:   snapshots,
		Ledger:      ledger.NewWriter(cfg.Backtest.OutputDir),
		Checkpoints: checkpoints,
		Metrics:     a.metrics,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create backtest engine: %w", err)
	}

	if cfg.Telegram.Enabled {
		a.telegram, err = telegram.NewClientFromConfig(cfg.Telegram)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}
	return a, nil
}

// backtest runs the engine over [from, to] and publishes the outcome.
func (a *app) backtest(ctx context.Context, stations []config.StationConfig, from, to string) error {
	start := time.Now()
	report, err := a.engine.Run(ctx, stations, from, to)
	if report != nil {
		a.publish(ctx, report, time.Since(start))
	}
	return err
}

// publish writes the metrics textfile and sends the Telegram summary.
func (a *app) publish(ctx context.Context, report *backtest.Report, elapsed time.Duration) {
	if path := a.cfg.Metrics.TextfilePath; path != "" {
		if err := a.metrics.WriteTextfile(path); err != nil {
			logger.Warn("Failed to write metrics textfile: %v", err)
		} else {
			logger.Debug("Metrics written to %s", path)
		}
	}
	if a.telegram != nil {
		if err := a.telegram.SendSummary(ctx, report.Summary(), elapsed); err != nil {
			logger.Error("Failed to send Telegram notification: %v", err)
		} else {
			logger.Info("Sent Telegram run summary")
		}
	}
}

func runBacktest(args []string) error {
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	configPath := fs.String("config", "configs/config.yaml", "Path to configuration file")
	from := fs.String("from", "", "First date, YYYY-MM-DD (default backtest.start_date)")
	to := fs.String("to", "", "Last date, YYYY-MM-DD (default backtest.end_date, or from)")
	stationIDs := fs.String("stations", "", "Comma-separated station ids (default all)")
	workers := fs.Int("workers", 0, "Parallel units per date (default backtest.workers)")
	fresh := fs.Bool("fresh", false, "Ignore and clear checkpoints, reprocessing every date")
	_ = fs.Parse(args)

	cfg := loadConfig(*configPath)
	if *from == "" {
		*from = cfg.Backtest.StartDate
	}
	if *to == "" {
		*to = cfg.Backtest.EndDate
	}
	if *to == "" {
		*to = *from
	}
	if *from == "" {
		return fmt.Errorf("a start date is required: pass -from or set backtest.start_date")
	}

	stations, err := selectStations(cfg, *stationIDs)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg, cfg.Backtest.Resume && !*fresh, *workers)
	if err != nil {
		return err
	}
	defer a.Close()

	if *fresh {
		if err := a.checkpoints.ClearCheckpoints(ctx); err != nil {
			return fmt.Errorf("failed to clear checkpoints: %w", err)
		}
	}

	logger.Info("Starting backtest of %d stations from %s to %s", len(stations), *from, *to)
	return a.backtest(ctx, stations, *from, *to)
}

func runSchedule(args []string) error {
	fs := flag.NewFlagSet("schedule", flag.ExitOnError)
	configPath := fs.String("config", "configs/config.yaml", "Path to configuration file")
	runNow := fs.Bool("now", false, "Also run once for yesterday at startup")
	_ = fs.Parse(args)

	cfg := loadConfig(*configPath)

	ctx, cancel := signalContext()
	defer cancel()

	// repeated nightly runs rely on checkpoints to stay idempotent
	a, err := newApp(ctx, cfg, true, 0)
	if err != nil {
		return err
	}
	defer a.Close()

	s := scheduler.New(ctx, func(ctx context.Context, date string) error {
		return a.backtest(ctx, cfg.Stations, date, date)
	}, time.UTC)
	if err := s.Register(cfg.Schedule.Cron); err != nil {
		return err
	}

	if *runNow {
		if err := s.RunNow(); err != nil {
			logger.Error("Startup backtest failed: %v", err)
		}
	}

	s.Start()
	logger.Info("Nightly backtest scheduled (%s), next run at %s", cfg.Schedule.Cron, s.Next().Format(time.RFC3339))
	<-ctx.Done()
	s.Stop()
	logger.Info("Service stopped")
	return nil
}

func runSnapshot(args []string) error {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	configPath := fs.String("config", "configs/config.yaml", "Path to configuration file")
	date := fs.String("date", "", "Event date to snapshot, YYYY-MM-DD (default tomorrow, UTC)")
	stationIDs := fs.String("stations", "", "Comma-separated station ids (default all)")
	list := fs.Bool("list", false, "Print the stored snapshots instead of recording new ones")
	_ = fs.Parse(args)

	cfg := loadConfig(*configPath)
	if *date == "" {
		*date = time.Now().UTC().AddDate(0, 0, 1).Format("2006-01-02")
	}
	stations, err := selectStations(cfg, *stationIDs)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg, false, 0)
	if err != nil {
		return err
	}
	defer a.Close()

	if *list {
		n, err := listSnapshots(ctx, os.Stdout, a.snapshots, *date, stations)
		if err != nil {
			return err
		}
		logger.Info("Listed %d snapshots for %s", n, *date)
		return nil
	}

	res, err := a.engine.Capture(ctx, stations, *date)
	if err != nil {
		return err
	}
	logger.Info("Snapshot of %s complete: %d recorded, %d skipped, %d errors", *date, res.Recorded, res.Skipped, len(res.Errors))
	return nil
}

// listSnapshots writes one row per stored snapshot of date and returns the row count.
func listSnapshots(ctx context.Context, w io.Writer, l snapshot.Lister, date string, stations []config.StationConfig) (int, error) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATION\tBRACKET\tP_MARKET\tSOURCE\tCAPTURED_AT")
	n := 0
	for _, st := range stations {
		snaps, err := l.Snapshots(ctx, date, st.ID)
		if err != nil {
			return n, fmt.Errorf("failed to list snapshots for %s: %w", st.ID, err)
		}
		for _, snap := range snaps {
			fmt.Fprintf(tw, "%s\t%s\t%.4f\t%s\t%s\n",
				snap.Station, snap.BracketID, snap.PMarket, snap.Source, snap.CapturedAt.UTC().Format(time.RFC3339))
			n++
		}
	}
	return n, tw.Flush()
}

// selectStations resolves a comma-separated id list against the configuration.
func selectStations(cfg *config.Config, ids string) ([]config.StationConfig, error) {
	if strings.TrimSpace(ids) == "" {
		return cfg.Stations, nil
	}
	var out []config.StationConfig
	for _, id := range strings.Split(ids, ",") {
		id = strings.TrimSpace(id)
		s, ok := cfg.Station(id)
		if !ok {
			return nil, fmt.Errorf("unknown station %q", id)
		}
		out = append(out, s)
	}
	return out, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			logger.Info("Shutdown signal received, cleaning up...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}
