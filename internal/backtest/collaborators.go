package backtest

import (
	"context"
	"time"

	"github.com/rewired-gh/polyedge/internal/config"
	"github.com/rewired-gh/polyedge/internal/models"
	"github.com/rewired-gh/polyedge/internal/resolution"
	"github.com/rewired-gh/polyedge/internal/snapshot"
	"github.com/rewired-gh/polyedge/internal/storage"
)

// ForecastProvider fetches the forecast for one station's local day.
type ForecastProvider interface {
	Fetch(ctx context.Context, station config.StationConfig, date string) (*models.ForecastWindow, error)
}

// MarketDiscovery lists the brackets traded for one station's local day.
type MarketDiscovery interface {
	ListBrackets(ctx context.Context, station config.StationConfig, date string) ([]models.Bracket, error)
}

// PriceSource answers historical price queries for a bracket.
type PriceSource = snapshot.PriceSource

// ClosePriceSource is optionally implemented by a PriceSource that can report
// the last traded price of a bracket's market for the event day.
type ClosePriceSource interface {
	ClosePrice(ctx context.Context, b models.Bracket, dayEnd time.Time) (price float64, found bool, err error)
}

// LiquiditySource is optionally implemented by a PriceSource that knows the
// USD depth available for a bracket at a given time.
type LiquiditySource interface {
	Liquidity(ctx context.Context, b models.Bracket, at time.Time) (usd float64, found bool, err error)
}

// ResolutionProvider reports the winning outcome of a market.
type ResolutionProvider = resolution.Provider

// Checkpointer records completed dates.
type Checkpointer interface {
	MarkDone(ctx context.Context, cp storage.Checkpoint) error
	Checkpoint(ctx context.Context, date string) (storage.Checkpoint, bool, error)
}
