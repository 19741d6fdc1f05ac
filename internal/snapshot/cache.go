package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/polyedge/internal/logger"
	"github.com/rewired-gh/polyedge/internal/models"
	"github.com/rewired-gh/polyedge/internal/retry"
)

// Source tells where a price came from.
type Source string

const (
	SourceCache Source = "cache"
	SourceVenue Source = "venue"
	SourceNone  Source = "none"
	// SourceLive marks snapshots captured by polling the venue ahead of an event.
	SourceLive Source = "live"
)

// PriceSource answers historical price queries. found is false when the venue
// has no price for the bracket at that time.
type PriceSource interface {
	PriceAt(ctx context.Context, b models.Bracket, at time.Time) (price float64, found bool, err error)
}

// Quote is a resolved bracket price.
type Quote struct {
	PMarket float64
	Source  Source
}

// Found reports whether a price was available.
func (q Quote) Found() bool {
	return q.Source != SourceNone
}

type venueQuote struct {
	price float64
	found bool
}

// Cache is a read-through price cache over a Store.
type Cache struct {
	store  Store
	venue  PriceSource
	policy retry.Policy
	now    func() time.Time
}

// NewCache creates a Cache. venue may be nil, in which case only stored
// snapshots are served.
func NewCache(store Store, venue PriceSource, policy retry.Policy) *Cache {
	return &Cache{store: store, venue: venue, policy: policy, now: time.Now}
}

// Price returns the stored snapshot for key, or queries the venue for the
// bracket's price at time at and writes it back. A missing price is reported
// as SourceNone with a nil error; a venue failure is returned as an
// models.ErrProvider error alongside SourceNone.
func (c *Cache) Price(ctx context.Context, key models.PriceSnapshotKey, b models.Bracket, at time.Time) (Quote, error) {
	snap, ok, err := c.store.Get(ctx, key)
	if err != nil {
		logger.Warn("Snapshot lookup for %s failed, falling back to venue: %v", key, err)
	} else if ok {
		return Quote{PMarket: snap.PMarket, Source: SourceCache}, nil
	}

	if c.venue == nil {
		return Quote{Source: SourceNone}, nil
	}

	res, err := retry.Value(ctx, c.policy, func(ctx context.Context) (venueQuote, error) {
		p, found, err := c.venue.PriceAt(ctx, b, at)
		return venueQuote{price: p, found: found}, err
	})
	if err != nil {
		if !errors.Is(err, models.ErrProvider) && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %w", models.ErrProvider, err)
		}
		return Quote{Source: SourceNone}, fmt.Errorf("price for %s: %w", key, err)
	}
	if !res.found {
		return Quote{Source: SourceNone}, nil
	}
	if res.price < 0 || res.price > 1 {
		return Quote{Source: SourceNone}, fmt.Errorf("%w: price %.4f for %s outside [0, 1]", models.ErrProvider, res.price, key)
	}

	written, err := c.store.PutIfAbsent(ctx, models.PriceSnapshot{
		PriceSnapshotKey: key,
		PMarket:          res.price,
		CapturedAt:       c.capturedAt(at),
		Source:           string(SourceVenue),
	})
	if err != nil {
		logger.Warn("Failed to cache price for %s: %v", key, err)
		return Quote{PMarket: res.price, Source: SourceVenue}, nil
	}
	if !written {
		// another writer got there first; serve what it stored
		if snap, ok, err := c.store.Get(ctx, key); err == nil && ok {
			return Quote{PMarket: snap.PMarket, Source: SourceCache}, nil
		}
	}
	return Quote{PMarket: res.price, Source: SourceVenue}, nil
}

// Record appends a self-observed price. It reports whether the snapshot was
// new; an existing snapshot for the same key is kept.
func (c *Cache) Record(ctx context.Context, snap models.PriceSnapshot) (bool, error) {
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = c.now()
	}
	written, err := c.store.PutIfAbsent(ctx, snap)
	if err != nil {
		return false, fmt.Errorf("record snapshot %s: %w", snap.PriceSnapshotKey, err)
	}
	if !written {
		logger.Debug("Snapshot %s already recorded, keeping first observation", snap.PriceSnapshotKey)
	}
	return written, nil
}

// Observe queries the venue for the bracket's current price and records it
// under key. It reports whether a new snapshot was written; a bracket with no
// price yet is skipped.
func (c *Cache) Observe(ctx context.Context, key models.PriceSnapshotKey, b models.Bracket) (bool, error) {
	if c.venue == nil {
		return false, errors.New("no venue configured")
	}
	now := c.now()
	res, err := retry.Value(ctx, c.policy, func(ctx context.Context) (venueQuote, error) {
		p, found, err := c.venue.PriceAt(ctx, b, now)
		return venueQuote{price: p, found: found}, err
	})
	if err != nil {
		return false, fmt.Errorf("observe %s: %w", key, err)
	}
	if !res.found {
		return false, nil
	}
	if res.price < 0 || res.price > 1 {
		return false, fmt.Errorf("%w: price %.4f for %s outside [0, 1]", models.ErrProvider, res.price, key)
	}
	return c.Record(ctx, models.PriceSnapshot{
		PriceSnapshotKey: key,
		PMarket:          res.price,
		CapturedAt:       now,
		Source:           string(SourceLive),
	})
}

// capturedAt clamps historical query times that lie in the future.
func (c *Cache) capturedAt(at time.Time) time.Time {
	if now := c.now(); at.IsZero() || at.After(now) {
		return now
	}
	return at
}
