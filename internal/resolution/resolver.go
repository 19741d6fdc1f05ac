package resolution

import (
	"context"
	"errors"
	"fmt"

	"github.com/rewired-gh/polyedge/internal/logger"
	"github.com/rewired-gh/polyedge/internal/models"
	"github.com/rewired-gh/polyedge/internal/retry"
)

// Provider answers which outcome of a market's event won.
type Provider interface {
	GetWinner(ctx context.Context, marketID string) (models.ResolutionResult, error)
}

// Matches reports whether winnerLabel designates bracket b. Both sides are
// compared by parsed bounds; when the winner label cannot be parsed, the
// normalized labels must be equal.
func Matches(b models.Bracket, winnerLabel string) bool {
	wl, wu, ok := ParseLabel(winnerLabel)
	if !ok {
		return NormalizeLabel(b.Label) == NormalizeLabel(winnerLabel)
	}
	return boundsEqual(b.Lower, wl) && boundsEqual(b.Upper, wu)
}

// Outcome is the resolution of one event.
type Outcome struct {
	Resolved    bool
	WinnerLabel string
	Errors      []models.UnitError
}

// Resolver resolves pending trades against a Provider with bounded retry.
type Resolver struct {
	provider Provider
	policy   retry.Policy
}

// NewResolver creates a Resolver.
func NewResolver(p Provider, policy retry.Policy) *Resolver {
	return &Resolver{provider: p, policy: policy}
}

// ResolveEvent resolves every pending trade of one (station, date) event.
// All trades must belong to the same event. Market ids are queried in order
// until one yields a resolved winner; provider failures are recorded and the
// next market is tried. Trades stay pending when the venue has not resolved
// or cannot be reached.
func (r *Resolver) ResolveEvent(ctx context.Context, trades []*models.Trade) Outcome {
	var out Outcome

	var station, date string
	var marketIDs []string
	seen := make(map[string]bool)
	for _, t := range trades {
		station, date = t.Station, t.Date
		if t.Outcome() != models.OutcomePending || t.Bracket.MarketID == "" {
			continue
		}
		if !seen[t.Bracket.MarketID] {
			seen[t.Bracket.MarketID] = true
			marketIDs = append(marketIDs, t.Bracket.MarketID)
		}
	}
	if len(marketIDs) == 0 {
		return out
	}

	var winner *string
	for _, id := range marketIDs {
		res, err := retry.Value(ctx, r.policy, func(ctx context.Context) (models.ResolutionResult, error) {
			return r.provider.GetWinner(ctx, id)
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			if !errors.Is(err, models.ErrProvider) {
				err = fmt.Errorf("%w: %w", models.ErrProvider, err)
			}
			out.Errors = append(out.Errors, models.UnitError{Station: station, Date: date, BracketID: id, Err: err})
			continue
		}
		if !res.Resolved {
			logger.Debug("Market %s for %s %s not resolved yet", id, station, date)
			return out
		}
		if res.WinnerLabel == nil || *res.WinnerLabel == "" {
			out.Errors = append(out.Errors, models.UnitError{
				Station: station, Date: date, BracketID: id,
				Err: fmt.Errorf("%w: market %s resolved without a winner label", models.ErrProvider, id),
			})
			continue
		}
		winner = res.WinnerLabel
		break
	}
	if winner == nil {
		return out
	}

	out.Resolved = true
	out.WinnerLabel = *winner
	if _, _, ok := ParseLabel(*winner); !ok {
		logger.Warn("Winner label %q for %s %s is not numeric; falling back to exact label comparison", *winner, station, date)
	}

	matched := make(map[string]bool)
	for _, t := range trades {
		if t.Outcome() != models.OutcomePending || t.Bracket.MarketID == "" {
			continue
		}
		o := models.OutcomeLoss
		if Matches(t.Bracket, *winner) {
			o = models.OutcomeWin
			matched[t.Bracket.Key()] = true
		}
		if err := t.Resolve(o); err != nil {
			out.Errors = append(out.Errors, models.UnitError{Station: station, Date: date, BracketID: t.Bracket.Key(), Err: err})
		}
	}
	if len(matched) > 1 {
		logger.Warn("Winner label %q for %s %s matched %d brackets", *winner, station, date, len(matched))
	}

	return out
}
