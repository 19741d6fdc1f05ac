// Package polymarket adapts the Polymarket Gamma and CLOB APIs to the
// backtest's market discovery, pricing and resolution collaborators.
//
// Daily-high temperature events are looked up by slug; each market of an
// event is one bracket whose groupItemTitle ("60-61°F", "59°F or below")
// carries the bounds. Historical prices come from the CLOB prices-history
// endpoint for the market's YES token.
package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/polyedge/internal/config"
	"github.com/rewired-gh/polyedge/internal/logger"
	"github.com/rewired-gh/polyedge/internal/models"
	"github.com/rewired-gh/polyedge/internal/resolution"
	"github.com/rewired-gh/polyedge/internal/retry"
)

// DefaultSlugTemplate names daily-high temperature events.
const DefaultSlugTemplate = "highest-temperature-in-{city}-on-{month}-{day}"

// resolvedPrice is the YES price at or above which a closed market counts as the winner.
const resolvedPrice = 0.99

// Client provides access to Polymarket API
type Client struct {
	apiBaseURL      string
	clobBaseURL     string
	httpClient      *http.Client
	slugTemplate    string
	fidelityMinutes int
	lookback        time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithEventSlugTemplate sets the event slug template. Supported placeholders
// are {city}, {month}, {day} and {year}.
func WithEventSlugTemplate(tmpl string) Option {
	return func(c *Client) {
		if tmpl != "" {
			c.slugTemplate = tmpl
		}
	}
}

// WithPriceFidelity sets the prices-history resolution in minutes.
func WithPriceFidelity(minutes int) Option {
	return func(c *Client) {
		if minutes > 0 {
			c.fidelityMinutes = minutes
		}
	}
}

// PolymarketEvent represents an event from the Gamma API
type PolymarketEvent struct {
	ID          string             `json:"id"`
	Slug        string             `json:"slug"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Active      bool               `json:"active"`
	Closed      bool               `json:"closed"`
	Liquidity   float64            `json:"liquidity"`
	Markets     []PolymarketMarket `json:"markets"`
}

// PolymarketMarket represents a market within an event.
// Outcomes, OutcomePrices and ClobTokenIds are JSON-encoded string arrays.
type PolymarketMarket struct {
	ID             string                `json:"id"`
	ConditionID    string                `json:"conditionId"`
	Question       string                `json:"question"`
	GroupItemTitle string                `json:"groupItemTitle"`
	Outcomes       string                `json:"outcomes"`
	OutcomePrices  string                `json:"outcomePrices"`
	ClobTokenIds   string                `json:"clobTokenIds"`
	Active         bool                  `json:"active"`
	Closed         bool                  `json:"closed"`
	LiquidityNum   float64               `json:"liquidityNum"`
	Events         []PolymarketEventLink `json:"events"`
}

// PolymarketEventLink is the parent event reference embedded in a market.
type PolymarketEventLink struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
}

// PricePoint is one prices-history sample.
type PricePoint struct {
	T int64   `json:"t"`
	P float64 `json:"p"`
}

// NewClient creates a new Polymarket client
func NewClient(apiBaseURL, clobBaseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		apiBaseURL:      strings.TrimRight(apiBaseURL, "/"),
		clobBaseURL:     strings.TrimRight(clobBaseURL, "/"),
		httpClient:      &http.Client{Timeout: timeout},
		slugTemplate:    DefaultSlugTemplate,
		fidelityMinutes: 60,
		lookback:        12 * time.Hour,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClientFromConfig creates a client from venue configuration.
func NewClientFromConfig(cfg config.VenueConfig) *Client {
	return NewClient(cfg.GammaAPIURL, cfg.CLOBAPIURL, cfg.Timeout,
		WithEventSlugTemplate(cfg.EventSlugTemplate),
		WithPriceFidelity(cfg.PriceFidelity),
	)
}

// EventSlug renders the event slug of station's market for date.
func (c *Client) EventSlug(station config.StationConfig, date string) (string, error) {
	d, err := models.ParseDate(date)
	if err != nil {
		return "", err
	}
	city := station.SlugCity
	if city == "" {
		city = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(station.City)), " ", "-")
	}
	r := strings.NewReplacer(
		"{city}", city,
		"{month}", strings.ToLower(d.Month().String()),
		"{day}", strconv.Itoa(d.Day()),
		"{year}", strconv.Itoa(d.Year()),
	)
	return r.Replace(c.slugTemplate), nil
}

// ListBrackets returns the brackets of station's event on date, sorted by
// lower bound. A missing event yields no brackets. Markets whose titles do
// not parse to temperature bounds are skipped.
func (c *Client) ListBrackets(ctx context.Context, station config.StationConfig, date string) ([]models.Bracket, error) {
	slug, err := c.EventSlug(station, date)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	params := url.Values{}
	params.Set("slug", slug)
	var events []PolymarketEvent
	if err := c.getJSON(ctx, fmt.Sprintf("%s/events?%s", c.apiBaseURL, params.Encode()), &events); err != nil {
		return nil, fmt.Errorf("failed to fetch event %s: %w", slug, err)
	}
	if len(events) == 0 {
		logger.Debug("No Polymarket event for slug %s", slug)
		return nil, nil
	}

	brackets := make([]models.Bracket, 0, len(events[0].Markets))
	for _, m := range events[0].Markets {
		label := marketLabel(m)
		lower, upper, ok := resolution.ParseLabel(label)
		if !ok {
			logger.Warn("Skipping market %s in %s: cannot parse bracket %q", m.ID, slug, label)
			continue
		}
		yesToken, _ := yesTokenID(m)
		brackets = append(brackets, models.Bracket{
			Label:    label,
			Lower:    lower,
			Upper:    upper,
			MarketID: m.ID,
			TokenID:  yesToken,
		})
	}
	models.SortBrackets(brackets)
	return brackets, nil
}

// PriceAt returns the last YES price recorded at or before at, looking back
// a bounded window.
func (c *Client) PriceAt(ctx context.Context, b models.Bracket, at time.Time) (float64, bool, error) {
	return c.lastPrice(ctx, b, at.Add(-c.lookback), at)
}

// ClosePrice returns the last YES price recorded before the event day ended.
func (c *Client) ClosePrice(ctx context.Context, b models.Bracket, dayEnd time.Time) (float64, bool, error) {
	return c.lastPrice(ctx, b, dayEnd.Add(-24*time.Hour), dayEnd)
}

func (c *Client) lastPrice(ctx context.Context, b models.Bracket, from, to time.Time) (float64, bool, error) {
	if b.TokenID == "" {
		return 0, false, nil
	}
	history, err := c.PriceHistory(ctx, b.TokenID, from, to)
	if err != nil {
		return 0, false, err
	}

	var last *PricePoint
	for i := range history {
		if history[i].T > to.Unix() {
			continue
		}
		if last == nil || history[i].T >= last.T {
			last = &history[i]
		}
	}
	if last == nil {
		return 0, false, nil
	}
	return last.P, true, nil
}

// PriceHistory fetches YES-token prices between from and to.
func (c *Client) PriceHistory(ctx context.Context, tokenID string, from, to time.Time) ([]PricePoint, error) {
	params := url.Values{}
	params.Set("market", tokenID)
	params.Set("startTs", strconv.FormatInt(from.Unix(), 10))
	params.Set("endTs", strconv.FormatInt(to.Unix(), 10))
	params.Set("fidelity", strconv.Itoa(c.fidelityMinutes))

	var response struct {
		History []PricePoint `json:"history"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("%s/prices-history?%s", c.clobBaseURL, params.Encode()), &response); err != nil {
		return nil, fmt.Errorf("failed to fetch price history for %s: %w", tokenID, err)
	}
	return response.History, nil
}

// GetWinner reports which bracket of marketID's event won. A market that is
// not closed, or an event with no market settled at YES, is unresolved.
func (c *Client) GetWinner(ctx context.Context, marketID string) (models.ResolutionResult, error) {
	result := models.ResolutionResult{MarketID: marketID}

	var market PolymarketMarket
	if err := c.getJSON(ctx, fmt.Sprintf("%s/markets/%s", c.apiBaseURL, url.PathEscape(marketID)), &market); err != nil {
		return result, fmt.Errorf("failed to fetch market %s: %w", marketID, err)
	}
	if !market.Closed {
		return result, nil
	}

	if yes, _, err := parseMarketProbabilities(market); err == nil && yes >= resolvedPrice {
		label := marketLabel(market)
		result.Resolved = true
		result.WinnerLabel = &label
		return result, nil
	}
	if len(market.Events) == 0 {
		return result, retry.Permanent(fmt.Errorf("market %s has no parent event", marketID))
	}

	var event PolymarketEvent
	eventURL := fmt.Sprintf("%s/events/%s", c.apiBaseURL, url.PathEscape(market.Events[0].ID))
	if err := c.getJSON(ctx, eventURL, &event); err != nil {
		return result, fmt.Errorf("failed to fetch event %s: %w", market.Events[0].ID, err)
	}
	for _, m := range event.Markets {
		if !m.Closed {
			continue
		}
		yes, _, err := parseMarketProbabilities(m)
		if err != nil || yes < resolvedPrice {
			continue
		}
		label := marketLabel(m)
		result.Resolved = true
		result.WinnerLabel = &label
		return result, nil
	}
	return result, nil
}

// marketLabel returns the bracket title of a market.
func marketLabel(m PolymarketMarket) string {
	if m.GroupItemTitle != "" {
		return m.GroupItemTitle
	}
	return m.Question
}

// yesTokenID returns the CLOB token of the YES outcome.
func yesTokenID(m PolymarketMarket) (string, bool) {
	var outcomes, tokens []string
	if err := json.Unmarshal([]byte(m.ClobTokenIds), &tokens); err != nil || len(tokens) == 0 {
		return "", false
	}
	if err := json.Unmarshal([]byte(m.Outcomes), &outcomes); err != nil || len(outcomes) != len(tokens) {
		return tokens[0], true
	}
	for i, o := range outcomes {
		if strings.EqualFold(o, "yes") {
			return tokens[i], true
		}
	}
	return tokens[0], true
}

// parseMarketProbabilities extracts Yes and No probabilities from a market.
func parseMarketProbabilities(m PolymarketMarket) (yes, no float64, err error) {
	var outcomes []string
	if err := json.Unmarshal([]byte(m.Outcomes), &outcomes); err != nil {
		return 0, 0, fmt.Errorf("failed to parse outcomes: %w", err)
	}
	var prices []string
	if err := json.Unmarshal([]byte(m.OutcomePrices), &prices); err != nil {
		return 0, 0, fmt.Errorf("failed to parse outcome prices: %w", err)
	}
	if len(outcomes) != len(prices) {
		return 0, 0, fmt.Errorf("outcomes and prices length mismatch: %d vs %d", len(outcomes), len(prices))
	}

	for i, outcome := range outcomes {
		p, err := strconv.ParseFloat(prices[i], 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid price %q: %w", prices[i], err)
		}
		switch strings.ToLower(outcome) {
		case "yes":
			yes = p
		case "no":
			no = p
		}
	}
	return yes, no, nil
}

// getJSON performs a GET request and decodes the JSON body into dest.
// 5xx responses and transport failures are retryable; other non-2xx
// responses and non-JSON bodies are permanent.
func (c *Client) getJSON(ctx context.Context, endpoint string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("server error: %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("rate limited: %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return retry.Permanent(fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !containsJSON(ct) {
		return retry.Permanent(fmt.Errorf("unexpected content type %q", ct))
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return retry.Permanent(errors.New("empty response body"))
		}
		return retry.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// containsJSON checks if a content type is application/json
func containsJSON(contentType string) bool {
	const prefix = "application/json"
	if len(contentType) < len(prefix) || contentType[:len(prefix)] != prefix {
		return false
	}
	return len(contentType) == len(prefix) || contentType[len(prefix)] == ';'
}
