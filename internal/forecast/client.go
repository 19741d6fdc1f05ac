// Package forecast fetches hourly temperature forecasts for a station's local
// day from the Open-Meteo historical forecast API.
package forecast

import (
	"context"
	"encoding/json"
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
	"github.com/rewired-gh/polyedge/internal/retry"
)

// hourLayout is Open-Meteo's local timestamp format.
const hourLayout = "2006-01-02T15:04"

// Client provides access to the Open-Meteo forecast API
type Client struct {
	baseURL    string
	unit       string
	httpClient *http.Client
}

type hourlyResponse struct {
	Timezone string `json:"timezone"`
	Hourly   struct {
		Time          []string   `json:"time"`
		Temperature2m []*float64 `json:"temperature_2m"`
	} `json:"hourly"`
}

// NewClient creates a forecast client. unit is "fahrenheit" or "celsius".
func NewClient(baseURL, unit string, timeout time.Duration) *Client {
	if unit == "" {
		unit = "fahrenheit"
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		unit:       unit,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// NewClientFromConfig creates a client from forecast configuration.
func NewClientFromConfig(cfg config.ForecastConfig) *Client {
	return NewClient(cfg.APIURL, cfg.TemperatureUnit, cfg.Timeout)
}

// Fetch returns the hourly forecast for station's local day date. Hours with
// no value are dropped; a day with no values at all is an error.
func (c *Client) Fetch(ctx context.Context, station config.StationConfig, date string) (*models.ForecastWindow, error) {
	if _, err := models.ParseDate(date); err != nil {
		return nil, retry.Permanent(err)
	}
	loc, err := time.LoadLocation(station.Timezone)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: invalid timezone %q for %s", models.ErrInput, station.Timezone, station.ID))
	}

	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(station.Latitude, 'f', 4, 64))
	params.Set("longitude", strconv.FormatFloat(station.Longitude, 'f', 4, 64))
	params.Set("hourly", "temperature_2m")
	params.Set("temperature_unit", c.unit)
	params.Set("timezone", station.Timezone)
	params.Set("start_date", date)
	params.Set("end_date", date)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch forecast for %s: %w", station.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("forecast API returned status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, retry.Permanent(fmt.Errorf("forecast API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var data hourlyResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to decode forecast: %w", err))
	}

	window, err := toWindow(station.ID, date, loc, data)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	logger.Debug("Fetched %d forecast samples for %s on %s", len(window.Samples), station.ID, date)
	return window, nil
}

// toWindow keeps the samples that fall on date in loc.
func toWindow(stationID, date string, loc *time.Location, data hourlyResponse) (*models.ForecastWindow, error) {
	if len(data.Hourly.Time) != len(data.Hourly.Temperature2m) {
		return nil, fmt.Errorf("%w: forecast has %d times but %d temperatures",
			models.ErrProvider, len(data.Hourly.Time), len(data.Hourly.Temperature2m))
	}

	window := &models.ForecastWindow{StationID: stationID, Date: date}
	for i, ts := range data.Hourly.Time {
		temp := data.Hourly.Temperature2m[i]
		if temp == nil {
			continue
		}
		t, err := time.ParseInLocation(hourLayout, ts, loc)
		if err != nil {
			return nil, fmt.Errorf("%w: bad forecast time %q: %v", models.ErrProvider, ts, err)
		}
		if t.Format(models.DateLayout) != date {
			continue
		}
		window.Samples = append(window.Samples, models.Sample{Time: t, Temperature: *temp})
	}
	if len(window.Samples) == 0 {
		return nil, fmt.Errorf("%w: no forecast samples for %s on %s", models.ErrProvider, stationID, date)
	}
	return window, nil
}
