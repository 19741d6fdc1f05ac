// Package models defines the core domain entities for polyedge.
// These models represent forecast windows, market brackets, per-bracket
// probabilities, sizing decisions and simulated trades.
// All models include built-in validation to ensure data integrity throughout the application.
//
// Terminology:
//   - Station: a weather station whose daily high settles a family of markets.
//   - Bracket: one tradeable temperature interval within that family.
//   - Event: one (station, local day) pair; all of its brackets resolve together.
package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// DateLayout is the layout of every local-day key used across the application.
const DateLayout = "2006-01-02"

// Sample is a single forecast temperature reading.
type Sample struct {
	Time        time.Time `json:"time"`
	Temperature float64   `json:"temperature"`
}

// ForecastWindow holds the forecast samples of one station for one local day.
// LikelyUpper and PossibleUpper are optional provider confidence bands; nil means absent.
type ForecastWindow struct {
	StationID     string   `json:"station_id"`
	Date          string   `json:"date"` // local day, DateLayout
	Samples       []Sample `json:"samples"`
	LikelyUpper   *float64 `json:"likely_upper,omitempty"`
	PossibleUpper *float64 `json:"possible_upper,omitempty"`
}

// Validate checks that the window can be mapped to probabilities.
func (w *ForecastWindow) Validate() error {
	if w.StationID == "" {
		return fmt.Errorf("%w: station ID must not be empty", ErrInput)
	}
	if len(w.Samples) == 0 {
		return fmt.Errorf("%w: forecast window for %s has no samples", ErrInput, w.StationID)
	}
	for i, s := range w.Samples {
		if math.IsNaN(s.Temperature) || math.IsInf(s.Temperature, 0) {
			return fmt.Errorf("%w: sample %d has non-finite temperature", ErrInput, i)
		}
		if i > 0 && s.Time.Before(w.Samples[i-1].Time) {
			return fmt.Errorf("%w: samples must be ordered by time", ErrInput)
		}
	}
	return nil
}

// DailyHigh returns the maximum sample temperature. It panics on an empty
// window; callers validate first.
func (w *ForecastWindow) DailyHigh() float64 {
	high := w.Samples[0].Temperature
	for _, s := range w.Samples[1:] {
		if s.Temperature > high {
			high = s.Temperature
		}
	}
	return high
}

// Temperatures returns the sample temperatures in order.
func (w *ForecastWindow) Temperatures() []float64 {
	temps := make([]float64, len(w.Samples))
	for i, s := range w.Samples {
		temps[i] = s.Temperature
	}
	return temps
}

// HasBands reports whether both confidence bands are present.
func (w *ForecastWindow) HasBands() bool {
	return w.LikelyUpper != nil && w.PossibleUpper != nil
}

// ParseDate parses a local-day key.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, errors.Join(ErrInput, fmt.Errorf("invalid date %q: %w", s, err))
	}
	return t, nil
}
