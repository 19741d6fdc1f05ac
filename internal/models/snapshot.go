package models

import (
	"errors"
	"time"
)

// PriceSnapshotKey identifies one self-observed price.
type PriceSnapshotKey struct {
	Date      string `json:"date"`
	Station   string `json:"station"`
	BracketID string `json:"bracket_id"`
}

// String renders the key as "date:station:bracket".
func (k PriceSnapshotKey) String() string {
	return k.Date + ":" + k.Station + ":" + k.BracketID
}

// PriceSnapshot represents a point-in-time market probability for one bracket.
type PriceSnapshot struct {
	PriceSnapshotKey
	PMarket    float64   `json:"p_market"`
	CapturedAt time.Time `json:"captured_at"`
	Source     string    `json:"source"`
}

// Validate checks that all snapshot fields are valid
func (s *PriceSnapshot) Validate() error {
	if s.Date == "" {
		return errors.New("snapshot date must not be empty")
	}
	if s.Station == "" {
		return errors.New("snapshot station must not be empty")
	}
	if s.BracketID == "" {
		return errors.New("snapshot bracket ID must not be empty")
	}
	if s.PMarket < 0.0 || s.PMarket > 1.0 {
		return errors.New("p_market must be between 0.0 and 1.0")
	}
	if s.CapturedAt.IsZero() {
		return errors.New("captured at must be set")
	}
	if s.CapturedAt.After(time.Now().Add(time.Minute)) {
		return errors.New("captured at must not be in the future")
	}
	return nil
}
