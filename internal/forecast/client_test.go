package forecast

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rewired-gh/polyedge/internal/config"
	"github.com/rewired-gh/polyedge/internal/models"
)

var klga = config.StationConfig{
	ID:        "KLGA",
	City:      "New York City",
	Latitude:  40.7769,
	Longitude: -73.874,
	Timezone:  "America/New_York",
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		expected := map[string]string{
			"latitude":         "40.7769",
			"longitude":        "-73.8740",
			"hourly":           "temperature_2m",
			"temperature_unit": "fahrenheit",
			"timezone":         "America/New_York",
			"start_date":       "2025-01-05",
			"end_date":         "2025-01-05",
		}
		for k, v := range expected {
			if got := q.Get(k); got != v {
				t.Errorf("query %s = %q, want %q", k, got, v)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"timezone": "America/New_York",
			"hourly": {
				"time": ["2025-01-05T00:00", "2025-01-05T01:00", "2025-01-05T02:00", "2025-01-06T00:00"],
				"temperature_2m": [55.0, null, 61.2, 70.0]
			}
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 5*time.Second)
	w, err := c.Fetch(context.Background(), klga, "2025-01-05")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if w.StationID != "KLGA" || w.Date != "2025-01-05" {
		t.Errorf("window = %s/%s, want KLGA/2025-01-05", w.StationID, w.Date)
	}
	if len(w.Samples) != 2 {
		t.Fatalf("Expected 2 samples, got %d", len(w.Samples))
	}
	if w.DailyHigh() != 61.2 {
		t.Errorf("DailyHigh() = %v, want 61.2", w.DailyHigh())
	}
	if err := w.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	loc, _ := time.LoadLocation("America/New_York")
	if want := time.Date(2025, 1, 5, 2, 0, 0, 0, loc); !w.Samples[1].Time.Equal(want) {
		t.Errorf("sample time = %v, want %v", w.Samples[1].Time, want)
	}
	if w.HasBands() {
		t.Error("Expected no confidence bands")
	}
}

func TestFetch_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		station config.StationConfig
		date    string
		wantErr error
	}{
		{
			name:    "all values missing",
			status:  http.StatusOK,
			body:    `{"hourly":{"time":["2025-01-05T00:00"],"temperature_2m":[null]}}`,
			station: klga,
			date:    "2025-01-05",
			wantErr: models.ErrProvider,
		},
		{
			name:    "length mismatch",
			status:  http.StatusOK,
			body:    `{"hourly":{"time":["2025-01-05T00:00"],"temperature_2m":[]}}`,
			station: klga,
			date:    "2025-01-05",
			wantErr: models.ErrProvider,
		},
		{
			name:    "bad date",
			status:  http.StatusOK,
			station: klga,
			date:    "05/01/2025",
			wantErr: models.ErrInput,
		},
		{
			name:    "bad timezone",
			status:  http.StatusOK,
			station: config.StationConfig{ID: "X", Timezone: "Mars/Olympus"},
			date:    "2025-01-05",
			wantErr: models.ErrInput,
		},
		{
			name:    "server error",
			status:  http.StatusServiceUnavailable,
			station: klga,
			date:    "2025-01-05",
		},
		{
			name:    "bad request",
			status:  http.StatusBadRequest,
			body:    `{"error":true,"reason":"invalid"}`,
			station: klga,
			date:    "2025-01-05",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, "fahrenheit", 5*time.Second).Fetch(context.Background(), tt.station, tt.date)
			if err == nil {
				t.Fatal("Expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
