package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/polyedge/internal/backtest"
)

type fakeBot struct {
	failures int
	sent     []tgbotapi.MessageConfig
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.failures > 0 {
		f.failures--
		return tgbotapi.Message{}, errors.New("too many requests")
	}
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func sampleSummary() backtest.Summary {
	return backtest.Summary{
		From:     "2025-01-05",
		To:       "2025-01-06",
		Stations: []string{"KATL", "KLGA"},
		Trades:   5,
		Priced: backtest.BreakdownSummary{
			Trades: 1, Wins: 1, Staked: "100.00", PnL: "1900.00", HitRate: "1.000000", ROI: "19.000000",
		},
		ByStation: map[string]backtest.BreakdownSummary{
			"KLGA": {Trades: 1, PnL: "1900.00"},
			"KATL": {Trades: 0, PnL: "0.00"},
		},
		Calibration: backtest.CalibrationSummary{Events: 1, Resolved: 1, Accuracy: "0.000000", Brier: "0.240000"},
		Errors:      map[string]int{"provider": 2},
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{1 * time.Hour, "1h0m"},
		{2*time.Hour + 5*time.Minute, "2h5m"},
		{30 * time.Minute, "30m"},
		{1 * time.Minute, "1m"},
		{42 * time.Second, "42s"},
	}

	for _, tt := range tests {
		result := formatDuration(tt.duration)
		if result != tt.expected {
			t.Errorf("formatDuration(%v) = %s, expected %s", tt.duration, result, tt.expected)
		}
	}
}

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"plain", "plain"},
		{"1900.00", "1900\\.00"},
		{"-100.00", "\\-100\\.00"},
		{"a_b*c", "a\\_b\\*c"},
		{"(x)", "\\(x\\)"},
		{`back\slash`, `back\\slash`},
	}

	for _, tt := range tests {
		if got := escapeMarkdownV2(tt.input); got != tt.expected {
			t.Errorf("escapeMarkdownV2(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestFormatSummary(t *testing.T) {
	msg := formatSummary(sampleSummary(), 90*time.Second)

	for _, want := range []string{
		"*Backtest finished*",
		"2025\\-01\\-05 → 2025\\-01\\-06 \\(1m\\)",
		"Stations: KATL, KLGA",
		"P&L: *$1900\\.00* on $100\\.00 staked",
		"1 priced, 1 won, 0 lost, 0 pending",
		"ROI 19\\.000000",
		"Brier 0\\.240000",
		"• KATL: 0 trades",
		"Errors: provider\\=2",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
	if strings.Index(msg, "KATL:") > strings.Index(msg, "KLGA:") {
		t.Error("stations should be listed in id order")
	}

	s := sampleSummary()
	s.Cancelled = true
	s.Calibration = backtest.CalibrationSummary{}
	msg = formatSummary(s, time.Second)
	if !strings.Contains(msg, "*Backtest cancelled*") {
		t.Errorf("cancelled run not flagged:\n%s", msg)
	}
	if strings.Contains(msg, "Calibration") {
		t.Error("empty calibration should be omitted")
	}
}

func TestSendSummary_Retries(t *testing.T) {
	bot := &fakeBot{failures: 2}
	c := newClient(bot, 42, 3, time.Millisecond)

	if err := c.SendSummary(context.Background(), sampleSummary(), time.Minute); err != nil {
		t.Fatalf("SendSummary() error = %v", err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(bot.sent))
	}
	if bot.sent[0].ChatID != 42 || bot.sent[0].ParseMode != tgbotapi.ModeMarkdownV2 {
		t.Errorf("message = chat %d mode %q", bot.sent[0].ChatID, bot.sent[0].ParseMode)
	}
}

func TestSendSummary_GivesUp(t *testing.T) {
	bot := &fakeBot{failures: 5}
	c := newClient(bot, 42, 2, time.Millisecond)

	err := c.SendSummary(context.Background(), sampleSummary(), time.Minute)
	if err == nil {
		t.Fatal("Expected error")
	}
	if bot.failures != 3 {
		t.Errorf("Expected 2 attempts, got %d", 5-bot.failures)
	}
}

func TestNewClient_InvalidChatID(t *testing.T) {
	if _, err := NewClient("token", "not-a-number", 3, time.Second); err == nil {
		t.Error("Expected error for invalid chat ID")
	}
}
