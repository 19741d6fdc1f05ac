// Package telegram sends backtest run summaries via the Telegram Bot API.
//
// Messages use MarkdownV2; every dynamic value is escaped before it is
// embedded. Delivery is retried with a linearly growing delay.
package telegram

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/polyedge/internal/backtest"
	"github.com/rewired-gh/polyedge/internal/config"
	"github.com/rewired-gh/polyedge/internal/logger"
)

// sender is the subset of the bot API the client uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications
type Client struct {
	bot            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	return newClient(bot, chatIDInt, maxRetries, retryDelayBase), nil
}

// NewClientFromConfig creates a client from telegram configuration.
func NewClientFromConfig(cfg config.TelegramConfig) (*Client, error) {
	return NewClient(cfg.BotToken, cfg.ChatID, cfg.MaxRetries, cfg.RetryDelayBase)
}

func newClient(bot sender, chatID int64, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		bot:            bot,
		chatID:         chatID,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}
}

// SendSummary sends the summary of a finished run.
func (c *Client) SendSummary(ctx context.Context, s backtest.Summary, elapsed time.Duration) error {
	msg := tgbotapi.NewMessage(c.chatID, formatSummary(s, elapsed))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.DisableWebPagePreview = true

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		logger.Warn("Telegram send failed (attempt %d/%d): %v", i+1, c.maxRetries, err)

		if i == c.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}

	return fmt.Errorf("failed to send message after %d retries: %w", c.maxRetries, lastErr)
}

// formatSummary renders a run summary as a MarkdownV2 message.
func formatSummary(s backtest.Summary, elapsed time.Duration) string {
	var b strings.Builder

	title := "📊 *Backtest finished*"
	if s.Cancelled {
		title = "⚠️ *Backtest cancelled*"
	}
	b.WriteString(title + "\n")

	period := s.From
	if s.To != s.From {
		period = s.From + " → " + s.To
	}
	fmt.Fprintf(&b, "📅 %s \\(%s\\)\n", escapeMarkdownV2(period), escapeMarkdownV2(formatDuration(elapsed)))
	fmt.Fprintf(&b, "🛰 Stations: %s\n\n", escapeMarkdownV2(strings.Join(s.Stations, ", ")))

	p := s.Priced
	fmt.Fprintf(&b, "💵 P&L: *%s* on %s staked\n", escapeMarkdownV2("$"+p.PnL), escapeMarkdownV2("$"+p.Staked))
	fmt.Fprintf(&b, "🎯 Trades: %d priced, %d won, %d lost, %d pending\n", p.Trades, p.Wins, p.Losses, p.Pending)
	fmt.Fprintf(&b, "📈 Hit rate %s, ROI %s\n", escapeMarkdownV2(p.HitRate), escapeMarkdownV2(p.ROI))

	cal := s.Calibration
	if cal.Events > 0 {
		fmt.Fprintf(&b, "🧪 Calibration: %d events, %d resolved, accuracy %s, Brier %s\n",
			cal.Events, cal.Resolved, escapeMarkdownV2(cal.Accuracy), escapeMarkdownV2(cal.Brier))
	}

	if len(s.ByStation) > 0 {
		b.WriteString("\n")
		ids := make([]string, 0, len(s.ByStation))
		for id := range s.ByStation {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			st := s.ByStation[id]
			fmt.Fprintf(&b, "• %s: %d trades, %s\n", escapeMarkdownV2(id), st.Trades, escapeMarkdownV2("$"+st.PnL))
		}
	}

	if len(s.Errors) > 0 {
		kinds := make([]string, 0, len(s.Errors))
		for k := range s.Errors {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		parts := make([]string, len(kinds))
		for i, k := range kinds {
			parts[i] = fmt.Sprintf("%s=%d", k, s.Errors[k])
		}
		fmt.Fprintf(&b, "\n❗ Errors: %s\n", escapeMarkdownV2(strings.Join(parts, ", ")))
	}

	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if hours := int(d.Hours()); hours >= 1 {
		return fmt.Sprintf("%dh%dm", hours, int(d.Minutes())%60)
	}
	if mins := int(d.Minutes()); mins >= 1 {
		return fmt.Sprintf("%dm", mins)
	}
	return fmt.Sprintf("%ds", int(d.Seconds()))
}
