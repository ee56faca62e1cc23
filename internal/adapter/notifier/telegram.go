package notifier

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/semmidev/pgswap/internal/config"
	"github.com/semmidev/pgswap/internal/domain"
)

type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

func NewTelegram(cfg config.TelegramConfig) (*Telegram, error) {
	return newTelegram(cfg, tgbotapi.APIEndpoint, &http.Client{Timeout: 30 * time.Second})
}

func newTelegram(cfg config.TelegramConfig, endpoint string, client *http.Client) (*Telegram, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(cfg.ChatID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram chat_id %q: %w", cfg.ChatID, err)
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.BotToken, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &Telegram{bot: bot, chatID: chatID}, nil
}

func (t *Telegram) Notify(ctx context.Context, event domain.Event) error {
	if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, Format(event))); err != nil {
		return fmt.Errorf("failed to send telegram notification: %w", err)
	}
	return nil
}

// Format renders event as a short plain-text message.
func Format(event domain.Event) string {
	var b strings.Builder
	if event.OK() {
		fmt.Fprintf(&b, "✅ %s succeeded: %s\n", title(event.Kind), event.Database)
	} else {
		fmt.Fprintf(&b, "❌ %s failed: %s\n", title(event.Kind), event.Database)
	}
	if event.Artifact != "" {
		fmt.Fprintf(&b, "\n📁 Artifact: %s", event.Artifact)
	}
	if event.Size > 0 {
		fmt.Fprintf(&b, "\n📊 Size: %s", humanize.Bytes(uint64(event.Size)))
	}
	if event.Duration > 0 {
		fmt.Fprintf(&b, "\n🕐 Took: %s", event.Duration.Round(time.Second))
	}
	if event.RunID != "" {
		fmt.Fprintf(&b, "\n🔖 Run: %s", event.RunID)
	}
	if event.Detail != "" {
		fmt.Fprintf(&b, "\n\n%s", event.Detail)
	}
	if event.Err != nil {
		fmt.Fprintf(&b, "\n\nError: %v", event.Err)
	}
	return b.String()
}

func title(kind domain.EventKind) string {
	s := string(kind)
	if s == "" {
		return "Operation"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, domain.Event) error { return nil }
