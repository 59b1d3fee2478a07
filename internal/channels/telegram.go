// Package channels forwards notifications to external messaging services.
package channels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/basket/pushkeeper/internal/config"
	"github.com/basket/pushkeeper/internal/notify"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSink mirrors each shown notification into the configured chats.
// The bot is created on first use, so a daemon without network still starts.
type TelegramSink struct {
	token    string
	chatIDs  []int64
	endpoint string
	client   *http.Client

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

func NewTelegramSink(cfg config.TelegramConfig) *TelegramSink {
	return &TelegramSink{
		token:    strings.TrimSpace(cfg.Token),
		chatIDs:  append([]int64(nil), cfg.ChatIDs...),
		endpoint: tgbotapi.APIEndpoint,
		client:   &http.Client{},
	}
}

func (t *TelegramSink) botAPI() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, t.client)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	t.bot = bot
	return bot, nil
}

func (t *TelegramSink) Name() string { return "telegram" }

// Render implements notify.Sink.
func (t *TelegramSink) Render(ctx context.Context, n notify.Notification) error {
	if t.token == "" || len(t.chatIDs) == 0 {
		return nil
	}
	bot, err := t.botAPI()
	if err != nil {
		return err
	}

	text := formatNotification(n)
	var errs []error
	for _, chatID := range t.chatIDs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = tgbotapi.ModeMarkdownV2
		msg.DisableNotification = n.Fallback
		if _, err := bot.Send(msg); err != nil {
			errs = append(errs, fmt.Errorf("telegram chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

func formatNotification(n notify.Notification) string {
	var b strings.Builder
	b.WriteString("*" + escapeMarkdownV2(n.Title) + "*")
	if n.Body != "" {
		b.WriteString("\n" + escapeMarkdownV2(n.Body))
	}
	if n.ChatID != "" {
		b.WriteString("\n_chat " + escapeMarkdownV2(n.ChatID) + "_")
	}
	return b.String()
}

// escapeMarkdownV2 escapes the characters Telegram MarkdownV2 reserves:
// _ * [ ] ( ) ~ ` > # + - = | { } . ! and the backslash itself.
func escapeMarkdownV2(s string) string {
	const special = "\\_*[]()~`>#+-=|{}.!"
	var b strings.Builder
	b.Grow(len(s) * 2)
	for _, r := range s {
		if strings.ContainsRune(special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
