package alerts

import (
	"context"
	"fmt"
	"sort"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ees-trading/ees/internal/config"
)

// botAPI is the slice of the Telegram client the sender uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSender delivers alerts to one Telegram chat.
type TelegramSender struct {
	api    botAPI
	chatID int64
}

// NewTelegramSender connects the bot and returns the sender.
func NewTelegramSender(token string, chatID int64) (*TelegramSender, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connecting telegram bot: %w", err)
	}
	logger := config.NewLogger("alerts")
	logger.Info().
		Str("bot", api.Self.UserName).
		Int64("chat_id", chatID).
		Msg("telegram sender ready")
	return &TelegramSender{api: api, chatID: chatID}, nil
}

// Send renders and delivers one alert.
func (t *TelegramSender) Send(_ context.Context, alert Alert) error {
	msg := tgbotapi.NewMessage(t.chatID, formatAlert(alert))
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("sending telegram alert %q: %w", alert.Title, err)
	}
	return nil
}

func formatAlert(alert Alert) string {
	var emoji string
	switch alert.Severity {
	case SeverityCritical:
		emoji = "🚨"
	case SeverityWarning:
		emoji = "⚠️"
	default:
		emoji = "ℹ️"
	}

	out := fmt.Sprintf("%s *%s*", emoji, alert.Title)
	if alert.Message != "" {
		out += "\n" + alert.Message
	}

	if len(alert.Fields) > 0 {
		keys := make([]string, 0, len(alert.Fields))
		for k := range alert.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out += fmt.Sprintf("\n• %s: `%v`", k, alert.Fields[k])
		}
	}

	out += fmt.Sprintf("\n_%s_", alert.Timestamp.Format("2006-01-02 15:04:05 MST"))
	return out
}
