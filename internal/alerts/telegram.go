package alerts

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/kvasirlabs/signalflux/internal/config"
)

// TelegramAlerter delivers alerts to a single operator chat.
type TelegramAlerter struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramAlerter dials the bot API. Returns an error when the
// token is empty or rejected; callers should fall back to a Manager
// without channels rather than failing startup.
func NewTelegramAlerter(cfg config.AlertsConfig) (*TelegramAlerter, error) {
	if cfg.TelegramToken == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.TelegramChatID == 0 {
		return nil, fmt.Errorf("telegram chat ID is required")
	}

	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	log.Info().
		Str("bot_username", api.Self.UserName).
		Int64("chat_id", cfg.TelegramChatID).
		Msg("Telegram alerter initialized")

	return &TelegramAlerter{api: api, chatID: cfg.TelegramChatID}, nil
}

// Send formats and delivers one alert.
func (t *TelegramAlerter) Send(_ context.Context, alert Alert) error {
	msg := tgbotapi.NewMessage(t.chatID, formatAlert(alert))
	msg.ParseMode = "Markdown"

	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send telegram alert: %w", err)
	}

	log.Debug().Str("title", alert.Title).Msg("Telegram alert sent")
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

	message := fmt.Sprintf("%s *%s*\n\n%s", emoji, alert.Title, alert.Message)
	if len(alert.Metadata) > 0 {
		message += "\n\n*Details:*"
		for key, value := range alert.Metadata {
			message += fmt.Sprintf("\n• %s: `%v`", key, value)
		}
	}
	message += fmt.Sprintf("\n\n_Time: %s_", alert.Timestamp.Format("2006-01-02 15:04:05"))
	return message
}
