package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/wizardbeardstudio/open-balance-go/internal/platform/apperr"
)

// TelegramSender delivers to chats addressed by numeric user id.
type TelegramSender struct {
	bot *tgbotapi.BotAPI
}

func NewTelegramSender(token string) (*TelegramSender, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramSender{bot: bot}, nil
}

func (s *TelegramSender) Send(ctx context.Context, recipient, text string) error {
	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return apperr.Invalid("recipient", fmt.Sprintf("%q is not a telegram chat id", recipient))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// LogSender is used when no bot token is configured.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(ctx context.Context, recipient, text string) error {
	if s.Logger != nil {
		s.Logger.InfoContext(ctx, "notification", "recipient", recipient, "text", text)
	}
	return nil
}
