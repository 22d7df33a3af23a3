package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-telegram/bot"

	"github.com/avolkov/mailhold/pkg/models"
)

// Telegram pings a chat whenever a message is held, so reviewers learn about
// new quarantined mail without polling the listing.
type Telegram struct {
	bot    *bot.Bot
	chatID int64
	logger *slog.Logger
}

// NewTelegram creates a Telegram notifier
func NewTelegram(token string, chatID int64, logger *slog.Logger) (*Telegram, error) {
	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &Telegram{
		bot:    b,
		chatID: chatID,
		logger: logger.With("component", "notify"),
	}, nil
}

// MessageHeld sends one notification per held message. Failures are logged
// and swallowed; notification is never allowed to fail the hold.
func (t *Telegram) MessageHeld(ctx context.Context, account *models.EmailAccount, msg *models.EmailMessage) {
	text := fmt.Sprintf("Held for review\nAccount: %s\nFrom: %s\nSubject: %s",
		account.Email, msg.FromAddr, msg.Subject)

	_, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: t.chatID,
		Text:   text,
	})
	if err != nil {
		t.logger.Warn("failed to send hold notification", "message_id", msg.ID, "error", err)
	}
}
