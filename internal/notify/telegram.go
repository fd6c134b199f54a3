package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// Telegram sends notifications through the Bot API. The subscriber's
// external id is a numeric chat id or a channel username.
type Telegram struct {
	bot *bot.Bot
}

// NewTelegram creates a Telegram sink. The token is not checked against the
// API until the first message is sent.
func NewTelegram(token string, opts ...bot.Option) (*Telegram, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}
	b, err := bot.New(token, append([]bot.Option{bot.WithSkipGetMe()}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Telegram{bot: b}, nil
}

func (t *Telegram) Notify(ctx context.Context, subscriberExternalID, message string) error {
	disablePreview := true
	_, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:             chatID(subscriberExternalID),
		Text:               message,
		LinkPreviewOptions: &models.LinkPreviewOptions{IsDisabled: &disablePreview},
	})
	if err != nil {
		return fmt.Errorf("telegram send to %s: %w", subscriberExternalID, err)
	}
	return nil
}

// chatID maps an external id to the Bot API chat_id: an int64 for chats and
// groups, "@name" for public channels.
func chatID(externalID string) any {
	externalID = strings.TrimSpace(externalID)
	if n, err := strconv.ParseInt(externalID, 10, 64); err == nil {
		return n
	}
	if !strings.HasPrefix(externalID, "@") {
		return "@" + externalID
	}
	return externalID
}
