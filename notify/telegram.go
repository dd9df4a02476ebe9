package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sender is the part of *tgbotapi.BotAPI the gateway uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramGateway sends notifications to recipients that linked a Telegram chat.
// Recipients without a chat are skipped silently.
type TelegramGateway struct {
	Bot   Sender
	Chats map[string]int64 // recipient id -> chat id
}

// NewTelegramGateway connects to the Bot API with token.
func NewTelegramGateway(token string, chats map[string]int64) (*TelegramGateway, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramGateway{Bot: bot, Chats: chats}, nil
}

func (g *TelegramGateway) Notify(ctx context.Context, n Notification) error {
	chatID, ok := g.Chats[n.RecipientID]
	if !ok {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, n.Title+"\n\n"+n.Body)
	if _, err := g.Bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send to %s: %w", n.RecipientID, err)
	}
	return nil
}
