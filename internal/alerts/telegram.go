package alerts

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// TelegramSender posts alerts to one chat, optionally inside a forum topic.
type TelegramSender struct {
	bot      *tele.Bot
	chat     *tele.Chat
	threadID int
}

// NewTelegramSender never polls for updates; it only sends.
func NewTelegramSender(token string, chatID int64, threadID int) (*TelegramSender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("alerts: telegram token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("alerts: telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &TelegramSender{bot: b, chat: &tele.Chat{ID: chatID}, threadID: threadID}, nil
}

func (t *TelegramSender) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, text, &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              t.threadID,
	})
	return err
}
