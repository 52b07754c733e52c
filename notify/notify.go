// Package notify delivers run notifications to operators.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gridbot/logger"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Notifier sends a text message
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Log writes notifications to the log, used when no chat is configured
type Log struct{}

func (Log) Notify(_ context.Context, text string) error {
	logger.Infof("🔔 %s", text)
	return nil
}

// Sender the part of the Telegram client the notifier uses
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends notifications to one chat
type Telegram struct {
	bot    Sender
	chatID int64
	prefix string

	mu       sync.Mutex
	lastSent time.Time
	minGap   time.Duration
}

// NewTelegram connects to the bot API with token
func NewTelegram(token string, chatID int64, prefix string) (*Telegram, error) {
	if token == "" || chatID == 0 {
		return nil, errors.New("telegram token and chat id are required")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: connect: %w", err)
	}
	logger.Infof("✅ [Telegram] authorized as @%s", bot.Self.UserName)
	return NewTelegramWithSender(bot, chatID, prefix), nil
}

// NewTelegramWithSender builds a notifier over an existing sender
func NewTelegramWithSender(s Sender, chatID int64, prefix string) *Telegram {
	return &Telegram{bot: s, chatID: chatID, prefix: prefix, minGap: time.Second}
}

// Notify sends text, spacing consecutive messages to respect the chat rate limit
func (t *Telegram) Notify(ctx context.Context, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if wait := t.minGap - time.Since(t.lastSent); wait > 0 && !t.lastSent.IsZero() {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	msg := tgbotapi.NewMessage(t.chatID, t.prefix+text)
	msg.DisableWebPagePreview = true

	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(msg)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		t.lastSent = time.Now()
		if err != nil {
			return fmt.Errorf("telegram: send: %w", err)
		}
		return nil
	}
}

// Multi fans a notification out to several notifiers and joins their errors
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, text string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
