package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, f.err
}

type failing struct{ err error }

func (f failing) Notify(context.Context, string) error { return f.err }

func TestTelegramSendsWithPrefix(t *testing.T) {
	s := &fakeSender{}
	tg := NewTelegramWithSender(s, 42, "[gridbot] ")
	tg.minGap = 20 * time.Millisecond

	start := time.Now()
	require.NoError(t, tg.Notify(context.Background(), "started"))
	require.NoError(t, tg.Notify(context.Background(), "filled"))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	require.Len(t, s.sent, 2)
	assert.Equal(t, int64(42), s.sent[0].ChatID)
	assert.Equal(t, "[gridbot] started", s.sent[0].Text)
	assert.True(t, s.sent[0].DisableWebPagePreview)
}

func TestTelegramSendError(t *testing.T) {
	tg := NewTelegramWithSender(&fakeSender{err: errors.New("chat not found")}, 1, "")
	err := tg.Notify(context.Background(), "x")
	assert.ErrorContains(t, err, "chat not found")
}

func TestTelegramRespectsContextWhileWaiting(t *testing.T) {
	tg := NewTelegramWithSender(&fakeSender{}, 1, "")
	tg.minGap = time.Hour
	require.NoError(t, tg.Notify(context.Background(), "first"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tg.Notify(ctx, "second"), context.DeadlineExceeded)
}

func TestNewTelegramNeedsCredentials(t *testing.T) {
	_, err := NewTelegram("", 1, "")
	assert.Error(t, err)
	_, err = NewTelegram("token", 0, "")
	assert.Error(t, err)
}

func TestMultiJoinsErrors(t *testing.T) {
	s := &fakeSender{}
	errA := errors.New("a down")
	errB := errors.New("b down")
	m := Multi{Log{}, failing{errA}, NewTelegramWithSender(s, 1, ""), failing{errB}}

	err := m.Notify(context.Background(), "hello")
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Len(t, s.sent, 1, "later notifiers still run after a failure")

	assert.NoError(t, Multi{Log{}}.Notify(context.Background(), "ok"))
}
