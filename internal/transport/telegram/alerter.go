// Package telegram delivers operator alerts to a Telegram chat.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"
)

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int // forum topic, 0 if none
	// Prefix is prepended to every alert, typically the server name.
	Prefix string
	// PollTimeout is only used to construct the bot; the alerter never polls.
	PollTimeout time.Duration
}

// sender is the part of *tele.Bot used for alerts.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Alerter implements logx.Alerter on top of a Telegram bot.
type Alerter struct {
	cfg  Config
	bot  sender
	sent atomic.Uint64
	fail atomic.Uint64
}

func New(cfg Config) (*Alerter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Alerter{cfg: cfg, bot: b}, nil
}

// maxMessage is Telegram's text limit.
const maxMessage = 4096

// Alert sends text to the configured chat. It honours ctx only before the
// request is issued.
func (a *Alerter) Alert(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.cfg.Prefix != "" {
		text = a.cfg.Prefix + " " + text
	}
	if r := []rune(text); len(r) > maxMessage {
		text = string(r[:maxMessage-1]) + "…"
	}
	_, err := a.bot.Send(&tele.Chat{ID: a.cfg.ChatID}, text, &tele.SendOptions{
		ThreadID:              a.cfg.ThreadID,
		DisableWebPagePreview: true,
	})
	if err != nil {
		a.fail.Add(1)
		return err
	}
	a.sent.Add(1)
	return nil
}

// Counts reports delivered and failed alerts.
func (a *Alerter) Counts() (sent, failed uint64) {
	return a.sent.Load(), a.fail.Load()
}
