// Package telegram adapts the scheduling core to Telegram via long polling.
// It is the delivery callback and the source of incoming commands.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"remindbot/internal/commands"
	"remindbot/internal/schedule"
	"remindbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	runMu   sync.Mutex
	running bool
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
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
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

// Deliver implements schedule.Deliverer. A delivery room is a Telegram chat
// id; threaded deliveries continue the thread recorded in the job metadata.
func (a *Adapter) Deliver(ctx context.Context, d schedule.Delivery) (schedule.Receipt, error) {
	_ = ctx // telebot has no context-aware send
	chatID, err := strconv.ParseInt(d.Room, 10, 64)
	if err != nil {
		return schedule.Receipt{}, fmt.Errorf("delivery room %q is not a chat id: %w", d.Room, err)
	}

	opts := &tele.SendOptions{}
	if d.PostInThread && d.ThreadID != "" {
		if tid, err := strconv.Atoi(d.ThreadID); err == nil {
			opts.ThreadID = tid
		}
	}

	msg, err := a.bot.Send(tele.ChatID(chatID), d.Message, opts)
	if err != nil {
		return schedule.Receipt{}, err
	}

	receipt := schedule.Receipt{
		MessageID: strconv.Itoa(msg.ID),
		URL:       messageURL(chatID, msg.ID),
	}
	switch {
	case msg.ThreadID != 0:
		receipt.ThreadID = strconv.Itoa(msg.ThreadID)
	case d.PostInThread:
		// First threaded delivery spawns the thread off this message.
		receipt.ThreadID = strconv.Itoa(msg.ID)
	}
	return receipt, nil
}

// Run long-polls and routes text messages into the command layer until ctx is
// done.
func (a *Adapter) Run(ctx context.Context, dispatch func(ctx context.Context, req commands.Request) (string, bool)) {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return
	}
	a.running = true
	a.runMu.Unlock()

	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		req := commands.Request{
			Text:      m.Text,
			UserID:    strconv.FormatInt(m.Sender.ID, 10),
			UserName:  m.Sender.Username,
			Room:      strconv.FormatInt(m.Chat.ID, 10),
			MessageID: strconv.Itoa(m.ID),
			FromDM:    m.Chat.Type == tele.ChatPrivate,
		}
		if m.ThreadID != 0 {
			req.ThreadID = strconv.Itoa(m.ThreadID)
		}
		reply, handled := dispatch(ctx, req)
		if !handled || reply == "" {
			return nil
		}
		return c.Reply(reply)
	})

	go func() {
		<-ctx.Done()
		a.bot.Stop()
	}()
	a.log.Info("telegram adapter started")
	a.bot.Start()
	a.log.Info("telegram adapter stopped")
}

// messageURL builds a t.me deep link for supergroup messages. Private chats
// have no stable link, so the result may be empty.
func messageURL(chatID int64, messageID int) string {
	const supergroupPrefix = "-100"
	s := strconv.FormatInt(chatID, 10)
	if !strings.HasPrefix(s, supergroupPrefix) {
		return ""
	}
	return "https://t.me/c/" + s[len(supergroupPrefix):] + "/" + strconv.Itoa(messageID)
}
