package app

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"archrvbot/internal/transport"
	logx "archrvbot/pkg/logx"
)

// commandRe matches "/name", "/name@bot" and "/name@bot args".
var commandRe = regexp.MustCompile(`^/([A-Za-z0-9_]+)(?:@(\S+))?(?:\s+([\s\S]*))?$`)

type command struct {
	Name    string
	Mention string
	Args    string
}

func parseCommand(text string) (command, bool) {
	m := commandRe.FindStringSubmatch(text)
	if m == nil {
		return command{}, false
	}
	return command{
		Name:    strings.ToLower(m[1]),
		Mention: m[2],
		Args:    strings.TrimSpace(m[3]),
	}, true
}

// addressedTo reports whether cmd is meant for botName. Commands without a
// mention are for every bot in the chat; a mention must match exactly
// (case-insensitive), so an unknown own name rejects all mentions.
func (c command) addressedTo(botName string) bool {
	if c.Mention == "" {
		return true
	}
	return botName != "" && strings.EqualFold(c.Mention, botName)
}

type replier interface {
	ReplyAndDeleteAfter(ctx context.Context, to transport.ChatTarget, msgID int, text string, delay time.Duration, opt *transport.SendOptions) error
}

// updateHandler consumes incoming updates. It logs commands and answers
// /ping with a reply that removes itself.
type updateHandler struct {
	log logx.Logger
	out replier
	// spawn runs fn without blocking the update loop.
	spawn func(name string, fn func(ctx context.Context))

	mu        sync.RWMutex
	botName   string
	pingDelay time.Duration
}

func newUpdateHandler(log logx.Logger, out replier, spawn func(string, func(context.Context))) *updateHandler {
	return &updateHandler{log: log, out: out, spawn: spawn}
}

func (h *updateHandler) apply(botName string, pingDelay time.Duration) {
	h.mu.Lock()
	h.botName = strings.TrimPrefix(strings.TrimSpace(botName), "@")
	h.pingDelay = pingDelay
	h.mu.Unlock()
}

func (h *updateHandler) name() string {
	n, _ := h.settings()
	return n
}

func (h *updateHandler) settings() (string, time.Duration) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.botName, h.pingDelay
}

func (h *updateHandler) run(ctx context.Context, in <-chan transport.Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case up, ok := <-in:
			if !ok {
				return nil
			}
			h.handle(up)
		}
	}
}

func (h *updateHandler) handle(up transport.Update) {
	if up.Kind != transport.UpdateMessage || up.Message == nil {
		return
	}
	m := up.Message
	cmd, ok := parseCommand(m.Text)
	if !ok {
		return
	}
	botName, delay := h.settings()
	if !cmd.addressedTo(botName) {
		h.log.Debug("not my command",
			logx.String("expected", botName),
			logx.String("got", cmd.Mention),
		)
		return
	}

	h.log.Info("command",
		logx.String("cmd", cmd.Name),
		logx.Int64("chat_id", m.ChatID),
		logx.String("chat", m.ChatTitle),
		logx.Int64("from_id", m.FromID),
		logx.String("from", m.FromUsername),
	)

	switch cmd.Name {
	case "ping":
		to := transport.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
		msgID := m.ID
		h.spawn("cmd.ping", func(ctx context.Context) {
			if err := h.out.ReplyAndDeleteAfter(ctx, to, msgID, "pong", delay, nil); err != nil {
				h.log.Warn("ping reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
			}
		})
	}
}
