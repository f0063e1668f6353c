// Package console is a transport adapter that writes notifications to the log.
package console

import (
	"context"
	"sync/atomic"

	kit "weeknotify/internal/transport"
	logx "weeknotify/pkg/logx"
)

type Adapter struct {
	log logx.Logger
	seq atomic.Int64
}

func New(log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{log: log.With(logx.String("comp", "console.adapter"))}
}

func (a *Adapter) Name() string { return "console" }

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	id := int(a.seq.Add(1))
	a.log.Info("notification", logx.Int("msg_id", id), logx.Int64("chat_id", to.ChatID), logx.String("text", text))
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: id}, nil
}
