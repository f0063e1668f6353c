package transport

import "context"

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
}

// Notification is one rendered reminder on its way to a channel.
type Notification struct {
	ID      int
	Channel string
	Target  ChatTarget
	Title   string
	Body    string
	Options *SendOptions
}

// Adapter delivers text to a messaging channel.
type Adapter interface {
	Name() string
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}
