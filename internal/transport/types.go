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
}

// Sender delivers plain text to a chat. Long texts may be split into several
// messages; the returned ref points at the first one.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}
