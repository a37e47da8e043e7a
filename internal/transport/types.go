package transport

import "context"

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	ChatTitle    string
	FromID       int64
	FromUsername string
	Text         string
}

// ChatTarget identifies a conversation. The dispatcher treats it as opaque.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

func (r MessageRef) Target() ChatTarget {
	return ChatTarget{ChatID: r.ChatID, ThreadID: r.ThreadID}
}

// Formatting selects the markup dialect of a message.
type Formatting int

const (
	FormattingNone Formatting = iota
	// FormattingSafe is the lenient dialect (Telegram legacy Markdown).
	FormattingSafe
	// FormattingRich is the strict dialect (Telegram MarkdownV2).
	FormattingRich
)

func (f Formatting) String() string {
	switch f {
	case FormattingSafe:
		return "safe"
	case FormattingRich:
		return "rich"
	default:
		return "none"
	}
}

// Demote returns the dialect used on fallback paths: Rich becomes Safe,
// everything else is kept.
func (f Formatting) Demote() Formatting {
	if f == FormattingRich {
		return FormattingSafe
	}
	return f
}

// SendOptions is the delivery option bag.
//
// The zero value is the default: no markup, notification suppressed, no reply
// reference.
type SendOptions struct {
	Formatting Formatting
	// Notify enables the notification sound. Messages are silent by default.
	Notify bool
	// ReplyTo is the message id to reply to (0 if none).
	ReplyTo        int
	DisablePreview bool
}

// Transport is the platform-facing side of the dispatcher.
// Implementations must return *DeliveryError for classified failures.
type Transport interface {
	Deliver(ctx context.Context, to ChatTarget, text string, opt SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string) error
	DeleteMessage(ctx context.Context, ref MessageRef) error
}

// Poller is implemented by transports that can receive updates.
type Poller interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}
