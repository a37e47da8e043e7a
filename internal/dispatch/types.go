package dispatch

import (
	"errors"
	"sync/atomic"
	"time"

	"archrvbot/internal/runtime/supervisor"
	"archrvbot/internal/transport"
)

var (
	ErrNotRunning = errors.New("dispatcher not running")
	ErrStopped    = errors.New("dispatcher stopped")
	ErrEmptyText  = errors.New("dispatcher: empty text")
)

const (
	DefaultSpacing           = 2 * time.Second
	DefaultIdleInterval      = 500 * time.Millisecond
	DefaultRateLimitFallback = 5 * time.Second
	DefaultSendTimeout       = 10 * time.Second
	DefaultChunkLimit        = 4000
	DefaultMaxFloodRetries   = 3

	// minChunkLimit keeps chunking terminating: a split must remove more
	// runes than balanceFences can add back to the head.
	minChunkLimit = 16
)

// Config controls pacing and retry behavior. Zero fields take defaults.
type Config struct {
	// Spacing is the pause after every delivery attempt.
	Spacing time.Duration
	// IdleInterval is the longest the drain loop sleeps on an empty queue.
	IdleInterval time.Duration
	// RateLimitFallback is the backoff used when a rate-limit rejection
	// carries no usable wait.
	RateLimitFallback time.Duration
	SendTimeout       time.Duration
	// ChunkLimit is the maximum message length in runes.
	ChunkLimit int
	// MaxFloodRetries bounds consecutive rate-limit backoffs for one entry.
	MaxFloodRetries int

	// LogChat receives SendLog messages (0 chat id disables it).
	LogChat transport.ChatTarget
}

func (c Config) withDefaults() Config {
	if c.Spacing <= 0 {
		c.Spacing = DefaultSpacing
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = DefaultIdleInterval
	}
	if c.RateLimitFallback <= 0 {
		c.RateLimitFallback = DefaultRateLimitFallback
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.ChunkLimit <= 0 {
		c.ChunkLimit = DefaultChunkLimit
	}
	if c.ChunkLimit < minChunkLimit {
		c.ChunkLimit = minChunkLimit
	}
	if c.MaxFloodRetries <= 0 {
		c.MaxFloodRetries = DefaultMaxFloodRetries
	}
	return c
}

type opKind int

const (
	opSend opKind = iota
	opEdit
)

func (k opKind) String() string {
	if k == opEdit {
		return "edit"
	}
	return "send"
}

type outcome struct {
	ref transport.MessageRef
	err error
}

// pendingSend is one unit of outbound work.
type pendingSend struct {
	seq   uint64
	trace string
	op    opKind

	to       transport.ChatTarget
	target   transport.MessageRef // edit target
	body     string
	primary  transport.SendOptions
	fallback transport.SendOptions

	enqueuedAt time.Time

	settled atomic.Bool
	done    chan outcome // buffered(1)
}

// settle resolves the outcome. Only the first call has an effect.
func (p *pendingSend) settle(ref transport.MessageRef, err error) bool {
	if !p.settled.CompareAndSwap(false, true) {
		return false
	}
	p.done <- outcome{ref: ref, err: err}
	return true
}

// fallbackOptions degrades primary: Rich is demoted, the reply reference is
// dropped, notification and preview flags are kept.
func fallbackOptions(primary transport.SendOptions) transport.SendOptions {
	return transport.SendOptions{
		Formatting:     primary.Formatting.Demote(),
		Notify:         primary.Notify,
		DisablePreview: primary.DisablePreview,
	}
}

func optionsOrDefault(opt *transport.SendOptions) transport.SendOptions {
	if opt == nil {
		return transport.SendOptions{}
	}
	return *opt
}

// Stats is a point-in-time view of the dispatcher for ops endpoints.
type Stats struct {
	Running     bool                `json:"running"`
	QueueDepth  int                 `json:"queue_depth"`
	InFlight    bool                `json:"in_flight"`
	Enqueued    uint64              `json:"enqueued"`
	Sent        uint64              `json:"sent"`
	Failed      uint64              `json:"failed"`
	Retried     uint64              `json:"retried"`
	RateLimited uint64              `json:"rate_limited"`
	Deleted     uint64              `json:"deleted"`
	DeleteFail  uint64              `json:"delete_failed"`
	LastError   string              `json:"last_error,omitempty"`
	LastErrorAt time.Time           `json:"last_error_at,omitempty"`
	Supervisor  supervisor.Counters `json:"supervisor"`
}

// Event types published on the bus.
const (
	EventQueued       = "dispatch.queued"
	EventSent         = "dispatch.sent"
	EventRetried      = "dispatch.retried"
	EventFailed       = "dispatch.failed"
	EventDeleted      = "dispatch.deleted"
	EventDeleteFailed = "dispatch.delete_failed"
)

// DeliveryEvent is the payload of dispatcher bus events.
type DeliveryEvent struct {
	Trace     string        `json:"trace"`
	Seq       uint64        `json:"seq"`
	Op        string        `json:"op"`
	ChatID    int64         `json:"chat_id"`
	ThreadID  int           `json:"thread_id,omitempty"`
	MessageID int           `json:"message_id,omitempty"`
	Attempts  int           `json:"attempts,omitempty"`
	Kind      string        `json:"kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency,omitempty"`
	At        time.Time     `json:"at"`
}
