package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage. An empty Driver disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Outcome values of DeliveryRecord.
const (
	OutcomeSent         = "sent"
	OutcomeFailed       = "failed"
	OutcomeDeleted      = "deleted"
	OutcomeDeleteFailed = "delete_failed"
)

// DeliveryRecord is one settled dispatcher operation.
// Keep it compact and schema-stable.
type DeliveryRecord struct {
	At        time.Time `json:"at"`
	Trace     string    `json:"trace"`
	Seq       uint64    `json:"seq,omitempty"`
	Op        string    `json:"op"`
	Outcome   string    `json:"outcome"`
	ChatID    int64     `json:"chat_id"`
	ThreadID  int       `json:"thread_id,omitempty"`
	MessageID int       `json:"message_id,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latency_ms,omitempty"`
}
