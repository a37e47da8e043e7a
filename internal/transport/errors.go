package transport

import (
	"errors"
	"fmt"
	"time"
)

type FailureKind int

const (
	FailureOther FailureKind = iota
	FailureRateLimited
	FailureReplyTargetMissing
	FailureFormattingRejected
	// FailureMessageMissing means the message to edit/delete does not exist.
	FailureMessageMissing
)

func (k FailureKind) String() string {
	switch k {
	case FailureRateLimited:
		return "rate_limited"
	case FailureReplyTargetMissing:
		return "reply_target_missing"
	case FailureFormattingRejected:
		return "formatting_rejected"
	case FailureMessageMissing:
		return "message_missing"
	default:
		return "other"
	}
}

// DeliveryError is a classified transport failure.
type DeliveryError struct {
	Kind FailureKind
	// RetryAfter is the wait advertised by the platform (RateLimited only).
	// Zero means the platform did not provide a usable value.
	RetryAfter time.Duration
	Err        error
}

func (e *DeliveryError) Error() string {
	msg := "delivery failed (" + e.Kind.String() + ")"
	if e.Kind == FailureRateLimited && e.RetryAfter > 0 {
		msg += fmt.Sprintf(" retry after %s", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind: errors.Is(err, &DeliveryError{Kind: FailureRateLimited}).
func (e *DeliveryError) Is(target error) bool {
	t, ok := target.(*DeliveryError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrRateLimited        = &DeliveryError{Kind: FailureRateLimited}
	ErrReplyTargetMissing = &DeliveryError{Kind: FailureReplyTargetMissing}
	ErrFormattingRejected = &DeliveryError{Kind: FailureFormattingRejected}
	ErrMessageMissing     = &DeliveryError{Kind: FailureMessageMissing}
)

// KindOf returns the failure kind of err; unclassified errors are FailureOther.
func KindOf(err error) FailureKind {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind
	}
	return FailureOther
}

// RetryAfterOf reports the advertised wait of a rate-limit failure.
func RetryAfterOf(err error) (time.Duration, bool) {
	var de *DeliveryError
	if !errors.As(err, &de) || de.Kind != FailureRateLimited {
		return 0, false
	}
	return de.RetryAfter, true
}
