package telegram

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "archrvbot/internal/transport"
)

var (
	retryAfterRe = regexp.MustCompile(`retry after (\d+)`)
	// Descriptions the library has no predefined error for arrive as
	// plain errors in the form "telegram: <description> (<code>)".
	apiErrorRe = regexp.MustCompile(`telegram: (.+) \((\d{3})\)`)
)

// classify maps a Bot API error onto a kit.DeliveryError.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var fv tele.FloodError
	if errors.As(err, &fv) {
		return &kit.DeliveryError{Kind: kit.FailureRateLimited, RetryAfter: seconds(fv.RetryAfter), Err: err}
	}
	var fp *tele.FloodError
	if errors.As(err, &fp) && fp != nil {
		return &kit.DeliveryError{Kind: kit.FailureRateLimited, RetryAfter: seconds(fp.RetryAfter), Err: err}
	}

	var te *tele.Error
	if errors.As(err, &te) && te != nil {
		return classifyDescription(te.Code, te.Description, err)
	}
	if m := apiErrorRe.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[2])
		return classifyDescription(code, m[1], err)
	}
	return &kit.DeliveryError{Kind: kit.FailureOther, Err: err}
}

func classifyDescription(code int, desc string, err error) error {
	d := strings.ToLower(desc)
	switch {
	case code == 429 || strings.Contains(d, "too many requests"):
		var wait time.Duration
		if m := retryAfterRe.FindStringSubmatch(d); m != nil {
			if n, perr := strconv.Atoi(m[1]); perr == nil {
				wait = seconds(n)
			}
		}
		return &kit.DeliveryError{Kind: kit.FailureRateLimited, RetryAfter: wait, Err: err}
	case (strings.Contains(d, "reply") || strings.Contains(d, "replied")) && strings.Contains(d, "not found"):
		return &kit.DeliveryError{Kind: kit.FailureReplyTargetMissing, Err: err}
	case strings.Contains(d, "can't parse entities"):
		return &kit.DeliveryError{Kind: kit.FailureFormattingRejected, Err: err}
	case strings.Contains(d, "message to edit not found"),
		strings.Contains(d, "message to delete not found"),
		strings.Contains(d, "message can't be edited"):
		return &kit.DeliveryError{Kind: kit.FailureMessageMissing, Err: err}
	default:
		return &kit.DeliveryError{Kind: kit.FailureOther, Err: err}
	}
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
