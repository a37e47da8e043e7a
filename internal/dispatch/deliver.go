package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"archrvbot/internal/transport"
	logx "archrvbot/pkg/logx"
)

// drainLoop is the single consumer of the queue. Entries are attempted one
// at a time and every attempt is followed by the spacing pause.
func (s *Service) drainLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, ok := s.q.dequeueHead()
		if !ok {
			t := time.NewTimer(s.config().IdleInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-s.q.wake:
			case <-t.C:
			}
			t.Stop()
			continue
		}

		s.attempt(ctx, e)

		if err := s.sleep(ctx, s.config().Spacing); err != nil {
			return err
		}
	}
}

// attempt runs one entry to completion, re-attempts included, and settles it.
// A panicking transport fails the entry; the drain loop carries on and still
// pauses for the spacing afterwards.
func (s *Service) attempt(ctx context.Context, e *pendingSend) {
	cfg := s.config()
	start := time.Now()

	var (
		ref      transport.MessageRef
		attempts int
		err      error
	)

	s.inFlight.Store(true)
	defer s.inFlight.Store(false)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		perr := fmt.Errorf("dispatch: delivery panicked: %v", r)
		s.logFor(cfg, e.to, s.log.Error)("delivery panicked",
			logx.String("trace", e.trace),
			logx.String("op", e.op.String()),
			logx.Int64("chat_id", e.to.ChatID),
			logx.Any("panic", r),
			logx.String("stack", string(debug.Stack())),
		)
		s.finish(cfg, e, transport.MessageRef{}, attempts, perr, time.Since(start))
	}()

	switch e.op {
	case opEdit:
		attempts = 1
		ref, err = s.edit(ctx, cfg, e)
	default:
		ref, attempts, err = s.deliver(ctx, cfg, e)
	}
	if err != nil && ctx.Err() != nil {
		err = errors.Join(ErrStopped, err)
	}
	s.finish(cfg, e, ref, attempts, err, time.Since(start))
}

// logFor returns logf, or Debug when the entry targets the log chat. Records
// about log chat traffic stay local so they never feed back into the chat sink.
func (s *Service) logFor(cfg Config, to transport.ChatTarget, logf func(string, ...logx.Field)) func(string, ...logx.Field) {
	if cfg.LogChat.ChatID != 0 && to == cfg.LogChat {
		return s.log.Debug
	}
	return logf
}

// deliver performs the primary attempt and the inline re-attempts.
//
//   - rate limited: sleep the advertised wait (or RateLimitFallback), then
//     re-attempt with fallback options, at most MaxFloodRetries times
//   - reply target missing on the first attempt: re-attempt with the primary
//     options minus the reply reference
//   - anything else on the first attempt: re-attempt immediately with
//     fallback options
//
// A failure of a re-attempt that is not a rate limit is final.
func (s *Service) deliver(ctx context.Context, cfg Config, e *pendingSend) (transport.MessageRef, int, error) {
	opt := e.primary
	floods := 0
	attempts := 0
	for {
		attempts++
		ref, err := s.call(ctx, cfg, e.to, e.body, opt)
		if err == nil {
			return ref, attempts, nil
		}
		if ctx.Err() != nil {
			return transport.MessageRef{}, attempts, err
		}

		kind := transport.KindOf(err)
		switch {
		case kind == transport.FailureRateLimited:
			if floods >= cfg.MaxFloodRetries {
				return transport.MessageRef{}, attempts, err
			}
			floods++
			s.rateLimited.Add(1)
			wait, ok := transport.RetryAfterOf(err)
			if !ok || wait <= 0 {
				wait = cfg.RateLimitFallback
			}
			s.logFor(cfg, e.to, s.log.Warn)("rate limited, backing off",
				logx.String("trace", e.trace),
				logx.Int64("chat_id", e.to.ChatID),
				logx.Duration("wait", wait),
				logx.Int("flood", floods),
			)
			if serr := s.sleep(ctx, wait); serr != nil {
				return transport.MessageRef{}, attempts, err
			}
			opt = e.fallback
		case attempts == 1 && kind == transport.FailureReplyTargetMissing:
			opt = e.primary
			opt.ReplyTo = 0
		case attempts == 1:
			opt = e.fallback
		default:
			return transport.MessageRef{}, attempts, err
		}

		s.retried.Add(1)
		s.publish(EventRetried, e, DeliveryEvent{
			Attempts: attempts,
			Kind:     kind.String(),
			Error:    err.Error(),
		})
	}
}

func (s *Service) call(ctx context.Context, cfg Config, to transport.ChatTarget, text string, opt transport.SendOptions) (transport.MessageRef, error) {
	cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	return s.tr.Deliver(cctx, to, text, opt)
}

func (s *Service) edit(ctx context.Context, cfg Config, e *pendingSend) (transport.MessageRef, error) {
	cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	if err := s.tr.EditText(cctx, e.target, e.body); err != nil {
		return transport.MessageRef{}, err
	}
	return e.target, nil
}

func (s *Service) finish(cfg Config, e *pendingSend, ref transport.MessageRef, attempts int, err error, latency time.Duration) {
	if err != nil {
		s.failed.Add(1)
		s.noteError(err)
		s.logFor(cfg, e.to, s.log.Warn)("delivery failed",
			logx.String("trace", e.trace),
			logx.String("op", e.op.String()),
			logx.Int64("chat_id", e.to.ChatID),
			logx.Int("attempts", attempts),
			logx.String("kind", transport.KindOf(err).String()),
			logx.Err(err),
		)
		s.publish(EventFailed, e, DeliveryEvent{
			Attempts: attempts,
			Kind:     transport.KindOf(err).String(),
			Error:    err.Error(),
			Latency:  latency,
		})
	} else {
		s.sent.Add(1)
		s.log.Debug("delivered",
			logx.String("trace", e.trace),
			logx.String("op", e.op.String()),
			logx.Int64("chat_id", ref.ChatID),
			logx.Int("message_id", ref.MessageID),
			logx.Duration("latency", latency),
		)
		s.publish(EventSent, e, DeliveryEvent{
			MessageID: ref.MessageID,
			Attempts:  attempts,
			Latency:   latency,
		})
	}
	e.settle(ref, err)
}
