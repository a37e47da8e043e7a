package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"archrvbot/internal/transport"
	logx "archrvbot/pkg/logx"
)

// Reply sends text as a reply to msgID. When the reply cannot be delivered
// it is re-sent once as a plain message with the original options.
func (s *Service) Reply(ctx context.Context, to transport.ChatTarget, msgID int, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	orig := optionsOrDefault(opt)
	orig.ReplyTo = 0

	withRef := orig
	withRef.ReplyTo = msgID
	ref, err := s.Send(ctx, to, text, &withRef)
	if err == nil || !recoverable(ctx, err) {
		return ref, err
	}
	s.log.Info("reply failed, sending plain message",
		logx.Int64("chat_id", to.ChatID),
		logx.Int("reply_to", msgID),
		logx.String("kind", transport.KindOf(err).String()),
		logx.Err(err),
	)
	return s.Send(ctx, to, text, &orig)
}

// Edit replaces the text of an existing message. The edit is attempted once
// through the queue; on failure a new message is sent with default options.
func (s *Service) Edit(ctx context.Context, ref transport.MessageRef, text string) (transport.MessageRef, error) {
	if text == "" {
		return transport.MessageRef{}, ErrEmptyText
	}
	out, err := s.submit(ctx, &pendingSend{
		trace:  uuid.NewString(),
		op:     opEdit,
		to:     ref.Target(),
		target: ref,
		body:   text,
	})
	if err == nil || !recoverable(ctx, err) {
		return out, err
	}
	s.log.Info("edit failed, sending new message",
		logx.Int64("chat_id", ref.ChatID),
		logx.Int("message_id", ref.MessageID),
		logx.String("kind", transport.KindOf(err).String()),
		logx.Err(err),
	)
	return s.Send(ctx, ref.Target(), text, nil)
}

// ReplyAndDeleteAfter replies and deletes the reply after delay. Only the
// reply error is returned; the delete is best effort and never retried.
func (s *Service) ReplyAndDeleteAfter(ctx context.Context, to transport.ChatTarget, msgID int, text string, delay time.Duration, opt *transport.SendOptions) error {
	ref, err := s.Reply(ctx, to, msgID, text, opt)
	if err != nil {
		return err
	}
	// Schedule under s.mu: Stop flips accepting before it waits on the
	// supervisor, so no delete timer is added once the wait has begun.
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accepting || s.sup == nil {
		return nil
	}
	s.sup.Go0("delete_after", func(ctx context.Context) {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s.deleteNow(ctx, ref)
	})
	return nil
}

func (s *Service) deleteNow(ctx context.Context, ref transport.MessageRef) {
	cctx, cancel := context.WithTimeout(ctx, s.config().SendTimeout)
	defer cancel()

	e := &pendingSend{trace: uuid.NewString(), to: ref.Target()}
	err := s.tr.DeleteMessage(cctx, ref)
	if err != nil {
		s.deleteFailed.Add(1)
		s.log.Debug("delete failed",
			logx.Int64("chat_id", ref.ChatID),
			logx.Int("message_id", ref.MessageID),
			logx.Err(err),
		)
		s.publish(EventDeleteFailed, e, DeliveryEvent{
			MessageID: ref.MessageID,
			Kind:      transport.KindOf(err).String(),
			Error:     err.Error(),
		})
		return
	}
	s.deleted.Add(1)
	s.publish(EventDeleted, e, DeliveryEvent{MessageID: ref.MessageID})
}

// SendLog implements logx.ChatSender. It is a no-op without a log chat.
func (s *Service) SendLog(ctx context.Context, text string) error {
	to := s.config().LogChat
	if to.ChatID == 0 {
		return nil
	}
	_, err := s.Send(ctx, to, text, &transport.SendOptions{DisablePreview: true})
	return err
}

// recoverable reports whether a wrapper may fall back after err.
func recoverable(ctx context.Context, err error) bool {
	if ctx != nil && ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, ErrNotRunning) && !errors.Is(err, ErrStopped) && !errors.Is(err, ErrEmptyText)
}
