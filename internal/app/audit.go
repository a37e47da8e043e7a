package app

import (
	"context"
	"time"

	"archrvbot/internal/dispatch"
	"archrvbot/internal/eventbus"
	"archrvbot/internal/storage"
	logx "archrvbot/pkg/logx"
)

const auditWriteTimeout = 2 * time.Second

// recordFromEvent maps a settled dispatcher event to an audit record.
// Queued and retried events are not recorded.
func recordFromEvent(e eventbus.Event) (storage.DeliveryRecord, bool) {
	ev, ok := e.Data.(dispatch.DeliveryEvent)
	if !ok {
		return storage.DeliveryRecord{}, false
	}
	var outcome string
	switch e.Type {
	case dispatch.EventSent:
		outcome = storage.OutcomeSent
	case dispatch.EventFailed:
		outcome = storage.OutcomeFailed
	case dispatch.EventDeleted:
		outcome = storage.OutcomeDeleted
	case dispatch.EventDeleteFailed:
		outcome = storage.OutcomeDeleteFailed
	default:
		return storage.DeliveryRecord{}, false
	}
	at := ev.At
	if at.IsZero() {
		at = e.Time
	}
	return storage.DeliveryRecord{
		At:        at.UTC(),
		Trace:     ev.Trace,
		Seq:       ev.Seq,
		Op:        ev.Op,
		Outcome:   outcome,
		ChatID:    ev.ChatID,
		ThreadID:  ev.ThreadID,
		MessageID: ev.MessageID,
		Attempts:  ev.Attempts,
		Kind:      ev.Kind,
		Error:     ev.Error,
		LatencyMS: ev.Latency.Milliseconds(),
	}, true
}

// auditor writes dispatcher outcomes to the store.
type auditor struct {
	store storage.Store
	log   logx.Logger

	// failing suppresses repeated warnings; each warning may itself be
	// delivered through the dispatcher and produce another record.
	failing bool
}

func (a *auditor) run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.write(ctx, e)
		}
	}
}

func (a *auditor) write(ctx context.Context, e eventbus.Event) {
	rec, ok := recordFromEvent(e)
	if !ok {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, auditWriteTimeout)
	err := a.store.RecordDelivery(wctx, rec)
	cancel()
	switch {
	case err != nil && !a.failing:
		a.failing = true
		a.log.Warn("audit write failed", logx.String("trace", rec.Trace), logx.Err(err))
	case err != nil:
		a.log.Debug("audit write failed", logx.String("trace", rec.Trace), logx.Err(err))
	case a.failing:
		a.failing = false
		a.log.Info("audit writes recovered")
	}
}
