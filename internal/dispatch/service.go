package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"archrvbot/internal/eventbus"
	rtsup "archrvbot/internal/runtime/supervisor"
	"archrvbot/internal/transport"
	logx "archrvbot/pkg/logx"
)

// Service is the outbound dispatcher. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	cfg Config
	tr  transport.Transport
	log logx.Logger
	bus eventbus.Bus

	q         *queue
	accepting bool
	sup       *rtsup.Supervisor
	// draining is the supervisor of a Stop whose wait ran out. Its drain
	// loop may still be inside an attempt.
	draining *rtsup.Supervisor

	sleep func(ctx context.Context, d time.Duration) error

	seq      atomic.Uint64
	inFlight atomic.Bool

	enqueued     atomic.Uint64
	sent         atomic.Uint64
	failed       atomic.Uint64
	retried      atomic.Uint64
	rateLimited  atomic.Uint64
	deleted      atomic.Uint64
	deleteFailed atomic.Uint64

	emu       sync.Mutex
	lastErr   string
	lastErrAt time.Time
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option {
	return func(s *Service) { s.log = log }
}

func WithBus(bus eventbus.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

// WithSleeper replaces the spacing and backoff sleep. It must return ctx.Err()
// when ctx ends first.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) {
		if fn != nil {
			s.sleep = fn
		}
	}
}

func New(cfg Config, tr transport.Transport, opts ...Option) *Service {
	s := &Service{
		cfg:   cfg.withDefaults(),
		tr:    tr,
		q:     newQueue(),
		sleep: sleepCtx,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

// Apply swaps pacing settings. The drain loop picks them up on its next step.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches the drain loop. It is idempotent. If an earlier Stop gave
// up waiting, Start first waits for that drain loop to exit so two loops
// never deliver at once.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	old := s.draining
	s.mu.Unlock()
	if old != nil {
		s.log.Info("waiting for previous drain loop to exit")
		if err := old.Wait(ctx); err != nil && ctx.Err() != nil {
			s.log.Warn("dispatcher not started, previous drain loop still running", logx.Err(err))
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining == old {
		s.draining = nil
	}
	if s.sup != nil || s.draining != nil {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "dispatch.sup"))),
		// A failed delivery must not take the bot down.
		rtsup.WithCancelOnError(false),
	)
	s.accepting = true
	s.sup.GoRestart("drain", s.drainLoop,
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	s.log.Info("dispatcher started",
		logx.Duration("spacing", s.cfg.Spacing),
		logx.Duration("idle", s.cfg.IdleInterval),
		logx.Int("chunk_limit", s.cfg.ChunkLimit),
	)
}

// Stop stops intake, cancels the drain loop and fails entries that were
// never attempted with ErrStopped. Queued work is not persisted.
//
// When ctx ends before the drain loop exits, Stop returns ctx's error and a
// later Start waits for the loop instead of launching a second one.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.accepting = false
	if sup != nil {
		s.draining = sup
	}
	s.mu.Unlock()
	if sup == nil {
		return nil
	}

	sup.Cancel()
	err := sup.Wait(ctx)
	timedOut := err != nil && ctx.Err() != nil
	if !timedOut {
		s.mu.Lock()
		if s.draining == sup {
			s.draining = nil
		}
		s.mu.Unlock()
	}

	left := s.q.takeAll()
	for _, e := range left {
		e.settle(transport.MessageRef{}, ErrStopped)
	}
	s.log.Info("dispatcher stopped", logx.Int("dropped", len(left)), logx.Bool("drained", !timedOut))
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepting
}

func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	running := s.accepting
	sup := s.sup
	s.mu.Unlock()

	s.emu.Lock()
	lastErr, lastErrAt := s.lastErr, s.lastErrAt
	s.emu.Unlock()

	return Stats{
		Running:     running,
		QueueDepth:  s.q.len(),
		InFlight:    s.inFlight.Load(),
		Enqueued:    s.enqueued.Load(),
		Sent:        s.sent.Load(),
		Failed:      s.failed.Load(),
		Retried:     s.retried.Load(),
		RateLimited: s.rateLimited.Load(),
		Deleted:     s.deleted.Load(),
		DeleteFail:  s.deleteFailed.Load(),
		LastError:   lastErr,
		LastErrorAt: lastErrAt,
		Supervisor:  sup.Counters(),
	}
}

// Send delivers text to the destination, splitting it when it exceeds the
// chunk limit. It returns the reference of the last delivered piece.
//
// A piece is enqueued only after the previous one settled; a failed piece
// aborts the rest. If ctx ends while waiting, the queued entry is still
// attempted later.
func (s *Service) Send(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if text == "" {
		return transport.MessageRef{}, ErrEmptyText
	}
	o := optionsOrDefault(opt)
	trace := uuid.NewString()
	chunks := chunkText(text, s.config().ChunkLimit)

	var last transport.MessageRef
	for i, c := range chunks {
		ref, err := s.submit(ctx, &pendingSend{
			trace:    trace,
			op:       opSend,
			to:       to,
			body:     c,
			primary:  o,
			fallback: fallbackOptions(o),
		})
		if err != nil {
			if len(chunks) > 1 {
				err = fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
			}
			return last, err
		}
		last = ref
	}
	return last, nil
}

func (s *Service) submit(ctx context.Context, e *pendingSend) (transport.MessageRef, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	e.done = make(chan outcome, 1)

	// Enqueue under s.mu so Stop never misses an entry added concurrently.
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return transport.MessageRef{}, ErrNotRunning
	}
	e.seq = s.seq.Add(1)
	e.enqueuedAt = time.Now()
	s.publish(EventQueued, e, DeliveryEvent{})
	s.q.enqueue(e)
	s.enqueued.Add(1)
	s.mu.Unlock()

	select {
	case out := <-e.done:
		return out.ref, out.err
	case <-ctx.Done():
		return transport.MessageRef{}, ctx.Err()
	}
}

func (s *Service) publish(typ string, e *pendingSend, ev DeliveryEvent) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev.Trace = e.trace
	ev.Seq = e.seq
	ev.Op = e.op.String()
	ev.ChatID = e.to.ChatID
	ev.ThreadID = e.to.ThreadID
	ev.At = now
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func (s *Service) noteError(err error) {
	if err == nil {
		return
	}
	s.emu.Lock()
	s.lastErr = err.Error()
	s.lastErrAt = time.Now()
	s.emu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
