package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"archrvbot/internal/eventbus"
	"archrvbot/internal/transport"
	logx "archrvbot/pkg/logx"
)

type call struct {
	to   transport.ChatTarget
	text string
	opt  transport.SendOptions
	at   time.Time
}

type fakeTransport struct {
	mu      sync.Mutex
	calls   []call
	edits   []transport.MessageRef
	deletes []transport.MessageRef
	nextID  int

	// gate, when set, blocks Deliver until it is closed.
	gate chan struct{}
	// fail returns the error for the n-th Deliver call (0-based).
	fail      func(n int) error
	editErr   error
	deleteErr error
}

func (f *fakeTransport) Deliver(ctx context.Context, to transport.ChatTarget, text string, opt transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, call{to: to, text: text, opt: opt, at: time.Now()})
	gate := f.gate
	fail := f.fail
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return transport.MessageRef{}, ctx.Err()
		}
	}
	if fail != nil {
		if err := fail(n); err != nil {
			return transport.MessageRef{}, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: f.nextID}, nil
}

func (f *fakeTransport) EditText(_ context.Context, r transport.MessageRef, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, r)
	return f.editErr
}

func (f *fakeTransport) DeleteMessage(_ context.Context, r transport.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, r)
	return f.deleteErr
}

func (f *fakeTransport) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeTransport) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deletes)
}

type recordingSleeper struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.slept = append(r.slept, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordingSleeper) durations() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.slept...)
}

func (r *recordingSleeper) has(d time.Duration) bool {
	for _, v := range r.durations() {
		if v == d {
			return true
		}
	}
	return false
}

func ref(id int) transport.MessageRef { return transport.MessageRef{MessageID: id} }

func testConfig() Config {
	return Config{
		Spacing:      time.Millisecond,
		IdleInterval: 5 * time.Millisecond,
		SendTimeout:  5 * time.Second,
	}
}

func startService(t *testing.T, cfg Config, tr transport.Transport, opts ...Option) *Service {
	t.Helper()
	s := New(cfg, tr, opts...)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

var chat = transport.ChatTarget{ChatID: 100}

func TestSendBeforeStart(t *testing.T) {
	s := New(testConfig(), &fakeTransport{})
	if _, err := s.Send(context.Background(), chat, "hi", nil); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestSendRejectsEmptyText(t *testing.T) {
	s := startService(t, testConfig(), &fakeTransport{})
	if _, err := s.Send(context.Background(), chat, "", nil); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
}

func TestSendUsesDefaultOptions(t *testing.T) {
	tr := &fakeTransport{}
	s := startService(t, testConfig(), tr)

	got, err := s.Send(context.Background(), chat, "hello", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.MessageID != 1 || got.ChatID != chat.ChatID {
		t.Fatalf("unexpected ref: %+v", got)
	}
	calls := tr.snapshot()
	if len(calls) != 1 || calls[0].opt != (transport.SendOptions{}) {
		t.Fatalf("unexpected calls: %+v", calls)
	}
}

func TestSendIsFIFO(t *testing.T) {
	tr := &fakeTransport{gate: make(chan struct{})}
	s := startService(t, testConfig(), tr)

	var wg sync.WaitGroup
	send := func(text string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Send(context.Background(), chat, text, nil); err != nil {
				t.Errorf("send %s: %v", text, err)
			}
		}()
	}

	send("m0")
	waitFor(t, "first attempt", func() bool { return len(tr.snapshot()) == 1 })
	for i := 1; i < 5; i++ {
		send(fmt.Sprintf("m%d", i))
		n := uint64(i + 1)
		waitFor(t, "enqueue", func() bool { return s.Stats().Enqueued == n })
	}
	close(tr.gate)
	wg.Wait()

	calls := tr.snapshot()
	if len(calls) != 5 {
		t.Fatalf("got %d calls, want 5", len(calls))
	}
	for i, c := range calls {
		if want := fmt.Sprintf("m%d", i); c.text != want {
			t.Fatalf("call %d = %q, want %q", i, c.text, want)
		}
	}
}

func TestAttemptsAreSpaced(t *testing.T) {
	const spacing = 40 * time.Millisecond
	tr := &fakeTransport{}
	cfg := testConfig()
	cfg.Spacing = spacing
	s := startService(t, cfg, tr)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Send(context.Background(), chat, fmt.Sprintf("m%d", i), nil)
		}(i)
	}
	wg.Wait()

	calls := tr.snapshot()
	if len(calls) != 3 {
		t.Fatalf("got %d calls, want 3", len(calls))
	}
	for i := 1; i < len(calls); i++ {
		if gap := calls[i].at.Sub(calls[i-1].at); gap < spacing {
			t.Fatalf("attempts %d and %d only %s apart", i-1, i, gap)
		}
	}
}

func TestSendChunksInOrder(t *testing.T) {
	tr := &fakeTransport{}
	cfg := testConfig()
	cfg.ChunkLimit = 16
	s := startService(t, cfg, tr)

	text := strings.Repeat("x", 20) + "```go\nfmt.Println()\n```" + "yyyyy"
	last, err := s.Send(context.Background(), chat, text, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	want := []string{
		"xxx",
		strings.Repeat("x", 16),
		"x```go\nfmt.Pr```",
		"```intln()\n```yyyyy",
	}
	calls := tr.snapshot()
	if len(calls) != len(want) {
		t.Fatalf("got %d calls, want %d", len(calls), len(want))
	}
	for i := range want {
		if calls[i].text != want[i] {
			t.Fatalf("chunk %d = %q, want %q", i, calls[i].text, want[i])
		}
	}
	if last.MessageID != len(want) {
		t.Fatalf("expected ref of last chunk, got %+v", last)
	}
}

func TestFailedChunkAbortsRemainder(t *testing.T) {
	tr := &fakeTransport{fail: func(int) error { return errors.New("boom") }}
	cfg := testConfig()
	cfg.ChunkLimit = 16
	s := startService(t, cfg, tr)

	_, err := s.Send(context.Background(), chat, strings.Repeat("z", 40), nil)
	if err == nil || !strings.Contains(err.Error(), "chunk 1/3") {
		t.Fatalf("unexpected error: %v", err)
	}
	// primary attempt plus one fallback, nothing for later chunks
	if n := len(tr.snapshot()); n != 2 {
		t.Fatalf("got %d calls, want 2", n)
	}
}

func TestRateLimitedBacksOffThenUsesFallback(t *testing.T) {
	tr := &fakeTransport{fail: func(n int) error {
		if n == 0 {
			return &transport.DeliveryError{Kind: transport.FailureRateLimited, RetryAfter: 7 * time.Second}
		}
		return nil
	}}
	rs := &recordingSleeper{}
	s := startService(t, testConfig(), tr, WithSleeper(rs.sleep))

	opt := &transport.SendOptions{Formatting: transport.FormattingRich, Notify: true}
	if _, err := s.Send(context.Background(), chat, "hi", opt); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !rs.has(7 * time.Second) {
		t.Fatalf("expected a 7s backoff, slept %v", rs.durations())
	}
	calls := tr.snapshot()
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	want := transport.SendOptions{Formatting: transport.FormattingSafe, Notify: true}
	if calls[1].opt != want {
		t.Fatalf("re-attempt options = %+v, want %+v", calls[1].opt, want)
	}
	if st := s.Stats(); st.RateLimited != 1 || st.Sent != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestRateLimitedWithoutWaitUsesFallbackDelay(t *testing.T) {
	tr := &fakeTransport{fail: func(n int) error {
		if n == 0 {
			return transport.ErrRateLimited
		}
		return nil
	}}
	rs := &recordingSleeper{}
	cfg := testConfig()
	cfg.RateLimitFallback = 3 * time.Second
	s := startService(t, cfg, tr, WithSleeper(rs.sleep))

	if _, err := s.Send(context.Background(), chat, "hi", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !rs.has(3 * time.Second) {
		t.Fatalf("expected fallback backoff, slept %v", rs.durations())
	}
}

func TestRecurringRateLimitIsBounded(t *testing.T) {
	tr := &fakeTransport{fail: func(int) error {
		return &transport.DeliveryError{Kind: transport.FailureRateLimited, RetryAfter: time.Second}
	}}
	rs := &recordingSleeper{}
	cfg := testConfig()
	cfg.MaxFloodRetries = 2
	s := startService(t, cfg, tr, WithSleeper(rs.sleep))

	_, err := s.Send(context.Background(), chat, "hi", nil)
	if !errors.Is(err, transport.ErrRateLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if n := len(tr.snapshot()); n != 3 {
		t.Fatalf("got %d calls, want 3", n)
	}
}

func TestOtherFailureRetriesOnceWithFallback(t *testing.T) {
	tr := &fakeTransport{fail: func(int) error {
		return &transport.DeliveryError{Kind: transport.FailureFormattingRejected, Err: errors.New("can't parse entities")}
	}}
	rs := &recordingSleeper{}
	s := startService(t, testConfig(), tr, WithSleeper(rs.sleep))

	opt := &transport.SendOptions{Formatting: transport.FormattingRich, ReplyTo: 9, DisablePreview: true}
	_, err := s.Send(context.Background(), chat, "*bad", opt)
	if !errors.Is(err, transport.ErrFormattingRejected) {
		t.Fatalf("expected formatting error, got %v", err)
	}
	calls := tr.snapshot()
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	want := transport.SendOptions{Formatting: transport.FormattingSafe, DisablePreview: true}
	if calls[1].opt != want {
		t.Fatalf("fallback options = %+v, want %+v", calls[1].opt, want)
	}
	for _, d := range rs.durations() {
		if d != time.Millisecond {
			t.Fatalf("unexpected backoff sleep %s", d)
		}
	}
}

func TestReplyTargetMissingDropsReference(t *testing.T) {
	tr := &fakeTransport{fail: func(n int) error {
		if n == 0 {
			return transport.ErrReplyTargetMissing
		}
		return nil
	}}
	s := startService(t, testConfig(), tr)

	opt := &transport.SendOptions{Formatting: transport.FormattingRich, Notify: true}
	if _, err := s.Reply(context.Background(), chat, 42, "hi", opt); err != nil {
		t.Fatalf("reply: %v", err)
	}
	calls := tr.snapshot()
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want exactly 2", len(calls))
	}
	if calls[0].opt.ReplyTo != 42 {
		t.Fatalf("first attempt should reply to 42: %+v", calls[0].opt)
	}
	want := transport.SendOptions{Formatting: transport.FormattingRich, Notify: true}
	if calls[1].opt != want {
		t.Fatalf("re-attempt options = %+v, want %+v", calls[1].opt, want)
	}
	if opt.ReplyTo != 0 {
		t.Fatal("caller options must not be mutated")
	}
}

func TestReplyFallsBackToPlainSend(t *testing.T) {
	tr := &fakeTransport{fail: func(n int) error {
		if n < 2 {
			return errors.New("bad request")
		}
		return nil
	}}
	s := startService(t, testConfig(), tr)

	opt := &transport.SendOptions{Formatting: transport.FormattingRich}
	got, err := s.Reply(context.Background(), chat, 7, "hi", opt)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	calls := tr.snapshot()
	if len(calls) != 3 {
		t.Fatalf("got %d calls, want 3", len(calls))
	}
	if calls[2].opt != (transport.SendOptions{Formatting: transport.FormattingRich}) {
		t.Fatalf("plain send options = %+v", calls[2].opt)
	}
	if got.MessageID != 1 {
		t.Fatalf("unexpected ref: %+v", got)
	}
}

func TestEditSuccess(t *testing.T) {
	tr := &fakeTransport{}
	s := startService(t, testConfig(), tr)

	target := transport.MessageRef{ChatID: 5, MessageID: 9}
	got, err := s.Edit(context.Background(), target, "new text")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if got != target {
		t.Fatalf("edit ref = %+v, want %+v", got, target)
	}
	if n := len(tr.snapshot()); n != 0 {
		t.Fatalf("edit must not send, got %d calls", n)
	}
}

func TestEditFailureSendsNewMessageWithDefaults(t *testing.T) {
	tr := &fakeTransport{editErr: transport.ErrMessageMissing}
	s := startService(t, testConfig(), tr)

	target := transport.MessageRef{ChatID: 5, ThreadID: 3, MessageID: 9}
	got, err := s.Edit(context.Background(), target, "new text")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	calls := tr.snapshot()
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	if calls[0].to != target.Target() || calls[0].opt != (transport.SendOptions{}) {
		t.Fatalf("unexpected fallback call: %+v", calls[0])
	}
	if got.MessageID != 1 {
		t.Fatalf("expected ref of the new message, got %+v", got)
	}
}

func TestReplyAndDeleteAfter(t *testing.T) {
	tr := &fakeTransport{deleteErr: errors.New("message can't be deleted")}
	s := startService(t, testConfig(), tr)

	if err := s.ReplyAndDeleteAfter(context.Background(), chat, 1, "pong", 50*time.Millisecond, nil); err != nil {
		t.Fatalf("reply and delete: %v", err)
	}
	if n := tr.deleteCount(); n != 0 {
		t.Fatalf("deleted before the delay: %d", n)
	}
	waitFor(t, "delete attempt", func() bool { return tr.deleteCount() == 1 })
	time.Sleep(100 * time.Millisecond)
	if n := tr.deleteCount(); n != 1 {
		t.Fatalf("expected exactly one delete attempt, got %d", n)
	}
	if st := s.Stats(); st.DeleteFail != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestStopFailsPendingEntries(t *testing.T) {
	tr := &fakeTransport{gate: make(chan struct{})}
	s := New(testConfig(), tr)
	s.Start(context.Background())

	errs := make(chan error, 2)
	go func() {
		_, err := s.Send(context.Background(), chat, "in flight", nil)
		errs <- err
	}()
	waitFor(t, "first attempt", func() bool { return len(tr.snapshot()) == 1 })
	go func() {
		_, err := s.Send(context.Background(), chat, "queued", nil)
		errs <- err
	}()
	waitFor(t, "second enqueue", func() bool { return s.Stats().Enqueued == 2 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, ErrStopped) {
			t.Fatalf("expected ErrStopped, got %v", err)
		}
	}
	if _, err := s.Send(context.Background(), chat, "late", nil); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning after stop, got %v", err)
	}
}

func TestCanceledCallerStillGetsDelivered(t *testing.T) {
	tr := &fakeTransport{gate: make(chan struct{})}
	s := startService(t, testConfig(), tr)

	go func() { _, _ = s.Send(context.Background(), chat, "first", nil) }()
	waitFor(t, "first attempt", func() bool { return len(tr.snapshot()) == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Send(ctx, chat, "second", nil)
		done <- err
	}()
	waitFor(t, "second enqueue", func() bool { return s.Stats().Enqueued == 2 })
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(tr.gate)
	waitFor(t, "second attempt", func() bool { return len(tr.snapshot()) == 2 })
}

func TestSendLog(t *testing.T) {
	tr := &fakeTransport{}
	cfg := testConfig()
	s := startService(t, cfg, tr)

	if err := s.SendLog(context.Background(), "dropped"); err != nil {
		t.Fatalf("send log without chat: %v", err)
	}
	if n := len(tr.snapshot()); n != 0 {
		t.Fatalf("expected no delivery without a log chat, got %d", n)
	}

	cfg.LogChat = transport.ChatTarget{ChatID: -1001, ThreadID: 4}
	s.Apply(cfg)
	if err := s.SendLog(context.Background(), "[WARN] disk"); err != nil {
		t.Fatalf("send log: %v", err)
	}
	calls := tr.snapshot()
	if len(calls) != 1 || calls[0].to != cfg.LogChat || !calls[0].opt.DisablePreview {
		t.Fatalf("unexpected calls: %+v", calls)
	}
}

func TestPublishesDeliveryEvents(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	s := startService(t, testConfig(), &fakeTransport{}, WithBus(bus))
	if _, err := s.Send(context.Background(), chat, "hi", nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	var types []string
	timeout := time.After(time.Second)
	for len(types) < 2 {
		select {
		case e := <-ch:
			types = append(types, e.Type)
			if ev, ok := e.Data.(DeliveryEvent); !ok || ev.ChatID != chat.ChatID || ev.Trace == "" {
				t.Fatalf("unexpected event payload: %#v", e.Data)
			}
		case <-timeout:
			t.Fatalf("timed out, got %v", types)
		}
	}
	if types[0] != EventQueued || types[1] != EventSent {
		t.Fatalf("unexpected event order: %v", types)
	}
}

func TestPanickingTransportFailsEntryAndKeepsSpacing(t *testing.T) {
	const spacing = 40 * time.Millisecond
	tr := &fakeTransport{fail: func(n int) error {
		if n == 0 {
			panic("transport blew up")
		}
		return nil
	}}
	rs := &recordingSleeper{}
	cfg := testConfig()
	cfg.Spacing = spacing
	s := startService(t, cfg, tr, WithSleeper(rs.sleep))

	_, err := s.Send(context.Background(), chat, "first", nil)
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Fatalf("expected a panic failure, got %v", err)
	}
	if _, err := s.Send(context.Background(), chat, "second", nil); err != nil {
		t.Fatalf("send after panic: %v", err)
	}

	// One spacing pause after each attempt, the panicked one included.
	waitFor(t, "spacing after both attempts", func() bool {
		n := 0
		for _, d := range rs.durations() {
			if d == spacing {
				n++
			}
		}
		return n == 2
	})
	st := s.Stats()
	if st.Failed != 1 || st.Sent != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if st.Supervisor.Panics != 0 || st.Supervisor.Restarts != 0 {
		t.Fatalf("drain loop must survive a transport panic: %+v", st.Supervisor)
	}
}

// lockedBuffer is written by the drain goroutine and read by the test.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// levels returns the level of every record with the given message.
func (b *lockedBuffer) levels(t *testing.T, msg string) []string {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		if m["message"] == msg {
			lvl, _ := m["level"].(string)
			out = append(out, lvl)
		}
	}
	return out
}

func TestRateLimitOnLogChatStaysLocal(t *testing.T) {
	logChat := transport.ChatTarget{ChatID: -1001}
	tr := &fakeTransport{fail: func(n int) error {
		if n%2 == 0 {
			return &transport.DeliveryError{Kind: transport.FailureRateLimited, RetryAfter: time.Second}
		}
		return nil
	}}
	rs := &recordingSleeper{}
	var lb lockedBuffer
	cfg := testConfig()
	cfg.LogChat = logChat
	s := startService(t, cfg, tr, WithSleeper(rs.sleep), WithLogger(logx.NewWriter(&lb, "debug")))

	if err := s.SendLog(context.Background(), "[WARN] disk"); err != nil {
		t.Fatalf("send log: %v", err)
	}
	if got := lb.levels(t, "rate limited, backing off"); len(got) != 1 || got[0] != "debug" {
		t.Fatalf("log chat backoff levels = %v, want [debug]", got)
	}

	if _, err := s.Send(context.Background(), chat, "hi", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := lb.levels(t, "rate limited, backing off"); len(got) != 2 || got[1] != "warn" {
		t.Fatalf("backoff levels = %v, want [debug warn]", got)
	}
}

// stubbornTransport ignores cancellation until release is closed.
type stubbornTransport struct {
	release chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
	calls   atomic.Int32
}

func (f *stubbornTransport) Deliver(_ context.Context, to transport.ChatTarget, _ string, _ transport.SendOptions) (transport.MessageRef, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	id := f.calls.Add(1)
	<-f.release
	return transport.MessageRef{ChatID: to.ChatID, MessageID: int(id)}, nil
}

func (f *stubbornTransport) EditText(context.Context, transport.MessageRef, string) error { return nil }

func (f *stubbornTransport) DeleteMessage(context.Context, transport.MessageRef) error { return nil }

func TestRestartWaitsForPreviousDrainLoop(t *testing.T) {
	tr := &stubbornTransport{release: make(chan struct{})}
	s := New(testConfig(), tr)
	s.Start(context.Background())

	go func() { _, _ = s.Send(context.Background(), chat, "stuck", nil) }()
	waitFor(t, "first attempt", func() bool { return tr.calls.Load() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected stop to time out, got %v", err)
	}

	started := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(started)
	}()
	select {
	case <-started:
		t.Fatal("start returned while the previous drain loop was still attempting")
	case <-time.After(50 * time.Millisecond):
	}
	if s.Running() {
		t.Fatal("dispatcher must not accept work before the previous loop exits")
	}

	close(tr.release)
	<-started
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})

	if _, err := s.Send(context.Background(), chat, "after restart", nil); err != nil {
		t.Fatalf("send after restart: %v", err)
	}
	if p := tr.peak.Load(); p != 1 {
		t.Fatalf("saw %d concurrent attempts, want 1", p)
	}
}

func TestReplyAndDeleteAfterRacingStop(t *testing.T) {
	for i := 0; i < 50; i++ {
		tr := &fakeTransport{}
		s := New(testConfig(), tr)
		s.Start(context.Background())
		sup := s.Supervisor()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.ReplyAndDeleteAfter(context.Background(), chat, 1, "pong", time.Hour, nil)
		}()
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.Stop(ctx); err != nil {
				t.Errorf("stop: %v", err)
			}
		}()
		wg.Wait()

		// Everything the supervisor ran was joined by Stop.
		if c := sup.Counters(); c.Active != 0 {
			t.Fatalf("round %d: %d goroutines outlived stop", i, c.Active)
		}
		if n := tr.deleteCount(); n != 0 {
			t.Fatalf("round %d: unexpected delete", i)
		}
	}
}
