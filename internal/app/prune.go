package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"archrvbot/internal/storage"
	logx "archrvbot/pkg/logx"
)

const pruneTimeout = time.Minute

// pruner drops audit records older than the retention window on a cron
// schedule. A zero retention keeps everything and never schedules.
type pruner struct {
	store     storage.Store
	retention time.Duration
	spec      string
	log       logx.Logger
	now       func() time.Time

	mu sync.Mutex
	c  *cron.Cron
}

func newPruner(store storage.Store, retention time.Duration, spec string, log logx.Logger) *pruner {
	return &pruner{store: store, retention: retention, spec: spec, log: log, now: time.Now}
}

// prune runs one pass and returns the number of removed records.
func (p *pruner) prune(ctx context.Context) (int64, error) {
	if p.retention <= 0 {
		return 0, nil
	}
	before := p.now().Add(-p.retention)
	n, err := p.store.PruneDeliveries(ctx, before)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.log.Info("audit pruned", logx.Int64("removed", n), logx.Duration("retention", p.retention))
	}
	return n, nil
}

func (p *pruner) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c != nil || p.retention <= 0 {
		return nil
	}
	cl := cronLogger{log: p.log}
	c := cron.New(
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	_, err := c.AddJob(p.spec, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
		defer cancel()
		if _, err := p.prune(ctx); err != nil {
			p.log.Warn("audit prune failed", logx.Err(err))
		}
	}))
	if err != nil {
		return fmt.Errorf("storage.prune_schedule: %w", err)
	}
	c.Start()
	p.c = c
	p.log.Info("audit pruning scheduled", logx.String("schedule", p.spec), logx.Duration("retention", p.retention))
	return nil
}

// Stop waits for a running prune unless ctx ends first.
func (p *pruner) Stop(ctx context.Context) {
	p.mu.Lock()
	c := p.c
	p.c = nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// cronLogger adapts logx to cron.Logger. Scheduler chatter goes to debug.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
