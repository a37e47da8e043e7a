package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"archrvbot/internal/config"
	"archrvbot/internal/dispatch"
	"archrvbot/internal/eventbus"
	"archrvbot/internal/observability/ops"
	rtsup "archrvbot/internal/runtime/supervisor"
	"archrvbot/internal/storage"
	"archrvbot/internal/transport"
	"archrvbot/internal/transport/telegram"
	logx "archrvbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	disp    *dispatch.Service
	handler *updateHandler
	pruner  *pruner
	ops     *ops.Service

	updates chan transport.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Parse()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(context.Background(), cfg); err != nil {
		return nil, err
	}
	cfgm.Commit(cfg)

	logSvc, root := logx.New(mapLoggingConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	pollTimeout, err := cfg.Telegram.PollTimeoutDuration()
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		APIURL:      cfg.Telegram.APIURL,
		PollTimeout: pollTimeout,
	}, root.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	bus := eventbus.New()

	dcfg, pingDelay, err := mapDispatcherConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dcfg, ad,
		dispatch.WithLogger(root.With(logx.String("comp", "dispatch"))),
		dispatch.WithBus(bus),
	)
	// The log chat sink delivers through the dispatcher like everything else.
	logSvc.SetChatSender(disp)

	var (
		store storage.Store
		pr    *pruner
	)
	if sc, ss, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root)
		if err != nil {
			return nil, err
		}
		store = st
		pr = newPruner(st, ss.Retention, ss.PruneSchedule, root.With(logx.String("comp", "audit")))
		log.Info("audit storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		disp:    disp,
		pruner:  pr,
		updates: make(chan transport.Update, 256),
	}
	a.handler = newUpdateHandler(root.With(logx.String("comp", "updates")), disp, a.spawn)
	a.handler.apply(a.botName(cfg), pingDelay)
	a.ops = ops.New(mapOpsConfig(cfg), root.With(logx.String("comp", "ops")),
		opsRoutes(disp, bus, store, root.With(logx.String("comp", "ops"))))
	return a, nil
}

// botName prefers the configured name and falls back to getMe.
func (a *App) botName(cfg *config.Config) string {
	if n := cfg.Telegram.NormalizedBotName(); n != "" {
		return n
	}
	return a.adapter.Username()
}

func (a *App) spawn(name string, fn func(ctx context.Context)) {
	a.sup.Go0(name, fn)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// transactional reload: a config that fails validation is never published
	a.cfgm.SetValidator(config.Validate)

	a.disp.Start(a.sup.Context())

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go("updates.handle", func(c context.Context) error {
		return a.handler.run(c, a.updates)
	})

	if a.store != nil {
		events, unsub := a.bus.Subscribe(256)
		aud := &auditor{store: a.store, log: a.log.With(logx.String("comp", "audit"))}
		a.sup.Go0("audit.record", func(c context.Context) {
			defer unsub()
			aud.run(c, events)
		})
	}
	if a.pruner != nil {
		if err := a.pruner.Start(); err != nil {
			return err
		}
	}
	if a.ops.Enabled() {
		a.ops.Start(a.sup.Context())
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("bot", a.handler.name()))
	return nil
}

// applyConfig pushes a validated config to the running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, fields := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLoggingConfig(next))

	dcfg, pingDelay, err := mapDispatcherConfig(next)
	if err != nil {
		a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dcfg)
		a.handler.apply(a.botName(next), pingDelay)
	}

	a.ops.Reconfigure(ctx, mapOpsConfig(next))

	if rr := config.RestartRequired(sections); len(rr) > 0 {
		a.log.Warn("some changes take effect after restart", logx.String("sections", strings.Join(rr, ",")))
	}
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "prune", time.Second, func(c context.Context) error {
		if a.pruner != nil {
			a.pruner.Stop(c)
		}
		return nil
	})
	a.step(ctx, "adapter", 3*time.Second, a.adapter.Stop)
	a.step(ctx, "dispatcher", 2*time.Second, a.disp.Stop)
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. fn must honor its context.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		// never extend the caller's deadline
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
