package app

import (
	"strings"
	"time"

	"archrvbot/internal/config"
	"archrvbot/internal/dispatch"
	"archrvbot/internal/observability/ops"
	"archrvbot/internal/storage"
	"archrvbot/internal/transport"
	logx "archrvbot/pkg/logx"
)

func logChatTarget(cfg *config.Config) transport.ChatTarget {
	return transport.ChatTarget{ChatID: cfg.Telegram.LogChat, ThreadID: cfg.Telegram.LogThread}
}

// mapDispatcherConfig also returns the /ping reply lifetime, which lives in
// the dispatcher section but is used by the update handler.
func mapDispatcherConfig(cfg *config.Config) (dispatch.Config, time.Duration, error) {
	ds, err := cfg.Dispatcher.Resolve()
	if err != nil {
		return dispatch.Config{}, 0, err
	}
	return dispatch.Config{
		Spacing:           ds.Spacing,
		IdleInterval:      ds.IdleInterval,
		RateLimitFallback: ds.RateLimitFallback,
		SendTimeout:       ds.SendTimeout,
		ChunkLimit:        ds.ChunkLimit,
		MaxFloodRetries:   ds.MaxFloodRetries,
		LogChat:           logChatTarget(cfg),
	}, ds.PingDeleteAfter, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Chat: logx.ChatConfig{
			// Without a log chat there is nowhere to forward to.
			Enabled:    lc.Telegram.Enabled && cfg.Telegram.LogChat != 0,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

// mapStorageConfig returns enabled=false when no audit store is configured.
func mapStorageConfig(cfg *config.Config) (storage.Config, config.StorageSettings, bool, error) {
	ss, enabled, err := cfg.Storage.Resolve()
	if err != nil || !enabled {
		return storage.Config{}, config.StorageSettings{}, false, err
	}
	return storage.Config{
		Driver:      ss.Driver,
		Path:        ss.Path,
		BusyTimeout: ss.BusyTimeout,
	}, ss, true, nil
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	oc := cfg.Ops
	return ops.Config{
		Enabled:       oc.Enabled,
		Addr:          oc.ListenAddr(),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  15 * time.Second,
		IdleTimeout:   60 * time.Second,
	}
}
