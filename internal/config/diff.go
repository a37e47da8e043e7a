package config

import (
	"strings"

	logx "archrvbot/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// fields for the reload log. Secrets (token) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	fields := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token) ||
		ot.NormalizedBotName() != nt.NormalizedBotName() ||
		ot.LogChat != nt.LogChat || ot.LogThread != nt.LogThread ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		strings.TrimSpace(ot.APIURL) != strings.TrimSpace(nt.APIURL) {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.Bool("telegram.token_changed", strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token)),
			logx.String("telegram.bot_name", nt.NormalizedBotName()),
			logx.Bool("telegram.log_chat_set", nt.LogChat != 0),
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Bool("telegram.api_url_changed", strings.TrimSpace(ot.APIURL) != strings.TrimSpace(nt.APIURL)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		nl := newCfg.Logging
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", nl.Level),
			logx.Bool("logging.console", nl.Console),
			logx.Bool("logging.file_enabled", nl.File.Enabled),
			logx.Bool("logging.telegram_enabled", nl.Telegram.Enabled),
			logx.String("logging.telegram_min_level", nl.Telegram.MinLevel),
		)
	}

	if oldCfg.Dispatcher != newCfg.Dispatcher {
		nd := newCfg.Dispatcher
		changed = append(changed, "dispatcher")
		fields = append(fields,
			logx.String("dispatcher.spacing", nd.Spacing),
			logx.String("dispatcher.idle_interval", nd.IdleInterval),
			logx.String("dispatcher.rate_limit_fallback", nd.RateLimitFallback),
			logx.Int("dispatcher.chunk_limit", nd.ChunkLimit),
			logx.Int("dispatcher.max_flood_retries", nd.MaxFloodRetries),
		)
	}

	ost, nst := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if (oldCfg.Storage == nil) != (newCfg.Storage == nil) || ost != nst {
		changed = append(changed, "storage")
		fields = append(fields,
			logx.Bool("storage.present", newCfg.Storage != nil),
			logx.String("storage.driver", nst.Driver),
			logx.String("storage.retention", nst.Retention),
			logx.String("storage.prune_schedule", nst.PruneSchedule),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		fields = append(fields,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.ListenAddr()),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
		)
	}

	return changed, fields
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

// RestartRequired reports sections that only take effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, c := range changed {
		switch c {
		case "telegram", "storage":
			out = append(out, c)
		}
	}
	return out
}
