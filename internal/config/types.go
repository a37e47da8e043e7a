package config

type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Dispatcher DispatcherConfig `json:"dispatcher"`

	// Storage enables the delivery audit. Omitted means no audit.
	Storage *StorageConfig `json:"storage,omitempty"`
	Ops     OpsConfig      `json:"ops,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// BotName is the @username commands may be addressed to ("/ping@name").
	BotName string `json:"bot_name,omitempty"`
	// LogChat receives forwarded log records and is the default ops chat.
	LogChat   int64 `json:"log_chat,omitempty"`
	LogThread int   `json:"log_thread,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// APIURL overrides the Bot API endpoint (self-hosted server).
	APIURL string `json:"api_url,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// DispatcherConfig controls outbound pacing.
//
// All durations are Go duration strings. Defaults when omitted:
//   - spacing: "2s"
//   - idle_interval: "500ms"
//   - rate_limit_fallback: "5s"
//   - send_timeout: "10s"
//   - chunk_limit: 4000
//   - max_flood_retries: 3
//   - ping_delete_after: "5s"
type DispatcherConfig struct {
	Spacing           string `json:"spacing,omitempty"`
	IdleInterval      string `json:"idle_interval,omitempty"`
	RateLimitFallback string `json:"rate_limit_fallback,omitempty"`
	SendTimeout       string `json:"send_timeout,omitempty"`
	ChunkLimit        int    `json:"chunk_limit,omitempty"`
	MaxFloodRetries   int    `json:"max_flood_retries,omitempty"`
	PingDeleteAfter   string `json:"ping_delete_after,omitempty"`
}

// StorageConfig controls the delivery audit store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/audit.db", "retention": "168h" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	// Retention is how long audit records are kept. "0s" keeps them forever.
	Retention string `json:"retention,omitempty"`
	// PruneSchedule is a standard 5-field cron spec. Default "@hourly".
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

// OpsConfig controls the read-only ops HTTP server. Changes apply live.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8089"
	// Token, when set, is required as "Authorization: Bearer <token>".
	Token string `json:"token,omitempty"`
	// AllowInsecure permits a non-loopback addr without a token.
	AllowInsecure bool `json:"allow_insecure,omitempty"`
}
