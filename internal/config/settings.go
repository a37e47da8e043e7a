package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultOpsAddr         = "127.0.0.1:8089"
	DefaultPruneSchedule   = "@hourly"
	DefaultPingDeleteAfter = 5 * time.Second
	DefaultPollTimeout     = 10 * time.Second

	// maxChunkLimit is the Bot API message limit (4096) minus room for the
	// fences a split may add.
	maxChunkLimit = 4090
	minChunkLimit = 16
)

var ErrNoToken = errors.New("telegram.token is empty (set it in the config or ARCHRV_BOT_TOKEN)")

func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// DispatcherSettings is the parsed dispatcher section. Zero values mean
// "use the dispatcher default".
type DispatcherSettings struct {
	Spacing           time.Duration
	IdleInterval      time.Duration
	RateLimitFallback time.Duration
	SendTimeout       time.Duration
	ChunkLimit        int
	MaxFloodRetries   int
	PingDeleteAfter   time.Duration
}

func (c DispatcherConfig) Resolve() (DispatcherSettings, error) {
	var (
		s   DispatcherSettings
		err error
	)
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"dispatcher.spacing", c.Spacing, &s.Spacing},
		{"dispatcher.idle_interval", c.IdleInterval, &s.IdleInterval},
		{"dispatcher.rate_limit_fallback", c.RateLimitFallback, &s.RateLimitFallback},
		{"dispatcher.send_timeout", c.SendTimeout, &s.SendTimeout},
		{"dispatcher.ping_delete_after", c.PingDeleteAfter, &s.PingDeleteAfter},
	}
	for _, f := range fields {
		if *f.dst, err = parseDuration(f.path, f.raw); err != nil {
			return DispatcherSettings{}, err
		}
	}
	if s.PingDeleteAfter == 0 {
		s.PingDeleteAfter = DefaultPingDeleteAfter
	}

	if c.ChunkLimit != 0 && (c.ChunkLimit < minChunkLimit || c.ChunkLimit > maxChunkLimit) {
		return DispatcherSettings{}, fmt.Errorf("dispatcher.chunk_limit: must be between %d and %d", minChunkLimit, maxChunkLimit)
	}
	if c.MaxFloodRetries < 0 {
		return DispatcherSettings{}, errors.New("dispatcher.max_flood_retries: must be >= 0")
	}
	s.ChunkLimit = c.ChunkLimit
	s.MaxFloodRetries = c.MaxFloodRetries
	return s, nil
}

type StorageSettings struct {
	Driver        string
	Path          string
	BusyTimeout   time.Duration
	Retention     time.Duration
	PruneSchedule string
}

// Resolve returns ok=false when the audit store is disabled.
func (c *StorageConfig) Resolve() (StorageSettings, bool, error) {
	if c == nil || strings.TrimSpace(c.Driver) == "" {
		return StorageSettings{}, false, nil
	}
	s := StorageSettings{
		Driver:        strings.ToLower(strings.TrimSpace(c.Driver)),
		Path:          strings.TrimSpace(c.Path),
		PruneSchedule: strings.TrimSpace(c.PruneSchedule),
	}
	switch s.Driver {
	case "file", "sqlite":
	default:
		return StorageSettings{}, false, fmt.Errorf("storage.driver: unknown driver %q", c.Driver)
	}
	if s.Path == "" {
		return StorageSettings{}, false, errors.New("storage.path: required")
	}

	var err error
	if s.BusyTimeout, err = parseDuration("storage.busy_timeout", c.BusyTimeout); err != nil {
		return StorageSettings{}, false, err
	}
	if s.Retention, err = parseDuration("storage.retention", c.Retention); err != nil {
		return StorageSettings{}, false, err
	}
	if s.PruneSchedule == "" {
		s.PruneSchedule = DefaultPruneSchedule
	}
	if _, err := cron.ParseStandard(s.PruneSchedule); err != nil {
		return StorageSettings{}, false, fmt.Errorf("storage.prune_schedule: %w", err)
	}
	return s, true, nil
}

func (c TelegramConfig) PollTimeoutDuration() (time.Duration, error) {
	d, err := parseDuration("telegram.poll_timeout", c.PollTimeout)
	if err != nil || d > 0 {
		return d, err
	}
	return DefaultPollTimeout, nil
}

// NormalizedBotName strips a leading "@".
func (c TelegramConfig) NormalizedBotName() string {
	return strings.TrimPrefix(strings.TrimSpace(c.BotName), "@")
}

func (c OpsConfig) ListenAddr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultOpsAddr
}

// Validate checks a parsed config. It is used on startup and as the reload
// validator, so a bad edit never replaces a working config.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return ErrNoToken
	}
	if _, err := cfg.Telegram.PollTimeoutDuration(); err != nil {
		return err
	}
	if cfg.Logging.Telegram.RatePerSec < 0 {
		return errors.New("logging.telegram.rate_per_sec: must be >= 0")
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		return errors.New("logging.file.path: required when file logging is enabled")
	}
	if _, err := cfg.Dispatcher.Resolve(); err != nil {
		return err
	}
	if _, _, err := cfg.Storage.Resolve(); err != nil {
		return err
	}
	if cfg.Ops.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Ops.ListenAddr()); err != nil {
			return fmt.Errorf("ops.addr: %w", err)
		}
	}
	return nil
}
