package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "archrvbot/pkg/logx"
)

// Store is the audit persistence API.
type Store interface {
	RecordDelivery(ctx context.Context, r DeliveryRecord) error
	// RecentDeliveries returns up to limit records, oldest first.
	RecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error)
	// PruneDeliveries removes records older than before.
	PruneDeliveries(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
