package storage

import (
	"context"
	"fmt"
	"strings"

	"mmoserver/pkg/logx"
)

// Store is the persistence API used by users, moderation and admin.
type Store interface {
	LoadUsers(ctx context.Context) ([]UserRecord, error)
	// SaveUsers upserts every record. Users missing from recs are kept.
	SaveUsers(ctx context.Context, recs []UserRecord) error

	LoadModeration(ctx context.Context) ([]ModerationRecord, error)
	PutModeration(ctx context.Context, r ModerationRecord) error
	DeleteModeration(ctx context.Context, kind, key string) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	// RecentAudit returns up to limit entries, newest last.
	RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "none", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
