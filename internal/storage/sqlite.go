package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"mmoserver/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

type userRow struct {
	ID        int64  `db:"id"`
	Username  string `db:"username"`
	Rights    int    `db:"rights"`
	CreatedAt int64  `db:"created_at"`
	LastLogin int64  `db:"last_login"`
}

type moderationRow struct {
	Kind  string  `db:"kind"`
	Key   string  `db:"subject"`
	Until int64   `db:"until"`
	By    *string `db:"issued_by"`
	At    int64   `db:"issued_at"`
}

type auditRow struct {
	At            string  `db:"at"`
	ActorID       int64   `db:"actor_id"`
	ActorUsername *string `db:"actor_username"`
	Action        string  `db:"action"`
	Code          int     `db:"code"`
	TargetID      int64   `db:"target_id"`
	Target        *string `db:"target"`
	DurationDays  int     `db:"duration_days"`
	Err           *string `db:"err"`
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadUsers(ctx context.Context) ([]UserRecord, error) {
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, username, rights, created_at, last_login FROM users ORDER BY id`); err != nil {
		return nil, err
	}
	out := make([]UserRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, UserRecord{
			ID:        r.ID,
			Username:  r.Username,
			Rights:    r.Rights,
			CreatedAt: fromMilli(r.CreatedAt),
			LastLogin: fromMilli(r.LastLogin),
		})
	}
	return out, nil
}

func (s *sqliteStore) SaveUsers(ctx context.Context, recs []UserRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, u := range recs {
		row := userRow{
			ID:        u.ID,
			Username:  u.Username,
			Rights:    u.Rights,
			CreatedAt: toMilli(u.CreatedAt),
			LastLogin: toMilli(u.LastLogin),
		}
		_, err := tx.NamedExecContext(ctx,
			`INSERT INTO users(id, username, rights, created_at, last_login)
			 VALUES(:id, :username, :rights, :created_at, :last_login)
			 ON CONFLICT(id) DO UPDATE SET
			   username=excluded.username, rights=excluded.rights, last_login=excluded.last_login`,
			row,
		)
		if err != nil {
			return fmt.Errorf("save user %d: %w", u.ID, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) LoadModeration(ctx context.Context) ([]ModerationRecord, error) {
	var rows []moderationRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT kind, subject, until, issued_by, issued_at FROM moderation ORDER BY kind, subject`); err != nil {
		return nil, err
	}
	out := make([]ModerationRecord, 0, len(rows))
	for _, r := range rows {
		rec := ModerationRecord{Kind: r.Kind, Key: r.Key, Until: fromMilli(r.Until), At: fromMilli(r.At)}
		if r.By != nil {
			rec.By = *r.By
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *sqliteStore) PutModeration(ctx context.Context, r ModerationRecord) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO moderation(kind, subject, until, issued_by, issued_at)
		 VALUES(:kind, :subject, :until, :issued_by, :issued_at)
		 ON CONFLICT(kind, subject) DO UPDATE SET
		   until=excluded.until, issued_by=excluded.issued_by, issued_at=excluded.issued_at`,
		moderationRow{Kind: r.Kind, Key: r.Key, Until: toMilli(r.Until), By: nullStr(r.By), At: toMilli(r.At)},
	)
	return err
}

func (s *sqliteStore) DeleteModeration(ctx context.Context, kind, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM moderation WHERE kind = ? AND subject = ?`, kind, key)
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, action, code, target_id, target, duration_days, err)
		 VALUES(:at, :actor_id, :actor_username, :action, :code, :target_id, :target, :duration_days, :err)`,
		auditRow{
			At:            e.At.UTC().Format(time.RFC3339Nano),
			ActorID:       e.ActorID,
			ActorUsername: nullStr(e.ActorUsername),
			Action:        e.Action,
			Code:          e.Code,
			TargetID:      e.TargetID,
			Target:        nullStr(e.Target),
			DurationDays:  e.DurationDays,
			Err:           nullStr(e.Error),
		},
	)
	return err
}

func (s *sqliteStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT at, actor_id, actor_username, action, code, target_id, target, duration_days, err
		 FROM (SELECT * FROM audit ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`, limit)
	if err != nil {
		return nil, err
	}
	out := make([]AuditEntry, 0, len(rows))
	for _, r := range rows {
		at, _ := time.Parse(time.RFC3339Nano, r.At)
		out = append(out, AuditEntry{
			At:            at,
			ActorID:       r.ActorID,
			ActorUsername: deref(r.ActorUsername),
			Action:        r.Action,
			Code:          r.Code,
			TargetID:      r.TargetID,
			Target:        deref(r.Target),
			DurationDays:  r.DurationDays,
			Error:         deref(r.Err),
		})
	}
	return out, nil
}

func nullStr(v string) *string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return &v
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func toMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
