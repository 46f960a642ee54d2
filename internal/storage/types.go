package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps, nothing survives a restart
//   - "file": users snapshot + moderation journal + audit jsonl next to Path
//   - "sqlite": SQLite database file at Path
//
// Empty or "none" selects "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// UserRecord is the persisted form of a user.
type UserRecord struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Rights    int       `json:"rights"`
	CreatedAt time.Time `json:"created_at"`
	LastLogin time.Time `json:"last_login,omitempty"`
}

// Moderation kinds.
const (
	KindBan  = "ban"
	KindMute = "mute"
)

// ModerationRecord is an active ban or mute. Key is a lower-cased username or
// an IP address.
type ModerationRecord struct {
	Kind  string    `json:"kind"`
	Key   string    `json:"key"`
	Until time.Time `json:"until"`
	By    string    `json:"by,omitempty"`
	At    time.Time `json:"at"`
}

func (r ModerationRecord) Expired(now time.Time) bool { return !r.Until.After(now) }

// AuditEntry records an executed privileged command.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	Action        string    `json:"action"`
	Code          int       `json:"code"`
	TargetID      int64     `json:"target_id,omitempty"`
	Target        string    `json:"target,omitempty"`
	DurationDays  int       `json:"duration_days,omitempty"`
	Error         string    `json:"error,omitempty"`
}
