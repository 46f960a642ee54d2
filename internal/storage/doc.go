// Package storage persists the server's durable state behind a small Store
// interface.
//
// It currently holds:
//   - the user directory (id, username, rights)
//   - active ban / mute records
//   - the admin audit log
//
// Drivers: "memory" (tests, throwaway servers), "file" (JSON snapshot +
// JSON Lines journals) and "sqlite" (modernc.org/sqlite through sqlx).
package storage
