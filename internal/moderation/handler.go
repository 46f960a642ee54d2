// Package moderation tracks bans and mutes keyed by username or IP address.
package moderation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	cache "github.com/go-pkgz/expirable-cache/v3"

	"mmoserver/internal/storage"
	"mmoserver/pkg/logx"
)

// Kind selects what a record restricts.
type Kind string

const (
	Ban  Kind = storage.KindBan
	Mute Kind = storage.KindMute
)

// Permanent is the span used when a command carries no positive duration.
const Permanent = 100 * 365 * 24 * time.Hour

type Option func(*Handler)

func WithLogger(log logx.Logger) Option { return func(h *Handler) { h.log = log } }

func WithClock(now func() time.Time) Option { return func(h *Handler) { h.now = now } }

// Handler owns the active records. Each kind has its own cache whose entry
// TTL is the remaining duration, so expired records fall out on their own;
// the store is pruned by Prune.
type Handler struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time

	active map[Kind]cache.Cache[string, storage.ModerationRecord]
}

func New(store storage.Store, opts ...Option) *Handler {
	h := &Handler{
		store: store,
		now:   time.Now,
		active: map[Kind]cache.Cache[string, storage.ModerationRecord]{
			Ban:  cache.NewCache[string, storage.ModerationRecord](),
			Mute: cache.NewCache[string, storage.ModerationRecord](),
		},
	}
	for _, o := range opts {
		o(h)
	}
	h.log = h.log.With(logx.String("comp", "moderation"))
	return h
}

// Load fills the caches from the store, skipping records that already expired.
func (h *Handler) Load(ctx context.Context) error {
	recs, err := h.store.LoadModeration(ctx)
	if err != nil {
		return fmt.Errorf("load moderation: %w", err)
	}
	now := h.now()
	n := 0
	for _, r := range recs {
		c, ok := h.active[Kind(r.Kind)]
		if !ok || r.Expired(now) {
			continue
		}
		c.Set(r.Key, r, r.Until.Sub(now))
		n++
	}
	h.log.Info("moderation loaded", logx.Int("active", n))
	return nil
}

// Add restricts key for days days. A non-positive duration is permanent.
// An existing record for the same key is replaced.
func (h *Handler) Add(ctx context.Context, kind Kind, key string, days int, by string) (storage.ModerationRecord, error) {
	c, ok := h.active[kind]
	if !ok {
		return storage.ModerationRecord{}, fmt.Errorf("unknown moderation kind %q", kind)
	}
	key = normalizeKey(key)
	if key == "" {
		return storage.ModerationRecord{}, fmt.Errorf("moderation %s: empty key", kind)
	}
	span := Permanent
	if days > 0 {
		span = time.Duration(days) * 24 * time.Hour
	}
	now := h.now()
	rec := storage.ModerationRecord{Kind: string(kind), Key: key, Until: now.Add(span), By: by, At: now}
	if err := h.store.PutModeration(ctx, rec); err != nil {
		return storage.ModerationRecord{}, fmt.Errorf("persist %s %s: %w", kind, key, err)
	}
	c.Set(key, rec, span)
	h.log.Info("moderation added", logx.String("kind", string(kind)), logx.String("key", key), logx.Int("days", days), logx.String("by", by))
	return rec, nil
}

// Lift removes a record before it expires.
func (h *Handler) Lift(ctx context.Context, kind Kind, key string) error {
	c, ok := h.active[kind]
	if !ok {
		return fmt.Errorf("unknown moderation kind %q", kind)
	}
	key = normalizeKey(key)
	c.Invalidate(key)
	return h.store.DeleteModeration(ctx, string(kind), key)
}

// Lookup returns the active record for key, if any.
func (h *Handler) Lookup(kind Kind, key string) (storage.ModerationRecord, bool) {
	c, ok := h.active[kind]
	if !ok {
		return storage.ModerationRecord{}, false
	}
	rec, ok := c.Peek(normalizeKey(key))
	if !ok || rec.Expired(h.now()) {
		return storage.ModerationRecord{}, false
	}
	return rec, true
}

// IsActive reports whether any of keys (typically a username and an IP) is restricted.
func (h *Handler) IsActive(kind Kind, keys ...string) bool {
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := h.Lookup(kind, k); ok {
			return true
		}
	}
	return false
}

// Active lists unexpired records of kind ordered by key.
func (h *Handler) Active(kind Kind) []storage.ModerationRecord {
	c, ok := h.active[kind]
	if !ok {
		return nil
	}
	now := h.now()
	var out []storage.ModerationRecord
	for _, k := range c.Keys() {
		if rec, ok := c.Peek(k); ok && !rec.Expired(now) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Prune drops expired records from the caches and the store.
func (h *Handler) Prune(ctx context.Context) (int, error) {
	now := h.now()
	for _, c := range h.active {
		c.DeleteExpired()
		for _, k := range c.Keys() {
			if rec, ok := c.Peek(k); ok && rec.Expired(now) {
				c.Invalidate(k)
			}
		}
	}

	recs, err := h.store.LoadModeration(ctx)
	if err != nil {
		return 0, fmt.Errorf("prune moderation: %w", err)
	}
	n := 0
	for _, r := range recs {
		if !r.Expired(now) {
			continue
		}
		if err := h.store.DeleteModeration(ctx, r.Kind, r.Key); err != nil {
			return n, fmt.Errorf("prune %s %s: %w", r.Kind, r.Key, err)
		}
		n++
	}
	if n > 0 {
		h.log.Info("expired moderation pruned", logx.Int("count", n))
	}
	return n, nil
}

func normalizeKey(k string) string { return strings.ToLower(strings.TrimSpace(k)) }
