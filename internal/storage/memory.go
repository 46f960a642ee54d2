package storage

import (
	"context"
	"sort"
	"sync"
)

type modKey struct{ kind, key string }

// memStore keeps everything in maps. Used for the "memory" driver and tests.
type memStore struct {
	mu     sync.Mutex
	closed bool
	users  map[int64]UserRecord
	mods   map[modKey]ModerationRecord
	audit  []AuditEntry
}

func NewMemory() Store {
	return &memStore{
		users: map[int64]UserRecord{},
		mods:  map[modKey]ModerationRecord{},
	}
}

func (s *memStore) LoadUsers(ctx context.Context) ([]UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]UserRecord, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sortUsers(out)
	return out, nil
}

func (s *memStore) SaveUsers(ctx context.Context, recs []UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, u := range recs {
		s.users[u.ID] = u
	}
	return nil
}

func (s *memStore) LoadModeration(ctx context.Context) ([]ModerationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]ModerationRecord, 0, len(s.mods))
	for _, r := range s.mods {
		out = append(out, r)
	}
	sortModeration(out)
	return out, nil
}

func (s *memStore) PutModeration(ctx context.Context, r ModerationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.mods[modKey{r.Kind, r.Key}] = r
	return nil
}

func (s *memStore) DeleteModeration(ctx context.Context, kind, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.mods, modKey{kind, key})
	return nil
}

func (s *memStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *memStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return tail(s.audit, limit), nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func sortUsers(us []UserRecord) {
	sort.Slice(us, func(i, j int) bool { return us[i].ID < us[j].ID })
}

func sortModeration(rs []ModerationRecord) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Kind != rs[j].Kind {
			return rs[i].Kind < rs[j].Kind
		}
		return rs[i].Key < rs[j].Key
	})
}

func tail(es []AuditEntry, limit int) []AuditEntry {
	if limit > 0 && len(es) > limit {
		es = es[len(es)-limit:]
	}
	return append([]AuditEntry(nil), es...)
}
