package storage

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"mmoserver/pkg/logx"
)

// fileStore is a dependency-light persistence backend.
//
// Files:
//   - <prefix>.users.json                (snapshot, rewritten on SaveUsers)
//   - <prefix>.moderation.snapshot.json  (periodic snapshot)
//   - <prefix>.moderation.journal.jsonl  (append-only journal)
//   - <prefix>.audit.jsonl               (append-only JSON Lines)
//
// The moderation journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	usersPath string
	users     map[int64]UserRecord

	auditPath string
	auditFile *os.File

	modSnapshotPath string
	modJournalFile  *os.File
	mods            map[modKey]ModerationRecord
	modWrites       int
	compactEvery    int
}

// modJournalRecord is one journal line. Delete marks a lifted record.
type modJournalRecord struct {
	ModerationRecord
	Delete bool `json:"delete,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	usersPath := prefix + ".users.json"
	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".moderation.snapshot.json"
	journalPath := prefix + ".moderation.journal.jsonl"

	users := map[int64]UserRecord{}
	if err := loadUsersSnapshot(usersPath, users); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Load moderation from snapshot + journal.
	mods := map[modKey]ModerationRecord{}
	if err := loadModSnapshot(snapPath, mods); err != nil && !os.IsNotExist(err) {
		log.Warn("moderation snapshot unreadable", logx.Err(err))
	}
	if err := replayModJournal(journalPath, mods); err != nil && !os.IsNotExist(err) {
		log.Warn("moderation journal unreadable", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:             log,
		usersPath:       usersPath,
		users:           users,
		auditPath:       auditPath,
		auditFile:       af,
		modSnapshotPath: snapPath,
		modJournalFile:  jf,
		mods:            mods,
		compactEvery:    500,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.modJournalFile != nil {
		err2 = s.modJournalFile.Close()
		s.modJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) LoadUsers(ctx context.Context) ([]UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil, ErrClosed
	}
	out := make([]UserRecord, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sortUsers(out)
	return out, nil
}

func (s *fileStore) SaveUsers(ctx context.Context, recs []UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	for _, u := range recs {
		s.users[u.ID] = u
	}
	all := make([]UserRecord, 0, len(s.users))
	for _, u := range s.users {
		all = append(all, u)
	}
	sortUsers(all)
	return writeJSONAtomic(s.usersPath, all)
}

func (s *fileStore) LoadModeration(ctx context.Context) ([]ModerationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.modJournalFile == nil {
		return nil, ErrClosed
	}
	out := make([]ModerationRecord, 0, len(s.mods))
	for _, r := range s.mods {
		out = append(out, r)
	}
	sortModeration(out)
	return out, nil
}

func (s *fileStore) PutModeration(ctx context.Context, r ModerationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mods[modKey{r.Kind, r.Key}] = r
	return s.journalLocked(modJournalRecord{ModerationRecord: r})
}

func (s *fileStore) DeleteModeration(ctx context.Context, kind, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mods[modKey{kind, key}]; !ok {
		return nil
	}
	delete(s.mods, modKey{kind, key})
	return s.journalLocked(modJournalRecord{ModerationRecord: ModerationRecord{Kind: kind, Key: key}, Delete: true})
}

func (s *fileStore) journalLocked(rec modJournalRecord) error {
	if s.modJournalFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.modJournalFile).Encode(rec); err != nil {
		return err
	}
	s.modWrites++
	if s.modWrites%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("moderation compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	all := make([]ModerationRecord, 0, len(s.mods))
	for _, r := range s.mods {
		all = append(all, r)
	}
	sortModeration(all)
	if err := writeJSONAtomic(s.modSnapshotPath, all); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.modJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.modJournalFile.Seek(0, 2)
	return err
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil, ErrClosed
	}
	f, err := os.Open(s.auditPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []AuditEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) > 2*limit {
			out = tail(out, limit)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return tail(out, limit), nil
}

func loadUsersSnapshot(path string, out map[int64]UserRecord) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var us []UserRecord
	if err := json.Unmarshal(b, &us); err != nil {
		return err
	}
	for _, u := range us {
		out[u.ID] = u
	}
	return nil
}

func loadModSnapshot(path string, out map[modKey]ModerationRecord) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var rs []ModerationRecord
	if err := json.Unmarshal(b, &rs); err != nil {
		return err
	}
	for _, r := range rs {
		out[modKey{r.Kind, r.Key}] = r
	}
	return nil
}

func replayModJournal(path string, out map[modKey]ModerationRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r modJournalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		if r.Delete {
			delete(out, modKey{r.Kind, r.Key})
			continue
		}
		out[modKey{r.Kind, r.Key}] = r.ModerationRecord
	}
	return sc.Err()
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
