package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"mmoserver/internal/storage"
	"mmoserver/pkg/logx"
)

var (
	ErrNotFound      = errors.New("user not found")
	ErrInvalidName   = errors.New("invalid username")
	ErrAlreadyOnline = errors.New("user already logged in")
)

const maxNameLen = 24

// User is one account. Identity fields are fixed; the rest is guarded by mu.
type User struct {
	id        int64
	createdAt time.Time

	mu        sync.RWMutex
	username  string
	rights    Rights
	lastLogin time.Time
	online    bool
	ip        string
}

func (u *User) ID() int64 { return u.id }

func (u *User) Username() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.username
}

func (u *User) Rights() Rights {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.rights
}

func (u *User) Online() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.online
}

// IP is the address of the user's live connection. ok is false when offline.
func (u *User) IP() (ip string, ok bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.ip, u.online
}

func (u *User) record() storage.UserRecord {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return storage.UserRecord{
		ID:        u.id,
		Username:  u.username,
		Rights:    int(u.rights),
		CreatedAt: u.createdAt,
		LastLogin: u.lastLogin,
	}
}

type Option func(*Manager)

func WithLogger(log logx.Logger) Option { return func(m *Manager) { m.log = log } }

// WithBootstrapAdmin grants RightsAdmin to the named account when it is first created.
func WithBootstrapAdmin(username string) Option {
	return func(m *Manager) { m.bootstrapAdmin = normalize(username) }
}

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// Manager is the user directory. It is safe for concurrent use.
type Manager struct {
	store          storage.Store
	log            logx.Logger
	now            func() time.Time
	bootstrapAdmin string

	mu     sync.RWMutex
	byID   map[int64]*User
	byName map[string]*User
	nextID int64
}

func New(store storage.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		now:    time.Now,
		byID:   map[int64]*User{},
		byName: map[string]*User{},
		nextID: 1,
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With(logx.String("comp", "users"))
	return m
}

// Load replaces the directory with the stored records.
func (m *Manager) Load(ctx context.Context) error {
	recs, err := m.store.LoadUsers(ctx)
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID = make(map[int64]*User, len(recs))
	m.byName = make(map[string]*User, len(recs))
	m.nextID = 1
	for _, r := range recs {
		u := &User{
			id:        r.ID,
			createdAt: r.CreatedAt,
			username:  r.Username,
			rights:    Rights(r.Rights),
			lastLogin: r.LastLogin,
		}
		if !u.rights.Valid() {
			u.rights = RightsPlayer
		}
		m.byID[u.id] = u
		m.byName[normalize(u.username)] = u
		if u.id >= m.nextID {
			m.nextID = u.id + 1
		}
	}
	m.log.Info("users loaded", logx.Int("count", len(recs)))
	return nil
}

// Ensure returns the account for username, creating it when missing.
func (m *Manager) Ensure(username string) (u *User, created bool, err error) {
	key := normalize(username)
	if !validName(key) {
		return nil, false, ErrInvalidName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.byName[key]; ok {
		return u, false, nil
	}
	u = &User{
		id:        m.nextID,
		createdAt: m.now(),
		username:  strings.TrimSpace(username),
		rights:    RightsPlayer,
	}
	if m.bootstrapAdmin != "" && key == m.bootstrapAdmin {
		u.rights = RightsAdmin
	}
	m.nextID++
	m.byID[u.id] = u
	m.byName[key] = u
	m.log.Info("user created", logx.Int64("id", u.id), logx.String("username", u.username), logx.String("rights", u.rights.String()))
	return u, true, nil
}

// Login marks the account online from ip, creating it on first login.
func (m *Manager) Login(username, ip string) (*User, error) {
	u, _, err := m.Ensure(username)
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.online {
		return nil, ErrAlreadyOnline
	}
	u.online = true
	u.ip = ip
	u.lastLogin = m.now()
	return u, nil
}

// Logout detaches the live connection. Unknown ids are ignored.
func (m *Manager) Logout(id int64) {
	u, ok := m.ByID(id)
	if !ok {
		return
	}
	u.mu.Lock()
	u.online = false
	u.ip = ""
	u.mu.Unlock()
}

func (m *Manager) ByID(id int64) (*User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byID[id]
	return u, ok
}

func (m *Manager) ByName(username string) (*User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byName[normalize(username)]
	return u, ok
}

// SetRights changes the tier of the account with the given id.
func (m *Manager) SetRights(id int64, r Rights) error {
	if !r.Valid() {
		return fmt.Errorf("set rights: invalid tier %d", int(r))
	}
	u, ok := m.ByID(id)
	if !ok {
		return ErrNotFound
	}
	u.mu.Lock()
	old := u.rights
	u.rights = r
	u.mu.Unlock()
	m.log.Info("rights changed", logx.Int64("id", id), logx.String("from", old.String()), logx.String("to", r.String()))
	return nil
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

func (m *Manager) OnlineCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, u := range m.byID {
		if u.Online() {
			n++
		}
	}
	return n
}

// SaveAll writes every account to the store.
func (m *Manager) SaveAll(ctx context.Context) (int, error) {
	m.mu.RLock()
	recs := make([]storage.UserRecord, 0, len(m.byID))
	for _, u := range m.byID {
		recs = append(recs, u.record())
	}
	m.mu.RUnlock()

	if err := m.store.SaveUsers(ctx, recs); err != nil {
		return 0, fmt.Errorf("save users: %w", err)
	}
	return len(recs), nil
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func validName(s string) bool {
	if s == "" || len(s) > maxNameLen {
		return false
	}
	for _, r := range s {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-') {
			return false
		}
	}
	return true
}
