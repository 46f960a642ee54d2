// Package ws is the client transport: a WebSocket acceptor and the
// connection manager that services sessions once per tick.
package ws

import (
	"context"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"mmoserver/internal/admin"
	"mmoserver/internal/moderation"
	"mmoserver/internal/subsystem"
	"mmoserver/internal/tick"
	"mmoserver/internal/users"
	"mmoserver/pkg/logx"
)

type Config struct {
	// IdleTimeout disconnects sessions with no traffic. Suspended while the
	// scheduler reports WasPaused.
	IdleTimeout     time.Duration
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	// PacketRate and PacketBurst bound inbound packets per connection.
	PacketRate  float64
	PacketBurst int
	InboxSize   int
	OutboxSize  int
	// MaxPacketsPerTick bounds how many queued packets one session gets
	// serviced per tick.
	MaxPacketsPerTick int
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:       60 * time.Second,
		PingInterval:      15 * time.Second,
		WriteTimeout:      5 * time.Second,
		MaxMessageBytes:   4096,
		PacketRate:        20,
		PacketBurst:       40,
		InboxSize:         64,
		OutboxSize:        256,
		MaxPacketsPerTick: 16,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = def.MaxMessageBytes
	}
	if c.PacketRate <= 0 {
		c.PacketRate = def.PacketRate
	}
	if c.PacketBurst <= 0 {
		c.PacketBurst = def.PacketBurst
	}
	if c.InboxSize <= 0 {
		c.InboxSize = def.InboxSize
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = def.OutboxSize
	}
	if c.MaxPacketsPerTick <= 0 {
		c.MaxPacketsPerTick = def.MaxPacketsPerTick
	}
	return c
}

// Pauser reports whether the simulation is frozen or in its post-freeze grace period.
type Pauser interface {
	WasPaused() bool
	TickCount() uint64
}

// CommandHandler executes admin commands.
type CommandHandler interface {
	Handle(ctx context.Context, issuer admin.Issuer, cmd admin.Command) error
}

// Hooks observe session lifecycle. Both run on the goroutine that caused the change.
type Hooks struct {
	OnLogin  func(u *users.User)
	OnLogout func(u *users.User)
}

// Hub is the connection manager.
type Hub struct {
	cfg      Config
	log      logx.Logger
	pauser   Pauser
	users    *users.Manager
	mod      *moderation.Handler
	hooks    Hooks
	upgrader websocket.Upgrader
	now      func() time.Time

	adminMu sync.RWMutex
	admin   CommandHandler

	mu     sync.RWMutex
	conns  map[uint64]*Connection
	byUser map[int64]*Connection
	nextID uint64

	baseCtx context.Context

	droppedIn  atomic.Uint64
	droppedOut atomic.Uint64
	timeouts   atomic.Uint64
}

type Option func(*Hub)

func WithLogger(log logx.Logger) Option { return func(h *Hub) { h.log = log } }

func WithHooks(hooks Hooks) Option { return func(h *Hub) { h.hooks = hooks } }

func WithClock(now func() time.Time) Option { return func(h *Hub) { h.now = now } }

func NewHub(cfg Config, pauser Pauser, um *users.Manager, mod *moderation.Handler, opts ...Option) *Hub {
	h := &Hub{
		cfg:     cfg.normalized(),
		pauser:  pauser,
		users:   um,
		mod:     mod,
		now:     time.Now,
		conns:   map[uint64]*Connection{},
		byUser:  map[int64]*Connection{},
		baseCtx: context.Background(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	for _, o := range opts {
		o(h)
	}
	h.log = h.log.With(logx.String("comp", "connections"))
	return h
}

// SetAdmin installs the admin command handler. Admin packets are refused
// until it is set.
func (h *Hub) SetAdmin(a CommandHandler) {
	h.adminMu.Lock()
	h.admin = a
	h.adminMu.Unlock()
}

// SetBaseContext sets the context admin commands run under.
func (h *Hub) SetBaseContext(ctx context.Context) { h.baseCtx = ctx }

// ServeHTTP upgrades the request and starts the session goroutines.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", logx.String("ip", ip), logx.Err(err))
		return
	}

	h.mu.Lock()
	h.nextID++
	c := &Connection{
		id:      h.nextID,
		ip:      ip,
		ws:      wsConn,
		hub:     h,
		limiter: rate.NewLimiter(rate.Limit(h.cfg.PacketRate), h.cfg.PacketBurst),
		inbox:   make(chan inbound, h.cfg.InboxSize),
		outbox:  make(chan []byte, h.cfg.OutboxSize),
		closed:  make(chan struct{}),
	}
	c.log = h.log.With(logx.Uint64("conn", c.id), logx.String("ip", ip))
	c.touch(h.now())
	h.conns[c.id] = c
	h.mu.Unlock()

	if h.mod != nil && h.mod.IsActive(moderation.Ban, ip) {
		c.SendError(BannedError, "You are banned.")
		c.Close("banned")
	}
	c.log.Debug("connection accepted")

	go c.writeLoop()
	go c.readLoop()
}

// receive is called on the connection's read goroutine. Login and admin
// packets are handled immediately so operators can act while the simulation
// is frozen; everything else waits for the next tick.
func (h *Hub) receive(c *Connection, p inbound) {
	switch p.Type {
	case TypeLogin:
		h.login(c, p.Username)
	case TypeAdminCommand:
		h.adminCommand(c, p)
	case TypePing:
		c.send(pongPacket{Type: TypePong, Tick: h.pauser.TickCount()})
	case TypeLogout:
		c.Close("logout")
	default:
		select {
		case c.inbox <- p:
		default:
			h.droppedIn.Add(1)
			c.SendError(RateLimitError, "Slow down.")
		}
	}
}

func (h *Hub) login(c *Connection, username string) {
	if c.User() != nil {
		c.SendError(LoginError, "Already logged in.")
		return
	}
	if h.mod != nil && h.mod.IsActive(moderation.Ban, username, c.ip) {
		c.SendError(BannedError, "You are banned.")
		c.Close("banned")
		return
	}
	u, err := h.users.Login(username, c.ip)
	if err != nil {
		c.SendError(LoginError, loginMessage(err))
		return
	}
	c.user.Store(u)
	h.mu.Lock()
	h.byUser[u.ID()] = c
	h.mu.Unlock()
	c.log.Info("user logged in", logx.Int64("user_id", u.ID()), logx.String("username", u.Username()), logx.String("rights", u.Rights().String()))
	c.send(loginOKPacket{Type: TypeLoginOK, UserID: u.ID(), Rights: u.Rights().String()})
	if h.hooks.OnLogin != nil {
		h.hooks.OnLogin(u)
	}
}

func loginMessage(err error) string {
	switch err {
	case users.ErrInvalidName:
		return "Invalid username."
	case users.ErrAlreadyOnline:
		return "That account is already logged in."
	default:
		return "Login failed."
	}
}

func (h *Hub) adminCommand(c *Connection, p inbound) {
	if p.Command == nil {
		c.SendError(PacketError, "Missing command.")
		return
	}
	h.adminMu.RLock()
	a := h.admin
	h.adminMu.RUnlock()
	if a == nil {
		c.SendError(PermissionError, "Admin commands are unavailable.")
		return
	}
	cmd := admin.Command{Code: admin.Code(*p.Command), Target: p.Target, DurationDays: p.Duration}
	_ = a.Handle(h.baseCtx, c, cmd)
}

// remove forgets a closed connection and logs its user out.
func (h *Hub) remove(c *Connection) {
	h.mu.Lock()
	delete(h.conns, c.id)
	u := c.User()
	if u != nil && h.byUser[u.ID()] == c {
		delete(h.byUser, u.ID())
	}
	h.mu.Unlock()

	if u != nil {
		h.users.Logout(u.ID())
		if h.hooks.OnLogout != nil {
			h.hooks.OnLogout(u)
		}
	}
	c.log.Debug("connection closed", logx.String("reason", c.closeReason()))
}

// Disconnect closes the session of userID, if online.
func (h *Hub) Disconnect(userID int64, reason string) {
	h.mu.RLock()
	c := h.byUser[userID]
	h.mu.RUnlock()
	if c == nil {
		return
	}
	c.SendError(BannedError, "You have been disconnected: "+reason+".")
	c.Close(reason)
}

func (h *Hub) snapshot() []*Connection {
	h.mu.RLock()
	out := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Tick is the connection manager's per-tick work: service queued packets,
// then expire idle sessions unless the simulation was recently paused.
func (h *Hub) Tick(ctx context.Context, n uint64) error {
	conns := h.snapshot()
	for _, c := range conns {
		for i := 0; i < h.cfg.MaxPacketsPerTick; i++ {
			select {
			case p := <-c.inbox:
				h.handle(c, p)
				continue
			default:
			}
			break
		}
	}

	if h.pauser.WasPaused() {
		return nil
	}
	now := h.now()
	for _, c := range conns {
		if d := c.idleFor(now); d > h.cfg.IdleTimeout {
			h.timeouts.Add(1)
			c.log.Info("idle timeout", logx.Duration("idle", d))
			c.SendError(PacketError, "Timed out.")
			c.Close("idle timeout")
		}
	}
	return nil
}

func (h *Hub) handle(c *Connection, p inbound) {
	switch p.Type {
	case TypeChat:
		u := c.User()
		if u == nil {
			c.SendError(LoginError, "Log in first.")
			return
		}
		if h.mod != nil && h.mod.IsActive(moderation.Mute, u.Username(), c.ip) {
			c.SendError(MutedError, "You are muted.")
			return
		}
		out := chatPacket{Type: TypeChat, From: u.Username(), Text: p.Text}
		h.mu.RLock()
		targets := make([]*Connection, 0, len(h.byUser))
		for _, oc := range h.byUser {
			targets = append(targets, oc)
		}
		h.mu.RUnlock()
		for _, oc := range targets {
			oc.send(out)
		}
	default:
		c.log.Warn("no case for packet type", logx.String("type", p.Type))
	}
}

// Builder is the connection subsystem's task set.
func (h *Hub) Builder() subsystem.Builder {
	return func(s *tick.Scheduler) []*tick.Task {
		return []*tick.Task{tick.NewTask(s, subsystem.Connection, h.Tick)}
	}
}

// Stats is the connection manager's contribution to /status.
type Stats struct {
	Connections int    `json:"connections"`
	LoggedIn    int    `json:"logged_in"`
	DroppedIn   uint64 `json:"dropped_in"`
	DroppedOut  uint64 `json:"dropped_out"`
	Timeouts    uint64 `json:"timeouts"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Connections: len(h.conns),
		LoggedIn:    len(h.byUser),
		DroppedIn:   h.droppedIn.Load(),
		DroppedOut:  h.droppedOut.Load(),
		Timeouts:    h.timeouts.Load(),
	}
}

// CloseAll ends every session, used on shutdown.
func (h *Hub) CloseAll(reason string) {
	for _, c := range h.snapshot() {
		c.Close(reason)
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
