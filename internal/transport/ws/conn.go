package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"mmoserver/internal/users"
	"mmoserver/pkg/logx"
)

// Connection is one client session. Reads and writes each run on their own
// goroutine; the connection manager task drains the inbox once per tick.
type Connection struct {
	id  uint64
	ip  string
	ws  *websocket.Conn
	hub *Hub
	log logx.Logger

	user       atomic.Pointer[users.User]
	lastActive atomic.Int64 // unix nano
	limiter    *rate.Limiter

	inbox  chan inbound
	outbox chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	reason    atomic.Value // string
}

func (c *Connection) ID() uint64 { return c.id }

func (c *Connection) IP() string { return c.ip }

// User is the logged-in account, nil before login.
func (c *Connection) User() *users.User { return c.user.Load() }

// Trusted is always false: network issuers must prove their rights.
func (c *Connection) Trusted() bool { return false }

// SendError queues an error packet.
func (c *Connection) SendError(code int, message string) {
	c.send(errorPacket{Type: TypeError, Code: code, Message: message})
}

func (c *Connection) send(v any) {
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.outbox <- encode(v):
	default:
		c.hub.droppedOut.Add(1)
		c.Close("outbox full")
	}
}

func (c *Connection) touch(now time.Time) { c.lastActive.Store(now.UnixNano()) }

func (c *Connection) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastActive.Load()))
}

// Close ends the session. The first reason wins.
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		c.reason.Store(reason)
		close(c.closed)
	})
}

func (c *Connection) closeReason() string {
	r, _ := c.reason.Load().(string)
	return r
}

func (c *Connection) readLoop() {
	defer c.hub.remove(c)
	defer c.Close("read closed")
	c.ws.SetReadLimit(c.hub.cfg.MaxMessageBytes)
	c.ws.SetPongHandler(func(string) error {
		c.touch(c.hub.now())
		return nil
	})
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.touch(c.hub.now())
		if !c.limiter.Allow() {
			c.SendError(RateLimitError, "Slow down.")
			continue
		}
		p, err := decode(payload)
		if err != nil {
			c.log.Debug("discarding malformed packet", logx.Err(err))
			c.SendError(PacketError, "Malformed packet.")
			continue
		}
		c.hub.receive(c, p)
	}
}

func (c *Connection) writeLoop() {
	ping := time.NewTicker(c.hub.cfg.PingInterval)
	defer ping.Stop()
	defer c.ws.Close()
	for {
		select {
		case b := <-c.outbox:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.Close("write failed")
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.hub.cfg.WriteTimeout)); err != nil {
				c.Close("ping failed")
				return
			}
		case <-c.closed:
			// Flush what is already queued, then say goodbye.
		flush:
			for {
				select {
				case b := <-c.outbox:
					_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
					if c.ws.WriteMessage(websocket.TextMessage, b) != nil {
						return
					}
				default:
					break flush
				}
			}
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.closeReason())
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.hub.cfg.WriteTimeout))
			return
		}
	}
}
