// Package sdnotify reports readiness, liveness and a one-line status to
// systemd. Outside systemd every call is a cheap no-op.
package sdnotify

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"mmoserver/internal/eventbus"
	"mmoserver/internal/tick"
	"mmoserver/pkg/logx"
)

type Config struct {
	Enabled bool
	// Watchdog sends WATCHDOG=1 at half the unit's WatchdogSec while ticks
	// keep advancing or the simulation is frozen waiting for an operator.
	Watchdog bool
}

// Source is what the status line and watchdog read.
type Source interface {
	TickCount() uint64
	Frozen() bool
	WasPaused() bool
}

type Notifier struct {
	cfg Config
	log logx.Logger
	src Source

	notify   func(state string) (bool, error)
	interval func() (time.Duration, error)
}

func New(cfg Config, src Source, log logx.Logger) *Notifier {
	return &Notifier{
		cfg:    cfg,
		src:    src,
		log:    log.With(logx.String("comp", "sdnotify")),
		notify: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		interval: func() (time.Duration, error) {
			return daemon.SdWatchdogEnabled(false)
		},
	}
}

func (n *Notifier) send(state string) {
	if !n.cfg.Enabled {
		return
	}
	sent, err := n.notify(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if !sent {
		n.log.Trace("sd_notify skipped, no socket", logx.String("state", state))
	}
}

func (n *Notifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

func (n *Notifier) Status(line string) { n.send("STATUS=" + line) }

// StatusLine renders the scheduler state for STATUS=.
func StatusLine(src Source) string {
	switch {
	case src.Frozen():
		return fmt.Sprintf("frozen at tick %d, waiting for an operator", src.TickCount())
	case src.WasPaused():
		return fmt.Sprintf("resuming at tick %d", src.TickCount())
	default:
		return fmt.Sprintf("running, tick %d", src.TickCount())
	}
}

// Run follows scheduler events to keep STATUS current and drives the
// watchdog until ctx is done.
func (n *Notifier) Run(ctx context.Context, bus eventbus.Bus) error {
	if !n.cfg.Enabled {
		<-ctx.Done()
		return nil
	}
	events, unsubscribe := bus.Subscribe(16, "tick.")
	defer unsubscribe()

	var wd <-chan time.Time
	if n.cfg.Watchdog {
		if d, err := n.interval(); err != nil {
			n.log.Warn("watchdog interval", logx.Err(err))
		} else if d > 0 {
			t := time.NewTicker(d / 2)
			defer t.Stop()
			wd = t.C
			n.log.Info("watchdog enabled", logx.Duration("interval", d))
		}
	}

	lastTick := n.src.TickCount()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			switch ev.Type {
			case tick.EventStarted, tick.EventFreeze, tick.EventResume, tick.EventStats:
				n.Status(StatusLine(n.src))
			case tick.EventExit:
				n.Status("exiting")
			}
		case <-wd:
			cur := n.src.TickCount()
			if cur == lastTick && !n.src.Frozen() {
				n.log.Warn("tick loop made no progress since the last watchdog ping", logx.Uint64("tick", cur))
				continue
			}
			lastTick = cur
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
