package app

import (
	"context"
	"strings"
	"time"

	"mmoserver/internal/tick"
	"mmoserver/pkg/logx"
)

// startEventLoops subscribes the app to scheduler events: the stats digest is
// the autosave cadence, everything else is logged at debug.
func (a *App) startEventLoops() {
	stats, unsubStats := a.bus.Subscribe(4, tick.EventStats)
	a.sup.Go0("autosave", func(c context.Context) {
		defer unsubStats()
		for {
			select {
			case <-c.Done():
				return
			case e := <-stats:
				ev, _ := e.Data.(tick.StatsEvent)
				a.autosave(c, ev)
			}
		}
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e := <-events:
				if e.Type == tick.EventStats || strings.HasPrefix(e.Type, "job.") {
					continue
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})
}

func (a *App) autosave(ctx context.Context, ev tick.StatsEvent) {
	saveCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	start := time.Now()
	n, err := a.users.SaveAll(saveCtx)
	if err != nil {
		a.log.Error("autosave failed", logx.Err(err), logx.Uint64("tick", ev.TickCount))
		return
	}
	a.log.Info("autosaved users",
		logx.Int("count", n),
		logx.Uint64("tick", ev.TickCount),
		logx.Duration("avg_tick_since_last_save", ev.Average),
		logx.Duration("took", time.Since(start)),
	)
}
