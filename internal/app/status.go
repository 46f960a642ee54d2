package app

import (
	"time"

	"mmoserver/internal/jobs"
	"mmoserver/internal/runtime/sdnotify"
	"mmoserver/internal/runtime/supervisor"
	"mmoserver/internal/tick"
	"mmoserver/internal/transport/ws"
	"mmoserver/internal/world"
)

type SubsystemStatus struct {
	Name     string `json:"name"`
	Tasks    int    `json:"tasks"`
	Restarts int    `json:"restarts"`
}

// Status is the /status document.
type Status struct {
	State       string              `json:"state"`
	Uptime      string              `json:"uptime"`
	Scheduler   tick.Snapshot       `json:"scheduler"`
	Subsystems  []SubsystemStatus   `json:"subsystems"`
	Connections ws.Stats            `json:"connections"`
	World       world.Stats         `json:"world"`
	Users       int                 `json:"users"`
	Online      int                 `json:"online"`
	Jobs        []jobs.Info         `json:"jobs"`
	Goroutines  supervisor.Snapshot `json:"goroutines"`
	BusDropped  uint64              `json:"bus_dropped"`
	AlertsSent  uint64              `json:"alerts_sent,omitempty"`
}

func (a *App) Status() Status {
	st := Status{
		State:       sdnotify.StatusLine(a.sched),
		Uptime:      time.Since(a.started).Truncate(time.Second).String(),
		Scheduler:   a.sched.Snapshot(),
		Connections: a.hub.Stats(),
		World:       a.world.Stats(),
		Users:       a.users.Len(),
		Online:      a.users.OnlineCount(),
		Jobs:        a.jobs.Snapshot(),
		BusDropped:  a.bus.Dropped(),
	}
	for _, name := range a.subs.Names() {
		m, ok := a.subs.Get(name)
		if !ok {
			continue
		}
		st.Subsystems = append(st.Subsystems, SubsystemStatus{Name: name, Tasks: len(m.Tasks()), Restarts: m.Restarts()})
	}
	if a.sup != nil {
		st.Goroutines = a.sup.Snapshot()
	}
	if a.alerter != nil {
		st.AlertsSent, _ = a.alerter.Counts()
	}
	return st
}

func (a *App) status() any { return a.Status() }
