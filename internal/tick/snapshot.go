package tick

import "time"

type TaskState struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Retired bool   `json:"retired,omitempty"`
	Err     string `json:"err,omitempty"`
}

// Snapshot is a point-in-time view of the scheduler for status output.
type Snapshot struct {
	Running        bool          `json:"running"`
	Paused         bool          `json:"paused"`
	Frozen         bool          `json:"frozen"`
	PauseRemaining int64         `json:"pause_remaining"`
	TickCount      uint64        `json:"tick_count"`
	TickPeriod     time.Duration `json:"tick_period"`
	LastTick       time.Duration `json:"last_tick"`
	AverageTick    time.Duration `json:"average_tick"`
	Lags           uint64        `json:"lags"`
	Freezes        uint64        `json:"freezes"`
	Tasks          []TaskState   `json:"tasks"`
}

func (s *Scheduler) Snapshot() Snapshot {
	snap := Snapshot{
		Running:        s.IsRunning(),
		Paused:         s.WasPaused(),
		Frozen:         s.Frozen(),
		PauseRemaining: s.PauseRemaining(),
		TickCount:      s.TickCount(),
		TickPeriod:     s.Config().TickPeriod,
		LastTick:       time.Duration(s.lastTick.Load()),
		AverageTick:    time.Duration(s.avgTick.Load()),
		Lags:           s.lags.Load(),
		Freezes:        s.freezes.Load(),
	}
	for _, h := range s.registry.Snapshot() {
		ts := TaskState{Name: h.Name(), Retired: h.Retired()}
		switch {
		case h.Stopped():
			ts.Status = StatusStopped.String()
		case h.TickFinished():
			ts.Status = StatusFinished.String()
		default:
			ts.Status = StatusRunning.String()
		}
		if st, ok := h.(interface{ Status() Status }); ok {
			ts.Status = st.Status().String()
		}
		if fe, ok := h.(interface{ Err() error }); ok {
			if err := fe.Err(); err != nil {
				ts.Err = err.Error()
			}
		}
		snap.Tasks = append(snap.Tasks, ts)
	}
	return snap
}
