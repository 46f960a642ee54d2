package tick

import "time"

// Event types published on the bus by the scheduler.
const (
	EventStarted = "tick.started"
	EventStats   = "tick.stats"
	EventLag     = "tick.lag"
	EventFreeze  = "tick.freeze"
	EventResume  = "tick.resume"
	EventExit    = "tick.exit"
)

// StatsEvent is the periodic tick duration digest. Collaborators that persist
// world state use it as their save cadence.
type StatsEvent struct {
	TickCount uint64        `json:"tick_count"`
	Ticks     int           `json:"ticks"`
	Average   time.Duration `json:"average"`
}

type LagEvent struct {
	TickCount uint64        `json:"tick_count"`
	Overrun   time.Duration `json:"overrun"`
}

type FreezeEvent struct {
	TickCount uint64 `json:"tick_count"`
	Task      string `json:"task"`
	Err       string `json:"err,omitempty"`
}

type ResumeEvent struct {
	TickCount uint64 `json:"tick_count"`
	// Reason is "resolved", "exit" or "cancelled".
	Reason     string        `json:"reason"`
	GraceTicks int64         `json:"grace_ticks"`
	FrozenFor  time.Duration `json:"frozen_for"`
}
