package subsystem

import (
	"context"
	"fmt"
	"sync"
)

// Process is periodic work run by the cycle-process manager every
// EveryTicks ticks.
type Process struct {
	Name       string
	EveryTicks uint64
	Run        func(ctx context.Context, tick uint64) error
}

// Cycles holds the registered processes.
type Cycles struct {
	mu    sync.RWMutex
	procs []Process
}

func NewCycles() *Cycles { return &Cycles{} }

func (c *Cycles) Register(p Process) {
	if p.EveryTicks == 0 {
		p.EveryTicks = 1
	}
	c.mu.Lock()
	c.procs = append(c.procs, p)
	c.mu.Unlock()
}

func (c *Cycles) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.procs)
}

// runDue runs every process whose cadence divides tick.
func (c *Cycles) runDue(ctx context.Context, tick uint64) error {
	c.mu.RLock()
	procs := append([]Process(nil), c.procs...)
	c.mu.RUnlock()
	for _, p := range procs {
		if tick%p.EveryTicks != 0 {
			continue
		}
		if err := p.Run(ctx, tick); err != nil {
			return fmt.Errorf("cycle process %s: %w", p.Name, err)
		}
	}
	return nil
}
