package subsystem

import (
	"context"
	"sort"
	"sync"
)

// Ticker is one simulated entity (a character, an NPC).
type Ticker interface {
	ID() int64
	Tick(ctx context.Context, tick uint64) error
}

// Entities is a concurrent set of Tickers keyed by id.
type Entities struct {
	mu   sync.RWMutex
	byID map[int64]Ticker
}

func NewEntities() *Entities { return &Entities{byID: map[int64]Ticker{}} }

func (e *Entities) Add(t Ticker) {
	e.mu.Lock()
	e.byID[t.ID()] = t
	e.mu.Unlock()
}

func (e *Entities) Remove(id int64) {
	e.mu.Lock()
	delete(e.byID, id)
	e.mu.Unlock()
}

func (e *Entities) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.byID)
}

// Snapshot returns the entities ordered by id.
func (e *Entities) Snapshot() []Ticker {
	e.mu.RLock()
	out := make([]Ticker, 0, len(e.byID))
	for _, t := range e.byID {
		out = append(out, t)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
