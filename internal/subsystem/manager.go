package subsystem

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"mmoserver/internal/tick"
	"mmoserver/pkg/logx"
)

// Names of the four managers the server runs.
const (
	Character  = "character"
	Connection = "connection"
	Cycle      = "cycle"
	NPC        = "npc"
)

var ErrUnknown = errors.New("unknown subsystem")

// Builder creates a manager's tasks on s. Tasks register themselves on creation.
type Builder func(s *tick.Scheduler) []*tick.Task

// Manager owns the tasks of one subsystem.
type Manager struct {
	name  string
	build Builder

	mu       sync.Mutex
	tasks    []*tick.Task
	restarts int
}

func (m *Manager) Name() string { return m.name }

// Tasks returns the live (non-retired) tasks.
func (m *Manager) Tasks() []*tick.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*tick.Task(nil), m.tasks...)
}

func (m *Manager) Restarts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restarts
}

// loadAndStart retires whatever is running and builds a fresh set of tasks.
func (m *Manager) loadAndStart(s *tick.Scheduler) (retired int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		t.Retire()
	}
	retired = len(m.tasks)
	m.tasks = m.build(s)
	return retired
}

// Set is the collection of managers bound to one scheduler.
type Set struct {
	sched *tick.Scheduler
	log   logx.Logger

	mu       sync.RWMutex
	managers map[string]*Manager
}

func NewSet(sched *tick.Scheduler, log logx.Logger) *Set {
	return &Set{
		sched:    sched,
		log:      log.With(logx.String("comp", "subsystem")),
		managers: map[string]*Manager{},
	}
}

// Register adds a manager. It does not start it.
func (s *Set) Register(name string, build Builder) *Manager {
	m := &Manager{name: name, build: build}
	s.mu.Lock()
	s.managers[name] = m
	s.mu.Unlock()
	return m
}

func (s *Set) Get(name string) (*Manager, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.managers[name]
	return m, ok
}

func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.managers))
	for n := range s.managers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// StartAll builds the tasks of every registered manager.
func (s *Set) StartAll() {
	for _, name := range s.Names() {
		m, _ := s.Get(name)
		m.loadAndStart(s.sched)
		s.log.Info("subsystem started", logx.String("name", name), logx.Int("tasks", len(m.Tasks())))
	}
}

// Restart replaces the tasks of the named manager.
func (s *Set) Restart(ctx context.Context, name string) error {
	m, ok := s.Get(name)
	if !ok {
		return fmt.Errorf("restart %q: %w", name, ErrUnknown)
	}
	retired := m.loadAndStart(s.sched)
	m.mu.Lock()
	m.restarts++
	n := len(m.tasks)
	m.mu.Unlock()
	s.log.Warn("subsystem restarted", logx.String("name", name), logx.Int("retired", retired), logx.Int("tasks", n), logx.Uint64("tick", s.sched.TickCount()))
	return nil
}

// EntityTasks spreads ents over shards tasks named "<name>.<i>". Entity i is
// ticked by shard i%shards.
func EntityTasks(name string, shards int, ents *Entities) Builder {
	if shards < 1 {
		shards = 1
	}
	return func(s *tick.Scheduler) []*tick.Task {
		tasks := make([]*tick.Task, 0, shards)
		for i := 0; i < shards; i++ {
			shard := i
			tasks = append(tasks, tick.NewTask(s, fmt.Sprintf("%s.%d", name, shard), func(ctx context.Context, n uint64) error {
				for j, e := range ents.Snapshot() {
					if j%shards != shard {
						continue
					}
					if err := e.Tick(ctx, n); err != nil {
						return fmt.Errorf("%s entity %d: %w", name, e.ID(), err)
					}
				}
				return nil
			}))
		}
		return tasks
	}
}

// CycleTasks runs the registered cycle processes on a single task.
func CycleTasks(c *Cycles) Builder {
	return func(s *tick.Scheduler) []*tick.Task {
		return []*tick.Task{tick.NewTask(s, Cycle, c.runDue)}
	}
}
