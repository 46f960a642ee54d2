// Package jobs runs wall-clock housekeeping (moderation expiry, user
// autosave) on cron schedules, outside the tick loop.
package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"mmoserver/internal/eventbus"
	"mmoserver/pkg/logx"
)

// Event types published per run.
const (
	EventSucceeded = "job.succeeded"
	EventFailed    = "job.failed"
	EventSkipped   = "job.skipped"
)

type RunEvent struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"err,omitempty"`
}

// Func is a job body. It should honour ctx.
type Func func(ctx context.Context) error

type def struct {
	name    string
	spec    string
	timeout time.Duration
	fn      Func
	entryID cron.EntryID
	running atomic.Bool
	runs    atomic.Uint64
	fails   atomic.Uint64
}

type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	bus    eventbus.Bus
	parser cron.Parser
	tz     string
	c      *cron.Cron
	defs   map[string]*def
	// ctx is read by running jobs without mu; cron.Stop waits for them
	// while mu is held.
	ctx atomic.Pointer[context.Context]
	wg  sync.WaitGroup
}

func New(log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		log: log.With(logx.String("comp", "jobs")),
		bus: bus,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*def{},
	}
}

// Set registers or replaces the job called name. An empty spec removes it.
func (s *Service) Set(name, spec string, timeout time.Duration, fn Func) error {
	spec = strings.TrimSpace(spec)
	if spec != "" {
		if _, err := s.parser.Parse(spec); err != nil {
			return fmt.Errorf("job %s: %w", name, err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.defs[name]; ok {
		if s.c != nil {
			s.c.Remove(old.entryID)
		}
		delete(s.defs, name)
	}
	if spec == "" {
		return nil
	}
	d := &def{name: name, spec: spec, timeout: timeout, fn: fn}
	s.defs[name] = d
	if s.c != nil {
		return s.addLocked(d)
	}
	return nil
}

func (s *Service) addLocked(d *def) error {
	id, err := s.c.AddFunc(d.spec, func() { s.run(d) })
	if err != nil {
		return fmt.Errorf("job %s: %w", d.name, err)
	}
	d.entryID = id
	return nil
}

// Start begins triggering. Jobs run under ctx.
func (s *Service) Start(ctx context.Context, timezone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx.Store(&ctx)
	s.tz = strings.TrimSpace(timezone)
	s.startLocked()
}

func (s *Service) startLocked() {
	loc := time.Local
	if s.tz != "" {
		if l, err := time.LoadLocation(s.tz); err == nil {
			loc = l
		} else {
			s.log.Warn("invalid timezone; using local", logx.String("tz", s.tz), logx.Err(err))
		}
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, d := range s.defs {
		if err := s.addLocked(d); err != nil {
			s.log.Warn("schedule failed", logx.String("job", d.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("jobs", len(s.defs)))
}

// SetTimezone restarts triggering in a new location when it changed.
func (s *Service) SetTimezone(tz string) {
	tz = strings.TrimSpace(tz)
	s.mu.Lock()
	defer s.mu.Unlock()
	if tz == s.tz {
		return
	}
	s.tz = tz
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.startLocked()
}

// RunNow executes name synchronously, honouring the overlap guard.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	d, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s: not registered", name)
	}
	return s.run(d)
}

// run executes d unless a previous run is still in flight.
func (s *Service) run(d *def) (err error) {
	if !d.running.CompareAndSwap(false, true) {
		s.log.Debug("job still running; skipping", logx.String("job", d.name))
		s.publish(EventSkipped, RunEvent{Name: d.name})
		return nil
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer d.running.Store(false)

	parent := context.Background()
	if p := s.ctx.Load(); p != nil {
		parent = *p
	}
	ctx := parent
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, d.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("job panicked", logx.String("job", d.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		took := time.Since(start)
		d.runs.Add(1)
		if err != nil {
			d.fails.Add(1)
			s.log.Warn("job failed", logx.String("job", d.name), logx.Duration("took", took), logx.Err(err))
			s.publish(EventFailed, RunEvent{Name: d.name, Duration: took, Err: err.Error()})
			return
		}
		s.log.Debug("job done", logx.String("job", d.name), logx.Duration("took", took))
		s.publish(EventSucceeded, RunEvent{Name: d.name, Duration: took})
	}()
	return d.fn(ctx)
}

func (s *Service) publish(typ string, ev RunEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

// Stop stops triggering and waits for in-flight runs, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("jobs still running at stop")
	}
}

type Info struct {
	Name  string    `json:"name"`
	Spec  string    `json:"spec"`
	Next  time.Time `json:"next,omitempty"`
	Prev  time.Time `json:"prev,omitempty"`
	Runs  uint64    `json:"runs"`
	Fails uint64    `json:"fails"`
}

// Snapshot lists registered jobs ordered by name.
func (s *Service) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.defs))
	for _, d := range s.defs {
		in := Info{Name: d.name, Spec: d.spec, Runs: d.runs.Load(), Fails: d.fails.Load()}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			in.Next, in.Prev = e.Next, e.Prev
		}
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
