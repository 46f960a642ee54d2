package tick

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"mmoserver/internal/eventbus"
	"mmoserver/pkg/logx"
)

// Config controls tick pacing. Zero fields fall back to DefaultConfig.
type Config struct {
	// TickPeriod is the target duration of one tick.
	TickPeriod time.Duration
	// PollInterval is the sleep between completion checks inside a tick.
	PollInterval time.Duration
	// MinSleep is the floor applied to the end-of-tick sleep, even when lagging.
	MinSleep time.Duration
	// StatsEveryTicks is the cadence of the average tick time digest.
	StatsEveryTicks int
	// PauseGraceTicks is how many ticks WasPaused stays true after a freeze is resolved.
	PauseGraceTicks int
}

// DefaultConfig: 400ms ticks, one digest every 750 ticks (5 minutes).
func DefaultConfig() Config {
	return Config{
		TickPeriod:      400 * time.Millisecond,
		PollInterval:    time.Millisecond,
		MinSleep:        2 * time.Millisecond,
		StatsEveryTicks: 750,
		PauseGraceTicks: 25,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.TickPeriod <= 0 {
		c.TickPeriod = def.TickPeriod
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MinSleep <= 0 {
		c.MinSleep = def.MinSleep
	}
	if c.StatsEveryTicks <= 0 {
		c.StatsEveryTicks = def.StatsEveryTicks
	}
	if c.PauseGraceTicks < 0 {
		c.PauseGraceTicks = 0
	}
	return c
}

// Launcher starts a long-lived goroutine on behalf of a task.
type Launcher func(name string, fn func(ctx context.Context))

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(s *Scheduler) { s.bus = bus } }

func WithRegistry(r *Registry) Option { return func(s *Scheduler) { s.registry = r } }

// WithLauncher sets how task goroutines are started. The default runs them
// with a background context.
func WithLauncher(l Launcher) Option { return func(s *Scheduler) { s.launch = l } }

// Scheduler is the master tick loop. One instance lives for the whole process.
//
// All state is written by the loop goroutine and read by anyone through the
// atomic observers.
type Scheduler struct {
	cfg      atomic.Pointer[Config]
	log      logx.Logger
	bus      eventbus.Bus
	registry *Registry
	launch   Launcher

	tickSignal    *Signal
	resolveSignal *Signal

	running        atomic.Bool
	paused         atomic.Bool
	frozen         atomic.Bool
	pauseRemaining atomic.Int64
	tickCount      atomic.Uint64

	exitOnce sync.Once
	exitCh   chan struct{}

	lastTick atomic.Int64 // ns
	avgTick  atomic.Int64 // ns
	lags     atomic.Uint64
	freezes  atomic.Uint64
}

func New(cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		tickSignal:    NewSignal(),
		resolveSignal: NewSignal(),
		exitCh:        make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.registry == nil {
		s.registry = NewRegistry()
	}
	if s.launch == nil {
		s.launch = func(_ string, fn func(ctx context.Context)) { go fn(context.Background()) }
	}
	n := cfg.normalized()
	s.cfg.Store(&n)
	s.running.Store(true)
	return s
}

// Apply swaps pacing knobs. The running loop picks them up on the next tick.
func (s *Scheduler) Apply(cfg Config) {
	n := cfg.normalized()
	s.cfg.Store(&n)
}

func (s *Scheduler) Config() Config { return *s.cfg.Load() }

// AddTask registers a task to be waited on every tick.
func (s *Scheduler) AddTask(h Handle) { s.registry.Add(h) }

func (s *Scheduler) Registry() *Registry { return s.registry }

func (s *Scheduler) TickCount() uint64 { return s.tickCount.Load() }

func (s *Scheduler) IsRunning() bool { return s.running.Load() }

// WasPaused reports that the simulation is frozen or still inside the grace
// period that follows a freeze.
func (s *Scheduler) WasPaused() bool { return s.paused.Load() }

// Frozen reports that the loop is blocked waiting for NotifyFailureResolution.
func (s *Scheduler) Frozen() bool { return s.frozen.Load() }

// PauseRemaining is the number of grace ticks left before WasPaused clears.
func (s *Scheduler) PauseRemaining() int64 { return s.pauseRemaining.Load() }

// RequestExit stops the loop after the tick in progress. It also releases a freeze.
func (s *Scheduler) RequestExit() {
	s.running.Store(false)
	s.exitOnce.Do(func() { close(s.exitCh) })
}

// NotifyFailureResolution releases the loop from a freeze. It has no effect
// when nothing is frozen.
func (s *Scheduler) NotifyFailureResolution() {
	s.resolveSignal.Broadcast()
}

// Start runs the master loop until RequestExit is called or ctx is cancelled.
// Cancelling ctx abandons the tick in progress; RequestExit lets it finish.
func (s *Scheduler) Start(ctx context.Context) error {
	log := s.log
	log.Info("tick loop starting", logx.Int("tasks", s.registry.Len()), logx.Duration("period", s.Config().TickPeriod))
	s.publish(EventStarted, nil)

	var (
		ticks     int
		tickTimes time.Duration
	)
	for s.running.Load() {
		if ctx.Err() != nil {
			s.RequestExit()
			break
		}
		cfg := s.Config()

		if s.paused.Load() {
			if s.pauseRemaining.Load() <= 0 {
				s.paused.Store(false)
				log.Info("grace period over", logx.Uint64("tick", s.TickCount()))
			} else {
				s.pauseRemaining.Add(-1)
			}
		}

		start := time.Now()
		s.tickSignal.Broadcast()
		if !s.awaitCompletion(ctx, cfg) {
			s.RequestExit()
			break
		}

		elapsed := time.Since(start)
		s.lastTick.Store(int64(elapsed))
		timeLeft := cfg.TickPeriod - elapsed
		ticks++
		tickTimes += elapsed
		if ticks >= cfg.StatsEveryTicks {
			avg := tickTimes / time.Duration(ticks)
			s.avgTick.Store(int64(avg))
			log.Info("average tick time since last digest", logx.Duration("avg", avg), logx.Int("ticks", ticks), logx.Uint64("tick", s.TickCount()))
			s.publish(EventStats, StatsEvent{TickCount: s.TickCount(), Ticks: ticks, Average: avg})
			ticks = 0
			tickTimes = 0
		}
		if timeLeft < cfg.MinSleep {
			if timeLeft < 0 {
				s.lags.Add(1)
				log.Warn("server is lagging behind desired tick time", logx.Duration("overrun", -timeLeft), logx.Uint64("tick", s.TickCount()))
				s.publish(EventLag, LagEvent{TickCount: s.TickCount(), Overrun: -timeLeft})
			}
			timeLeft = cfg.MinSleep
		}

		timer := time.NewTimer(timeLeft)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
		s.tickCount.Add(1)
	}

	log.Info("tick loop stopped", logx.Uint64("tick", s.TickCount()))
	s.publish(EventExit, nil)
	return nil
}

// awaitCompletion polls the registry until every live task finished the tick
// or a stopped task froze and was resolved. It returns false if the tick was
// abandoned by cancellation or by an exit request during a freeze.
func (s *Scheduler) awaitCompletion(ctx context.Context, cfg Config) bool {
	timer := time.NewTimer(cfg.PollInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
		}

		allFinished := true
		for _, h := range s.registry.Snapshot() {
			if h.Retired() {
				continue
			}
			if h.Stopped() {
				return s.freeze(ctx, cfg, h)
			}
			if !h.TickFinished() {
				allFinished = false
			}
		}
		if allFinished {
			return true
		}
		timer.Reset(cfg.PollInterval)
	}
}

// freeze blocks the loop until the failure is resolved, exit is requested or
// ctx is cancelled. It reports whether the failure was resolved. The grace
// countdown only starts once the loop resumes.
func (s *Scheduler) freeze(ctx context.Context, cfg Config, h Handle) bool {
	gen := s.resolveSignal.Generation()
	s.paused.Store(true)
	s.pauseRemaining.Store(int64(cfg.PauseGraceTicks))
	s.freezes.Add(1)

	ev := FreezeEvent{TickCount: s.TickCount(), Task: h.Name()}
	fields := []logx.Field{logx.String("task", h.Name()), logx.Uint64("tick", ev.TickCount)}
	if fe, ok := h.(interface{ Err() error }); ok {
		if err := fe.Err(); err != nil {
			ev.Err = err.Error()
			fields = append(fields, logx.Err(err))
		}
	}
	s.log.Error("worker task stopped; simulation frozen until the failure is resolved", fields...)
	since := time.Now()
	s.frozen.Store(true)
	s.publish(EventFreeze, ev)

	_, err := s.resolveSignal.wait(ctx, gen, s.exitCh)
	s.frozen.Store(false)

	reason := "resolved"
	switch {
	case err == ErrAborted:
		reason = "exit"
	case err != nil:
		reason = "cancelled"
	}
	frozenFor := time.Since(since)
	s.log.Info("simulation resumed", logx.String("reason", reason), logx.Duration("frozen_for", frozenFor), logx.Int("grace_ticks", cfg.PauseGraceTicks))
	s.publish(EventResume, ResumeEvent{TickCount: s.TickCount(), Reason: reason, GraceTicks: int64(cfg.PauseGraceTicks), FrozenFor: frozenFor})
	// Only a resolution completes the frozen tick; exit and cancel abandon it.
	return err == nil
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
