package tick

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mmoserver/internal/eventbus"
)

func fastConfig() Config {
	return Config{
		TickPeriod:      2 * time.Millisecond,
		PollInterval:    200 * time.Microsecond,
		MinSleep:        100 * time.Microsecond,
		StatsEveryTicks: 2,
		PauseGraceTicks: 3,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func startLoop(t *testing.T, s *Scheduler) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		done <- s.Start(context.Background())
	}()
	t.Cleanup(func() {
		s.RequestExit()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
	return done
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not return")
	}
}

func TestFiveTicksWithThreeTasks(t *testing.T) {
	bus := eventbus.New()
	stats, unsub := bus.Subscribe(16, EventStats)
	defer unsub()

	s := New(fastConfig(), WithBus(bus))
	var runs [3]atomic.Int32
	var sawPause atomic.Bool
	for i := 0; i < 3; i++ {
		i := i
		NewTask(s, "worker", func(ctx context.Context, tick uint64) error {
			runs[i].Add(1)
			if s.WasPaused() {
				sawPause.Store(true)
			}
			if i == 0 && tick == 4 {
				s.RequestExit()
			}
			return nil
		})
	}

	done := startLoop(t, s)
	waitDone(t, done)

	if got := s.TickCount(); got != 5 {
		t.Fatalf("TickCount = %d, want 5", got)
	}
	for i := range runs {
		if got := runs[i].Load(); got != 5 {
			t.Fatalf("task %d ran %d times, want 5", i, got)
		}
	}
	if sawPause.Load() || s.WasPaused() {
		t.Fatal("scheduler should never pause without a stopped task")
	}
	if got := len(stats); got != 2 {
		t.Fatalf("stats events = %d, want 2", got)
	}
}

func TestNoTaskStartsNextTickBeforeAllFinished(t *testing.T) {
	s := New(fastConfig())
	const n = 6
	var finished [n]atomic.Uint64
	var violations atomic.Int32
	for i := 0; i < n; i++ {
		i := i
		NewTask(s, "barrier", func(ctx context.Context, tick uint64) error {
			for j := range finished {
				if finished[j].Load() < tick {
					violations.Add(1)
				}
			}
			time.Sleep(time.Duration(i*100) * time.Microsecond)
			finished[i].Store(tick + 1)
			if i == 0 && tick == 19 {
				s.RequestExit()
			}
			return nil
		})
	}

	waitDone(t, startLoop(t, s))
	if v := violations.Load(); v != 0 {
		t.Fatalf("%d tasks observed a tick start before the previous tick finished", v)
	}
	if got := s.TickCount(); got != 20 {
		t.Fatalf("TickCount = %d, want 20", got)
	}
}

func TestStoppedTaskFreezesUntilResolved(t *testing.T) {
	cfg := fastConfig()
	s := New(cfg)
	// A resolution with nothing frozen must not pre-release a later freeze.
	s.NotifyFailureResolution()

	var mu sync.Mutex
	pausedAt := map[uint64]bool{}
	NewTask(s, "a", func(ctx context.Context, tick uint64) error {
		mu.Lock()
		pausedAt[tick] = s.WasPaused()
		mu.Unlock()
		if tick == 7 {
			s.RequestExit()
		}
		return nil
	})
	b := NewTask(s, "b", func(ctx context.Context, tick uint64) error {
		if tick == 2 {
			panic("corrupted npc table")
		}
		return nil
	})
	NewTask(s, "c", func(ctx context.Context, tick uint64) error { return nil })

	done := startLoop(t, s)
	waitFor(t, "freeze", s.Frozen)

	if !b.Stopped() || b.Status() != StatusStopped {
		t.Fatalf("task b status = %v, want stopped", b.Status())
	}
	if err := b.Err(); err == nil || !strings.Contains(err.Error(), "corrupted npc table") {
		t.Fatalf("task b err = %v", err)
	}
	if !s.WasPaused() || s.PauseRemaining() != int64(cfg.PauseGraceTicks) {
		t.Fatalf("paused=%v remaining=%d", s.WasPaused(), s.PauseRemaining())
	}

	gen := s.tickSignal.Generation()
	time.Sleep(30 * time.Millisecond)
	if got := s.TickCount(); got != 2 {
		t.Fatalf("TickCount advanced during freeze: %d", got)
	}
	if got := s.tickSignal.Generation(); got != gen {
		t.Fatalf("tick signal broadcast during freeze: %d -> %d", gen, got)
	}
	if !s.Frozen() {
		t.Fatal("freeze released without resolution")
	}

	b.Retire()
	s.NotifyFailureResolution()
	waitDone(t, done)

	if got := s.TickCount(); got != 8 {
		t.Fatalf("TickCount = %d, want 8", got)
	}
	mu.Lock()
	defer mu.Unlock()
	for tick, want := range map[uint64]bool{1: false, 2: false, 3: true, 4: true, 5: true, 6: false, 7: false} {
		if pausedAt[tick] != want {
			t.Fatalf("WasPaused during tick %d = %v, want %v (all: %v)", tick, pausedAt[tick], want, pausedAt)
		}
	}
	if s.PauseRemaining() != 0 {
		t.Fatalf("PauseRemaining = %d, want 0", s.PauseRemaining())
	}
}

func TestReturnedErrorStopsTask(t *testing.T) {
	s := New(fastConfig())
	boom := errors.New("connection table full")
	task := NewTask(s, "conn", func(ctx context.Context, tick uint64) error { return boom })

	startLoop(t, s)
	waitFor(t, "freeze", s.Frozen)
	if !errors.Is(task.Err(), boom) {
		t.Fatalf("Err = %v, want wrapped %v", task.Err(), boom)
	}
	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("stopped task goroutine did not exit")
	}
}

func TestRequestExitReleasesFreeze(t *testing.T) {
	s := New(fastConfig())
	NewTask(s, "bad", func(ctx context.Context, tick uint64) error { return errors.New("bad") })

	done := startLoop(t, s)
	waitFor(t, "freeze", s.Frozen)
	before := s.TickCount()
	s.RequestExit()
	waitDone(t, done)
	if s.IsRunning() {
		t.Fatal("IsRunning should be false after exit")
	}
	if got := s.TickCount(); got != before {
		t.Fatalf("TickCount advanced past an unresolved freeze: %d -> %d", before, got)
	}
}

func TestRetiredTaskHoldsTickUntilWorkReturns(t *testing.T) {
	s := New(fastConfig())
	entered := make(chan struct{})
	var inWork atomic.Bool
	var overlaps, replacementRuns atomic.Int32

	old := NewTask(s, "npc", func(ctx context.Context, tick uint64) error {
		if tick == 1 {
			inWork.Store(true)
			close(entered)
			time.Sleep(50 * time.Millisecond)
			inWork.Store(false)
		}
		return nil
	})
	NewTask(s, "driver", func(ctx context.Context, tick uint64) error {
		if tick == 6 {
			s.RequestExit()
		}
		return nil
	})

	done := startLoop(t, s)
	<-entered
	old.Retire()
	if old.Retired() {
		t.Fatal("task reported retired while its work is in flight")
	}
	NewTask(s, "npc", func(ctx context.Context, tick uint64) error {
		if inWork.Load() {
			overlaps.Add(1)
		}
		replacementRuns.Add(1)
		return nil
	})
	waitDone(t, done)

	if n := overlaps.Load(); n != 0 {
		t.Fatalf("replacement ran %d times while the retired task was mid-work", n)
	}
	if replacementRuns.Load() == 0 {
		t.Fatal("replacement never ran")
	}
	select {
	case <-old.Done():
	case <-time.After(time.Second):
		t.Fatal("retired task goroutine did not exit")
	}
	if !old.Retired() {
		t.Fatal("task should report retired once its work returned")
	}
}

func TestRequestExitLetsInFlightTickFinish(t *testing.T) {
	cfg := fastConfig()
	cfg.TickPeriod = 50 * time.Millisecond
	s := New(cfg)
	started := make(chan struct{})
	var once sync.Once
	var completed atomic.Bool
	NewTask(s, "slow", func(ctx context.Context, tick uint64) error {
		once.Do(func() { close(started) })
		time.Sleep(20 * time.Millisecond)
		completed.Store(true)
		return nil
	})

	done := startLoop(t, s)
	<-started
	begin := time.Now()
	s.RequestExit()
	waitDone(t, done)

	if !completed.Load() {
		t.Fatal("loop returned before the in-flight tick completed")
	}
	if took := time.Since(begin); took > 2*cfg.TickPeriod {
		t.Fatalf("exit took %v, want within one tick", took)
	}
	if got := s.TickCount(); got != 1 {
		t.Fatalf("TickCount = %d, want 1", got)
	}
}

func TestTaskRegisteredMidTickWaitsForNextTick(t *testing.T) {
	s := New(fastConfig())
	var late *Task
	var lateRuns atomic.Int32
	var firstLateTick atomic.Uint64
	NewTask(s, "spawner", func(ctx context.Context, tick uint64) error {
		if tick == 1 {
			late = NewTask(s, "late", func(ctx context.Context, tick uint64) error {
				if lateRuns.Add(1) == 1 {
					firstLateTick.Store(tick)
				}
				return nil
			})
		}
		if tick == 4 {
			s.RequestExit()
		}
		return nil
	})

	waitDone(t, startLoop(t, s))
	if late == nil {
		t.Fatal("late task was not created")
	}
	if got := firstLateTick.Load(); got != 2 {
		t.Fatalf("late task first ran on tick %d, want 2", got)
	}
	if got := lateRuns.Load(); got != 3 {
		t.Fatalf("late task ran %d times, want 3", got)
	}
	if got := s.Registry().Len(); got != 2 {
		t.Fatalf("registry len = %d, want 2", got)
	}
}

func TestLagIsReportedAndLoopContinues(t *testing.T) {
	bus := eventbus.New()
	lag, unsub := bus.Subscribe(16, EventLag)
	defer unsub()

	cfg := fastConfig()
	cfg.TickPeriod = time.Millisecond
	s := New(cfg, WithBus(bus))
	NewTask(s, "heavy", func(ctx context.Context, tick uint64) error {
		time.Sleep(3 * time.Millisecond)
		if tick == 2 {
			s.RequestExit()
		}
		return nil
	})

	waitDone(t, startLoop(t, s))
	if got := s.TickCount(); got != 3 {
		t.Fatalf("TickCount = %d, want 3", got)
	}
	if len(lag) == 0 {
		t.Fatal("expected lag events")
	}
	ev := <-lag
	if le, ok := ev.Data.(LagEvent); !ok || le.Overrun <= 0 {
		t.Fatalf("unexpected lag event %+v", ev)
	}
	if s.Snapshot().Lags == 0 {
		t.Fatal("snapshot should count lags")
	}
}

func TestContextCancelStopsLoop(t *testing.T) {
	s := New(fastConfig())
	NewTask(s, "idle", func(ctx context.Context, tick uint64) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	waitFor(t, "a few ticks", func() bool { return s.TickCount() >= 3 })
	cancel()
	waitDone(t, done)
	if s.IsRunning() {
		t.Fatal("IsRunning should be false after cancellation")
	}
}

func TestTickCountIsMonotonic(t *testing.T) {
	s := New(fastConfig())
	var last atomic.Uint64
	var backwards atomic.Bool
	NewTask(s, "observer", func(ctx context.Context, tick uint64) error {
		if tick != s.TickCount() {
			backwards.Store(true)
		}
		if prev := last.Swap(tick); tick != 0 && tick != prev+1 {
			backwards.Store(true)
		}
		if tick == 30 {
			s.RequestExit()
		}
		return nil
	})
	waitDone(t, startLoop(t, s))
	if backwards.Load() {
		t.Fatal("tick count did not advance by exactly one per tick")
	}
}

func TestSnapshotReportsTaskStates(t *testing.T) {
	s := New(fastConfig())
	NewTask(s, "ok", func(ctx context.Context, tick uint64) error { return nil })
	NewTask(s, "bad", func(ctx context.Context, tick uint64) error { return errors.New("nope") })

	startLoop(t, s)
	waitFor(t, "freeze", s.Frozen)

	snap := s.Snapshot()
	if !snap.Frozen || !snap.Paused || snap.Freezes != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	states := map[string]TaskState{}
	for _, ts := range snap.Tasks {
		states[ts.Name] = ts
	}
	if states["bad"].Status != "stopped" || states["bad"].Err == "" {
		t.Fatalf("bad task state %+v", states["bad"])
	}
	if states["ok"].Status != "finished" {
		t.Fatalf("ok task state %+v", states["ok"])
	}
}
