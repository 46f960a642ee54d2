package tick

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"mmoserver/pkg/logx"
)

type Status int32

const (
	StatusWaiting Status = iota
	StatusRunning
	StatusFinished
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Work is one tick's worth of a task. tick is the number of ticks completed
// before this one. A returned error or a panic stops the task permanently.
type Work func(ctx context.Context, tick uint64) error

// Task runs Work once per tick on its own goroutine.
type Task struct {
	name   string
	work   Work
	signal *Signal
	clock  func() uint64
	log    logx.Logger

	startGen uint64
	status   atomic.Int32
	finished atomic.Uint64 // generation of the last completed tick
	retired  atomic.Bool

	errMu sync.Mutex
	err   error

	retireOnce sync.Once
	retireCh   chan struct{}
	done       chan struct{}
}

// NewTask constructs a task, registers it with s and starts its goroutine.
// A task created while a tick is in progress first runs on the next tick.
func NewTask(s *Scheduler, name string, work Work) *Task {
	gen := s.tickSignal.Generation()
	t := &Task{
		name:     name,
		work:     work,
		signal:   s.tickSignal,
		clock:    s.TickCount,
		log:      s.log.With(logx.String("task", name)),
		startGen: gen,
		retireCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	t.finished.Store(gen)
	s.AddTask(t)
	s.launch("task."+name, t.run)
	return t
}

func (t *Task) Name() string { return t.name }

func (t *Task) Status() Status { return Status(t.status.Load()) }

func (t *Task) Stopped() bool { return t.Status() == StatusStopped }

func (t *Task) TickFinished() bool {
	return t.Status() != StatusStopped && t.finished.Load() >= t.signal.Generation()
}

// Retired is false while work retired mid-tick is still running, so the
// tick barrier keeps waiting for it.
func (t *Task) Retired() bool { return t.retired.Load() && t.Status() != StatusRunning }

// Retire marks the task as replaced. A waiting task exits; a running task
// exits after its current work returns.
func (t *Task) Retire() {
	t.retireOnce.Do(func() {
		t.retired.Store(true)
		close(t.retireCh)
	})
}

// Err returns the fault that stopped the task, if any.
func (t *Task) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

// Done is closed once the task goroutine has exited.
func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) run(ctx context.Context) {
	defer close(t.done)
	seen := t.startGen
	for {
		gen, err := t.signal.wait(ctx, seen, t.retireCh)
		if err != nil {
			return
		}
		seen = gen

		// Running is published before the retire check so the scheduler
		// never skips a task that goes on to start work.
		t.status.Store(int32(StatusRunning))
		if t.retired.Load() {
			t.status.Store(int32(StatusFinished))
			return
		}
		if err := t.runOnce(ctx, t.clock()); err != nil {
			t.errMu.Lock()
			t.err = err
			t.errMu.Unlock()
			t.status.Store(int32(StatusStopped))
			t.log.Error("task stopped", logx.Err(err), logx.String("trace", fmtStack(err)))
			return
		}
		t.finished.Store(gen)
		t.status.Store(int32(StatusFinished))
	}
}

// runOnce is the fault boundary: panics and errors both come back as an
// error carrying a stack trace.
func (t *Task) runOnce(ctx context.Context, tick uint64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = errors.Wrap(e, "panic")
				return
			}
			err = errors.Errorf("panic: %v", r)
		}
	}()
	if werr := t.work(ctx, tick); werr != nil {
		return errors.WithStack(werr)
	}
	return nil
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func fmtStack(err error) string {
	var st stackTracer
	if errors.As(err, &st) {
		return fmt.Sprintf("%+v", st.StackTrace())
	}
	return ""
}
