// Package supervisor hosts the server's long-lived goroutines: the tick task
// workers, the HTTP listener and the background services. Every goroutine
// shares one context; a panic is recovered and recorded as an error.
//
// Goroutines are never restarted here. A failed tick task stays down until
// its subsystem manager builds a replacement.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"mmoserver/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool
	wg          sync.WaitGroup

	mu       sync.Mutex
	firstErr error
	groups   map[string]*GroupStats

	waitOnce sync.Once
	waitCh   chan struct{}
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels the shared context on the first failure.
// Returning context.Canceled is not a failure.
func WithCancelOnError(enabled bool) Option { return func(s *Supervisor) { s.cancelOnErr = enabled } }

// GroupStats aggregates goroutines by the part of their name before the
// first dot, so "task.npc" and "task.character" both count under "task".
type GroupStats struct {
	Group   string `json:"group"`
	Running int    `json:"running"`
	Started uint64 `json:"started"`
	Failed  uint64 `json:"failed"`
	LastErr string `json:"last_err,omitempty"`
}

type Snapshot struct {
	Running    int          `json:"running"`
	FirstError string       `json:"first_error,omitempty"`
	Groups     []GroupStats `json:"groups"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		groups: map[string]*GroupStats{},
		waitCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first failure, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func groupOf(name string) string {
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}

// Go runs fn on its own goroutine under the shared context.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	group := groupOf(name)
	s.mu.Lock()
	g := s.groups[group]
	if g == nil {
		g = &GroupStats{Group: group}
		s.groups[group] = g
	}
	g.Started++
	g.Running++
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var err error
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				err = fmt.Errorf("panic in %s: %v", name, r)
			}
			s.finish(g, err)
		}()

		s.log.Debug("goroutine started", logx.String("name", name))
		if ferr := fn(s.ctx); ferr != nil && !errors.Is(ferr, context.Canceled) {
			err = fmt.Errorf("%s: %w", name, ferr)
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

// Go0 is Go for functions that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

func (s *Supervisor) finish(g *GroupStats, err error) {
	s.mu.Lock()
	g.Running--
	if err != nil {
		g.Failed++
		g.LastErr = err.Error()
		if s.firstErr == nil {
			s.firstErr = err
		}
	}
	s.mu.Unlock()
	if err != nil && s.cancelOnErr {
		s.cancel()
	}
}

// Stop cancels the context and waits for every goroutine.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.waitCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.waitCh:
		return s.Err()
	}
}

// Snapshot is for status output, not for synchronization.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	snap := Snapshot{Groups: make([]GroupStats, 0, len(s.groups))}
	if s.firstErr != nil {
		snap.FirstError = s.firstErr.Error()
	}
	for _, g := range s.groups {
		snap.Running += g.Running
		snap.Groups = append(snap.Groups, *g)
	}
	s.mu.Unlock()

	sort.Slice(snap.Groups, func(i, j int) bool { return snap.Groups[i].Group < snap.Groups[j].Group })
	return snap
}
