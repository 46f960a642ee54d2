package tick

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrAborted is returned by a wait released through its abort channel.
var ErrAborted = errors.New("tick: wait aborted")

// Signal is a broadcast wake-up. Broadcast releases every goroutine blocked in
// Wait and bumps a generation counter, so a waiter that arrives late can tell
// whether it already consumed the latest broadcast.
type Signal struct {
	mu  sync.Mutex
	gen atomic.Uint64
	ch  chan struct{}
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Generation returns the number of broadcasts so far.
func (s *Signal) Generation() uint64 { return s.gen.Load() }

// Broadcast wakes all current waiters and returns the new generation.
func (s *Signal) Broadcast() uint64 {
	s.mu.Lock()
	g := s.gen.Add(1)
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
	return g
}

// Wait blocks until the generation is greater than after and returns it.
func (s *Signal) Wait(ctx context.Context, after uint64) (uint64, error) {
	return s.wait(ctx, after, nil)
}

func (s *Signal) wait(ctx context.Context, after uint64, abort <-chan struct{}) (uint64, error) {
	for {
		s.mu.Lock()
		g := s.gen.Load()
		ch := s.ch
		s.mu.Unlock()
		if g > after {
			return g, nil
		}
		select {
		case <-ch:
		case <-abort:
			return g, ErrAborted
		case <-ctx.Done():
			return g, ctx.Err()
		}
	}
}
