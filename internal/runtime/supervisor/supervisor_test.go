package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestGoRecordsPanicAndCancelsOnError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go0("boom", func(ctx context.Context) { panic("kaput") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil {
		t.Fatal("expected panic to surface as supervisor error")
	}
	if s.Context().Err() == nil {
		t.Fatal("expected supervisor context to be cancelled")
	}

	snap := s.Snapshot()
	if len(snap.Groups) != 1 || snap.Groups[0].Failed != 1 || snap.Groups[0].Started != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Running != 0 || snap.FirstError == "" {
		t.Fatalf("running=%d first_error=%q", snap.Running, snap.FirstError)
	}
}

func TestSnapshotGroupsTaskGoroutines(t *testing.T) {
	s := New(context.Background())
	release := make(chan struct{})
	for _, name := range []string{"task.npc", "task.npc", "task.character", "http"} {
		s.Go0(name, func(ctx context.Context) { <-release })
	}

	want := []GroupStats{
		{Group: "http", Running: 1, Started: 1},
		{Group: "task", Running: 3, Started: 3},
	}
	if diff := cmp.Diff(want, s.Snapshot().Groups); diff != "" {
		t.Fatalf("groups mismatch (-want +got):\n%s", diff)
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if snap := s.Snapshot(); snap.Running != 0 {
		t.Fatalf("running = %d after wait", snap.Running)
	}
}

func TestStopWaitsForGoroutines(t *testing.T) {
	s := New(context.Background())
	stopped := make(chan struct{})
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-stopped:
	default:
		t.Fatal("goroutine did not observe cancellation")
	}
}

func TestGoErrorIsWrappedWithName(t *testing.T) {
	sentinel := errors.New("bad")
	s := New(context.Background())
	s.Go("job", func(ctx context.Context) error { return sentinel })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if !errors.Is(err, sentinel) {
		t.Fatalf("Wait err = %v, want wrapped sentinel", err)
	}
	if s.Context().Err() != nil {
		t.Fatal("context should stay live without WithCancelOnError")
	}
}
