package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"mmoserver/internal/eventbus"
	"mmoserver/pkg/logx"
)

func TestSetRejectsBadSpec(t *testing.T) {
	s := New(logx.Nop(), nil)
	if err := s.Set("x", "every tuesday", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("bad spec accepted")
	}
}

func TestScheduledJobRuns(t *testing.T) {
	s := New(logx.Nop(), nil)
	var n atomic.Int32
	if err := s.Set("tick", "@every 1s", 0, func(context.Context) error {
		n.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background(), "")
	defer s.Stop(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for n.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job never ran")
		}
		time.Sleep(20 * time.Millisecond)
	}
	info := s.Snapshot()
	if len(info) != 1 || info[0].Name != "tick" || info[0].Runs == 0 {
		t.Fatalf("snapshot = %+v", info)
	}
}

func TestRunNowPublishesOutcome(t *testing.T) {
	bus := eventbus.New()
	events, unsubscribe := bus.Subscribe(8, "job.")
	defer unsubscribe()

	s := New(logx.Nop(), bus)
	boom := errors.New("boom")
	_ = s.Set("ok", "@hourly", 0, func(context.Context) error { return nil })
	_ = s.Set("bad", "@hourly", 0, func(context.Context) error { return boom })
	_ = s.Set("panics", "@hourly", 0, func(context.Context) error { panic("oops") })

	if err := s.RunNow("ok"); err != nil {
		t.Fatal(err)
	}
	if err := s.RunNow("bad"); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if err := s.RunNow("panics"); err == nil {
		t.Fatal("panic not reported")
	}
	if err := s.RunNow("missing"); err == nil {
		t.Fatal("unknown job ran")
	}

	want := []string{EventSucceeded, EventFailed, EventFailed}
	for i, typ := range want {
		select {
		case ev := <-events:
			if ev.Type != typ {
				t.Fatalf("event %d = %s, want %s", i, ev.Type, typ)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d missing", i)
		}
	}

	for _, in := range s.Snapshot() {
		if in.Name == "bad" && (in.Runs != 1 || in.Fails != 1) {
			t.Fatalf("bad counters = %+v", in)
		}
	}
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	s := New(logx.Nop(), nil)
	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32
	_ = s.Set("slow", "@hourly", 0, func(context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- s.RunNow("slow") }()
	<-started
	if err := s.RunNow("slow"); err != nil {
		t.Fatal(err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}
}

func TestTimeoutBoundsContext(t *testing.T) {
	s := New(logx.Nop(), nil)
	_ = s.Set("bounded", "@hourly", 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := s.RunNow("bounded"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestEmptySpecRemoves(t *testing.T) {
	s := New(logx.Nop(), nil)
	_ = s.Set("x", "@hourly", 0, func(context.Context) error { return nil })
	_ = s.Set("x", "", 0, nil)
	if len(s.Snapshot()) != 0 {
		t.Fatal("job not removed")
	}
}
