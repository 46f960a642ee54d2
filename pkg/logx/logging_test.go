package logx

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type captureAlerter struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureAlerter) Alert(_ context.Context, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	return nil
}

func (c *captureAlerter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestFormatAlertJSONOrdersFields(t *testing.T) {
	line := []byte(`{"level":"warn","message":"tick lagging","time":"x","overrun":"12ms","caller":"scheduler.go:10"}` + "\n")
	got := formatAlertJSON(line)
	want := "[WARN] tick lagging\n- caller=scheduler.go:10\n- overrun=12ms"
	if got != want {
		t.Fatalf("formatAlertJSON = %q, want %q", got, want)
	}
}

func TestFormatAlertJSONFallsBackToRaw(t *testing.T) {
	if got := formatAlertJSON([]byte("  not json \n")); got != "not json" {
		t.Fatalf("formatAlertJSON = %q", got)
	}
}

func TestAlertWriterRespectsMinLevel(t *testing.T) {
	a := &captureAlerter{}
	svc, log := New(Config{
		Level:  "debug",
		File:   FileConfig{Enabled: true, Path: t.TempDir() + "/test.log"},
		Alerts: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 100},
	}, a)
	t.Cleanup(func() { _ = svc.Close() })

	log.Warn("below threshold")
	log.Error("simulation frozen", String("task", "npc"))

	deadline := time.Now().Add(2 * time.Second)
	for a.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.msgs) != 1 {
		t.Fatalf("alerts = %d, want 1: %v", len(a.msgs), a.msgs)
	}
	if !strings.Contains(a.msgs[0], "simulation frozen") || !strings.Contains(a.msgs[0], "task=npc") {
		t.Fatalf("unexpected alert text %q", a.msgs[0])
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("dropped")
	if l.With(String("k", "v")).IsZero() {
		t.Fatal("derived logger with fields should not be zero")
	}
}

func TestWriterLoggerAppliesFixedFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "tick"))
	log.Info("hello", Uint64("tick", 7))
	out := buf.String()
	for _, want := range []string{`"comp":"tick"`, `"tick":7`, `"message":"hello"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %s", out, want)
		}
	}
	if !log.Enabled(zerolog.DebugLevel) {
		t.Fatal("debug should be enabled")
	}
}
