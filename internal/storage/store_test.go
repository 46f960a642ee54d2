package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"mmoserver/pkg/logx"
)

type opener func(t *testing.T, dir string) Store

func drivers() map[string]opener {
	open := func(driver, name string) opener {
		return func(t *testing.T, dir string) Store {
			t.Helper()
			st, err := Open(Config{Driver: driver, Path: filepath.Join(dir, name)}, logx.Nop())
			if err != nil {
				t.Fatalf("Open(%s): %v", driver, err)
			}
			return st
		}
	}
	return map[string]opener{
		"file":   open("file", "state.db"),
		"sqlite": open("sqlite", "state.sqlite"),
	}
}

func ms(v int64) time.Time { return time.UnixMilli(v) }

func TestUsersSurviveReopen(t *testing.T) {
	ctx := context.Background()
	for name, open := range drivers() {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			st := open(t, dir)
			want := []UserRecord{
				{ID: 1, Username: "alice", Rights: 2, CreatedAt: ms(1_700_000_000_000)},
				{ID: 2, Username: "bob", Rights: 0, CreatedAt: ms(1_700_000_001_000), LastLogin: ms(1_700_000_500_000)},
			}
			if err := st.SaveUsers(ctx, want); err != nil {
				t.Fatalf("SaveUsers: %v", err)
			}
			// A partial save keeps the other rows.
			want[1].Rights = 1
			if err := st.SaveUsers(ctx, want[1:]); err != nil {
				t.Fatalf("SaveUsers: %v", err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			st = open(t, dir)
			defer st.Close()
			got, err := st.LoadUsers(ctx)
			if err != nil {
				t.Fatalf("LoadUsers: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("users mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestModerationPutDeleteReopen(t *testing.T) {
	ctx := context.Background()
	for name, open := range drivers() {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			st := open(t, dir)
			ban := ModerationRecord{Kind: KindBan, Key: "mallory", Until: ms(1_900_000_000_000), By: "alice", At: ms(1_800_000_000_000)}
			ipMute := ModerationRecord{Kind: KindMute, Key: "10.0.0.7", Until: ms(1_900_000_000_000), At: ms(1_800_000_000_000)}
			lifted := ModerationRecord{Kind: KindBan, Key: "eve", Until: ms(1_900_000_000_000), At: ms(1_800_000_000_000)}
			for _, r := range []ModerationRecord{ban, ipMute, lifted} {
				if err := st.PutModeration(ctx, r); err != nil {
					t.Fatalf("PutModeration: %v", err)
				}
			}
			if err := st.DeleteModeration(ctx, KindBan, "eve"); err != nil {
				t.Fatalf("DeleteModeration: %v", err)
			}
			_ = st.Close()

			st = open(t, dir)
			defer st.Close()
			got, err := st.LoadModeration(ctx)
			if err != nil {
				t.Fatalf("LoadModeration: %v", err)
			}
			if diff := cmp.Diff([]ModerationRecord{ban, ipMute}, got); diff != "" {
				t.Fatalf("moderation mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRecentAuditReturnsNewestLast(t *testing.T) {
	ctx := context.Background()
	all := drivers()
	all["memory"] = func(t *testing.T, dir string) Store { return NewMemory() }
	for name, open := range all {
		t.Run(name, func(t *testing.T) {
			st := open(t, t.TempDir())
			defer st.Close()
			for i := 0; i < 5; i++ {
				e := AuditEntry{At: ms(1_800_000_000_000 + int64(i)), ActorID: 1, ActorUsername: "alice", Action: "BAN_USER", Code: 5, TargetID: int64(100 + i), DurationDays: 7}
				if err := st.AppendAudit(ctx, e); err != nil {
					t.Fatalf("AppendAudit: %v", err)
				}
			}
			got, err := st.RecentAudit(ctx, 2)
			if err != nil {
				t.Fatalf("RecentAudit: %v", err)
			}
			if len(got) != 2 || got[0].TargetID != 103 || got[1].TargetID != 104 {
				t.Fatalf("RecentAudit = %+v", got)
			}
			if !got[1].At.Equal(ms(1_800_000_000_004)) || got[1].ActorUsername != "alice" {
				t.Fatalf("entry not round-tripped: %+v", got[1])
			}
		})
	}
}

func TestFileModerationJournalCompacts(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := openFile(Config{Path: filepath.Join(dir, "state.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	fs := st.(*fileStore)
	fs.compactEvery = 3
	for i, key := range []string{"a", "b", "c", "d"} {
		if err := st.PutModeration(ctx, ModerationRecord{Kind: KindMute, Key: key, Until: ms(int64(2_000_000_000_000 + i))}); err != nil {
			t.Fatal(err)
		}
	}
	_ = st.Close()

	st, err = openFile(Config{Path: filepath.Join(dir, "state.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	got, _ := st.LoadModeration(ctx)
	if len(got) != 4 {
		t.Fatalf("records after compaction = %d, want 4", len(got))
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for file driver without path")
	}
}

func TestClosedMemoryStoreFails(t *testing.T) {
	st := NewMemory()
	_ = st.Close()
	if err := st.SaveUsers(context.Background(), []UserRecord{{ID: 1}}); err != ErrClosed {
		t.Fatalf("SaveUsers err = %v, want ErrClosed", err)
	}
}
