package world

import (
	"context"
	"testing"

	"mmoserver/internal/storage"
	"mmoserver/internal/users"
	"mmoserver/pkg/logx"
)

func TestJoinLeaveAndRegen(t *testing.T) {
	um := users.New(storage.NewMemory())
	u, err := um.Login("alice", "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	w := New(Config{NPCs: 3, RegenEveryTicks: 5}, logx.Nop())
	w.Join(u)
	if s := w.Stats(); s.Characters != 1 || s.NPCs != 3 || s.Processes != 1 {
		t.Fatalf("stats = %+v", s)
	}

	c := w.Characters.Snapshot()[0].(*Character)
	before := c.HP()
	if err := w.regen(context.Background(), 5); err != nil {
		t.Fatal(err)
	}
	if c.HP() != before+1 {
		t.Fatalf("hp = %d, want %d", c.HP(), before+1)
	}

	w.Leave(u)
	if w.Characters.Len() != 0 {
		t.Fatal("character not removed")
	}
}

func TestNPCPatrolReturnsHome(t *testing.T) {
	n := &NPC{id: 1}
	for tick := uint64(0); tick < 32; tick++ {
		_ = n.Tick(context.Background(), tick)
	}
	if x, y := n.Pos(); x != 0 || y != 0 {
		t.Fatalf("pos = (%d,%d), want origin after a full patrol", x, y)
	}
}
