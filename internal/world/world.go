// Package world holds the entities the character and NPC managers tick and
// the periodic processes the cycle manager runs. Game rules are deliberately
// thin: the point is the per-tick work, not the gameplay.
package world

import (
	"context"
	"sync"
	"sync/atomic"

	"mmoserver/internal/subsystem"
	"mmoserver/internal/users"
	"mmoserver/pkg/logx"
)

type Config struct {
	NPCs            int
	Shards          int
	RegenEveryTicks int
}

func (c Config) normalized() Config {
	if c.Shards <= 0 {
		c.Shards = 4
	}
	if c.RegenEveryTicks <= 0 {
		c.RegenEveryTicks = 25
	}
	return c
}

// Character is a logged-in user's avatar.
type Character struct {
	id   int64
	name string

	mu          sync.Mutex
	hp, maxHP   int
	onlineTicks uint64
}

func NewCharacter(u *users.User) *Character {
	return &Character{id: u.ID(), name: u.Username(), hp: 50, maxHP: 100}
}

func (c *Character) ID() int64 { return c.id }

func (c *Character) Tick(_ context.Context, _ uint64) error {
	c.mu.Lock()
	c.onlineTicks++
	c.mu.Unlock()
	return nil
}

func (c *Character) regen() {
	c.mu.Lock()
	if c.hp < c.maxHP {
		c.hp++
	}
	c.mu.Unlock()
}

func (c *Character) HP() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hp
}

func (c *Character) OnlineTicks() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onlineTicks
}

// NPC walks a fixed square patrol, one step per tick.
type NPC struct {
	id   int64
	mu   sync.Mutex
	x, y int
}

func (n *NPC) ID() int64 { return n.id }

var patrol = [4][2]int{{1, 0}, {0, 1}, {-1, 0}, {0, -1}}

func (n *NPC) Tick(_ context.Context, tick uint64) error {
	step := patrol[(tick/8)%4]
	n.mu.Lock()
	n.x += step[0]
	n.y += step[1]
	n.mu.Unlock()
	return nil
}

func (n *NPC) Pos() (x, y int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.x, n.y
}

// World owns the entity sets. Characters come and go with logins.
type World struct {
	cfg        Config
	log        logx.Logger
	Characters *subsystem.Entities
	NPCs       *subsystem.Entities
	Cycles     *subsystem.Cycles

	regens atomic.Uint64
}

func New(cfg Config, log logx.Logger) *World {
	w := &World{
		cfg:        cfg.normalized(),
		log:        log.With(logx.String("comp", "world")),
		Characters: subsystem.NewEntities(),
		NPCs:       subsystem.NewEntities(),
		Cycles:     subsystem.NewCycles(),
	}
	for i := 1; i <= w.cfg.NPCs; i++ {
		w.NPCs.Add(&NPC{id: int64(i)})
	}
	w.Cycles.Register(subsystem.Process{
		Name:       "regen",
		EveryTicks: uint64(w.cfg.RegenEveryTicks),
		Run:        w.regen,
	})
	return w
}

func (w *World) Shards() int { return w.cfg.Shards }

// Join spawns the character for u.
func (w *World) Join(u *users.User) {
	w.Characters.Add(NewCharacter(u))
	w.log.Debug("character joined", logx.Int64("user_id", u.ID()))
}

func (w *World) Leave(u *users.User) {
	w.Characters.Remove(u.ID())
	w.log.Debug("character left", logx.Int64("user_id", u.ID()))
}

func (w *World) regen(ctx context.Context, _ uint64) error {
	for _, t := range w.Characters.Snapshot() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c, ok := t.(*Character); ok {
			c.regen()
		}
	}
	w.regens.Add(1)
	return nil
}

type Stats struct {
	Characters int    `json:"characters"`
	NPCs       int    `json:"npcs"`
	Processes  int    `json:"processes"`
	Regens     uint64 `json:"regens"`
}

func (w *World) Stats() Stats {
	return Stats{
		Characters: w.Characters.Len(),
		NPCs:       w.NPCs.Len(),
		Processes:  w.Cycles.Len(),
		Regens:     w.regens.Load(),
	}
}
