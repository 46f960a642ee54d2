// Package app wires the server together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"mmoserver/internal/admin"
	"mmoserver/internal/config"
	"mmoserver/internal/eventbus"
	"mmoserver/internal/jobs"
	"mmoserver/internal/moderation"
	"mmoserver/internal/runtime/pprof"
	"mmoserver/internal/runtime/sdnotify"
	"mmoserver/internal/runtime/supervisor"
	"mmoserver/internal/storage"
	"mmoserver/internal/subsystem"
	"mmoserver/internal/tick"
	"mmoserver/internal/transport/telegram"
	"mmoserver/internal/transport/ws"
	"mmoserver/internal/users"
	"mmoserver/internal/world"
	"mmoserver/pkg/logx"
)

// Job names.
const (
	JobModerationSweep = "moderation.sweep"
	JobUserAutosave    = "users.autosave"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	users   *users.Manager
	mod     *moderation.Handler
	sched   *tick.Scheduler
	subs    *subsystem.Set
	world   *world.World
	hub     *ws.Hub
	server  *ws.Server
	admin   *admin.Handler
	jobs    *jobs.Service
	sd      *sdnotify.Notifier
	alerter *telegram.Alerter
	pprof   *pprof.Service

	console io.Reader
	started time.Time
	ready   chan struct{}
}

type Option func(*App)

// WithConsole reads trusted admin commands from r, one per line.
func WithConsole(r io.Reader) Option { return func(a *App) { a.console = r } }

// NewApp loads the config and builds every component. Nothing runs until Start.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(cfg.LogSettings(), nil)
	log := root.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, logs: logSvc, log: log, bus: eventbus.New(), ready: make(chan struct{})}
	for _, o := range opts {
		o(a)
	}

	if cfg.Alerts.Enabled {
		al, err := telegram.New(telegram.Config{
			Token:    cfg.Alerts.Token,
			ChatID:   cfg.Alerts.ChatID,
			ThreadID: cfg.Alerts.ThreadID,
			Prefix:   alertPrefix(cfg.Server.Name),
		})
		if err != nil {
			// Alerts are an operator convenience; the server runs without them.
			log.Warn("telegram alerts disabled", logx.Err(err))
		} else {
			a.alerter = al
			logSvc.SetAlerter(al)
		}
	}

	sc, err := cfg.StorageSettings()
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	a.store = st
	log.Info("storage opened", logx.String("driver", sc.Driver))

	a.users = users.New(st,
		users.WithLogger(root.With(logx.String("comp", "users"))),
		users.WithBootstrapAdmin(cfg.Users.BootstrapAdmin),
	)
	a.mod = moderation.New(st, moderation.WithLogger(root.With(logx.String("comp", "moderation"))))

	tc, err := cfg.TickSettings()
	if err != nil {
		return nil, err
	}
	a.sched = tick.New(tc,
		tick.WithLogger(root.With(logx.String("comp", "tick"))),
		tick.WithBus(a.bus),
		tick.WithLauncher(a.launchTask),
	)
	a.subs = subsystem.NewSet(a.sched, root.With(logx.String("comp", "subsystems")))

	a.world = world.New(world.Config{
		NPCs:            cfg.World.NPCs,
		Shards:          cfg.World.Shards,
		RegenEveryTicks: cfg.World.RegenEveryTicks,
	}, root)

	wc, err := cfg.ConnectionSettings()
	if err != nil {
		return nil, err
	}
	a.hub = ws.NewHub(wc, a.sched, a.users, a.mod,
		ws.WithLogger(root),
		ws.WithHooks(ws.Hooks{OnLogin: a.world.Join, OnLogout: a.world.Leave}),
	)
	a.admin = admin.New(admin.Deps{
		Scheduler:    a.sched,
		Restarter:    a.subs,
		Users:        a.users,
		Moderation:   a.mod,
		Audit:        st,
		Disconnector: a.hub,
		Log:          root,
	})
	a.hub.SetAdmin(a.admin)
	a.server = ws.NewServer(cfg.Server.Addr, a.hub, a.status, root)

	a.jobs = jobs.New(root, a.bus)
	if err := a.applyJobs(cfg.Jobs); err != nil {
		return nil, err
	}
	a.pprof = pprof.New(root)
	a.sd = sdnotify.New(sdnotify.Config{Enabled: cfg.Systemd.Notify, Watchdog: cfg.Systemd.Watchdog}, a.sched, root)

	a.subs.Register(subsystem.Character, subsystem.EntityTasks(subsystem.Character, a.world.Shards(), a.world.Characters))
	a.subs.Register(subsystem.Connection, a.hub.Builder())
	a.subs.Register(subsystem.Cycle, subsystem.CycleTasks(a.world.Cycles))
	a.subs.Register(subsystem.NPC, subsystem.EntityTasks(subsystem.NPC, a.world.Shards(), a.world.NPCs))
	return a, nil
}

func alertPrefix(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	return "[" + name + "]"
}

// launchTask hosts tick task goroutines on the app supervisor.
func (a *App) launchTask(name string, fn func(ctx context.Context)) {
	a.sup.Go0("task."+name, fn)
}

func (a *App) applyJobs(jc config.JobsConfig) error {
	if err := a.jobs.Set(JobModerationSweep, jc.ModerationSweep, time.Minute, func(ctx context.Context) error {
		n, err := a.mod.Prune(ctx)
		if n > 0 {
			a.log.Info("expired moderation records removed", logx.Int("count", n))
		}
		return err
	}); err != nil {
		return err
	}
	return a.jobs.Set(JobUserAutosave, jc.UserAutosave, time.Minute, func(ctx context.Context) error {
		_, err := a.users.SaveAll(ctx)
		return err
	})
}

// RequestExit asks the tick loop to stop after the tick in progress. Safe to
// call from a signal handler goroutine.
func (a *App) RequestExit() { a.sched.RequestExit() }

// Addr is the bound listen address once Start returned.
func (a *App) Addr() string { return a.server.Addr() }

// Ready is closed when Start has completed.
func (a *App) Ready() <-chan struct{} { return a.ready }

// Start loads persisted state, creates the subsystem tasks, binds the
// listener and starts the background services. It does not start ticking.
func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if err := a.users.Load(ctx); err != nil {
		return err
	}
	if err := a.mod.Load(ctx); err != nil {
		return err
	}

	a.subs.StartAll()

	if err := a.server.Listen(); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	a.sup.Go("http", a.server.Serve)

	cfg := a.cfgm.Get()
	a.jobs.Start(a.sup.Context(), cfg.Jobs.Timezone)

	if err := a.pprof.Apply(ctx, cfg.PprofSettings()); err != nil {
		a.log.Warn("pprof not started", logx.Err(err))
	}

	a.sup.Go("sdnotify", func(c context.Context) error { return a.sd.Run(c, a.bus) })
	a.startEventLoops()
	a.startConfigReload()

	if a.console != nil {
		a.sup.Go("admin.console", func(c context.Context) error {
			return a.admin.ServeConsole(c, a.console)
		})
	}

	a.sd.Ready()
	close(a.ready)
	a.log.Info("app started", logx.String("addr", a.server.Addr()), logx.Int("tasks", a.sched.Registry().Len()))
	return nil
}

// Run starts the app, drives the tick loop on the calling goroutine until
// exit is requested, then saves and shuts everything down.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, StopFatalError)
		return err
	}

	loopErr := a.sched.Start(a.sup.Context())
	reason := StopExitRequested
	if err := a.sup.Err(); err != nil {
		reason = StopFatalError
		loopErr = errors.Join(loopErr, err)
	} else if ctx.Err() != nil {
		reason = StopContextDone
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.shutdownHook(stopCtx)
	if err := a.Stop(stopCtx, reason); err != nil {
		a.log.Warn("stop", logx.Err(err))
	}
	return loopErr
}

// shutdownHook runs once the tick loop has returned.
func (a *App) shutdownHook(ctx context.Context) {
	n, err := a.users.SaveAll(ctx)
	if err != nil {
		a.log.Error("failed to save users before going down", logx.Err(err))
		return
	}
	a.log.Info("saved all users before going down", logx.Int("count", n))
}

// Stop tears down background services. Each step is bounded so a stuck
// component cannot hold the process.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeStore()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()
	a.sched.RequestExit()
	a.sup.Cancel()

	a.step(ctx, "jobs", 5*time.Second, func(c context.Context) error {
		a.jobs.Stop(c)
		return nil
	})
	a.step(ctx, "pprof", 2*time.Second, func(c context.Context) error {
		a.pprof.Stop(c)
		return nil
	})
	a.step(ctx, "supervisor", 5*time.Second, a.sup.Wait)
	a.step(ctx, "storage", 5*time.Second, func(context.Context) error { return a.closeStore() })

	a.log.Info("stopped", logx.Duration("uptime", time.Since(a.started)))
	return a.logs.Close()
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped, no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
