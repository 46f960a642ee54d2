package config

import (
	"sort"

	"mmoserver/pkg/logx"
)

// Sections that take effect without a restart.
var liveSections = map[string]bool{
	"logging": true,
	"alerts":  true,
	"tick":    true,
	"jobs":    true,
	"debug":   true,
}

// SummarizeConfigChange lists the changed sections and log fields describing
// them. Secrets (the alert token) are never included, only whether one is set.
// restartNeeded names changed sections that only apply at startup.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, fields []logx.Field, restartNeeded []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if oldCfg.Server != newCfg.Server {
		changed = append(changed, "server")
		fields = append(fields, logx.String("server.addr", newCfg.Server.Addr))
	}

	if !sameTick(oldCfg.Tick, newCfg.Tick) {
		changed = append(changed, "tick")
		fields = append(fields,
			logx.String("tick.period", newCfg.Tick.Period),
			logx.Int("tick.stats_every_ticks", newCfg.Tick.StatsEveryTicks),
		)
	}

	if oldCfg.Connections != newCfg.Connections {
		changed = append(changed, "connections")
		fields = append(fields, logx.String("connections.idle_timeout", newCfg.Connections.IdleTimeout))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		fields = append(fields,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", newCfg.Storage.Path != ""),
		)
	}

	if oldCfg.Alerts != newCfg.Alerts {
		changed = append(changed, "alerts")
		fields = append(fields,
			logx.Bool("alerts.enabled", newCfg.Alerts.Enabled),
			logx.Bool("alerts.token_set", newCfg.Alerts.Token != ""),
			logx.Bool("alerts.token_changed", oldCfg.Alerts.Token != newCfg.Alerts.Token),
			logx.String("alerts.min_level", newCfg.Alerts.MinLevel),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}

	if oldCfg.Jobs != newCfg.Jobs {
		changed = append(changed, "jobs")
		fields = append(fields,
			logx.String("jobs.moderation_sweep", newCfg.Jobs.ModerationSweep),
			logx.String("jobs.user_autosave", newCfg.Jobs.UserAutosave),
		)
	}

	if oldCfg.Users != newCfg.Users {
		changed = append(changed, "users")
	}

	if oldCfg.World != newCfg.World {
		changed = append(changed, "world")
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		fields = append(fields,
			logx.Bool("debug.pprof.enabled", newCfg.Debug.Pprof.Enabled),
			logx.String("debug.pprof.addr", newCfg.Debug.Pprof.Addr),
			logx.Bool("debug.pprof.token_set", newCfg.Debug.Pprof.Token != ""),
		)
	}

	sort.Strings(changed)
	for _, s := range changed {
		if !liveSections[s] {
			restartNeeded = append(restartNeeded, s)
		}
	}
	return changed, fields, restartNeeded
}

func sameTick(a, b TickConfig) bool {
	if a.Period != b.Period || a.PollInterval != b.PollInterval || a.MinSleep != b.MinSleep || a.StatsEveryTicks != b.StatsEveryTicks {
		return false
	}
	switch {
	case a.PauseGraceTicks == nil && b.PauseGraceTicks == nil:
		return true
	case a.PauseGraceTicks == nil || b.PauseGraceTicks == nil:
		return false
	default:
		return *a.PauseGraceTicks == *b.PauseGraceTicks
	}
}
