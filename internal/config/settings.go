package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"mmoserver/internal/runtime/pprof"
	"mmoserver/internal/storage"
	"mmoserver/internal/tick"
	"mmoserver/internal/transport/ws"
	"mmoserver/pkg/logx"
)

// CronParser accepts 5- and 6-field specs plus descriptors like "@every 10m".
var CronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks every field that cannot be caught by strict decoding.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr: required"))
	}
	if _, err := c.TickSettings(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ConnectionSettings(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.StorageSettings(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path: required for driver %q", c.Storage.Driver))
		}
	}
	if c.Alerts.Enabled {
		if strings.TrimSpace(c.Alerts.Token) == "" {
			errs = append(errs, errors.New("alerts.token: required when alerts are enabled"))
		}
		if c.Alerts.ChatID == 0 {
			errs = append(errs, errors.New("alerts.chat_id: required when alerts are enabled"))
		}
	}
	for _, j := range []struct{ path, spec string }{
		{"jobs.moderation_sweep", c.Jobs.ModerationSweep},
		{"jobs.user_autosave", c.Jobs.UserAutosave},
	} {
		if strings.TrimSpace(j.spec) == "" {
			continue
		}
		if _, err := CronParser.Parse(j.spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", j.path, err))
		}
	}
	if tz := strings.TrimSpace(c.Jobs.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("jobs.timezone: %w", err))
		}
	}
	if c.World.NPCs < 0 || c.World.Shards < 0 || c.World.RegenEveryTicks < 0 {
		errs = append(errs, errors.New("world: values must be >= 0"))
	}
	return errors.Join(errs...)
}

// TickSettings converts the tick section. Omitted fields keep the scheduler defaults.
func (c *Config) TickSettings() (tick.Config, error) {
	def := tick.DefaultConfig()
	out := def
	var err error
	if out.TickPeriod, err = ParseDurationOrDefault("tick.period", c.Tick.Period, def.TickPeriod); err != nil {
		return tick.Config{}, err
	}
	if out.PollInterval, err = ParseDurationOrDefault("tick.poll_interval", c.Tick.PollInterval, def.PollInterval); err != nil {
		return tick.Config{}, err
	}
	if out.MinSleep, err = ParseDurationOrDefault("tick.min_sleep", c.Tick.MinSleep, def.MinSleep); err != nil {
		return tick.Config{}, err
	}
	if out.PollInterval >= out.TickPeriod {
		return tick.Config{}, fmt.Errorf("tick.poll_interval: must be shorter than tick.period")
	}
	if c.Tick.StatsEveryTicks < 0 {
		return tick.Config{}, fmt.Errorf("tick.stats_every_ticks: must be >= 0")
	}
	if c.Tick.StatsEveryTicks > 0 {
		out.StatsEveryTicks = c.Tick.StatsEveryTicks
	}
	if g := c.Tick.PauseGraceTicks; g != nil {
		if *g < 0 {
			return tick.Config{}, fmt.Errorf("tick.pause_grace_ticks: must be >= 0")
		}
		out.PauseGraceTicks = *g
	}
	return out, nil
}

func (c *Config) ConnectionSettings() (ws.Config, error) {
	cc := c.Connections
	out := ws.Config{
		MaxMessageBytes:   cc.MaxMessageBytes,
		PacketRate:        cc.PacketRate,
		PacketBurst:       cc.PacketBurst,
		MaxPacketsPerTick: cc.MaxPacketsPerTick,
	}
	var err error
	if out.IdleTimeout, err = ParseDurationField("connections.idle_timeout", cc.IdleTimeout); err != nil {
		return ws.Config{}, err
	}
	if out.PingInterval, err = ParseDurationField("connections.ping_interval", cc.PingInterval); err != nil {
		return ws.Config{}, err
	}
	if out.WriteTimeout, err = ParseDurationField("connections.write_timeout", cc.WriteTimeout); err != nil {
		return ws.Config{}, err
	}
	return out, nil
}

func (c *Config) StorageSettings() (storage.Config, error) {
	busy, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(c.Storage.Driver),
		Path:        strings.TrimSpace(c.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

func (c *Config) LogSettings() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled:    c.Logging.File.Enabled,
			Path:       c.Logging.File.Path,
			MaxSizeMB:  c.Logging.File.MaxSizeMB,
			MaxBackups: c.Logging.File.MaxBackups,
			MaxAgeDays: c.Logging.File.MaxAgeDays,
			Compress:   c.Logging.File.Compress,
		},
		Alerts: logx.AlertConfig{
			Enabled:    c.Alerts.Enabled,
			MinLevel:   c.Alerts.MinLevel,
			RatePerSec: c.Alerts.RatePerSec,
		},
	}
}

func (c *Config) PprofSettings() pprof.Config {
	p := c.Debug.Pprof
	return pprof.Config{
		Enabled:              p.Enabled,
		Addr:                 strings.TrimSpace(p.Addr),
		Token:                p.Token,
		MutexProfileFraction: p.MutexProfileFraction,
		BlockProfileRate:     p.BlockProfileRate,
	}
}
