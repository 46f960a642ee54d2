package config

// Config is the server configuration file. Durations are Go duration strings
// ("400ms", "1m"). Zero values fall back to the component defaults.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Tick        TickConfig        `json:"tick"`
	Connections ConnectionsConfig `json:"connections,omitempty"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Alerts      AlertsConfig      `json:"alerts,omitempty"`
	Systemd     SystemdConfig     `json:"systemd,omitempty"`
	Jobs        JobsConfig        `json:"jobs,omitempty"`
	Users       UsersConfig       `json:"users,omitempty"`
	World       WorldConfig       `json:"world,omitempty"`
	Debug       DebugConfig       `json:"debug,omitempty"`
}

type ServerConfig struct {
	// Name prefixes operator alerts.
	Name string `json:"name,omitempty"`
	Addr string `json:"addr"`
}

// TickConfig is live-reloadable.
type TickConfig struct {
	Period          string `json:"period,omitempty"`
	PollInterval    string `json:"poll_interval,omitempty"`
	MinSleep        string `json:"min_sleep,omitempty"`
	StatsEveryTicks int    `json:"stats_every_ticks,omitempty"`
	PauseGraceTicks *int   `json:"pause_grace_ticks,omitempty"`
}

type ConnectionsConfig struct {
	IdleTimeout       string  `json:"idle_timeout,omitempty"`
	PingInterval      string  `json:"ping_interval,omitempty"`
	WriteTimeout      string  `json:"write_timeout,omitempty"`
	MaxMessageBytes   int64   `json:"max_message_bytes,omitempty"`
	PacketRate        float64 `json:"packet_rate,omitempty"`
	PacketBurst       int     `json:"packet_burst,omitempty"`
	MaxPacketsPerTick int     `json:"max_packets_per_tick,omitempty"`
}

// LoggingConfig is live-reloadable.
type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// StorageConfig selects the persistence driver: "memory", "file" or "sqlite".
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// AlertsConfig forwards warn+ log lines to a Telegram chat.
type AlertsConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}

// JobsConfig holds cron specs ("*/5 * * * *", "@every 10m"). Empty disables a job.
type JobsConfig struct {
	Timezone        string `json:"timezone,omitempty"`
	ModerationSweep string `json:"moderation_sweep,omitempty"`
	UserAutosave    string `json:"user_autosave,omitempty"`
}

type UsersConfig struct {
	// BootstrapAdmin is granted admin rights when the account is first created.
	BootstrapAdmin string `json:"bootstrap_admin,omitempty"`
}

// WorldConfig sizes the world driven by the character and NPC managers.
type WorldConfig struct {
	NPCs            int `json:"npcs,omitempty"`
	Shards          int `json:"shards,omitempty"`
	RegenEveryTicks int `json:"regen_every_ticks,omitempty"`
}

// DebugConfig is live-reloadable.
type DebugConfig struct {
	Pprof PprofConfig `json:"pprof,omitempty"`
}

type PprofConfig struct {
	Enabled              bool   `json:"enabled"`
	Addr                 string `json:"addr,omitempty"`
	Token                string `json:"token,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
}
