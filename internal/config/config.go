// Package config handles master configuration.
//
// Configuration lives in pyfarm.master.toml, loaded with "env:VAR" secret
// indirection so the file itself never carries plaintext credentials.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/guidow/pyfarm-master/internal/db"
)

// Settings is the complete master configuration, loaded from
// pyfarm.master.toml in the working directory. It is passed as a *Settings
// into component constructors rather than reached for as a package-level
// global.
type Settings struct {
	Database  db.Config       `toml:"database"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Email     EmailConfig     `toml:"email"`
	Server    ServerConfig    `toml:"server"`

	// LogFilesDir is written by agents and read/cleaned by the master; see
	// Job/Task log association cleanup.
	LogFilesDir string `toml:"logfiles_dir"`

	// Environments holds environment-specific overrides, applied over the
	// base settings by the active PYFARM_ENV.
	Environments map[string]EnvironmentOverride `toml:"environments"`
}

// SchedulerConfig holds the scheduler's environment-configurable knobs:
// rate limit, poll intervals, request timeout, retry counts, and the
// boundary-behavior toggles.
type SchedulerConfig struct {
	// TickIntervalSeconds is how often the scheduler tick runs.
	TickIntervalSeconds int `toml:"tick_interval_seconds"`
	// TickRateLimit caps assign_to_agent calls per second within a tick, and
	// the dispatcher's outbound request rate (default 1/s).
	TickRateLimit float64 `toml:"tick_rate_limit"`
	// AgentPollIntervalSeconds is loaded, defaulted and hot-reloaded, but the
	// agent poller does not read it: it polls busy agents every 600s and idle
	// agents every 3600s regardless of this value.
	AgentPollIntervalSeconds int `toml:"agent_poll_interval_seconds"`
	// AgentRequestTimeoutSeconds bounds outbound dispatch/stop/delete/poll
	// calls to an agent.
	AgentRequestTimeoutSeconds int `toml:"agent_request_timeout_seconds"`
	// MaxRetries bounds retried outbound agent requests before the agent is
	// marked offline.
	MaxRetries int `toml:"max_retries"`
	// TransactionRetries is loaded and defaulted, but no code reads it: store
	// units of work are not retried on serialization failure.
	TransactionRetries int `toml:"transaction_retries"`
	// LockfileBase is loaded and defaulted, but no code reads it: per-agent
	// exclusion uses the in-process registry or, with MultiProcess, store
	// advisory locks, never filesystem locks.
	LockfileBase string `toml:"lockfile_base"`
	// MultiProcess selects the store-level advisory-lock fallback over the
	// in-process mutex registry for per-agent exclusion.
	MultiProcess bool `toml:"multi_process"`
	// UseTotalRAMForScheduling compares a job's RAM requirement against an
	// agent's total RAM instead of its currently free RAM.
	UseTotalRAMForScheduling bool `toml:"use_total_ram_for_scheduling"`
	// PreferRunningJobs makes the matcher return an eligible running job as
	// soon as it reaches one in a bucket, instead of weighing it against
	// older queued candidates.
	PreferRunningJobs bool `toml:"prefer_running_jobs"`
	// AllowAgentsFromLoopback is loaded, but no code consults it: agent
	// registration does not check the request's source address.
	AllowAgentsFromLoopback bool `toml:"allow_agents_from_loopback"`
}

// TickInterval returns the configured tick interval as a time.Duration.
func (s SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(s.TickIntervalSeconds) * time.Second
}

// AgentPollInterval returns the configured agent poll interval.
func (s SchedulerConfig) AgentPollInterval() time.Duration {
	return time.Duration(s.AgentPollIntervalSeconds) * time.Second
}

// AgentRequestTimeout returns the configured per-request timeout.
func (s SchedulerConfig) AgentRequestTimeout() time.Duration {
	return time.Duration(s.AgentRequestTimeoutSeconds) * time.Second
}

// EmailConfig holds job-completion notification mail settings. The
// transport itself is a stub (out of scope); this only configures which
// from-address and server a future mailer would use to drain the
// notification table.
type EmailConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	User string `toml:"user"`
	// Password supports the "env:VAR" indirection.
	Password string `toml:"password"`
	From     string `toml:"from"`
}

// ServerConfig holds the REST control plane's listen address and ambient
// HTTP concerns.
type ServerConfig struct {
	Address            string `toml:"address"`
	SecurityEnabled     bool   `toml:"security_enabled"`
	AgentWindowSeconds  int    `toml:"agent_window_seconds"`
	AgentBurst          int    `toml:"agent_burst"`
	APIWindowSeconds    int    `toml:"api_window_seconds"`
	APIBurst            int    `toml:"api_burst"`
}

// EnvironmentOverride holds environment-specific configuration overrides,
// applied on top of Settings when PYFARM_ENV names a matching key.
type EnvironmentOverride struct {
	Database  db.Config       `toml:"database"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Email     EmailConfig     `toml:"email"`
	Server    ServerConfig    `toml:"server"`
}

// Load loads configuration from pyfarm.master.toml in the given directory
// and applies the environment override named by PYFARM_ENV ("development"
// when unset). If the file does not exist, it returns defaultSettings()
// with no override applied.
func Load(dir string) (*Settings, error) {
	configPath := filepath.Join(dir, "pyfarm.master.toml")

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return defaultSettings(), nil
	}

	var settings Settings
	if _, err := toml.DecodeFile(configPath, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse pyfarm.master.toml: %w", err)
	}

	settings.applyDefaults()

	env := os.Getenv("PYFARM_ENV")
	if env == "" {
		env = "development"
	}
	if override, ok := settings.Environments[env]; ok {
		settings.applyOverride(&override)
	}

	return &settings, nil
}

// LoadFromEnv builds Settings from the defaults plus the DATABASE_URL and
// LOGFILES_DIR environment variables. Load does not call it; nothing in this
// module does.
func LoadFromEnv() *Settings {
	settings := defaultSettings()

	if url := os.Getenv("DATABASE_URL"); url != "" {
		settings.Database.Adapter = "postgres"
		settings.Database.Postgres.URL = url
	}
	if dir := os.Getenv("LOGFILES_DIR"); dir != "" {
		settings.LogFilesDir = dir
	}

	return settings
}

// defaultSettings returns the default configuration: embedded PostgreSQL
// for zero-config development, and conservative scheduler knobs.
func defaultSettings() *Settings {
	return &Settings{
		Database: db.Config{
			Adapter: "embedded",
			Embedded: db.EmbeddedConfig{
				DataDir: ".pyfarm-master/data",
				Port:    5432,
			},
			Postgres: db.PostgresConfig{
				PoolSize: 20,
				SSLMode:  "prefer",
			},
		},
		Scheduler: SchedulerConfig{
			TickIntervalSeconds:        5,
			TickRateLimit:              1,
			AgentPollIntervalSeconds:   30,
			AgentRequestTimeoutSeconds: 10,
			MaxRetries:                 3,
			TransactionRetries:         3,
			LockfileBase:               "/tmp/pyfarm-master-locks",
		},
		Server: ServerConfig{
			Address:            ":8000",
			SecurityEnabled:    true,
			AgentWindowSeconds: 1,
			AgentBurst:         5,
			APIWindowSeconds:   1,
			APIBurst:           20,
		},
		LogFilesDir: "/var/log/pyfarm/tasks",
	}
}

// applyDefaults fills in missing values with defaults.
func (s *Settings) applyDefaults() {
	defaults := defaultSettings()

	if s.Database.Adapter == "" {
		s.Database.Adapter = defaults.Database.Adapter
	}
	if s.Database.Embedded.DataDir == "" {
		s.Database.Embedded.DataDir = defaults.Database.Embedded.DataDir
	}
	if s.Database.Embedded.Port == 0 {
		s.Database.Embedded.Port = defaults.Database.Embedded.Port
	}
	if s.Database.Postgres.PoolSize == 0 {
		s.Database.Postgres.PoolSize = defaults.Database.Postgres.PoolSize
	}
	if s.Database.Postgres.SSLMode == "" {
		s.Database.Postgres.SSLMode = defaults.Database.Postgres.SSLMode
	}

	if s.Scheduler.TickIntervalSeconds == 0 {
		s.Scheduler.TickIntervalSeconds = defaults.Scheduler.TickIntervalSeconds
	}
	if s.Scheduler.TickRateLimit == 0 {
		s.Scheduler.TickRateLimit = defaults.Scheduler.TickRateLimit
	}
	if s.Scheduler.AgentPollIntervalSeconds == 0 {
		s.Scheduler.AgentPollIntervalSeconds = defaults.Scheduler.AgentPollIntervalSeconds
	}
	if s.Scheduler.AgentRequestTimeoutSeconds == 0 {
		s.Scheduler.AgentRequestTimeoutSeconds = defaults.Scheduler.AgentRequestTimeoutSeconds
	}
	if s.Scheduler.MaxRetries == 0 {
		s.Scheduler.MaxRetries = defaults.Scheduler.MaxRetries
	}
	if s.Scheduler.TransactionRetries == 0 {
		s.Scheduler.TransactionRetries = defaults.Scheduler.TransactionRetries
	}
	if s.Scheduler.LockfileBase == "" {
		s.Scheduler.LockfileBase = defaults.Scheduler.LockfileBase
	}

	if s.Server.Address == "" {
		s.Server.Address = defaults.Server.Address
	}
	if s.Server.AgentWindowSeconds == 0 {
		s.Server.AgentWindowSeconds = defaults.Server.AgentWindowSeconds
	}
	if s.Server.AgentBurst == 0 {
		s.Server.AgentBurst = defaults.Server.AgentBurst
	}
	if s.Server.APIWindowSeconds == 0 {
		s.Server.APIWindowSeconds = defaults.Server.APIWindowSeconds
	}
	if s.Server.APIBurst == 0 {
		s.Server.APIBurst = defaults.Server.APIBurst
	}

	if s.LogFilesDir == "" {
		s.LogFilesDir = defaults.LogFilesDir
	}
}

// applyOverride applies environment-specific overrides on top of s.
func (s *Settings) applyOverride(override *EnvironmentOverride) {
	if override.Database.Adapter != "" {
		s.Database.Adapter = override.Database.Adapter
	}
	if override.Database.Postgres.URL != "" {
		s.Database.Postgres.URL = override.Database.Postgres.URL
	}
	if override.Database.Postgres.PoolSize != 0 {
		s.Database.Postgres.PoolSize = override.Database.Postgres.PoolSize
	}
	if override.Database.Embedded.Ephemeral {
		s.Database.Embedded.Ephemeral = true
	}

	if override.Scheduler.TickIntervalSeconds != 0 {
		s.Scheduler.TickIntervalSeconds = override.Scheduler.TickIntervalSeconds
	}
	if override.Scheduler.AgentPollIntervalSeconds != 0 {
		s.Scheduler.AgentPollIntervalSeconds = override.Scheduler.AgentPollIntervalSeconds
	}
	if override.Scheduler.MultiProcess {
		s.Scheduler.MultiProcess = true
	}
	if override.Scheduler.UseTotalRAMForScheduling {
		s.Scheduler.UseTotalRAMForScheduling = true
	}
	if override.Scheduler.PreferRunningJobs {
		s.Scheduler.PreferRunningJobs = true
	}
	if override.Scheduler.AllowAgentsFromLoopback {
		s.Scheduler.AllowAgentsFromLoopback = true
	}

	if override.Email.Host != "" {
		s.Email.Host = override.Email.Host
	}
	if override.Email.From != "" {
		s.Email.From = override.Email.From
	}

	if override.Server.Address != "" {
		s.Server.Address = override.Server.Address
	}
}

// ResolveSecrets resolves all "env:" prefixed values to their actual
// environment-variable values. Call this after Load() or LoadFromEnv().
func (s *Settings) ResolveSecrets() {
	s.Database.Postgres.URL = resolveEnvValue(s.Database.Postgres.URL)
	s.Email.Host = resolveEnvValue(s.Email.Host)
	s.Email.User = resolveEnvValue(s.Email.User)
	s.Email.Password = resolveEnvValue(s.Email.Password)
}

// resolveEnvValue resolves "env:VAR_NAME" to the actual environment
// variable value.
func resolveEnvValue(value string) string {
	if len(value) > 4 && value[:4] == "env:" {
		return os.Getenv(value[4:])
	}
	return value
}
