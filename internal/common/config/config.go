// Package config provides configuration management for Liminal.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Liminal.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Router    RouterConfig    `mapstructure:"router"`
	Territory TerritoryConfig `mapstructure:"territory"`
	Director  DirectorConfig  `mapstructure:"director"`
}

// ServerConfig holds HTTP server configuration for the director API.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds session store configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// AgentConfig holds agent process host configuration.
type AgentConfig struct {
	// CLIPath is the agent CLI binary spawned for each agent.
	CLIPath string `mapstructure:"cliPath"`

	// WorkingDir overrides the per-role working directory when set.
	WorkingDir string `mapstructure:"workingDir"`

	// ScrollbackBytes caps the per-agent PTY scrollback ring buffer.
	ScrollbackBytes int64 `mapstructure:"scrollbackBytes"`

	// PromptMarker is the regex marking the agent CLI's input prompt.
	PromptMarker string `mapstructure:"promptMarker"`

	// TurnSentinel is the line marking end-of-turn in agent output.
	TurnSentinel string `mapstructure:"turnSentinel"`

	// ReadyTimeoutMs bounds the spawn-to-first-prompt wait.
	ReadyTimeoutMs int `mapstructure:"readyTimeoutMs"`

	// GracefulKillMs bounds SIGTERM-to-SIGKILL on shutdown.
	GracefulKillMs int `mapstructure:"gracefulKillMs"`

	// Runtime selects the spawn backend: "local" (PTY) or "container".
	Runtime string `mapstructure:"runtime"`

	// ContainerImage is the image used by the container runtime.
	ContainerImage string `mapstructure:"containerImage"`
}

// RouterConfig holds unified message router tuning.
type RouterConfig struct {
	MailboxCap   int `mapstructure:"mailboxCap"`   // soft cap; Info rejected beyond
	AgeLimitMs   int `mapstructure:"ageLimitMs"`   // max Info wait before top effective priority
	AckTimeoutMs int `mapstructure:"ackTimeoutMs"` // critical ack window
}

// AgeLimit returns the aging limit as a duration.
func (r *RouterConfig) AgeLimit() time.Duration {
	return time.Duration(r.AgeLimitMs) * time.Millisecond
}

// AckTimeout returns the ack window as a duration.
func (r *RouterConfig) AckTimeout() time.Duration {
	return time.Duration(r.AckTimeoutMs) * time.Millisecond
}

// TerritoryConfig holds lease arbiter tuning.
type TerritoryConfig struct {
	TickMs       int `mapstructure:"tickMs"`       // expiry granularity
	DefaultTTLMs int `mapstructure:"defaultTtlMs"` // lease TTL when the requester gives none
}

// Tick returns the expiry tick as a duration.
func (t *TerritoryConfig) Tick() time.Duration {
	return time.Duration(t.TickMs) * time.Millisecond
}

// DefaultTTL returns the default lease TTL as a duration.
func (t *TerritoryConfig) DefaultTTL() time.Duration {
	return time.Duration(t.DefaultTTLMs) * time.Millisecond
}

// DirectorConfig holds runbook executor configuration.
type DirectorConfig struct {
	// MaxParallel caps concurrent independent turns. 1 keeps runbooks
	// strictly linear.
	MaxParallel int `mapstructure:"maxParallel"`

	// SessionsDir is the root of the on-disk session layout.
	SessionsDir string `mapstructure:"sessionsDir"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7180)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./liminal.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "liminal")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "liminal")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 10)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "liminal")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")

	// Agent host defaults
	v.SetDefault("agent.cliPath", "agent")
	v.SetDefault("agent.workingDir", "")
	v.SetDefault("agent.scrollbackBytes", int64(1024*1024))
	v.SetDefault("agent.promptMarker", `^>\s*$`)
	v.SetDefault("agent.turnSentinel", "<<turn-complete>>")
	v.SetDefault("agent.readyTimeoutMs", 5000)
	v.SetDefault("agent.gracefulKillMs", 10000)
	v.SetDefault("agent.runtime", "local")
	v.SetDefault("agent.containerImage", "liminal/agent:latest")

	// Router defaults
	v.SetDefault("router.mailboxCap", 1024)
	v.SetDefault("router.ageLimitMs", 30000)
	v.SetDefault("router.ackTimeoutMs", 100)

	// Territory defaults
	v.SetDefault("territory.tickMs", 100)
	v.SetDefault("territory.defaultTtlMs", 30000)

	// Director defaults
	v.SetDefault("director.maxParallel", 1)
	v.SetDefault("director.sessionsDir", "./sessions")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix LIMINAL_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/liminal/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("LIMINAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so we
	// bind the documented operator overrides by hand.
	_ = v.BindEnv("agent.workingDir", "LIMINAL_WORKDIR")
	_ = v.BindEnv("agent.cliPath", "LIMINAL_AGENT_CLI")
	_ = v.BindEnv("agent.scrollbackBytes", "LIMINAL_PTY_SCROLLBACK")
	_ = v.BindEnv("director.maxParallel", "LIMINAL_MAX_PARALLEL")
	_ = v.BindEnv("director.sessionsDir", "LIMINAL_SESSIONS_DIR")
	_ = v.BindEnv("logging.level", "LIMINAL_LOG_LEVEL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/liminal/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Driver != "sqlite" && cfg.Database.Driver != "postgres" {
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}
	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Agent.CLIPath == "" {
		errs = append(errs, "agent.cliPath is required")
	}
	if cfg.Agent.Runtime != "local" && cfg.Agent.Runtime != "container" {
		errs = append(errs, "agent.runtime must be one of: local, container")
	}
	if cfg.Agent.ScrollbackBytes <= 0 {
		errs = append(errs, "agent.scrollbackBytes must be positive")
	}

	if cfg.Router.MailboxCap <= 0 {
		errs = append(errs, "router.mailboxCap must be positive")
	}
	if cfg.Router.AgeLimitMs <= 0 {
		errs = append(errs, "router.ageLimitMs must be positive")
	}
	if cfg.Router.AckTimeoutMs <= 0 {
		errs = append(errs, "router.ackTimeoutMs must be positive")
	}

	if cfg.Territory.TickMs <= 0 {
		errs = append(errs, "territory.tickMs must be positive")
	}
	if cfg.Territory.DefaultTTLMs <= 0 {
		errs = append(errs, "territory.defaultTtlMs must be positive")
	}

	if cfg.Director.MaxParallel <= 0 {
		errs = append(errs, "director.maxParallel must be positive")
	}
	if cfg.Director.SessionsDir == "" {
		errs = append(errs, "director.sessionsDir is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
