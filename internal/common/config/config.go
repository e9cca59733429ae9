// Package config provides configuration management for AgentDock.
// It supports loading configuration from environment variables, a YAML config
// file, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for AgentDock.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Events    EventsConfig    `mapstructure:"events"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Usage     UsageConfig     `mapstructure:"usage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig holds HTTP/WebSocket server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds session store configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite3 or postgres
	Path     string `mapstructure:"path"`   // sqlite3 database file
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
}

// EventsConfig holds event bus configuration. An empty NATS URL selects the
// in-memory bus.
type EventsConfig struct {
	NATSURL   string `mapstructure:"natsUrl"`
	Namespace string `mapstructure:"namespace"`
}

// AgentConfig holds the agent CLI invocation configuration.
type AgentConfig struct {
	// Command is the agent CLI binary to spawn per session.
	Command string `mapstructure:"command"`
	// Args are extra arguments prepended before the protocol flags.
	Args []string `mapstructure:"args"`
	// PermissionTool is the MCP tool name passed via --permission-prompt-tool.
	// Empty disables the out-of-process permission route.
	PermissionTool string `mapstructure:"permissionTool"`
	// PermissionToolCommand is the command the MCP config points at.
	PermissionToolCommand string `mapstructure:"permissionToolCommand"`
	// Mock replaces the agent command with the scripted mock agent.
	Mock bool `mapstructure:"mock"`
}

// WorkspaceConfig holds workspace provisioning configuration.
type WorkspaceConfig struct {
	// SessionsBaseDir is the tmpfs root for local-copy workspaces.
	SessionsBaseDir string `mapstructure:"sessionsBaseDir"`
	// CacheDir is the root for remote-git clones.
	CacheDir string `mapstructure:"cacheDir"`
	// Container switches the provisioner to container-mode path policy.
	Container bool `mapstructure:"container"`
}

// UsageConfig holds the usage reporter configuration.
type UsageConfig struct {
	// ReportInterval is the period between global_usage snapshots, in seconds.
	ReportInterval int `mapstructure:"reportInterval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry configuration. An empty endpoint
// disables the exporter.
type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"serviceName"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ReportIntervalDuration returns the usage report period as a time.Duration.
func (u *UsageConfig) ReportIntervalDuration() time.Duration {
	return time.Duration(u.ReportInterval) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8844)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "./agentdock.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentdock")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agentdock")
	v.SetDefault("database.sslMode", "disable")

	// Empty URL means use the in-memory event bus
	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.namespace", "agentdock")

	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.args", []string{})
	v.SetDefault("agent.permissionTool", "mcp__agentdock__permission_prompt")
	v.SetDefault("agent.permissionToolCommand", "permission-mcp")
	v.SetDefault("agent.mock", false)

	v.SetDefault("workspace.sessionsBaseDir", filepath.Join(os.TempDir(), "agentdock-sessions"))
	v.SetDefault("workspace.cacheDir", defaultCacheDir())
	v.SetDefault("workspace.container", false)

	v.SetDefault("usage.reportInterval", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.serviceName", "agentdock")
}

// defaultCacheDir returns the default root for remote-git clone caches.
func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "agentdock-cache")
	}
	return filepath.Join(home, ".agentdock", "cache")
}

// detectDefaultLogFormat returns "json" in Kubernetes or explicit production
// environments and "console" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTDOCK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "console"
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix AGENTDOCK_ with underscore
// naming (AGENTDOCK_SERVER_PORT).
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTDOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from the config key.
	_ = v.BindEnv("agent.command", "AGENTDOCK_AGENT_COMMAND")
	_ = v.BindEnv("agent.permissionToolCommand", "AGENTDOCK_PERMISSION_TOOL_COMMAND")
	_ = v.BindEnv("logging.level", "AGENTDOCK_LOG_LEVEL")
	_ = v.BindEnv("events.natsUrl", "AGENTDOCK_NATS_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentdock/")

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

	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite3 driver")
		}
	case "postgres":
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be sqlite3 or postgres")
	}

	if cfg.Agent.Command == "" && !cfg.Agent.Mock {
		errs = append(errs, "agent.command is required unless agent.mock is set")
	}

	if cfg.Usage.ReportInterval <= 0 {
		errs = append(errs, "usage.reportInterval must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
