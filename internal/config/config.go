package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/robfig/cron/v3"
)

// Config is the complete, immutable supervisor configuration. It is built
// once by Load, validated, and passed by pointer to every component
// constructor; nothing mutates it afterwards.
type Config struct {
	Server  ServerConfig  `yaml:"server" json:"server"`
	Query   QueryConfig   `yaml:"query" json:"query"`
	Rcon    RconConfig    `yaml:"rcon" json:"rcon"`
	Wake    WakeConfig    `yaml:"wake" json:"wake"`
	Monitor MonitorConfig `yaml:"monitor" json:"monitor"`
	Perf    PerfConfig    `yaml:"perf" json:"perf"`
	HTTP    HTTPConfig    `yaml:"http" json:"http"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// LaunchMode selects how the child process is spawned.
type LaunchMode string

const (
	// LaunchScript writes a disposable wrapper script that changes into the
	// working directory and invokes the configured start script.
	LaunchScript LaunchMode = "script"
	// LaunchDirect invokes the Java runtime directly against the server jar.
	LaunchDirect LaunchMode = "direct"
)

// ServerConfig describes the supervised game server process.
type ServerConfig struct {
	WorkingDir      string     `yaml:"working_dir" json:"working_dir"`
	Launch          LaunchMode `yaml:"launch" json:"launch"`
	StartScript     string     `yaml:"start_script" json:"start_script"`
	JarFile         string     `yaml:"jar_file" json:"jar_file"`
	JavaHeap        string     `yaml:"java_heap" json:"java_heap"`
	Port            int        `yaml:"port" json:"port"`
	StopCommand     string     `yaml:"stop_command" json:"stop_command"`
	StopTimeout     int        `yaml:"stop_timeout_seconds" json:"stop_timeout_seconds"`
	AutoRestart     bool       `yaml:"auto_restart" json:"auto_restart"`
	RestartSchedule string     `yaml:"restart_schedule" json:"restart_schedule"`
	PropertiesFile  string     `yaml:"properties_file" json:"properties_file"`
}

// QueryConfig configures the UDP query client.
type QueryConfig struct {
	Host           string `yaml:"host" json:"host"`
	Port           int    `yaml:"port" json:"port"`
	Timeout        int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries" json:"max_retries"`
	FailureCeiling int    `yaml:"failure_ceiling" json:"failure_ceiling"`
	BackoffCap     int    `yaml:"backoff_cap_seconds" json:"backoff_cap_seconds"`
}

// RconConfig configures the remote-console client.
type RconConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Host       string `yaml:"host" json:"host"`
	Port       int    `yaml:"port" json:"port"`
	Password   string `yaml:"password" json:"-"`
	Timeout    int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	MaxRetries int    `yaml:"max_retries" json:"max_retries"`
}

// WakeConfig configures the wake-on-demand listener that impersonates the
// game server while it is offline.
type WakeConfig struct {
	Enabled         bool   `yaml:"enabled" json:"enabled"`
	MOTD            string `yaml:"motd" json:"motd"`
	ServerVersion   string `yaml:"server_version" json:"server_version"`
	ProtocolVersion int    `yaml:"protocol_version" json:"protocol_version"`
	MaxPlayers      int    `yaml:"max_players" json:"max_players"`
}

// MonitorConfig configures the polling state machine.
type MonitorConfig struct {
	CheckInterval     int `yaml:"check_interval_seconds" json:"check_interval_seconds"`
	StartupGrace      int `yaml:"startup_grace_seconds" json:"startup_grace_seconds"`
	InactivityTimeout int `yaml:"inactivity_timeout_minutes" json:"inactivity_timeout_minutes"`
	OfflineThreshold  int `yaml:"offline_threshold" json:"offline_threshold"`
	ErrorCeiling      int `yaml:"error_ceiling" json:"error_ceiling"`
}

// PerfConfig configures the process performance sampler.
type PerfConfig struct {
	Enabled        bool `yaml:"enabled" json:"enabled"`
	SampleInterval int  `yaml:"sample_interval_seconds" json:"sample_interval_seconds"`
	HistorySize    int  `yaml:"history_size" json:"history_size"`
}

// HTTPConfig contains the control-surface listener settings.
type HTTPConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	File       string `yaml:"file" json:"file"`
	MaxSize    int    `yaml:"max_size" json:"max_size"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAge     int    `yaml:"max_age" json:"max_age"`
}

// Default returns the built-in configuration before any file or
// environment overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			WorkingDir:     ".",
			Launch:         LaunchScript,
			StartScript:    "start.sh",
			JarFile:        "server.jar",
			JavaHeap:       "2G",
			Port:           25565,
			StopCommand:    "stop",
			StopTimeout:    30,
			AutoRestart:    false,
			PropertiesFile: "server.properties",
		},
		Query: QueryConfig{
			Host:           "localhost",
			Port:           25565,
			Timeout:        3,
			MaxRetries:     2,
			FailureCeiling: 5,
			BackoffCap:     60,
		},
		Rcon: RconConfig{
			Enabled:    true,
			Host:       "localhost",
			Port:       25575,
			Password:   "changeme",
			Timeout:    10,
			MaxRetries: 2,
		},
		Wake: WakeConfig{
			Enabled:         true,
			MOTD:            "Server is starting up, please retry in a moment",
			ServerVersion:   "Sleeping",
			ProtocolVersion: 47,
			MaxPlayers:      20,
		},
		Monitor: MonitorConfig{
			CheckInterval:     30,
			StartupGrace:      60,
			InactivityTimeout: 0,
			OfflineThreshold:  3,
			ErrorCeiling:      10,
		},
		Perf: PerfConfig{
			Enabled:        true,
			SampleInterval: 15,
			HistorySize:    288,
		},
		HTTP: HTTPConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			File:       "",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variable overrides, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("SUPERVISOR_CONFIG")
	}
	if path == "" {
		path = "supervisor.yaml"
	}

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if dir := os.Getenv("SERVER_WORKING_DIR"); dir != "" {
		cfg.Server.WorkingDir = dir
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if pw := os.Getenv("RCON_PASSWORD"); pw != "" {
		cfg.Rcon.Password = pw
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	switch c.Server.Launch {
	case LaunchScript, LaunchDirect:
	default:
		return fmt.Errorf("server.launch must be %q or %q, got %q", LaunchScript, LaunchDirect, c.Server.Launch)
	}

	if c.Server.Launch == LaunchScript && c.Server.StartScript == "" {
		return fmt.Errorf("server.start_script must be set for script launch")
	}
	if c.Server.Launch == LaunchDirect && c.Server.JarFile == "" {
		return fmt.Errorf("server.jar_file must be set for direct launch")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.StopTimeout <= 0 {
		return fmt.Errorf("server.stop_timeout_seconds must be positive")
	}
	if c.Server.RestartSchedule != "" {
		if _, err := cron.ParseStandard(c.Server.RestartSchedule); err != nil {
			return fmt.Errorf("server.restart_schedule is not a valid cron expression: %w", err)
		}
	}

	if c.Query.Port <= 0 || c.Query.Port > 65535 {
		return fmt.Errorf("query.port out of range: %d", c.Query.Port)
	}
	if c.Rcon.Enabled && c.Rcon.Password == "" {
		return fmt.Errorf("rcon.password must be set when rcon is enabled")
	}
	if c.Monitor.CheckInterval <= 0 {
		return fmt.Errorf("monitor.check_interval_seconds must be positive")
	}
	if c.Monitor.OfflineThreshold <= 0 {
		return fmt.Errorf("monitor.offline_threshold must be positive")
	}
	if c.Monitor.InactivityTimeout < 0 {
		return fmt.Errorf("monitor.inactivity_timeout_minutes must not be negative")
	}

	return nil
}

// StopTimeoutDuration is StopTimeout as a time.Duration.
func (c *ServerConfig) StopTimeoutDuration() time.Duration {
	return time.Duration(c.StopTimeout) * time.Second
}

// TimeoutDuration is Timeout as a time.Duration.
func (c *QueryConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// BackoffCapDuration is BackoffCap as a time.Duration.
func (c *QueryConfig) BackoffCapDuration() time.Duration {
	return time.Duration(c.BackoffCap) * time.Second
}

// TimeoutDuration is Timeout as a time.Duration.
func (c *RconConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// CheckIntervalDuration is CheckInterval as a time.Duration.
func (c *MonitorConfig) CheckIntervalDuration() time.Duration {
	return time.Duration(c.CheckInterval) * time.Second
}

// SampleIntervalDuration is SampleInterval as a time.Duration.
func (c *PerfConfig) SampleIntervalDuration() time.Duration {
	return time.Duration(c.SampleInterval) * time.Second
}
