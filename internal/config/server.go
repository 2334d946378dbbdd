package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "5m".
// Bare numbers are interpreted as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := n.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// BackendConfig describes one language server route.
type BackendConfig struct {
	// Command is the language server executable.
	Command string `yaml:"command"`
	// Args are passed to the executable.
	Args []string `yaml:"args"`
	// DrainFrames is how many startup notifications the backend emits
	// before it is ready; they are read and discarded after spawn.
	DrainFrames int `yaml:"drain_frames"`
	// AcceptsOptions allows clients to pass a per-connection options string
	// (e.g. compiler flags) written to a scratch configuration directory.
	AcceptsOptions bool `yaml:"accepts_options"`
	// ScratchFile is the option file name inside the scratch directory.
	ScratchFile string `yaml:"scratch_file"`
	// ScratchDirFlag is the command line flag used to point the backend at
	// the scratch directory, appended as <flag>=<dir>.
	ScratchDirFlag string `yaml:"scratch_dir_flag"`
}

// ServerConfig holds configuration for the bridge server.
type ServerConfig struct {
	Port           int                      `yaml:"port"`
	MetricsAddr    string                   `yaml:"metrics_addr"`
	LogLevel       string                   `yaml:"log_level"`
	ConfigFile     string                   `yaml:"-"`
	AllowedOrigins []string                 `yaml:"allowed_origins"`
	RedisAddr      string                   `yaml:"redis_addr"`
	MaxConnections int                      `yaml:"max_connections"`
	IdleTimeout    Duration                 `yaml:"idle_timeout"`
	SessionTimeout Duration                 `yaml:"session_timeout"`
	StatsInterval  Duration                 `yaml:"stats_interval"`
	ShutdownGrace  Duration                 `yaml:"shutdown_grace"`
	DrainTimeout   Duration                 `yaml:"drain_timeout"`
	Backends       map[string]BackendConfig `yaml:"backends"`
}

// SetDefaults initializes c with built-in defaults.
func (c *ServerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 24
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = Duration(5 * time.Minute)
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = Duration(4 * time.Hour)
	}
	if c.StatsInterval == 0 {
		c.StatsInterval = Duration(time.Minute)
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = Duration(5 * time.Second)
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = Duration(30 * time.Second)
	}
	if c.Backends == nil {
		c.Backends = DefaultBackends()
	}
}

// DefaultBackends returns the built-in route table.
func DefaultBackends() map[string]BackendConfig {
	return map[string]BackendConfig{
		"pyright": {
			Command:     "pyright-langserver",
			Args:        []string{"--stdio"},
			DrainFrames: 2,
		},
		"clangd": {
			Command:        "clangd",
			Args:           []string{"--log=error", "--background-index=false", "--malloc-trim"},
			AcceptsOptions: true,
			ScratchFile:    "compile_flags.txt",
			ScratchDirFlag: "--compile-commands-dir",
		},
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *ServerConfig) ApplyEnv() {
	if v := getEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := getEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := getEnv("METRICS_PORT", ""); v != "" {
		if strings.Contains(v, ":") {
			c.MetricsAddr = v
		} else {
			c.MetricsAddr = ":" + v
		}
	}
	if v := getEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := getEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := getEnv("MAX_CONNECTIONS", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConnections = n
		}
	}
	if v := getEnv("IDLE_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.IdleTimeout = Duration(d)
		}
	}
	if v := getEnv("SESSION_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SessionTimeout = Duration(d)
		}
	}
	if v := getEnv("DRAIN_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DrainTimeout = Duration(d)
		}
	}
}

// BindFlags binds command line flags so main can call flag.Parse(). Built-in
// defaults and environment variables are applied first, so the layering is
// defaults < env < flags < config file.
func (c *ServerConfig) BindFlags() {
	c.SetDefaults()
	c.ApplyEnv()
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "server config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.IntVar(&c.Port, "port", c.Port, "HTTP listen port")
	flag.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port; defaults to the value of --port")
	flag.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for shared server state")
	flag.IntVar(&c.MaxConnections, "max-connections", c.MaxConnections, "maximum simultaneous bridged connections")
	bindDuration := func(name, usage string, dst *Duration) {
		flag.Func(name, usage, func(v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			*dst = Duration(d)
			return nil
		})
	}
	bindDuration("idle-timeout", "close a connection after this long with no traffic on either side", &c.IdleTimeout)
	bindDuration("session-timeout", "maximum lifetime of a single connection", &c.SessionTimeout)
	bindDuration("drain-timeout", "time to wait for connections to close on shutdown", &c.DrainTimeout)
	flag.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
}

// LoadFile populates the config from a YAML file.
func (c *ServerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
