// ABOUTME: Configuration loading and parsing for run-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete run-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Auth        AuthConfig        `yaml:"auth"`
	Stream      StreamConfig      `yaml:"stream"`
	Local       LocalConfig       `yaml:"local"`
	Audit       AuditConfig       `yaml:"audit"`
	Tailscale   TailscaleConfig   `yaml:"tailscale"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout"`
}

// CoordinatorConfig holds the upstream run coordinator connection settings.
// An empty URL selects local mode; a non-empty URL selects forwarding mode.
type CoordinatorConfig struct {
	URL            string        `yaml:"url"`
	BearerToken    string        `yaml:"bearer_token"`
	RequestTimeout time.Duration `yaml:"-"`
	GetRetries     int           `yaml:"get_retries"`
	RetryBackoff   time.Duration `yaml:"-"`

	RequestTimeoutRaw string `yaml:"request_timeout"`
	RetryBackoffRaw   string `yaml:"retry_backoff"`
}

// AuthConfig holds authentication configuration. An empty JWTSecret
// disables authentication and ownership enforcement.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-"`

	TokenTTLRaw string `yaml:"token_ttl"`
}

// StreamConfig holds per-subscriber streaming limits
type StreamConfig struct {
	Buffer    int           `yaml:"buffer"`
	Heartbeat time.Duration `yaml:"-"`

	HeartbeatRaw string `yaml:"heartbeat"`
}

// LocalConfig controls the local-mode simulated run driver
type LocalConfig struct {
	Simulate    bool          `yaml:"simulate"`
	StartAfter  time.Duration `yaml:"-"`
	FinishAfter time.Duration `yaml:"-"`

	StartAfterRaw  string `yaml:"start_after"`
	FinishAfterRaw string `yaml:"finish_after"`
}

// AuditConfig holds the audit ledger database location. An empty path
// disables auditing.
type AuditConfig struct {
	DBPath string `yaml:"db_path"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // Serve TLS with tailnet certificates
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Mode names for the startup storage decision.
const (
	ModeLocal      = "local"
	ModeForwarding = "forwarding"
)

// Mode reports which run record store the gateway will use, decided once
// from the coordinator URL.
func (c *Config) Mode() string {
	if c.Coordinator.URL != "" {
		return ModeForwarding
	}
	return ModeLocal
}

// Default returns the built-in configuration: local mode, auth disabled,
// HTTP on localhost:8080.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        "localhost:8080",
			ShutdownTimeout: 5 * time.Second,
		},
		Coordinator: CoordinatorConfig{
			RequestTimeout: 30 * time.Second,
			GetRetries:     2,
			RetryBackoff:   200 * time.Millisecond,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Stream: StreamConfig{
			Buffer:    64,
			Heartbeat: 15 * time.Second,
		},
		Local: LocalConfig{
			StartAfter:  150 * time.Millisecond,
			FinishAfter: 2 * time.Second,
		},
		Tailscale: TailscaleConfig{
			Hostname: "run-gateway",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
// An empty path skips the file and uses defaults plus RUNGW_* overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		// Expand environment variables in the raw YAML content
		expandedData := expandEnvVars(string(data))

		if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnvOverrides lets the most common settings be supplied without a
// config file. Environment values win over file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RUNGW_HTTP_ADDR"); v != "" {
		cfg.Server.HTTPAddr = v
	}
	if v := os.Getenv("RUNGW_COORDINATOR_URL"); v != "" {
		cfg.Coordinator.URL = v
	}
	if v := os.Getenv("RUNGW_COORDINATOR_TOKEN"); v != "" {
		cfg.Coordinator.BearerToken = v
	}
	if v := os.Getenv("RUNGW_AUTH_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("RUNGW_AUDIT_DB"); v != "" {
		cfg.Audit.DBPath = v
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// An HTTP address is required unless Tailscale is the only listener
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Stream.Buffer <= 0 {
		return fmt.Errorf("stream.buffer must be positive, got %d", c.Stream.Buffer)
	}

	if c.Coordinator.GetRetries < 0 {
		return fmt.Errorf("coordinator.get_retries must not be negative, got %d", c.Coordinator.GetRetries)
	}

	if c.Coordinator.RequestTimeout <= 0 {
		return fmt.Errorf("coordinator.request_timeout must be positive")
	}

	if c.Local.Simulate && (c.Local.StartAfter <= 0 || c.Local.FinishAfter <= 0) {
		return fmt.Errorf("local.start_after and local.finish_after must be positive when local.simulate is enabled")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Server.ShutdownTimeoutRaw != "" {
		cfg.Server.ShutdownTimeout, err = time.ParseDuration(cfg.Server.ShutdownTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing shutdown_timeout %q: %w", cfg.Server.ShutdownTimeoutRaw, err)
		}
	}

	if cfg.Coordinator.RequestTimeoutRaw != "" {
		cfg.Coordinator.RequestTimeout, err = time.ParseDuration(cfg.Coordinator.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.Coordinator.RequestTimeoutRaw, err)
		}
	}

	if cfg.Coordinator.RetryBackoffRaw != "" {
		cfg.Coordinator.RetryBackoff, err = time.ParseDuration(cfg.Coordinator.RetryBackoffRaw)
		if err != nil {
			return fmt.Errorf("parsing retry_backoff %q: %w", cfg.Coordinator.RetryBackoffRaw, err)
		}
	}

	if cfg.Auth.TokenTTLRaw != "" {
		cfg.Auth.TokenTTL, err = time.ParseDuration(cfg.Auth.TokenTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing token_ttl %q: %w", cfg.Auth.TokenTTLRaw, err)
		}
	}

	if cfg.Stream.HeartbeatRaw != "" {
		cfg.Stream.Heartbeat, err = time.ParseDuration(cfg.Stream.HeartbeatRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat %q: %w", cfg.Stream.HeartbeatRaw, err)
		}
	}

	if cfg.Local.StartAfterRaw != "" {
		cfg.Local.StartAfter, err = time.ParseDuration(cfg.Local.StartAfterRaw)
		if err != nil {
			return fmt.Errorf("parsing start_after %q: %w", cfg.Local.StartAfterRaw, err)
		}
	}

	if cfg.Local.FinishAfterRaw != "" {
		cfg.Local.FinishAfter, err = time.ParseDuration(cfg.Local.FinishAfterRaw)
		if err != nil {
			return fmt.Errorf("parsing finish_after %q: %w", cfg.Local.FinishAfterRaw, err)
		}
	}

	return nil
}
