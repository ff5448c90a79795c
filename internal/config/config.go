package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lifeline-sos/lifeline/internal/coordination"
	"github.com/lifeline-sos/lifeline/internal/eventlog"
)

// GatewayConfig points at one notification transport gateway.
type GatewayConfig struct {
	// URL is the gateway endpoint; an empty URL disables the channel.
	URL string `yaml:"url"`
	// Timeout bounds one send.
	Timeout time.Duration `yaml:"timeout"`
	// SendsPerSecond bounds the send rate toward the gateway.
	SendsPerSecond float64 `yaml:"sends_per_second"`
}

// EscalationConfig tunes the escalation ladder.
type EscalationConfig struct {
	// InitialDelay separates activation from the first escalation step.
	InitialDelay time.Duration `yaml:"initial_delay"`
	// Interval separates subsequent escalation steps.
	Interval time.Duration `yaml:"interval"`
	// TickInterval is how often the scheduler polls due deadlines.
	TickInterval time.Duration `yaml:"tick_interval"`
}

// DispatchConfig tunes notification delivery.
type DispatchConfig struct {
	// MaxAttempts bounds delivery attempts per channel.
	MaxAttempts int `yaml:"max_attempts"`
	// RetryBackoff is the first retry delay; it doubles per attempt.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// DedupWindow is how long a completed send suppresses repeats.
	DedupWindow time.Duration `yaml:"dedup_window"`
}

// RetentionConfig tunes the archival cron.
type RetentionConfig struct {
	// Window is how long terminal emergencies keep their location trails.
	Window time.Duration `yaml:"window"`
	// CronSpec schedules the retention job.
	CronSpec string `yaml:"cron_spec"`
}

// Config holds the settings shared by the lifeline binaries.
type Config struct {
	// ListenAddress is the HTTP API listen address.
	ListenAddress string `yaml:"listen_addr"`
	// PostgresDSN is the canonical store connection string.
	PostgresDSN string `yaml:"postgres_dsn"`
	// Redis configures leases, de-duplication and the location cache.
	Redis coordination.RedisConfig `yaml:"redis"`
	// NATS configures the event log.
	NATS eventlog.NATSConfig `yaml:"nats"`
	// DirectoryURL is the external contact directory base URL.
	DirectoryURL string `yaml:"directory_url"`
	// DirectoryTimeout bounds one directory lookup.
	DirectoryTimeout time.Duration `yaml:"directory_timeout"`
	// PushGateway configures the push transport.
	PushGateway GatewayConfig `yaml:"push_gateway"`
	// SMSGateway configures the SMS transport.
	SMSGateway GatewayConfig `yaml:"sms_gateway"`
	// EmailGateway configures the email transport.
	EmailGateway GatewayConfig `yaml:"email_gateway"`
	// MaxCountdownSeconds bounds the trigger confirmation window.
	MaxCountdownSeconds int `yaml:"max_countdown_seconds"`
	// Escalation tunes the escalation ladder.
	Escalation EscalationConfig `yaml:"escalation"`
	// Dispatch tunes notification delivery.
	Dispatch DispatchConfig `yaml:"dispatch"`
	// Retention tunes the archival cron.
	Retention RetentionConfig `yaml:"retention"`
	// TrailWindow is the default location trail lookback.
	TrailWindow time.Duration `yaml:"trail_window"`
	// LogLevel sets the logging verbosity.
	LogLevel string `yaml:"log_level"`
}

const (
	// DefaultConfigFilename is the default settings file name.
	DefaultConfigFilename = "lifeline-settings.yaml"

	// DefaultListenAddress is the default HTTP API listen address.
	DefaultListenAddress = ":8080"

	// DefaultDirectoryTimeout is the default contact directory timeout.
	DefaultDirectoryTimeout = 2 * time.Second

	// DefaultGatewayTimeout is the default transport gateway timeout.
	DefaultGatewayTimeout = 5 * time.Second

	// DefaultRetentionWindow is the default trail retention after resolution.
	DefaultRetentionWindow = 24 * time.Hour

	// DefaultRetentionCronSpec runs retention at the top of every hour.
	DefaultRetentionCronSpec = "0 * * * *"

	// DefaultFilePermissions is the settings file permission mask.
	DefaultFilePermissions = 0o600
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errPostgresDSNRequired is returned when the store DSN is missing.
	errPostgresDSNRequired = errors.New("postgres DSN must be provided")
	// errRedisAddrRequired is returned when the redis address is missing.
	errRedisAddrRequired = errors.New("redis address must be provided")
	// errNATSURLRequired is returned when the NATS URL is missing.
	errNATSURLRequired = errors.New("NATS URL must be provided")
)

// Load reads configuration from the provided path and validates essential fields.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes settings to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions: the DSN carries credentials.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks required fields and fills defaults for optional ones.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if cfg.PostgresDSN == "" {
		return errPostgresDSNRequired
	}

	if cfg.Redis.Addr == "" {
		return errRedisAddrRequired
	}

	if _, err := net.ResolveTCPAddr("tcp", cfg.Redis.Addr); err != nil {
		return fmt.Errorf("invalid redis address: %w", err)
	}

	if cfg.NATS.URL == "" {
		return errNATSURLRequired
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultListenAddress
	}

	if cfg.DirectoryTimeout <= 0 {
		cfg.DirectoryTimeout = DefaultDirectoryTimeout
	}

	if cfg.Retention.Window <= 0 {
		cfg.Retention.Window = DefaultRetentionWindow
	}

	if cfg.Retention.CronSpec == "" {
		cfg.Retention.CronSpec = DefaultRetentionCronSpec
	}

	for _, gateway := range []*GatewayConfig{&cfg.PushGateway, &cfg.SMSGateway, &cfg.EmailGateway} {
		if gateway.Timeout <= 0 {
			gateway.Timeout = DefaultGatewayTimeout
		}

		if gateway.URL == "" {
			continue
		}

		if _, err := url.ParseRequestURI(gateway.URL); err != nil {
			return fmt.Errorf("invalid gateway URL %q: %w", gateway.URL, err)
		}
	}

	if cfg.DirectoryURL != "" {
		if _, err := url.ParseRequestURI(cfg.DirectoryURL); err != nil {
			return fmt.Errorf("invalid directory URL: %w", err)
		}
	}

	return nil
}
