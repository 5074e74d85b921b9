// Package config provides YAML-based configuration loading for kbmigrate.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"gopkg.in/yaml.v3"

	"github.com/zulandar/kbmigrate/internal/errs"
)

const (
	// BaseURLUS is the API endpoint for the US data center.
	BaseURLUS = "https://api.superops.ai/msp"
	// BaseURLEU is the API endpoint for the EU data center.
	BaseURLEU = "https://euapi.superops.ai/msp"

	mib = 1 << 20
)

// Config is the top-level kbmigrate configuration, loaded from config.yaml.
type Config struct {
	Source    SourceConfig    `yaml:"source"`
	Remote    RemoteConfig    `yaml:"remote"`
	Database  DatabaseConfig  `yaml:"database"`
	Migration MigrationConfig `yaml:"migration"`
	Logging   LoggingConfig   `yaml:"logging"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// SourceConfig locates the export on disk.
type SourceConfig struct {
	DocumentsPath   string `yaml:"documents_path"`
	CSVPath         string `yaml:"csv_path"`
	AttachmentsPath string `yaml:"attachments_path"`
}

// RemoteConfig holds the knowledge-base API settings.
type RemoteConfig struct {
	APIToken           string        `yaml:"api_token"`
	Subdomain          string        `yaml:"subdomain"`
	DataCenter         string        `yaml:"data_center"`
	BaseURL            string        `yaml:"base_url"`
	RateLimit          int           `yaml:"rate_limit"`
	RatePeriod         time.Duration `yaml:"rate_period"`
	RetryMaxAttempts   int           `yaml:"retry_max_attempts"`
	RetryBackoffFactor float64       `yaml:"retry_backoff_factor"`
	RetryMinBackoff    time.Duration `yaml:"retry_min_backoff"`
	RetryMaxBackoff    time.Duration `yaml:"retry_max_backoff"`
	Timeout            time.Duration `yaml:"timeout"`
	UploadTimeout      time.Duration `yaml:"upload_timeout"`
	VerifySSL          bool          `yaml:"verify_ssl"`
}

// DatabaseConfig selects the state store backend.
type DatabaseConfig struct {
	Driver            string        `yaml:"driver"`
	Path              string        `yaml:"path"`
	DSN               string        `yaml:"dsn"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// MigrationConfig tunes the orchestrator.
type MigrationConfig struct {
	BatchSize         int                  `yaml:"batch_size"`
	ParallelUploads   int                  `yaml:"parallel_uploads"`
	SkipExisting      bool                 `yaml:"skip_existing"`
	DryRun            bool                 `yaml:"dry_run"`
	StopOnError       bool                 `yaml:"stop_on_error"`
	ContinueOnError   *bool                `yaml:"continue_on_error"`
	StrictValidation  bool                 `yaml:"strict_validation"`
	MaxAttachmentSize int64                `yaml:"max_attachment_size"`
	BatchPause        time.Duration        `yaml:"batch_pause"`
	StagingCollection string               `yaml:"staging_collection"`
	DefaultCollection string               `yaml:"default_collection"`
	CircuitBreaker    CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig controls run-stopping escalation per error kind.
type CircuitBreakerConfig struct {
	Threshold  int           `yaml:"threshold"`
	Window     time.Duration `yaml:"window"`
	Categories []string      `yaml:"categories"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level          string `yaml:"level"`
	Format         string `yaml:"format"`
	Console        bool   `yaml:"console"`
	File           string `yaml:"file"`
	RotationSizeMB int    `yaml:"rotation_size_mb"`
	RetentionDays  int    `yaml:"retention_days"`
}

// NotifyConfig lists optional run-completion webhooks.
type NotifyConfig struct {
	SlackWebhookURL   string `yaml:"slack_webhook_url"`
	DiscordWebhookURL string `yaml:"discord_webhook_url"`
}

// envOverrides are read from the environment after the file is parsed.
type envOverrides struct {
	APIToken  string `env:"KBMIGRATE_API_TOKEN"`
	Subdomain string `env:"KBMIGRATE_SUBDOMAIN"`
	BaseURL   string `env:"KBMIGRATE_BASE_URL"`
}

// Default returns a Config populated with every documented default.
func Default() Config {
	return Config{
		Source: SourceConfig{
			DocumentsPath: "./export/documents",
			CSVPath:       "./export/documents.csv",
		},
		Remote: RemoteConfig{
			DataCenter:         "us",
			RateLimit:          750,
			RatePeriod:         time.Minute,
			RetryMaxAttempts:   3,
			RetryBackoffFactor: 2.0,
			RetryMinBackoff:    4 * time.Second,
			RetryMaxBackoff:    60 * time.Second,
			Timeout:            30 * time.Second,
			UploadTimeout:      60 * time.Second,
			VerifySSL:          true,
		},
		Database: DatabaseConfig{
			Driver:            "sqlite",
			Path:              "migration_state.db",
			ConnectionTimeout: 30 * time.Second,
		},
		Migration: MigrationConfig{
			BatchSize:         10,
			ParallelUploads:   3,
			SkipExisting:      true,
			MaxAttachmentSize: 50 * mib,
			BatchPause:        time.Second,
			DefaultCollection: "General",
			CircuitBreaker: CircuitBreakerConfig{
				Threshold:  10,
				Window:     5 * time.Minute,
				Categories: []string{string(errs.KindNetwork), string(errs.KindRateLimit), string(errs.KindAPI)},
			},
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "text",
			Console:        true,
			RotationSizeMB: 10,
			RetentionDays:  30,
		},
	}
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes over the defaults, applies environment
// overrides and returns a validated Config.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("config: env: %w", err)
	}
	if o.APIToken != "" {
		c.Remote.APIToken = o.APIToken
	}
	if o.Subdomain != "" {
		c.Remote.Subdomain = o.Subdomain
	}
	if o.BaseURL != "" {
		c.Remote.BaseURL = o.BaseURL
	}
	return nil
}

// applyDefaults fills in derived values.
func (c *Config) applyDefaults() {
	c.Remote.DataCenter = strings.ToLower(c.Remote.DataCenter)
	if c.Remote.BaseURL == "" {
		if c.Remote.DataCenter == "eu" {
			c.Remote.BaseURL = BaseURLEU
		} else {
			c.Remote.BaseURL = BaseURLUS
		}
	}
	c.Remote.BaseURL = strings.TrimRight(c.Remote.BaseURL, "/")
	if c.Source.AttachmentsPath == "" {
		c.Source.AttachmentsPath = c.Source.DocumentsPath
	}
	if c.Migration.ContinueOnError != nil {
		c.Migration.StopOnError = !*c.Migration.ContinueOnError
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.Logging.Format = strings.ToLower(c.Logging.Format)
}

// validate checks that all required fields are present and within range.
func (c *Config) validate() error {
	var errs []string
	if c.Source.DocumentsPath == "" {
		errs = append(errs, "source.documents_path is required")
	}
	if c.Source.CSVPath == "" {
		errs = append(errs, "source.csv_path is required")
	}
	if c.Remote.APIToken == "" {
		errs = append(errs, "remote.api_token is required")
	}
	if c.Remote.Subdomain == "" {
		errs = append(errs, "remote.subdomain is required")
	}
	if c.Remote.DataCenter != "us" && c.Remote.DataCenter != "eu" {
		errs = append(errs, fmt.Sprintf("remote.data_center %q must be us or eu", c.Remote.DataCenter))
	}
	if c.Remote.RateLimit < 1 || c.Remote.RateLimit > 800 {
		errs = append(errs, "remote.rate_limit must be between 1 and 800")
	}
	if c.Remote.RatePeriod <= 0 {
		errs = append(errs, "remote.rate_period must be positive")
	}
	if c.Remote.RetryMaxAttempts < 1 {
		errs = append(errs, "remote.retry_max_attempts must be at least 1")
	}
	if c.Remote.RetryBackoffFactor < 1 {
		errs = append(errs, "remote.retry_backoff_factor must be at least 1")
	}
	if c.Remote.RetryMaxBackoff < c.Remote.RetryMinBackoff {
		errs = append(errs, "remote.retry_max_backoff must not be below retry_min_backoff")
	}
	if c.Remote.Timeout < 5*time.Second {
		errs = append(errs, "remote.timeout must be at least 5s")
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite")
		}
	case "mysql":
		if c.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for mysql")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite or mysql", c.Database.Driver))
	}
	if c.Migration.BatchSize < 1 || c.Migration.BatchSize > 100 {
		errs = append(errs, "migration.batch_size must be between 1 and 100")
	}
	if c.Migration.ParallelUploads < 1 || c.Migration.ParallelUploads > 10 {
		errs = append(errs, "migration.parallel_uploads must be between 1 and 10")
	}
	if c.Migration.MaxAttachmentSize < mib {
		errs = append(errs, "migration.max_attachment_size must be at least 1MiB")
	}
	if c.Migration.DefaultCollection == "" {
		errs = append(errs, "migration.default_collection is required")
	}
	for i, cat := range c.Migration.CircuitBreaker.Categories {
		if !validKind(cat) {
			errs = append(errs, fmt.Sprintf("migration.circuit_breaker.categories[%d] %q is not a known error kind", i, cat))
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "warning", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is not valid", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		errs = append(errs, fmt.Sprintf("logging.format %q must be json or text", c.Logging.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validKind(s string) bool {
	for _, k := range errs.ValidKinds {
		if string(k) == s {
			return true
		}
	}
	return false
}

// BreakerKinds returns the configured circuit breaker categories.
func (c *Config) BreakerKinds() []errs.Kind {
	kinds := make([]errs.Kind, 0, len(c.Migration.CircuitBreaker.Categories))
	for _, cat := range c.Migration.CircuitBreaker.Categories {
		kinds = append(kinds, errs.Kind(cat))
	}
	return kinds
}

// Snapshot returns the configuration as JSON with secrets removed.
func (c *Config) Snapshot() ([]byte, error) {
	cp := *c
	cp.Remote.APIToken = ""
	if cp.Notify.SlackWebhookURL != "" {
		cp.Notify.SlackWebhookURL = "redacted"
	}
	if cp.Notify.DiscordWebhookURL != "" {
		cp.Notify.DiscordWebhookURL = "redacted"
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("config: snapshot: %w", err)
	}
	return data, nil
}

// SnapshotDryRun reports the dry-run mode recorded in a Snapshot. An empty
// snapshot reports false.
func SnapshotDryRun(snapshot []byte) (bool, error) {
	if len(snapshot) == 0 {
		return false, nil
	}
	var cp struct {
		Migration struct {
			DryRun bool
		}
	}
	if err := json.Unmarshal(snapshot, &cp); err != nil {
		return false, fmt.Errorf("config: decode snapshot: %w", err)
	}
	return cp.Migration.DryRun, nil
}
