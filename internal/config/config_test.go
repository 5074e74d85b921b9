package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
source:
  documents_path: /data/export/documents
  csv_path: /data/export/documents.csv
  attachments_path: /data/export/attachments

remote:
  api_token: tok-123
  subdomain: acme
  data_center: EU
  rate_limit: 600
  rate_period: 30s
  retry_max_attempts: 5
  retry_backoff_factor: 3
  retry_min_backoff: 2s
  retry_max_backoff: 20s
  timeout: 45s
  upload_timeout: 90s
  verify_ssl: false

database:
  driver: mysql
  dsn: "kb:secret@tcp(10.0.0.5:3306)/kbmigrate?parseTime=true"

migration:
  batch_size: 25
  parallel_uploads: 5
  skip_existing: false
  dry_run: true
  stop_on_error: true
  strict_validation: true
  max_attachment_size: 2097152
  batch_pause: 250ms
  staging_collection: Migration Staging Queue
  default_collection: Imported
  circuit_breaker:
    threshold: 4
    window: 1m
    categories: [network]

logging:
  level: DEBUG
  format: json
  console: false
  file: /var/log/kbmigrate.log
  rotation_size_mb: 20
  retention_days: 7

notify:
  slack_webhook_url: https://hooks.slack.com/services/x
  discord_webhook_url: https://discord.com/api/webhooks/1/abc
`

const minimalYAML = `
source:
  documents_path: ./docs
  csv_path: ./docs.csv
remote:
  api_token: t
  subdomain: s
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Source.AttachmentsPath != "/data/export/attachments" {
		t.Errorf("AttachmentsPath = %q", cfg.Source.AttachmentsPath)
	}
	if cfg.Remote.DataCenter != "eu" {
		t.Errorf("DataCenter = %q, want eu", cfg.Remote.DataCenter)
	}
	if cfg.Remote.BaseURL != BaseURLEU {
		t.Errorf("BaseURL = %q, want %q", cfg.Remote.BaseURL, BaseURLEU)
	}
	if cfg.Remote.RateLimit != 600 {
		t.Errorf("RateLimit = %d, want 600", cfg.Remote.RateLimit)
	}
	if cfg.Remote.RatePeriod != 30*time.Second {
		t.Errorf("RatePeriod = %v, want 30s", cfg.Remote.RatePeriod)
	}
	if cfg.Remote.RetryMaxAttempts != 5 {
		t.Errorf("RetryMaxAttempts = %d, want 5", cfg.Remote.RetryMaxAttempts)
	}
	if cfg.Remote.RetryMinBackoff != 2*time.Second || cfg.Remote.RetryMaxBackoff != 20*time.Second {
		t.Errorf("backoff = %v..%v, want 2s..20s", cfg.Remote.RetryMinBackoff, cfg.Remote.RetryMaxBackoff)
	}
	if cfg.Remote.Timeout != 45*time.Second {
		t.Errorf("Timeout = %v, want 45s", cfg.Remote.Timeout)
	}
	if cfg.Remote.VerifySSL {
		t.Error("VerifySSL = true, want false")
	}
	if cfg.Database.Driver != "mysql" {
		t.Errorf("Driver = %q, want mysql", cfg.Database.Driver)
	}
	if cfg.Migration.BatchSize != 25 {
		t.Errorf("BatchSize = %d, want 25", cfg.Migration.BatchSize)
	}
	if cfg.Migration.SkipExisting {
		t.Error("SkipExisting = true, want false")
	}
	if !cfg.Migration.DryRun || !cfg.Migration.StopOnError || !cfg.Migration.StrictValidation {
		t.Errorf("flags = dry:%v stop:%v strict:%v, want all true",
			cfg.Migration.DryRun, cfg.Migration.StopOnError, cfg.Migration.StrictValidation)
	}
	if cfg.Migration.BatchPause != 250*time.Millisecond {
		t.Errorf("BatchPause = %v, want 250ms", cfg.Migration.BatchPause)
	}
	if cfg.Migration.StagingCollection != "Migration Staging Queue" {
		t.Errorf("StagingCollection = %q", cfg.Migration.StagingCollection)
	}
	if cfg.Migration.CircuitBreaker.Threshold != 4 {
		t.Errorf("CircuitBreaker.Threshold = %d, want 4", cfg.Migration.CircuitBreaker.Threshold)
	}
	if kinds := cfg.BreakerKinds(); len(kinds) != 1 || kinds[0] != "network" {
		t.Errorf("BreakerKinds = %v, want [network]", kinds)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}

func TestParse_MinimalConfigDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Source.AttachmentsPath != "./docs" {
		t.Errorf("AttachmentsPath = %q, want documents path", cfg.Source.AttachmentsPath)
	}
	if cfg.Remote.BaseURL != BaseURLUS {
		t.Errorf("BaseURL = %q, want %q", cfg.Remote.BaseURL, BaseURLUS)
	}
	if cfg.Remote.RateLimit != 750 {
		t.Errorf("RateLimit = %d, want 750", cfg.Remote.RateLimit)
	}
	if cfg.Remote.RatePeriod != time.Minute {
		t.Errorf("RatePeriod = %v, want 1m", cfg.Remote.RatePeriod)
	}
	if cfg.Remote.RetryMaxAttempts != 3 {
		t.Errorf("RetryMaxAttempts = %d, want 3", cfg.Remote.RetryMaxAttempts)
	}
	if cfg.Remote.RetryMinBackoff != 4*time.Second || cfg.Remote.RetryMaxBackoff != time.Minute {
		t.Errorf("backoff = %v..%v, want 4s..1m", cfg.Remote.RetryMinBackoff, cfg.Remote.RetryMaxBackoff)
	}
	if cfg.Remote.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Remote.Timeout)
	}
	if !cfg.Remote.VerifySSL {
		t.Error("VerifySSL = false, want true")
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.Path != "migration_state.db" {
		t.Errorf("Database = %+v, want sqlite at migration_state.db", cfg.Database)
	}
	if cfg.Migration.BatchSize != 10 {
		t.Errorf("BatchSize = %d, want 10", cfg.Migration.BatchSize)
	}
	if cfg.Migration.ParallelUploads != 3 {
		t.Errorf("ParallelUploads = %d, want 3", cfg.Migration.ParallelUploads)
	}
	if !cfg.Migration.SkipExisting {
		t.Error("SkipExisting = false, want true")
	}
	if cfg.Migration.StopOnError {
		t.Error("StopOnError = true, want false")
	}
	if cfg.Migration.MaxAttachmentSize != 50*mib {
		t.Errorf("MaxAttachmentSize = %d, want 50MiB", cfg.Migration.MaxAttachmentSize)
	}
	if cfg.Migration.DefaultCollection != "General" {
		t.Errorf("DefaultCollection = %q, want General", cfg.Migration.DefaultCollection)
	}
	if cfg.Migration.CircuitBreaker.Threshold != 10 || cfg.Migration.CircuitBreaker.Window != 5*time.Minute {
		t.Errorf("CircuitBreaker = %+v, want 10 within 5m", cfg.Migration.CircuitBreaker)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" || !cfg.Logging.Console {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestParse_ContinueOnErrorInverts(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML + "migration:\n  continue_on_error: false\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Migration.StopOnError {
		t.Error("StopOnError = false, want true when continue_on_error is false")
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("KBMIGRATE_API_TOKEN", "from-env")
	t.Setenv("KBMIGRATE_SUBDOMAIN", "envsub")
	t.Setenv("KBMIGRATE_BASE_URL", "http://127.0.0.1:9999/")

	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Remote.APIToken != "from-env" {
		t.Errorf("APIToken = %q, want from-env", cfg.Remote.APIToken)
	}
	if cfg.Remote.Subdomain != "envsub" {
		t.Errorf("Subdomain = %q, want envsub", cfg.Remote.Subdomain)
	}
	if cfg.Remote.BaseURL != "http://127.0.0.1:9999" {
		t.Errorf("BaseURL = %q, want trailing slash trimmed", cfg.Remote.BaseURL)
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"missing token", "source: {documents_path: d, csv_path: c}\nremote: {subdomain: s}", "remote.api_token is required"},
		{"missing subdomain", "source: {documents_path: d, csv_path: c}\nremote: {api_token: t}", "remote.subdomain is required"},
		{"bad data center", minimalYAML + "  data_center: ap\n", "remote.data_center"},
		{"rate too high", minimalYAML + "  rate_limit: 900\n", "remote.rate_limit"},
		{"timeout too short", minimalYAML + "  timeout: 2s\n", "remote.timeout"},
		{"batch too large", minimalYAML + "migration:\n  batch_size: 101\n", "migration.batch_size"},
		{"uploads too many", minimalYAML + "migration:\n  parallel_uploads: 11\n", "migration.parallel_uploads"},
		{"attachment size small", minimalYAML + "migration:\n  max_attachment_size: 10\n", "migration.max_attachment_size"},
		{"unknown category", minimalYAML + "migration:\n  circuit_breaker:\n    categories: [gremlins]\n", "circuit_breaker.categories[0]"},
		{"bad driver", minimalYAML + "database:\n  driver: postgres\n", "database.driver"},
		{"mysql without dsn", minimalYAML + "database:\n  driver: mysql\n", "database.dsn is required"},
		{"bad log format", minimalYAML + "logging:\n  format: xml\n", "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), "config: validation failed") {
				t.Errorf("error = %q, want validation failure", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("source: [unterminated"))
	if err == nil || !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("error = %v, want config: parse error", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %v, want config: read error", err)
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Remote.Subdomain != "s" {
		t.Errorf("Subdomain = %q, want s", cfg.Remote.Subdomain)
	}
}

func TestSnapshot_RedactsSecrets(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatal(err)
	}
	data, err := cfg.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if strings.Contains(string(data), "tok-123") {
		t.Error("snapshot contains api token")
	}
	if strings.Contains(string(data), "hooks.slack.com") {
		t.Error("snapshot contains slack webhook")
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("snapshot is not JSON: %v", err)
	}
	if cfg.Remote.APIToken != "tok-123" {
		t.Error("Snapshot mutated the receiver")
	}
}

func TestSnapshotDryRun(t *testing.T) {
	for _, want := range []bool{true, false} {
		cfg := Default()
		cfg.Migration.DryRun = want
		data, err := cfg.Snapshot()
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		got, err := SnapshotDryRun(data)
		if err != nil || got != want {
			t.Errorf("SnapshotDryRun = %v, %v; want %v", got, err, want)
		}
	}

	if got, err := SnapshotDryRun(nil); err != nil || got {
		t.Errorf("empty snapshot = %v, %v; want false, nil", got, err)
	}
	if _, err := SnapshotDryRun([]byte("{not json")); err == nil {
		t.Error("expected a decode error")
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	if err := WriteDefault(path, "secret-token", false); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `api_token: "secret-token"`) {
		t.Error("token was not substituted")
	}

	err = WriteDefault(path, "", false)
	if !errors.Is(err, ErrExists) {
		t.Errorf("second write error = %v, want ErrExists", err)
	}
	if err := WriteDefault(path, "", true); err != nil {
		t.Errorf("forced write: %v", err)
	}
}

func TestDefaultYAML_ParsesWithSubdomain(t *testing.T) {
	y := strings.Replace(DefaultYAML, `subdomain: ""`, `subdomain: "acme"`, 1)
	cfg, err := Parse([]byte(y))
	if err != nil {
		t.Fatalf("template does not parse: %v", err)
	}
	if cfg.Migration.BatchSize != 10 {
		t.Errorf("BatchSize = %d, want 10", cfg.Migration.BatchSize)
	}
}
