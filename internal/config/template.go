package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// ErrExists is returned by WriteDefault when the target file already exists.
var ErrExists = errors.New("config: file already exists")

const tokenPlaceholder = "${API_TOKEN}"

// DefaultYAML is the commented template written by `kbmigrate init`.
const DefaultYAML = `# kbmigrate configuration
source:
  documents_path: ./export/documents
  csv_path: ./export/documents.csv
  # attachments_path defaults to documents_path
  attachments_path: ""

remote:
  # KBMIGRATE_API_TOKEN overrides this value
  api_token: "${API_TOKEN}"
  # KBMIGRATE_SUBDOMAIN overrides this value
  subdomain: ""
  data_center: us      # us | eu
  rate_limit: 750      # requests per rate_period, 1-800
  rate_period: 60s
  retry_max_attempts: 3
  retry_backoff_factor: 2.0
  retry_min_backoff: 4s
  retry_max_backoff: 60s
  timeout: 30s
  upload_timeout: 60s
  verify_ssl: true

database:
  driver: sqlite       # sqlite | mysql
  path: migration_state.db
  # dsn: user:pass@tcp(127.0.0.1:3306)/kbmigrate?parseTime=true

migration:
  batch_size: 10
  parallel_uploads: 3
  skip_existing: true
  dry_run: false
  stop_on_error: false
  strict_validation: false
  max_attachment_size: 52428800
  batch_pause: 1s
  # staging_collection: Migration Staging Queue
  default_collection: General
  circuit_breaker:
    threshold: 10
    window: 5m
    categories: [network, rate_limit, api]

logging:
  level: info          # debug | info | warning | error
  format: text         # text | json
  console: true
  file: logs/migration.log
  rotation_size_mb: 10
  retention_days: 30

notify:
  slack_webhook_url: ""
  discord_webhook_url: ""
`

// WriteDefault writes DefaultYAML to path, substituting token when given.
// An existing file is only replaced when force is set.
func WriteDefault(path, token string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: stat %s: %w", path, err)
		}
	}
	content := DefaultYAML
	if token != "" {
		content = strings.Replace(content, tokenPlaceholder, token, 1)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
