package db

import (
	"fmt"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zulandar/kbmigrate/internal/config"
)

// Open connects to the configured state store backend.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return OpenSQLite(cfg.Path, cfg.ConnectionTimeout)
	case "mysql":
		return OpenMySQL(cfg.DSN, cfg.ConnectionTimeout)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
	}
}

// SQLiteDSN builds the sqlite DSN with a busy timeout. In-memory databases
// are left untouched.
func SQLiteDSN(path string, busy time.Duration) string {
	if path == ":memory:" || strings.HasPrefix(path, "file::memory:") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_busy_timeout=%d&_journal_mode=WAL", path, sep, busy.Milliseconds())
}

// OpenSQLite opens a sqlite database. The pool is capped at one connection
// so concurrent writers queue instead of failing with SQLITE_BUSY.
func OpenSQLite(path string, busy time.Duration) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(SQLiteDSN(path, busy)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("db: sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// MySQLDSN normalizes a MySQL DSN: parseTime is forced on and the dial
// timeout is applied when the DSN does not set one.
func MySQLDSN(dsn string, timeout time.Duration) (string, error) {
	c, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("db: parse mysql dsn: %w", err)
	}
	c.ParseTime = true
	if c.Timeout == 0 {
		c.Timeout = timeout
	}
	return c.FormatDSN(), nil
}

// OpenMySQL opens a MySQL-compatible database.
func OpenMySQL(dsn string, timeout time.Duration) (*gorm.DB, error) {
	normalized, err := MySQLDSN(dsn, timeout)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(mysql.Open(normalized), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect mysql: %w", err)
	}
	return db, nil
}
