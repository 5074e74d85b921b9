package db

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/kbmigrate/internal/config"
	"github.com/zulandar/kbmigrate/internal/models"
)

func TestSQLiteDSN(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{"file", "state.db", "state.db?_busy_timeout=30000&_journal_mode=WAL"},
		{"existing query", "state.db?cache=shared", "state.db?cache=shared&_busy_timeout=30000&_journal_mode=WAL"},
		{"memory", ":memory:", ":memory:"},
		{"shared memory", "file::memory:?cache=shared", "file::memory:?cache=shared"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SQLiteDSN(tt.path, 30*time.Second); got != tt.want {
				t.Errorf("SQLiteDSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMySQLDSN(t *testing.T) {
	got, err := MySQLDSN("kb:secret@tcp(10.0.0.5:3306)/kbmigrate", 5*time.Second)
	if err != nil {
		t.Fatalf("MySQLDSN: %v", err)
	}
	if !strings.Contains(got, "parseTime=true") {
		t.Errorf("DSN missing parseTime=true: %s", got)
	}
	if !strings.Contains(got, "timeout=5s") {
		t.Errorf("DSN missing timeout=5s: %s", got)
	}
	if !strings.HasPrefix(got, "kb:secret@tcp(10.0.0.5:3306)/kbmigrate?") {
		t.Errorf("DSN lost address: %s", got)
	}
}

func TestMySQLDSN_KeepsExplicitTimeout(t *testing.T) {
	got, err := MySQLDSN("kb@tcp(h:3306)/db?timeout=2s", 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "timeout=2s") {
		t.Errorf("explicit timeout overridden: %s", got)
	}
}

func TestMySQLDSN_Invalid(t *testing.T) {
	if _, err := MySQLDSN("not a dsn", time.Second); err == nil {
		t.Error("expected error for invalid DSN")
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "postgres"})
	if err == nil || !strings.Contains(err.Error(), "unsupported driver") {
		t.Errorf("error = %v, want unsupported driver", err)
	}
}

func TestAllModels(t *testing.T) {
	if got := len(AllModels()); got != 4 {
		t.Errorf("len(AllModels()) = %d, want 4", got)
	}
}

func TestAutoMigrateAndTruncate(t *testing.T) {
	gdb, err := Open(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "state.db"), ConnectionTimeout: time.Second})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	for _, table := range []string{"migration_runs", "run_errors", "documents", "attachments"} {
		if !gdb.Migrator().HasTable(table) {
			t.Errorf("table %s missing after migrate", table)
		}
	}

	run := models.MigrationRun{Status: models.RunRunning, StartedAt: time.Now()}
	if err := gdb.Create(&run).Error; err != nil {
		t.Fatal(err)
	}
	doc := models.Document{RunID: run.ID, Locator: "DOC-1-1", Title: "t", Status: models.DocPending}
	if err := gdb.Create(&doc).Error; err != nil {
		t.Fatal(err)
	}

	if err := Truncate(gdb); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	var n int64
	gdb.Model(&models.Document{}).Count(&n)
	if n != 0 {
		t.Errorf("documents after truncate = %d, want 0", n)
	}
	gdb.Model(&models.MigrationRun{}).Count(&n)
	if n != 0 {
		t.Errorf("runs after truncate = %d, want 0", n)
	}
}
