package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/zulandar/kbmigrate/internal/migrator"
)

func TestMigrateCmd(t *testing.T) {
	ws := newWorkspace(t, "")

	out, err := run(t, "", "migrate", "-c", ws.config)
	if err != nil {
		t.Fatalf("migrate: %v\n%s", err, out)
	}
	for _, want := range []string{"Migration run 1: completed", "Succeeded:    2", "Failed:       0"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if got := ws.remote.createdCount(); got != 2 {
		t.Errorf("created = %d, want 2", got)
	}

	out, err = run(t, "", "migrate", "-c", ws.config, "--resume")
	if !errors.Is(err, migrator.ErrRunCompleted) {
		t.Fatalf("resume err = %v, want ErrRunCompleted", err)
	}
	if !strings.Contains(out, "Nothing to resume") {
		t.Errorf("output = %s", out)
	}
	if got := ws.remote.createdCount(); got != 2 {
		t.Errorf("created after resume = %d, want 2", got)
	}
}

func TestMigrateCmd_LimitThenResume(t *testing.T) {
	ws := newWorkspace(t, "")

	out, err := run(t, "", "migrate", "-c", ws.config, "--limit", "1")
	if err != nil {
		t.Fatalf("migrate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "1 document(s) still pending") {
		t.Errorf("output missing pending hint:\n%s", out)
	}
	if got := ws.remote.createdCount(); got != 1 {
		t.Errorf("created = %d, want 1", got)
	}

	out, err = run(t, "", "migrate", "-c", ws.config, "--resume")
	if err != nil {
		t.Fatalf("resume: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Migration run 1: completed") {
		t.Errorf("resume did not complete run 1:\n%s", out)
	}
	if got := ws.remote.createdCount(); got != 2 {
		t.Errorf("created = %d, want 2", got)
	}
}

func TestMigrateCmd_DryRun(t *testing.T) {
	ws := newWorkspace(t, "")

	out, err := run(t, "", "migrate", "-c", ws.config, "--dry-run", "--skip-existing=false")
	if err != nil {
		t.Fatalf("migrate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "(dry run)") {
		t.Errorf("output missing dry run marker:\n%s", out)
	}
	if got := ws.remote.createdCount(); got != 0 {
		t.Errorf("created = %d, want 0", got)
	}
}

func TestMigrateCmd_Filter(t *testing.T) {
	ws := newWorkspace(t, "")

	if _, err := run(t, "", "migrate", "-c", ws.config, "--filter", "vpn"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ws.remote.mu.Lock()
	defer ws.remote.mu.Unlock()
	if len(ws.remote.created) != 1 || ws.remote.created[0] != "VPN Access" {
		t.Errorf("created = %v, want [VPN Access]", ws.remote.created)
	}
}

func TestMigrateCmd_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		offline bool
		want    error
		wantMsg string
	}{
		{name: "connection", offline: true, want: migrator.ErrConnection},
		{name: "resume without run", args: []string{"--resume"}, want: migrator.ErrNoRun},
		{name: "bad batch size", args: []string{"--batch-size", "500"}, wantMsg: "--batch-size"},
		{name: "bad filter", args: []string{"--filter", "("}, wantMsg: "invalid pattern"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := newWorkspace(t, "")
			ws.remote.failList = tt.offline

			_, err := run(t, "", append([]string{"migrate", "-c", ws.config}, tt.args...)...)
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("err = %v, want it to mention %q", err, tt.wantMsg)
			}
		})
	}
}
