package models

import (
	"reflect"
	"strings"
	"testing"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	if got := f.Type.String(); got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestMigrationRun_Fields(t *testing.T) {
	typ := reflect.TypeOf(MigrationRun{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "Status", "default:running")
	assertGormTag(t, typ, "Status", "index")
	assertGormTag(t, typ, "Status", "check:status IN ('running','completed','failed','cancelled')")
	assertGormTag(t, typ, "Errors", "foreignKey:RunID")

	assertFieldType(t, typ, "StartedAt", "time.Time")
	assertFieldType(t, typ, "CompletedAt", "*time.Time")
	assertFieldType(t, typ, "Configuration", "datatypes.JSON")
}

func TestDocument_Fields(t *testing.T) {
	typ := reflect.TypeOf(Document{})

	assertGormTag(t, typ, "RunID", "uniqueIndex:idx_documents_run_locator")
	assertGormTag(t, typ, "Locator", "uniqueIndex:idx_documents_run_locator")
	assertGormTag(t, typ, "Locator", "not null")
	assertGormTag(t, typ, "Status", "default:pending")
	assertGormTag(t, typ, "Status", "check:status IN ('pending','in_progress','completed','failed','skipped')")
	assertGormTag(t, typ, "ErrorMessage", "type:text")
	assertGormTag(t, typ, "Attachments", "foreignKey:DocumentID")

	assertFieldType(t, typ, "ProcessedAt", "*time.Time")
	assertFieldType(t, typ, "Metadata", "datatypes.JSONMap")
}

func TestAttachment_Fields(t *testing.T) {
	typ := reflect.TypeOf(Attachment{})

	assertGormTag(t, typ, "DocumentID", "not null")
	assertGormTag(t, typ, "DocumentID", "index")
	assertGormTag(t, typ, "Status", "default:pending")
	assertGormTag(t, typ, "Status", "check:status IN ('pending','uploaded','failed','skipped')")
	assertGormTag(t, typ, "FileHash", "size:64")

	assertFieldType(t, typ, "SizeBytes", "int64")
	assertFieldType(t, typ, "UploadedAt", "*time.Time")
}

func TestTableNames(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{MigrationRun{}.TableName(), "migration_runs"},
		{Document{}.TableName(), "documents"},
		{Attachment{}.TableName(), "attachments"},
		{RunError{}.TableName(), "run_errors"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("TableName = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestDocument_Terminal(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{DocPending, false},
		{DocInProgress, false},
		{DocCompleted, true},
		{DocFailed, true},
		{DocSkipped, true},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			d := Document{Status: tt.status}
			if got := d.Terminal(); got != tt.want {
				t.Errorf("Terminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMigrationRun_ErrorLog(t *testing.T) {
	r := MigrationRun{Errors: []RunError{{Message: "DOC-1-1: boom"}, {Message: "DOC-1-2: bang"}}}
	log := r.ErrorLog()
	if len(log) != 2 || log[0] != "DOC-1-1: boom" || log[1] != "DOC-1-2: bang" {
		t.Errorf("ErrorLog = %v", log)
	}
	if (&MigrationRun{Status: RunCancelled}).Finished() {
		t.Error("cancelled run reported finished")
	}
	if !(&MigrationRun{Status: RunCompleted}).Finished() {
		t.Error("completed run not finished")
	}
}
