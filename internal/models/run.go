package models

import (
	"time"

	"gorm.io/datatypes"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// MigrationRun is one attempt at migrating the export.
type MigrationRun struct {
	ID                    uint   `gorm:"primaryKey;autoIncrement"`
	Status                string `gorm:"size:16;not null;default:running;index;check:status IN ('running','completed','failed','cancelled')"`
	StartedAt             time.Time
	CompletedAt           *time.Time
	TotalDocuments        int `gorm:"default:0"`
	SuccessfulDocuments   int `gorm:"default:0"`
	FailedDocuments       int `gorm:"default:0"`
	SkippedDocuments      int `gorm:"default:0"`
	TotalAttachments      int `gorm:"default:0"`
	SuccessfulAttachments int `gorm:"default:0"`
	FailedAttachments     int `gorm:"default:0"`
	Configuration         datatypes.JSON

	Errors []RunError `gorm:"foreignKey:RunID"`
}

// TableName pins the table name.
func (MigrationRun) TableName() string { return "migration_runs" }

// Finished reports whether the run reached a terminal state that cannot be
// resumed.
func (r *MigrationRun) Finished() bool {
	return r.Status == RunCompleted
}

// ErrorLog returns the run's error messages in insertion order. Errors must
// be preloaded.
func (r *MigrationRun) ErrorLog() []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Message)
	}
	return out
}

// RunError is one entry in a run's error log.
type RunError struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	RunID     uint   `gorm:"not null;index"`
	Message   string `gorm:"type:text"`
	CreatedAt time.Time
}

// TableName pins the table name.
func (RunError) TableName() string { return "run_errors" }
