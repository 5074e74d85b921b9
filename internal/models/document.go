package models

import (
	"time"

	"gorm.io/datatypes"
)

// Document statuses.
const (
	DocPending    = "pending"
	DocInProgress = "in_progress"
	DocCompleted  = "completed"
	DocFailed     = "failed"
	DocSkipped    = "skipped"
)

// Attachment statuses.
const (
	AttachmentPending  = "pending"
	AttachmentUploaded = "uploaded"
	AttachmentFailed   = "failed"
	AttachmentSkipped  = "skipped"
)

// Document is one source document's migration lifecycle within a run.
type Document struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	RunID        uint   `gorm:"not null;uniqueIndex:idx_documents_run_locator;index:idx_documents_run_status"`
	Locator      string `gorm:"size:64;not null;uniqueIndex:idx_documents_run_locator"`
	Title        string `gorm:"size:512;not null"`
	Organization string `gorm:"size:255"`
	Status       string `gorm:"size:16;not null;default:pending;index:idx_documents_run_status;check:status IN ('pending','in_progress','completed','failed','skipped')"`
	RemoteID     string `gorm:"size:64"`
	ErrorMessage string `gorm:"type:text"`
	ProcessedAt  *time.Time
	ContentHash  string `gorm:"size:64"`
	Metadata     datatypes.JSONMap
	CreatedAt    time.Time

	Run         *MigrationRun `gorm:"foreignKey:RunID"`
	Attachments []Attachment  `gorm:"foreignKey:DocumentID"`
}

// TableName pins the table name.
func (Document) TableName() string { return "documents" }

// Terminal reports whether the document reached a final status.
func (d *Document) Terminal() bool {
	switch d.Status {
	case DocCompleted, DocFailed, DocSkipped:
		return true
	}
	return false
}

// Attachment is one binary asset referenced by a document.
type Attachment struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	DocumentID   uint   `gorm:"not null;index"`
	RunID        uint   `gorm:"not null;index"`
	Filename     string `gorm:"size:255;not null"`
	FilePath     string `gorm:"size:1024"`
	SizeBytes    int64
	MimeType     string `gorm:"size:128"`
	Status       string `gorm:"size:16;not null;default:pending;index;check:status IN ('pending','uploaded','failed','skipped')"`
	RemoteURL    string `gorm:"size:1024"`
	ErrorMessage string `gorm:"type:text"`
	UploadedAt   *time.Time
	FileHash     string `gorm:"size:64;index"`
	CreatedAt    time.Time

	Run *MigrationRun `gorm:"foreignKey:RunID"`
}

// TableName pins the table name.
func (Attachment) TableName() string { return "attachments" }
