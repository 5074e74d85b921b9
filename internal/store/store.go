// Package store is the durable record of migration runs, documents and
// attachments. Every method is atomic on its own; none holds a transaction
// open across calls.
package store

import (
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/kbmigrate/internal/db"
	"github.com/zulandar/kbmigrate/internal/errs"
	"github.com/zulandar/kbmigrate/internal/models"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// documentTransitions lists the allowed forward moves for a document. The
// in_progress to pending reset is only available through ResetInProgress.
var documentTransitions = map[string][]string{
	models.DocPending:    {models.DocInProgress},
	models.DocInProgress: {models.DocCompleted, models.DocFailed, models.DocSkipped},
}

var attachmentTransitions = map[string][]string{
	models.AttachmentPending: {models.AttachmentUploaded, models.AttachmentFailed, models.AttachmentSkipped},
}

// Store wraps a gorm connection with the migration state operations.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New returns a Store over an already-migrated connection.
func New(gdb *gorm.DB) *Store {
	return &Store{db: gdb, now: time.Now}
}

// DB exposes the underlying connection.
func (s *Store) DB() *gorm.DB { return s.db }

func storageErr(op string, err error) error {
	return errs.New(errs.KindStorage, "store: "+op, pkgerrors.WithStack(err))
}

// sourcesFor returns the statuses from which target may be reached.
func sourcesFor(transitions map[string][]string, target string) []string {
	var from []string
	for src, dsts := range transitions {
		for _, d := range dsts {
			if d == target {
				from = append(from, src)
			}
		}
	}
	return from
}

// CreateRun inserts a running run and its documents, all pending, in one
// transaction.
func (s *Store) CreateRun(total int, snapshot []byte, docs []models.Document) (*models.MigrationRun, error) {
	run := models.MigrationRun{
		Status:         models.RunRunning,
		StartedAt:      s.now(),
		TotalDocuments: total,
		Configuration:  snapshot,
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&run).Error; err != nil {
			return err
		}
		if len(docs) == 0 {
			return nil
		}
		for i := range docs {
			docs[i].ID = 0
			docs[i].RunID = run.ID
			docs[i].Status = models.DocPending
		}
		return tx.CreateInBatches(&docs, 100).Error
	})
	if err != nil {
		return nil, storageErr("create run", err)
	}
	return &run, nil
}

// AddDocument upserts a document keyed by (run, locator). New rows start
// pending; existing rows keep their status.
func (s *Store) AddDocument(runID uint, doc models.Document) (*models.Document, error) {
	if doc.Status != "" && doc.Status != models.DocPending {
		return nil, storageErr("add document "+doc.Locator, fmt.Errorf("%w: new document cannot be %q", ErrInvalidTransition, doc.Status))
	}
	doc.ID = 0
	doc.RunID = runID
	doc.Status = models.DocPending
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}, {Name: "locator"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "organization", "metadata"}),
	}).Create(&doc).Error
	if err != nil {
		return nil, storageErr("add document "+doc.Locator, err)
	}

	var stored models.Document
	if err := s.db.Where("run_id = ? AND locator = ?", runID, doc.Locator).First(&stored).Error; err != nil {
		return nil, storageErr("add document "+doc.Locator, err)
	}
	return &stored, nil
}

// StatusUpdate carries the optional fields of a document status change.
type StatusUpdate struct {
	RemoteID    string
	Error       string
	ContentHash string
}

// UpdateDocumentStatus moves a document to status and stamps processed_at.
// The error message is always overwritten; remote id and hash only when set.
func (s *Store) UpdateDocumentStatus(id uint, status string, u StatusUpdate) error {
	from := sourcesFor(documentTransitions, status)
	if len(from) == 0 {
		return storageErr("update document", fmt.Errorf("%w: to %q", ErrInvalidTransition, status))
	}

	updates := map[string]interface{}{
		"status":        status,
		"processed_at":  s.now(),
		"error_message": u.Error,
	}
	if u.RemoteID != "" {
		updates["remote_id"] = u.RemoteID
	}
	if u.ContentHash != "" {
		updates["content_hash"] = u.ContentHash
	}

	result := s.db.Model(&models.Document{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return storageErr("update document", result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}

	doc, err := s.GetDocument(id)
	if err != nil {
		return err
	}
	return storageErr("update document", fmt.Errorf("%w: %d is %s, cannot move to %s", ErrInvalidTransition, id, doc.Status, status))
}

// GetDocument loads one document by id.
func (s *Store) GetDocument(id uint) (*models.Document, error) {
	var doc models.Document
	if err := s.db.First(&doc, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storageErr("get document", fmt.Errorf("document %d: %w", id, ErrNotFound))
		}
		return nil, storageErr("get document", err)
	}
	return &doc, nil
}

// GetDocumentsByStatus returns a run's documents in status, in insertion
// order.
func (s *Store) GetDocumentsByStatus(runID uint, status string) ([]models.Document, error) {
	var docs []models.Document
	err := s.db.Where("run_id = ? AND status = ?", runID, status).Order("id ASC").Find(&docs).Error
	if err != nil {
		return nil, storageErr("list documents", err)
	}
	return docs, nil
}

// ListDocuments returns every document of a run, in insertion order.
func (s *Store) ListDocuments(runID uint) ([]models.Document, error) {
	var docs []models.Document
	if err := s.db.Where("run_id = ?", runID).Order("id ASC").Find(&docs).Error; err != nil {
		return nil, storageErr("list documents", err)
	}
	return docs, nil
}

// ResetInProgress reverts a run's in-progress documents to pending and
// returns how many moved.
func (s *Store) ResetInProgress(runID uint) (int64, error) {
	result := s.db.Model(&models.Document{}).
		Where("run_id = ? AND status = ?", runID, models.DocInProgress).
		Updates(map[string]interface{}{"status": models.DocPending})
	if result.Error != nil {
		return 0, storageErr("reset in-progress", result.Error)
	}
	return result.RowsAffected, nil
}

// AddAttachment inserts a pending attachment and assigns its id.
func (s *Store) AddAttachment(runID uint, a models.Attachment) (*models.Attachment, error) {
	a.ID = 0
	a.RunID = runID
	a.Status = models.AttachmentPending
	if err := s.db.Create(&a).Error; err != nil {
		return nil, storageErr("add attachment "+a.Filename, err)
	}
	return &a, nil
}

// AttachmentUpdate carries the optional fields of an attachment status
// change.
type AttachmentUpdate struct {
	URL      string
	Error    string
	FileHash string
}

// UpdateAttachmentStatus records an attachment outcome. Uploaded requires a
// remote URL; uploaded_at is only stamped for uploads.
func (s *Store) UpdateAttachmentStatus(id uint, status string, u AttachmentUpdate) error {
	if status == models.AttachmentUploaded && u.URL == "" {
		return storageErr("update attachment", fmt.Errorf("%w: uploaded without url", ErrInvalidTransition))
	}
	from := sourcesFor(attachmentTransitions, status)
	if len(from) == 0 {
		return storageErr("update attachment", fmt.Errorf("%w: to %q", ErrInvalidTransition, status))
	}

	updates := map[string]interface{}{
		"status":        status,
		"error_message": u.Error,
	}
	if u.URL != "" {
		updates["remote_url"] = u.URL
	}
	if u.FileHash != "" {
		updates["file_hash"] = u.FileHash
	}
	if status == models.AttachmentUploaded {
		updates["uploaded_at"] = s.now()
	}

	result := s.db.Model(&models.Attachment{}).Where("id = ? AND status IN ?", id, from).Updates(updates)
	if result.Error != nil {
		return storageErr("update attachment", result.Error)
	}
	if result.RowsAffected == 0 {
		var n int64
		if err := s.db.Model(&models.Attachment{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return storageErr("update attachment", err)
		}
		if n == 0 {
			return storageErr("update attachment", fmt.Errorf("attachment %d: %w", id, ErrNotFound))
		}
		return storageErr("update attachment", fmt.Errorf("%w: attachment %d to %s", ErrInvalidTransition, id, status))
	}
	return nil
}

// GetAttachments returns a document's attachments in insertion order.
func (s *Store) GetAttachments(documentID uint) ([]models.Attachment, error) {
	var out []models.Attachment
	if err := s.db.Where("document_id = ?", documentID).Order("id ASC").Find(&out).Error; err != nil {
		return nil, storageErr("list attachments", err)
	}
	return out, nil
}

// Clean removes all persisted state.
func (s *Store) Clean() error {
	if err := db.Truncate(s.db); err != nil {
		return storageErr("clean", err)
	}
	return nil
}
