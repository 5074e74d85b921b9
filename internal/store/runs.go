package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/kbmigrate/internal/models"
)

func preloadErrors(tx *gorm.DB) *gorm.DB {
	return tx.Preload("Errors", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") })
}

// GetLatestRun returns the most recent run, or nil when none exists.
func (s *Store) GetLatestRun() (*models.MigrationRun, error) {
	var run models.MigrationRun
	err := preloadErrors(s.db).Order("id DESC").First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("latest run", err)
	}
	return &run, nil
}

// GetRun loads a run with its error log.
func (s *Store) GetRun(id uint) (*models.MigrationRun, error) {
	var run models.MigrationRun
	if err := preloadErrors(s.db).First(&run, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storageErr("get run", fmt.Errorf("run %d: %w", id, ErrNotFound))
		}
		return nil, storageErr("get run", err)
	}
	return &run, nil
}

// ListRuns returns up to limit runs, newest first. A limit of zero or less
// returns all.
func (s *Store) ListRuns(limit int) ([]models.MigrationRun, error) {
	q := s.db.Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var runs []models.MigrationRun
	if err := q.Find(&runs).Error; err != nil {
		return nil, storageErr("list runs", err)
	}
	return runs, nil
}

// UpdateRun persists a run's status, completion time and counters.
func (s *Store) UpdateRun(run *models.MigrationRun) error {
	err := s.db.Model(run).Select(
		"status", "completed_at",
		"total_documents", "successful_documents", "failed_documents", "skipped_documents",
		"total_attachments", "successful_attachments", "failed_attachments",
	).Updates(run).Error
	if err != nil {
		return storageErr(fmt.Sprintf("update run %d", run.ID), err)
	}
	return nil
}

// AppendRunError adds one entry to a run's error log.
func (s *Store) AppendRunError(runID uint, msg string) error {
	entry := models.RunError{RunID: runID, Message: msg}
	if err := s.db.Create(&entry).Error; err != nil {
		return storageErr("append run error", err)
	}
	return nil
}

// StatusCount is one row of a GROUP BY status aggregate.
type StatusCount struct {
	Status     string
	Count      int
	TotalBytes int64
}

// AttachmentStat aggregates attachments in one status.
type AttachmentStat struct {
	Count      int   `json:"count"`
	TotalBytes int64 `json:"total_bytes"`
}

// Statistics is a consistent snapshot of a run's record statuses.
type Statistics struct {
	Documents      map[string]int            `json:"documents"`
	Attachments    map[string]AttachmentStat `json:"attachments"`
	FirstProcessed *time.Time                `json:"first_processed,omitempty"`
	LastProcessed  *time.Time                `json:"last_processed,omitempty"`
}

// TotalDocuments sums documents over all statuses.
func (st *Statistics) TotalDocuments() int {
	n := 0
	for _, c := range st.Documents {
		n += c
	}
	return n
}

// TotalAttachments sums attachments over all statuses.
func (st *Statistics) TotalAttachments() int {
	n := 0
	for _, a := range st.Attachments {
		n += a.Count
	}
	return n
}

// ProcessingTime is the span between the first and last processed document.
func (st *Statistics) ProcessingTime() time.Duration {
	if st.FirstProcessed == nil || st.LastProcessed == nil {
		return 0
	}
	return st.LastProcessed.Sub(*st.FirstProcessed)
}

// GetStatistics aggregates a run's documents and attachments by status
// inside one transaction.
func (s *Store) GetStatistics(runID uint) (*Statistics, error) {
	var st *Statistics
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		st, err = statistics(tx, runID)
		return err
	})
	if err != nil {
		return nil, storageErr("statistics", err)
	}
	return st, nil
}

func statistics(tx *gorm.DB, runID uint) (*Statistics, error) {
	st := &Statistics{
		Documents:   make(map[string]int),
		Attachments: make(map[string]AttachmentStat),
	}

	var docCounts []StatusCount
	if err := tx.Model(&models.Document{}).
		Select("status, COUNT(*) as count").
		Where("run_id = ?", runID).
		Group("status").
		Scan(&docCounts).Error; err != nil {
		return nil, err
	}
	for _, c := range docCounts {
		st.Documents[c.Status] = c.Count
	}

	var attCounts []StatusCount
	if err := tx.Model(&models.Attachment{}).
		Select("status, COUNT(*) as count, COALESCE(SUM(size_bytes), 0) as total_bytes").
		Where("run_id = ?", runID).
		Group("status").
		Scan(&attCounts).Error; err != nil {
		return nil, err
	}
	for _, c := range attCounts {
		st.Attachments[c.Status] = AttachmentStat{Count: c.Count, TotalBytes: c.TotalBytes}
	}

	var first, last []time.Time
	processed := func() *gorm.DB {
		return tx.Model(&models.Document{}).Where("run_id = ? AND processed_at IS NOT NULL", runID)
	}
	if err := processed().Order("processed_at ASC").Limit(1).Pluck("processed_at", &first).Error; err != nil {
		return nil, err
	}
	if err := processed().Order("processed_at DESC").Limit(1).Pluck("processed_at", &last).Error; err != nil {
		return nil, err
	}
	if len(first) == 1 {
		st.FirstProcessed = &first[0]
	}
	if len(last) == 1 {
		st.LastProcessed = &last[0]
	}
	return st, nil
}

// RecomputeCounters derives a run's counters from its record statuses and
// persists them.
func (s *Store) RecomputeCounters(runID uint) (*models.MigrationRun, error) {
	var run models.MigrationRun
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&run, runID).Error; err != nil {
			return err
		}
		st, err := statistics(tx, runID)
		if err != nil {
			return err
		}
		run.TotalDocuments = st.TotalDocuments()
		run.SuccessfulDocuments = st.Documents[models.DocCompleted]
		run.FailedDocuments = st.Documents[models.DocFailed]
		run.SkippedDocuments = st.Documents[models.DocSkipped]
		run.TotalAttachments = st.TotalAttachments()
		run.SuccessfulAttachments = st.Attachments[models.AttachmentUploaded].Count
		run.FailedAttachments = st.Attachments[models.AttachmentFailed].Count

		return tx.Model(&run).Select(
			"total_documents", "successful_documents", "failed_documents", "skipped_documents",
			"total_attachments", "successful_attachments", "failed_attachments",
		).Updates(&run).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storageErr("recompute counters", fmt.Errorf("run %d: %w", runID, ErrNotFound))
		}
		return nil, storageErr("recompute counters", err)
	}
	return &run, nil
}
