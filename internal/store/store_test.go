package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/zulandar/kbmigrate/internal/db"
	"github.com/zulandar/kbmigrate/internal/errs"
	"github.com/zulandar/kbmigrate/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := db.OpenSQLite(":memory:", 0)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return New(gdb)
}

func seedRun(t *testing.T, s *Store, locators ...string) *models.MigrationRun {
	t.Helper()
	docs := make([]models.Document, 0, len(locators))
	for _, loc := range locators {
		docs = append(docs, models.Document{
			Locator:      loc,
			Title:        "Title " + loc,
			Organization: "Acme",
			Metadata:     datatypes.JSONMap{"owner": "ops"},
		})
	}
	run, err := s.CreateRun(len(docs), []byte(`{"migration":{"batch_size":10}}`), docs)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return run
}

func TestCreateRun_MaterializesPendingDocuments(t *testing.T) {
	s := openTestStore(t)
	run := seedRun(t, s, "DOC-1-1", "DOC-1-2", "DOC-1-3")

	if run.ID == 0 {
		t.Fatal("expected run ID to be set")
	}
	if run.Status != models.RunRunning {
		t.Errorf("Status = %q, want running", run.Status)
	}
	if run.TotalDocuments != 3 {
		t.Errorf("TotalDocuments = %d, want 3", run.TotalDocuments)
	}

	docs, err := s.GetDocumentsByStatus(run.ID, models.DocPending)
	if err != nil {
		t.Fatalf("GetDocumentsByStatus: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("pending = %d, want 3", len(docs))
	}
	for i, want := range []string{"DOC-1-1", "DOC-1-2", "DOC-1-3"} {
		if docs[i].Locator != want {
			t.Errorf("docs[%d].Locator = %q, want %q (insertion order)", i, docs[i].Locator, want)
		}
	}
	if docs[0].Metadata["owner"] != "ops" {
		t.Errorf("Metadata = %v, want owner=ops", docs[0].Metadata)
	}
}

func TestCreateRun_DuplicateLocatorRollsBack(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreateRun(2, nil, []models.Document{
		{Locator: "DOC-1-1", Title: "a"},
		{Locator: "DOC-1-1", Title: "b"},
	})
	if err == nil {
		t.Fatal("expected unique violation")
	}
	if errs.Classify(err) != errs.KindStorage {
		t.Errorf("kind = %q, want storage", errs.Classify(err))
	}
	latest, err := s.GetLatestRun()
	if err != nil {
		t.Fatal(err)
	}
	if latest != nil {
		t.Errorf("run persisted despite rollback: %+v", latest)
	}
}

func TestAddDocument_IdempotentUpsert(t *testing.T) {
	s := openTestStore(t)
	run := seedRun(t, s)

	first, err := s.AddDocument(run.ID, models.Document{Locator: "DOC-2-1", Title: "Old"})
	if err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if err := s.UpdateDocumentStatus(first.ID, models.DocInProgress, StatusUpdate{}); err != nil {
		t.Fatal(err)
	}

	second, err := s.AddDocument(run.ID, models.Document{Locator: "DOC-2-1", Title: "New"})
	if err != nil {
		t.Fatalf("AddDocument again: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("ID = %d, want %d (same row)", second.ID, first.ID)
	}
	if second.Title != "New" {
		t.Errorf("Title = %q, want New", second.Title)
	}
	if second.Status != models.DocInProgress {
		t.Errorf("Status = %q, upsert must not reset status", second.Status)
	}

	all, _ := s.ListDocuments(run.ID)
	if len(all) != 1 {
		t.Errorf("documents = %d, want 1", len(all))
	}
}

func TestUpdateDocumentStatus_Transitions(t *testing.T) {
	s := openTestStore(t)
	run := seedRun(t, s, "DOC-1-1")
	docs, _ := s.GetDocumentsByStatus(run.ID, models.DocPending)
	id := docs[0].ID

	if err := s.UpdateDocumentStatus(id, models.DocCompleted, StatusUpdate{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending->completed error = %v, want ErrInvalidTransition", err)
	}
	if err := s.UpdateDocumentStatus(id, models.DocInProgress, StatusUpdate{}); err != nil {
		t.Fatalf("pending->in_progress: %v", err)
	}
	err := s.UpdateDocumentStatus(id, models.DocCompleted, StatusUpdate{RemoteID: "kb-42", ContentHash: "abc"})
	if err != nil {
		t.Fatalf("in_progress->completed: %v", err)
	}

	doc, err := s.GetDocument(id)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Status != models.DocCompleted || doc.RemoteID != "kb-42" || doc.ContentHash != "abc" {
		t.Errorf("doc = %+v", doc)
	}
	if doc.ProcessedAt == nil {
		t.Error("ProcessedAt not stamped")
	}
	if err := s.UpdateDocumentStatus(id, models.DocInProgress, StatusUpdate{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("completed->in_progress error = %v, want ErrInvalidTransition", err)
	}
	if err := s.UpdateDocumentStatus(id, models.DocPending, StatusUpdate{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("->pending error = %v, want ErrInvalidTransition", err)
	}
}

func TestUpdateDocumentStatus_MissingDocument(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateDocumentStatus(999, models.DocInProgress, StatusUpdate{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
	if errs.Classify(err) != errs.KindStorage {
		t.Errorf("kind = %q, want storage", errs.Classify(err))
	}
}

func TestResetInProgress(t *testing.T) {
	s := openTestStore(t)
	run := seedRun(t, s, "DOC-1-1", "DOC-1-2", "DOC-1-3")
	docs, _ := s.GetDocumentsByStatus(run.ID, models.DocPending)

	for _, d := range docs[:2] {
		if err := s.UpdateDocumentStatus(d.ID, models.DocInProgress, StatusUpdate{}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.UpdateDocumentStatus(docs[0].ID, models.DocFailed, StatusUpdate{Error: "boom"}); err != nil {
		t.Fatal(err)
	}

	n, err := s.ResetInProgress(run.ID)
	if err != nil {
		t.Fatalf("ResetInProgress: %v", err)
	}
	if n != 1 {
		t.Errorf("reset = %d, want 1", n)
	}
	pending, _ := s.GetDocumentsByStatus(run.ID, models.DocPending)
	if len(pending) != 2 {
		t.Errorf("pending = %d, want 2", len(pending))
	}
	failed, _ := s.GetDocumentsByStatus(run.ID, models.DocFailed)
	if len(failed) != 1 || failed[0].ErrorMessage != "boom" {
		t.Errorf("failed = %+v", failed)
	}
}

func TestAddDocument_RejectsNonPendingStatus(t *testing.T) {
	s := openTestStore(t)
	run := seedRun(t, s)

	tests := []string{models.DocCompleted, models.DocInProgress, "bogus"}
	for _, status := range tests {
		t.Run(status, func(t *testing.T) {
			_, err := s.AddDocument(run.ID, models.Document{Locator: "DOC-3-1", Title: "T", Status: status})
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("AddDocument(%q) error = %v, want ErrInvalidTransition", status, err)
			}
		})
	}

	doc, err := s.AddDocument(run.ID, models.Document{Locator: "DOC-3-1", Title: "T", Status: models.DocPending})
	if err != nil {
		t.Fatalf("AddDocument(pending): %v", err)
	}
	if doc.Status != models.DocPending {
		t.Errorf("Status = %q, want pending", doc.Status)
	}
}

func TestStatusColumnsConstrained(t *testing.T) {
	s := openTestStore(t)
	run := seedRun(t, s, "DOC-1-1")
	docs, _ := s.GetDocumentsByStatus(run.ID, models.DocPending)
	a, err := s.AddAttachment(run.ID, models.Attachment{DocumentID: docs[0].ID, Filename: "x.png"})
	if err != nil {
		t.Fatalf("AddAttachment: %v", err)
	}

	tests := []struct {
		name  string
		model interface{}
		id    uint
	}{
		{"run", &models.MigrationRun{}, run.ID},
		{"document", &models.Document{}, docs[0].ID},
		{"attachment", &models.Attachment{}, a.ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.DB().Model(tt.model).Where("id = ?", tt.id).Update("status", "weird").Error
			if err == nil {
				t.Error("raw write of an unknown status succeeded")
			}
		})
	}
}

func TestAttachments(t *testing.T) {
	s := openTestStore(t)
	run := seedRun(t, s, "DOC-1-1")
	docs, _ := s.GetDocumentsByStatus(run.ID, models.DocPending)

	a, err := s.AddAttachment(run.ID, models.Attachment{DocumentID: docs[0].ID, Filename: "diagram.png", SizeBytes: 1024})
	if err != nil {
		t.Fatalf("AddAttachment: %v", err)
	}
	if a.ID == 0 || a.Status != models.AttachmentPending {
		t.Errorf("attachment = %+v", a)
	}

	if err := s.UpdateAttachmentStatus(a.ID, models.AttachmentUploaded, AttachmentUpdate{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("uploaded without url error = %v, want ErrInvalidTransition", err)
	}
	if err := s.UpdateAttachmentStatus(a.ID, models.AttachmentUploaded, AttachmentUpdate{URL: "https://cdn/x.png", FileHash: "abc123"}); err != nil {
		t.Fatalf("UpdateAttachmentStatus: %v", err)
	}
	if err := s.UpdateAttachmentStatus(a.ID, models.AttachmentFailed, AttachmentUpdate{Error: "late"}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("uploaded->failed error = %v, want ErrInvalidTransition", err)
	}
	if err := s.UpdateAttachmentStatus(404, models.AttachmentFailed, AttachmentUpdate{Error: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing attachment error = %v, want ErrNotFound", err)
	}

	b, _ := s.AddAttachment(run.ID, models.Attachment{DocumentID: docs[0].ID, Filename: "big.pdf", SizeBytes: 10})
	if err := s.UpdateAttachmentStatus(b.ID, models.AttachmentFailed, AttachmentUpdate{Error: "HTTP 500"}); err != nil {
		t.Fatal(err)
	}

	list, err := s.GetAttachments(docs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("attachments = %d, want 2", len(list))
	}
	if list[0].UploadedAt == nil {
		t.Error("UploadedAt not set on uploaded attachment")
	}
	if list[0].FileHash != "abc123" {
		t.Errorf("FileHash = %q, want abc123", list[0].FileHash)
	}
	if list[1].UploadedAt != nil {
		t.Error("UploadedAt set on failed attachment")
	}
}

func TestStatisticsAndRecomputeCounters(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Minute) }

	run := seedRun(t, s, "DOC-1-1", "DOC-1-2", "DOC-1-3", "DOC-1-4")
	docs, _ := s.GetDocumentsByStatus(run.ID, models.DocPending)
	outcomes := []string{models.DocCompleted, models.DocCompleted, models.DocFailed, models.DocSkipped}
	for i, d := range docs {
		if err := s.UpdateDocumentStatus(d.ID, models.DocInProgress, StatusUpdate{}); err != nil {
			t.Fatal(err)
		}
		if err := s.UpdateDocumentStatus(d.ID, outcomes[i], StatusUpdate{}); err != nil {
			t.Fatal(err)
		}
	}
	a1, _ := s.AddAttachment(run.ID, models.Attachment{DocumentID: docs[0].ID, Filename: "a", SizeBytes: 100})
	a2, _ := s.AddAttachment(run.ID, models.Attachment{DocumentID: docs[0].ID, Filename: "b", SizeBytes: 50})
	a3, _ := s.AddAttachment(run.ID, models.Attachment{DocumentID: docs[1].ID, Filename: "c", SizeBytes: 7})
	_ = s.UpdateAttachmentStatus(a1.ID, models.AttachmentUploaded, AttachmentUpdate{URL: "u1"})
	_ = s.UpdateAttachmentStatus(a2.ID, models.AttachmentUploaded, AttachmentUpdate{URL: "u2"})
	_ = s.UpdateAttachmentStatus(a3.ID, models.AttachmentFailed, AttachmentUpdate{Error: "nope"})

	st, err := s.GetStatistics(run.ID)
	if err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if st.Documents[models.DocCompleted] != 2 || st.Documents[models.DocFailed] != 1 || st.Documents[models.DocSkipped] != 1 {
		t.Errorf("Documents = %v", st.Documents)
	}
	if got := st.Attachments[models.AttachmentUploaded]; got.Count != 2 || got.TotalBytes != 150 {
		t.Errorf("uploaded = %+v, want 2 / 150 bytes", got)
	}
	if got := st.Attachments[models.AttachmentFailed]; got.Count != 1 || got.TotalBytes != 7 {
		t.Errorf("failed = %+v, want 1 / 7 bytes", got)
	}
	if st.TotalDocuments() != 4 || st.TotalAttachments() != 3 {
		t.Errorf("totals = %d docs / %d attachments", st.TotalDocuments(), st.TotalAttachments())
	}
	if st.FirstProcessed == nil || st.LastProcessed == nil {
		t.Fatal("processing time bounds missing")
	}
	if st.ProcessingTime() <= 0 {
		t.Errorf("ProcessingTime = %v, want positive", st.ProcessingTime())
	}

	updated, err := s.RecomputeCounters(run.ID)
	if err != nil {
		t.Fatalf("RecomputeCounters: %v", err)
	}
	if updated.TotalDocuments != 4 || updated.SuccessfulDocuments != 2 || updated.FailedDocuments != 1 || updated.SkippedDocuments != 1 {
		t.Errorf("document counters = %+v", updated)
	}
	if updated.TotalAttachments != 3 || updated.SuccessfulAttachments != 2 || updated.FailedAttachments != 1 {
		t.Errorf("attachment counters = %+v", updated)
	}

	reloaded, err := s.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.SuccessfulDocuments != 2 {
		t.Errorf("persisted SuccessfulDocuments = %d, want 2", reloaded.SuccessfulDocuments)
	}
}

func TestStatistics_EmptyRun(t *testing.T) {
	s := openTestStore(t)
	run := seedRun(t, s)
	st, err := s.GetStatistics(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalDocuments() != 0 || st.FirstProcessed != nil || st.ProcessingTime() != 0 {
		t.Errorf("empty stats = %+v", st)
	}
}

func TestRunLifecycle(t *testing.T) {
	s := openTestStore(t)

	latest, err := s.GetLatestRun()
	if err != nil || latest != nil {
		t.Fatalf("GetLatestRun on empty store = %v, %v", latest, err)
	}

	first := seedRun(t, s, "DOC-1-1")
	second := seedRun(t, s, "DOC-1-1")

	if err := s.AppendRunError(second.ID, "DOC-1-1: first"); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendRunError(second.ID, "DOC-1-1: second"); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	second.Status = models.RunCompleted
	second.CompletedAt = &now
	second.SkippedDocuments = 1
	if err := s.UpdateRun(second); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	latest, err = s.GetLatestRun()
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != second.ID {
		t.Errorf("latest = %d, want %d", latest.ID, second.ID)
	}
	if latest.Status != models.RunCompleted || latest.CompletedAt == nil || latest.SkippedDocuments != 1 {
		t.Errorf("latest = %+v", latest)
	}
	log := latest.ErrorLog()
	if len(log) != 2 || log[0] != "DOC-1-1: first" {
		t.Errorf("ErrorLog = %v", log)
	}

	runs, err := s.ListRuns(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != second.ID || runs[1].ID != first.ID {
		t.Errorf("ListRuns = %v", runs)
	}
	if limited, _ := s.ListRuns(1); len(limited) != 1 {
		t.Errorf("ListRuns(1) = %d runs", len(limited))
	}

	if _, err := s.GetRun(999); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun(999) error = %v, want ErrNotFound", err)
	}
}

func TestClean(t *testing.T) {
	s := openTestStore(t)
	run := seedRun(t, s, "DOC-1-1")
	_ = s.AppendRunError(run.ID, "x")

	if err := s.Clean(); err != nil {
		t.Fatalf("Clean: %v", err)
	}
	latest, _ := s.GetLatestRun()
	if latest != nil {
		t.Errorf("run survived clean: %+v", latest)
	}
}

func TestConcurrentStatusUpdates(t *testing.T) {
	s := openTestStore(t)
	locs := []string{"DOC-1-1", "DOC-1-2", "DOC-1-3", "DOC-1-4", "DOC-1-5", "DOC-1-6"}
	run := seedRun(t, s, locs...)
	docs, _ := s.GetDocumentsByStatus(run.ID, models.DocPending)

	var wg sync.WaitGroup
	errCh := make(chan error, len(docs))
	for _, d := range docs {
		wg.Add(1)
		go func(id uint) {
			defer wg.Done()
			if err := s.UpdateDocumentStatus(id, models.DocInProgress, StatusUpdate{}); err != nil {
				errCh <- err
				return
			}
			if err := s.UpdateDocumentStatus(id, models.DocCompleted, StatusUpdate{RemoteID: "r"}); err != nil {
				errCh <- err
			}
		}(d.ID)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("concurrent update: %v", err)
	}

	updated, err := s.RecomputeCounters(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.SuccessfulDocuments != len(locs) {
		t.Errorf("SuccessfulDocuments = %d, want %d", updated.SuccessfulDocuments, len(locs))
	}
}
