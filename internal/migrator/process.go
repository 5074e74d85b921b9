package migrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zulandar/kbmigrate/internal/errs"
	"github.com/zulandar/kbmigrate/internal/gateway"
	"github.com/zulandar/kbmigrate/internal/models"
	"github.com/zulandar/kbmigrate/internal/store"
	"github.com/zulandar/kbmigrate/internal/transform"
)

// outcome is how one document's processing ended.
type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeSkipped
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeCompleted:
		return "completed"
	case outcomeSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

const dryRunNote = "dry run"

// runBatch processes one batch concurrently. Units run on a context that
// ignores cancellation so a signal lets them finish.
func (r *run) runBatch(ctx context.Context, batch int, docs []models.Document) {
	log := r.log.WithField("batch", batch)
	log.WithField("size", len(docs)).Info("processing batch")

	unitCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(len(docs))
	for _, doc := range docs {
		g.Go(func() error {
			r.processOne(unitCtx, log.WithField("locator", doc.Locator), doc)
			return nil
		})
	}
	_ = g.Wait()
}

// processOne runs a document and records failures.
func (r *run) processOne(ctx context.Context, log logrus.FieldLogger, doc models.Document) {
	out, err := r.process(ctx, log, doc)
	if err == nil {
		r.breaker.RecordSuccess()
		log.WithField("outcome", out).Debug("document processed")
		return
	}
	r.fail(log, doc, err)
}

// fail classifies err. Run-fatal errors leave the document in progress so
// finalization returns it to pending.
func (r *run) fail(log logrus.FieldLogger, doc models.Document, err error) {
	kind := errs.Classify(err)
	log = log.WithField("kind", kind).WithError(err)

	if errs.Fatal(err) || errors.Is(err, errs.ErrCircuitOpen) {
		log.Error("run-fatal error")
		r.setFatal(err)
		return
	}
	if trip := r.breaker.RecordFailure(kind); trip != nil {
		log.WithFields(logrus.Fields{
			"breaker":  trip.Error(),
			"failures": r.breaker.Failures(kind),
		}).Error("circuit breaker tripped")
		r.setFatal(trip)
		return
	}

	msg := err.Error()
	log.Error("document failed")
	if uerr := r.store.UpdateDocumentStatus(doc.ID, models.DocFailed, store.StatusUpdate{Error: msg}); uerr != nil {
		r.setFatal(uerr)
		return
	}
	if aerr := r.store.AppendRunError(r.record.ID, doc.Locator+": "+msg); aerr != nil {
		r.setFatal(aerr)
		return
	}
	if r.cfg.Migration.StopOnError {
		r.shutdown.Store(true)
	}
}

// process migrates one document. Document-level failures come back as
// errors; skips are outcomes.
func (r *run) process(ctx context.Context, log logrus.FieldLogger, doc models.Document) (outcome, error) {
	if err := r.store.UpdateDocumentStatus(doc.ID, models.DocInProgress, store.StatusUpdate{}); err != nil {
		return outcomeFailed, err
	}

	entry, ok := r.index.Get(doc.Locator)
	if !ok {
		return outcomeFailed, errs.Newf(errs.KindValidation, "migrator: "+doc.Locator, "no index entry for %s", doc.Locator)
	}

	path, ok := r.files[doc.Locator]
	if !ok {
		path = filepath.Join(r.cfg.Source.DocumentsPath, doc.Locator)
	}
	if _, err := r.fs.Stat(path); !ok || err != nil {
		log.Warn("source file not found")
		return r.skip(doc, "", "source file not found: "+path)
	}

	parsed, err := r.ingester.Parse(path)
	if errs.Classify(err) == errs.KindFileNotFound {
		log.WithError(err).Warn("source file not found")
		return r.skip(doc, "", "source file not found: "+path)
	}
	if err != nil {
		return outcomeFailed, err
	}
	article, err := r.transform.Transform(parsed, entry.Organization)
	if err != nil {
		return outcomeFailed, err
	}

	if r.cfg.Migration.SkipExisting {
		id, found, err := r.gw.CheckArticleExists(ctx, article.Title)
		if err != nil {
			return outcomeFailed, err
		}
		if found {
			log.WithField("remote_id", id).Info("article already exists")
			return r.skip(doc, id, "already exists")
		}
	}

	if problems := article.ValidationErrors; len(problems) > 0 {
		if r.cfg.Migration.StrictValidation {
			return outcomeFailed, errs.Newf(errs.KindValidation, "migrator: "+doc.Locator,
				"validation failed: %s", strings.Join(problems, "; "))
		}
		for _, p := range problems {
			log.WithField("problem", p).Warn("validation warning")
		}
	}

	if r.dryRun {
		if err := r.recordDryRunAttachments(doc, article); err != nil {
			return outcomeFailed, err
		}
		return outcomeCompleted, r.store.UpdateDocumentStatus(doc.ID, models.DocCompleted, store.StatusUpdate{
			RemoteID:    "dry-run-" + doc.Locator,
			ContentHash: article.ContentHash(),
		})
	}

	content, err := r.uploadAttachments(ctx, log, doc, article)
	if err != nil {
		return outcomeFailed, err
	}

	collection := r.cfg.Migration.StagingCollection
	if collection == "" {
		collection = article.Category
	}
	collectionID, err := r.gw.GetOrCreateCollection(ctx, collection)
	if err != nil {
		return outcomeFailed, err
	}

	created, err := r.gw.CreateArticle(ctx, gateway.ArticleInput{
		Title:        article.Title,
		Content:      content,
		CollectionID: collectionID,
		Tags:         article.Tags,
		Metadata:     article.Metadata,
	})
	if err != nil {
		return outcomeFailed, err
	}
	log = log.WithField("remote_id", created.ID)
	if err := r.store.UpdateDocumentStatus(doc.ID, models.DocCompleted, store.StatusUpdate{
		RemoteID:    created.ID,
		ContentHash: article.ContentHash(),
	}); err != nil {
		log.WithError(err).Error("article created but not recorded; reconcile before resuming")
		return outcomeFailed, err
	}
	log.Info("document migrated")
	return outcomeCompleted, nil
}

func (r *run) skip(doc models.Document, remoteID, reason string) (outcome, error) {
	err := r.store.UpdateDocumentStatus(doc.ID, models.DocSkipped, store.StatusUpdate{RemoteID: remoteID, Error: reason})
	return outcomeSkipped, err
}

func attachmentKey(filename, path string) string {
	return filename + "|" + path
}

// attachmentRecords returns the document's attachment rows, creating the
// ones a previous attempt did not. Rows are matched on file name and path.
func (r *run) attachmentRecords(doc models.Document, atts []transform.Attachment) ([]models.Attachment, error) {
	existing, err := r.store.GetAttachments(doc.ID)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]models.Attachment, len(existing))
	for _, a := range existing {
		byKey[attachmentKey(a.Filename, a.FilePath)] = a
	}

	out := make([]models.Attachment, len(atts))
	for i, a := range atts {
		if rec, ok := byKey[attachmentKey(a.Filename, a.SourcePath)]; ok {
			out[i] = rec
			continue
		}
		rec, err := r.store.AddAttachment(r.record.ID, models.Attachment{
			DocumentID: doc.ID,
			Filename:   a.Filename,
			FilePath:   a.SourcePath,
			SizeBytes:  a.SizeBytes,
			MimeType:   a.MimeType,
		})
		if err != nil {
			return nil, err
		}
		out[i] = *rec
	}
	return out, nil
}

func (r *run) recordDryRunAttachments(doc models.Document, article *transform.Document) error {
	recs, err := r.attachmentRecords(doc, article.Attachments)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Status != models.AttachmentPending {
			continue
		}
		if err := r.store.UpdateAttachmentStatus(rec.ID, models.AttachmentSkipped, store.AttachmentUpdate{Error: dryRunNote}); err != nil {
			return err
		}
	}
	return nil
}

// uploadAttachments uploads the article's assets and returns its content
// with references rewritten. A failed attachment does not fail the
// document unless the failure is run-fatal.
func (r *run) uploadAttachments(ctx context.Context, log logrus.FieldLogger, doc models.Document, article *transform.Document) (string, error) {
	recs, err := r.attachmentRecords(doc, article.Attachments)
	if err != nil {
		return "", err
	}

	for i := range article.Attachments {
		a := &article.Attachments[i]
		rec := recs[i]
		if rec.Status == models.AttachmentUploaded {
			a.URL = rec.RemoteURL
			continue
		}
		if rec.Status != models.AttachmentPending {
			continue
		}

		var res gateway.UploadResult
		if a.Embedded {
			res, err = r.gw.UploadBase64(ctx, a.Data, a.Filename, a.MimeType)
		} else {
			res, err = r.gw.UploadFile(ctx, a.SourcePath)
		}
		if err != nil {
			alog := log.WithField("attachment", a.Filename).WithError(err)
			if errs.Fatal(err) || errors.Is(err, context.Canceled) {
				return "", err
			}
			if trip := r.breaker.RecordFailure(errs.Classify(err)); trip != nil {
				return "", fmt.Errorf("attachment %s: %w", a.Filename, trip)
			}
			alog.Warn("attachment upload failed")
			if uerr := r.store.UpdateAttachmentStatus(rec.ID, models.AttachmentFailed, store.AttachmentUpdate{Error: err.Error()}); uerr != nil {
				return "", uerr
			}
			continue
		}
		a.URL = res.URL
		if err := r.store.UpdateAttachmentStatus(rec.ID, models.AttachmentUploaded, store.AttachmentUpdate{
			URL:      res.URL,
			FileHash: res.Hash,
		}); err != nil {
			return "", err
		}
	}

	content, warnings, err := transform.ApplyUploads(article.ContentHTML, article.Attachments)
	if err != nil {
		return "", err
	}
	for _, w := range warnings {
		log.WithField("problem", w).Warn("unresolved reference")
	}
	return content, nil
}
