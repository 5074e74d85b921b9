// Package migrator drives a migration run: it materializes the source
// index into the state store, then ingests, transforms and publishes each
// pending document in sequential batches.
package migrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gorm.io/datatypes"

	"github.com/zulandar/kbmigrate/internal/config"
	"github.com/zulandar/kbmigrate/internal/errs"
	"github.com/zulandar/kbmigrate/internal/gateway"
	"github.com/zulandar/kbmigrate/internal/ingest"
	"github.com/zulandar/kbmigrate/internal/logging"
	"github.com/zulandar/kbmigrate/internal/models"
	"github.com/zulandar/kbmigrate/internal/notify"
	"github.com/zulandar/kbmigrate/internal/source"
	"github.com/zulandar/kbmigrate/internal/store"
	"github.com/zulandar/kbmigrate/internal/transform"
)

const (
	defaultBatchSize = 10
	notifyTimeout    = 30 * time.Second
)

var (
	// ErrConnection is returned when the remote service is unreachable at
	// startup.
	ErrConnection = errors.New("migrator: cannot connect to remote service")
	// ErrNoRun is returned when resuming without any previous run.
	ErrNoRun = errors.New("migrator: no previous run to resume")
	// ErrRunCompleted is returned when resuming a run that already completed.
	ErrRunCompleted = errors.New("migrator: latest run already completed")
	// ErrNothingToResume is returned when the latest run has no pending work.
	ErrNothingToResume = errors.New("migrator: no pending documents to resume")
	// ErrResumeModeMismatch is returned when a resume asks for a different
	// dry-run mode than the run was started with.
	ErrResumeModeMismatch = errors.New("migrator: resume dry-run mode differs from the run's")
	// ErrCancelled is returned when the caller's context ends the run early.
	ErrCancelled = errors.New("migrator: cancelled")
)

// Ingester parses one exported HTML document.
type Ingester interface {
	Parse(path string) (*ingest.Document, error)
}

// Transformer turns a parsed document into an article-ready one.
type Transformer interface {
	Transform(doc *ingest.Document, organization string) (*transform.Document, error)
}

// Options tune a single Migrate call. Zero values fall back to the
// configuration.
type Options struct {
	Resume    bool
	Limit     int
	Filter    string
	DryRun    bool
	BatchSize int
}

// Result describes a finished Migrate call.
type Result struct {
	Run        *models.MigrationRun
	Statistics *store.Statistics
	Order      []string
	Processed  int
	DryRun     bool
	Duration   time.Duration
}

// Deps holds the collaborators of a Migrator.
type Deps struct {
	Config      *config.Config
	Store       *store.Store
	Gateway     gateway.Gateway
	Ingester    Ingester
	Transformer Transformer
	Notifier    notify.Notifier
	FS          afero.Fs
	Log         logrus.FieldLogger
}

// Migrator runs migrations. A Migrator may run several migrations in
// sequence but not concurrently.
type Migrator struct {
	cfg       *config.Config
	store     *store.Store
	gw        gateway.Gateway
	ingester  Ingester
	transform Transformer
	notifier  notify.Notifier
	fs        afero.Fs
	log       logrus.FieldLogger

	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Migrator over d.
func New(d Deps) *Migrator {
	if d.FS == nil {
		d.FS = afero.NewOsFs()
	}
	if d.Log == nil {
		d.Log = logging.Discard()
	}
	return &Migrator{
		cfg:       d.Config,
		store:     d.Store,
		gw:        d.Gateway,
		ingester:  d.Ingester,
		transform: d.Transformer,
		notifier:  d.Notifier,
		fs:        d.FS,
		log:       d.Log.WithField("component", "migrator"),
		sleep:     sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// run is the state of one Migrate call shared by its workers.
type run struct {
	*Migrator
	record  *models.MigrationRun
	index   *source.Index
	files   map[string]string
	dryRun  bool
	breaker *errs.Breaker
	log     logrus.FieldLogger

	shutdown atomic.Bool

	mu    sync.Mutex
	fatal error
}

func (r *run) setFatal(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatal == nil {
		r.fatal = err
	}
}

func (r *run) fatalErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

// Migrate performs a new run, or resumes the latest one.
func (m *Migrator) Migrate(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()

	var filter *regexp.Regexp
	if opts.Filter != "" {
		re, err := regexp.Compile("(?i)" + opts.Filter)
		if err != nil {
			return nil, errs.New(errs.KindValidation, "migrator: filter", fmt.Errorf("invalid pattern %q: %w", opts.Filter, err))
		}
		filter = re
	}

	index, err := source.LoadIndex(m.fs, m.cfg.Source.CSVPath)
	if err != nil {
		return nil, fmt.Errorf("migrator: load index: %w", err)
	}
	for _, w := range index.Warnings {
		m.log.Warn(w)
	}
	files, err := source.MapFiles(m.fs, m.cfg.Source.DocumentsPath)
	if err != nil {
		return nil, fmt.Errorf("migrator: map files: %w", err)
	}

	if !m.gw.TestConnection(ctx) {
		return nil, ErrConnection
	}

	dryRun := opts.DryRun || m.cfg.Migration.DryRun
	record, err := m.startRun(index, opts.Resume, dryRun)
	if err != nil {
		return nil, err
	}

	r := &run{
		Migrator: m,
		record:   record,
		index:    index,
		files:    files,
		dryRun:   dryRun,
		breaker: errs.NewBreaker(m.cfg.Migration.CircuitBreaker.Threshold,
			m.cfg.Migration.CircuitBreaker.Window, m.cfg.BreakerKinds()),
		log: m.log.WithField("run_id", record.ID),
	}

	work, err := r.workList(filter, opts.Limit)
	if err != nil {
		return nil, err
	}
	order := make([]string, len(work))
	for i, d := range work {
		order[i] = d.Locator
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = m.cfg.Migration.BatchSize
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	r.log.WithFields(logrus.Fields{
		"documents":  len(work),
		"batch_size": batchSize,
		"dry_run":    r.dryRun,
		"resume":     opts.Resume,
	}).Info("migration started")

	processed, cancelled, err := r.runBatches(ctx, work, batchSize)
	if err != nil {
		return nil, err
	}

	res, err := r.finalize(ctx, cancelled, processed, order, time.Since(start))
	if err != nil {
		return nil, err
	}
	switch {
	case cancelled:
		return res, ErrCancelled
	case r.fatalErr() != nil:
		return res, fmt.Errorf("migrator: run %d aborted: %w", record.ID, r.fatalErr())
	}
	return res, nil
}

// startRun creates a run with one pending document per index entry, or
// reopens the latest run for a resume. A run is only resumed in the mode it
// was started in.
func (m *Migrator) startRun(index *source.Index, resume, dryRun bool) (*models.MigrationRun, error) {
	if !resume {
		entries := index.Entries()
		docs := make([]models.Document, 0, len(entries))
		for _, e := range entries {
			docs = append(docs, models.Document{
				Locator:      e.Locator,
				Title:        e.Name,
				Organization: e.Organization,
				Metadata:     datatypes.JSONMap(e.Metadata()),
			})
		}
		effective := *m.cfg
		effective.Migration.DryRun = dryRun
		snapshot, err := effective.Snapshot()
		if err != nil {
			return nil, err
		}
		return m.store.CreateRun(len(docs), snapshot, docs)
	}

	record, err := m.store.GetLatestRun()
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrNoRun
	}
	if record.Finished() {
		return nil, fmt.Errorf("%w: run %d", ErrRunCompleted, record.ID)
	}
	started, err := config.SnapshotDryRun(record.Configuration)
	if err != nil {
		return nil, fmt.Errorf("migrator: run %d: %w", record.ID, err)
	}
	if started != dryRun {
		return nil, fmt.Errorf("%w: run %d was started with dry_run=%t", ErrResumeModeMismatch, record.ID, started)
	}
	st, err := m.store.GetStatistics(record.ID)
	if err != nil {
		return nil, err
	}
	if st.Documents[models.DocPending]+st.Documents[models.DocInProgress] == 0 {
		return nil, fmt.Errorf("%w: run %d", ErrNothingToResume, record.ID)
	}
	reset, err := m.store.ResetInProgress(record.ID)
	if err != nil {
		return nil, err
	}
	if record.Status != models.RunRunning {
		record.Status = models.RunRunning
		if err := m.store.UpdateRun(record); err != nil {
			return nil, err
		}
	}
	m.log.WithFields(logrus.Fields{"run_id": record.ID, "reset": reset}).Info("resuming run")
	return record, nil
}

// runBatches processes work in strictly sequential batches. It reports how
// many documents were attempted and whether the context ended the run.
func (r *run) runBatches(ctx context.Context, work []models.Document, batchSize int) (int, bool, error) {
	processed := 0
	for i, batch := 0, 1; i < len(work); i, batch = i+batchSize, batch+1 {
		if ctx.Err() != nil {
			return processed, true, nil
		}
		if r.shutdown.Load() || r.fatalErr() != nil {
			break
		}
		if i > 0 {
			if err := r.sleep(ctx, r.cfg.Migration.BatchPause); err != nil {
				return processed, true, nil
			}
		}

		end := i + batchSize
		if end > len(work) {
			end = len(work)
		}
		r.runBatch(ctx, batch, work[i:end])
		processed += end - i

		if _, err := r.store.RecomputeCounters(r.record.ID); err != nil {
			return processed, false, err
		}
	}
	return processed, ctx.Err() != nil, nil
}

// finalize settles the run status, persists counters, logs a summary and
// notifies.
func (r *run) finalize(ctx context.Context, cancelled bool, processed int, order []string, elapsed time.Duration) (*Result, error) {
	if cancelled || r.fatalErr() != nil {
		n, err := r.store.ResetInProgress(r.record.ID)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			r.log.WithField("reset", n).Info("in-progress documents returned to pending")
		}
	}

	record, err := r.store.RecomputeCounters(r.record.ID)
	if err != nil {
		return nil, err
	}
	st, err := r.store.GetStatistics(record.ID)
	if err != nil {
		return nil, err
	}

	switch {
	case cancelled:
		record.Status = models.RunCancelled
	case r.fatalErr() != nil || r.shutdown.Load():
		record.Status = models.RunFailed
	case st.Documents[models.DocPending] == 0:
		record.Status = models.RunCompleted
		now := time.Now()
		record.CompletedAt = &now
	default:
		record.Status = models.RunRunning
	}
	if err := r.store.UpdateRun(record); err != nil {
		return nil, err
	}
	if fatal := r.fatalErr(); fatal != nil {
		r.recordFatal(fatal)
	}

	full, err := r.store.GetRun(record.ID)
	if err != nil {
		return nil, err
	}

	r.log.WithFields(logrus.Fields{
		"status":      full.Status,
		"processed":   processed,
		"total":       full.TotalDocuments,
		"succeeded":   full.SuccessfulDocuments,
		"failed":      full.FailedDocuments,
		"skipped":     full.SkippedDocuments,
		"attachments": full.SuccessfulAttachments,
		"duration":    elapsed.Round(time.Millisecond).String(),
	}).Info("migration finished")

	r.notify(ctx, full, elapsed)

	return &Result{
		Run:        full,
		Statistics: st,
		Order:      order,
		Processed:  processed,
		DryRun:     r.dryRun,
		Duration:   elapsed,
	}, nil
}

// recordFatal adds the error that aborted the run to its error log. A
// storage failure is only logged since the store is what failed.
func (r *run) recordFatal(fatal error) {
	if errs.Classify(fatal) == errs.KindStorage {
		r.log.WithError(fatal).Error("run aborted by storage error; not recorded in error log")
		return
	}
	if err := r.store.AppendRunError(r.record.ID, "run aborted: "+fatal.Error()); err != nil {
		r.log.WithError(err).Error("failed to record run-fatal error")
	}
}

// notify sends the summary. Failures are logged only.
func (r *run) notify(ctx context.Context, record *models.MigrationRun, elapsed time.Duration) {
	if r.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	s := notify.Summary{
		RunID:       record.ID,
		Status:      record.Status,
		DryRun:      r.dryRun,
		Total:       record.TotalDocuments,
		Succeeded:   record.SuccessfulDocuments,
		Failed:      record.FailedDocuments,
		Skipped:     record.SkippedDocuments,
		Attachments: record.SuccessfulAttachments,
		Duration:    elapsed,
		Errors:      record.ErrorLog(),
	}
	if err := r.notifier.Notify(nctx, s); err != nil {
		r.log.WithError(err).Warn("notification failed")
	}
}
