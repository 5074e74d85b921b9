package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/zulandar/kbmigrate/internal/gateway"
	"github.com/zulandar/kbmigrate/internal/ingest"
	"github.com/zulandar/kbmigrate/internal/migrator"
	"github.com/zulandar/kbmigrate/internal/notify"
	"github.com/zulandar/kbmigrate/internal/transform"
)

type migrateFlags struct {
	configPath   string
	resume       bool
	dryRun       bool
	batchSize    int
	limit        int
	filter       string
	skipExisting bool
}

func newMigrateCmd() *cobra.Command {
	var f migrateFlags

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run or resume a migration",
		Long: "Publishes every pending document of the export. Progress is stored after each\n" +
			"document; an interrupted run can be continued with --resume.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, afero.NewOsFs(), f)
		},
	}

	addConfigFlag(cmd, &f.configPath)
	cmd.Flags().BoolVar(&f.resume, "resume", false, "continue the latest unfinished run")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "process documents without publishing")
	cmd.Flags().IntVar(&f.batchSize, "batch-size", 0, "documents per batch (default from config)")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "process at most N documents")
	cmd.Flags().StringVar(&f.filter, "filter", "", "only process documents whose title or organization matches this pattern")
	cmd.Flags().BoolVar(&f.skipExisting, "skip-existing", true, "skip documents whose title already exists remotely")
	return cmd
}

func runMigrate(cmd *cobra.Command, fs afero.Fs, f migrateFlags) error {
	out := cmd.OutOrStdout()

	sess, err := openSession(cmd, f.configPath)
	if err != nil {
		return err
	}
	defer sess.Close()

	cfg := sess.cfg
	if cmd.Flags().Changed("skip-existing") {
		cfg.Migration.SkipExisting = f.skipExisting
	}
	if f.batchSize < 0 || f.batchSize > 100 {
		return fmt.Errorf("--batch-size must be between 1 and 100")
	}

	notifier, err := notify.FromConfig(cfg.Notify, sess.log)
	if err != nil {
		return err
	}

	m := migrator.New(migrator.Deps{
		Config:      cfg,
		Store:       sess.store,
		Gateway:     gateway.New(gateway.OptionsFrom(cfg), fs, sess.log),
		Ingester:    ingest.NewParser(fs, sess.log),
		Transformer: transform.New(fs, cfg.Source.AttachmentsPath, cfg.Migration.MaxAttachmentSize, sess.log),
		Notifier:    notifier,
		FS:          fs,
		Log:         sess.log,
	})

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := m.Migrate(ctx, migrator.Options{
		Resume:    f.resume,
		Limit:     f.limit,
		Filter:    f.filter,
		DryRun:    f.dryRun,
		BatchSize: f.batchSize,
	})
	if res != nil {
		printMigrateSummary(out, res)
	}
	switch {
	case errors.Is(err, migrator.ErrCancelled):
		fmt.Fprintln(out, "\nInterrupted. Continue with: kbmigrate migrate --resume")
	case errors.Is(err, migrator.ErrNothingToResume), errors.Is(err, migrator.ErrRunCompleted):
		fmt.Fprintln(out, "Nothing to resume. Start a new run without --resume.")
	}
	return err
}

func printMigrateSummary(out io.Writer, res *migrator.Result) {
	run := res.Run
	mode := ""
	if res.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(out, "\nMigration run %d: %s%s\n", run.ID, run.Status, mode)
	fmt.Fprintf(out, "  Processed:    %d\n", res.Processed)
	fmt.Fprintf(out, "  Total:        %d\n", run.TotalDocuments)
	fmt.Fprintf(out, "  Succeeded:    %d\n", run.SuccessfulDocuments)
	fmt.Fprintf(out, "  Failed:       %d\n", run.FailedDocuments)
	fmt.Fprintf(out, "  Skipped:      %d\n", run.SkippedDocuments)
	fmt.Fprintf(out, "  Attachments:  %d uploaded, %d failed of %d\n",
		run.SuccessfulAttachments, run.FailedAttachments, run.TotalAttachments)
	fmt.Fprintf(out, "  Duration:     %s\n", res.Duration.Round(time.Millisecond))

	if pending := run.TotalDocuments - run.SuccessfulDocuments - run.FailedDocuments - run.SkippedDocuments; pending > 0 {
		fmt.Fprintf(out, "\n%d document(s) still pending. Continue with: kbmigrate migrate --resume\n", pending)
	}
	if run.FailedDocuments > 0 {
		fmt.Fprintln(out, "See failures with: kbmigrate report")
	}
}
