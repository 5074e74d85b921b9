// Package report summarizes persisted migration runs as styled text, JSON
// or a small HTTP API.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/zulandar/kbmigrate/internal/models"
	"github.com/zulandar/kbmigrate/internal/store"
)

// ErrNoRuns is returned when the latest run is requested and none exist.
var ErrNoRuns = errors.New("report: no migration runs recorded")

// Run is the JSON view of a migration run.
type Run struct {
	ID                    uint       `json:"id"`
	Status                string     `json:"status"`
	StartedAt             time.Time  `json:"started_at"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	TotalDocuments        int        `json:"total_documents"`
	SuccessfulDocuments   int        `json:"successful_documents"`
	FailedDocuments       int        `json:"failed_documents"`
	SkippedDocuments      int        `json:"skipped_documents"`
	TotalAttachments      int        `json:"total_attachments"`
	SuccessfulAttachments int        `json:"successful_attachments"`
	FailedAttachments     int        `json:"failed_attachments"`
}

func runView(r *models.MigrationRun) Run {
	return Run{
		ID:                    r.ID,
		Status:                r.Status,
		StartedAt:             r.StartedAt,
		CompletedAt:           r.CompletedAt,
		TotalDocuments:        r.TotalDocuments,
		SuccessfulDocuments:   r.SuccessfulDocuments,
		FailedDocuments:       r.FailedDocuments,
		SkippedDocuments:      r.SkippedDocuments,
		TotalAttachments:      r.TotalAttachments,
		SuccessfulAttachments: r.SuccessfulAttachments,
		FailedAttachments:     r.FailedAttachments,
	}
}

// FailedDocument is one failed document of a run.
type FailedDocument struct {
	Locator string `json:"locator"`
	Title   string `json:"title"`
	Error   string `json:"error"`
}

// Report is everything known about one run.
type Report struct {
	Run             Run               `json:"run"`
	Statistics      *store.Statistics `json:"statistics"`
	SuccessRate     float64           `json:"success_rate"`
	Duration        time.Duration     `json:"-"`
	DurationSeconds float64           `json:"duration_seconds"`
	Failed          []FailedDocument  `json:"failed_documents"`
	Errors          []string          `json:"errors"`
}

// Build assembles the report for runID, or the latest run when runID is 0.
func Build(s *store.Store, runID uint) (*Report, error) {
	var (
		run *models.MigrationRun
		err error
	)
	if runID == 0 {
		run, err = s.GetLatestRun()
		if err == nil && run == nil {
			err = ErrNoRuns
		}
	} else {
		run, err = s.GetRun(runID)
	}
	if err != nil {
		return nil, err
	}

	st, err := s.GetStatistics(run.ID)
	if err != nil {
		return nil, err
	}
	failed, err := s.GetDocumentsByStatus(run.ID, models.DocFailed)
	if err != nil {
		return nil, err
	}

	rep := &Report{
		Run:        runView(run),
		Statistics: st,
		Failed:     make([]FailedDocument, 0, len(failed)),
		Errors:     run.ErrorLog(),
	}
	if run.TotalDocuments > 0 {
		rep.SuccessRate = float64(run.SuccessfulDocuments) / float64(run.TotalDocuments) * 100
	}
	rep.Duration = duration(run, st)
	rep.DurationSeconds = rep.Duration.Seconds()
	for _, d := range failed {
		rep.Failed = append(rep.Failed, FailedDocument{Locator: d.Locator, Title: d.Title, Error: d.ErrorMessage})
	}
	return rep, nil
}

// duration runs from start to completion, or to the last processed
// document for unfinished runs.
func duration(run *models.MigrationRun, st *store.Statistics) time.Duration {
	switch {
	case run.CompletedAt != nil:
		return run.CompletedAt.Sub(run.StartedAt)
	case st.LastProcessed != nil:
		return st.LastProcessed.Sub(run.StartedAt)
	}
	return 0
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("report: write json: %w", err)
	}
	return nil
}

// WriteText writes a human-readable report. Styling is dropped when w is
// not a color terminal.
func (r *Report) WriteText(w io.Writer) error {
	re := lipgloss.NewRenderer(w)
	title := re.NewStyle().Bold(true).Underline(true)
	label := re.NewStyle().Width(22)
	good := re.NewStyle().Foreground(lipgloss.Color("#36a64f"))
	bad := re.NewStyle().Foreground(lipgloss.Color("#e53935"))
	dim := re.NewStyle().Faint(true)

	status := r.Run.Status
	switch status {
	case models.RunCompleted:
		status = good.Render(status)
	case models.RunFailed, models.RunCancelled:
		status = bad.Render(status)
	}

	var b strings.Builder
	row := func(k, v string) {
		b.WriteString(label.Render(k) + v + "\n")
	}

	b.WriteString(title.Render(fmt.Sprintf("Migration run %d", r.Run.ID)) + "\n\n")
	row("Status", status)
	row("Started", r.Run.StartedAt.Format(time.RFC3339))
	if r.Run.CompletedAt != nil {
		row("Completed", r.Run.CompletedAt.Format(time.RFC3339))
	}
	row("Duration", r.Duration.Round(time.Second).String())
	b.WriteString("\n")

	row("Documents", fmt.Sprintf("%d", r.Run.TotalDocuments))
	row("  succeeded", good.Render(fmt.Sprintf("%d", r.Run.SuccessfulDocuments)))
	row("  failed", bad.Render(fmt.Sprintf("%d", r.Run.FailedDocuments)))
	row("  skipped", fmt.Sprintf("%d", r.Run.SkippedDocuments))
	row("Success rate", fmt.Sprintf("%.1f%%", r.SuccessRate))
	row("Attachments", fmt.Sprintf("%d (%d uploaded, %d failed)",
		r.Run.TotalAttachments, r.Run.SuccessfulAttachments, r.Run.FailedAttachments))

	if r.Statistics != nil && len(r.Statistics.Documents) > 0 {
		b.WriteString("\n" + title.Render("By status") + "\n")
		statuses := make([]string, 0, len(r.Statistics.Documents))
		for s := range r.Statistics.Documents {
			statuses = append(statuses, s)
		}
		sort.Strings(statuses)
		for _, s := range statuses {
			row("  "+s, fmt.Sprintf("%d", r.Statistics.Documents[s]))
		}
	}

	if len(r.Failed) > 0 {
		b.WriteString("\n" + title.Render("Failed documents") + "\n")
		for _, f := range r.Failed {
			b.WriteString(fmt.Sprintf("  %s  %s\n    %s\n", f.Locator, f.Title, dim.Render(f.Error)))
		}
	}
	if len(r.Errors) > 0 {
		b.WriteString("\n" + title.Render("Error log") + "\n")
		for _, e := range r.Errors {
			b.WriteString("  " + e + "\n")
		}
	}

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("report: write text: %w", err)
	}
	return nil
}
