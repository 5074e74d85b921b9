// Package notify sends end-of-run summaries to chat webhooks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zulandar/kbmigrate/internal/config"
	"github.com/zulandar/kbmigrate/internal/logging"
	"github.com/zulandar/kbmigrate/internal/models"
)

// Sidebar colors by outcome.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// maxListedErrors caps the error lines included in a message body.
const maxListedErrors = 5

// Summary is the outcome of one migration run.
type Summary struct {
	RunID       uint
	Status      string
	DryRun      bool
	Total       int
	Succeeded   int
	Failed      int
	Skipped     int
	Attachments int
	Duration    time.Duration
	Errors      []string
}

// Notifier delivers a run summary somewhere.
type Notifier interface {
	Notify(ctx context.Context, s Summary) error
}

// Field is one labelled value in a formatted message.
type Field struct {
	Name  string
	Value string
	Short bool
}

// Message is a summary rendered independently of any chat service.
type Message struct {
	Title  string
	Body   string
	Color  string
	Fields []Field
}

// Color picks the sidebar color for a summary.
func (s Summary) Color() string {
	switch {
	case s.Status == models.RunFailed:
		return ColorError
	case s.Status == models.RunCancelled:
		return ColorInfo
	case s.Failed > 0:
		return ColorWarning
	default:
		return ColorSuccess
	}
}

// Format renders the summary as a Message.
func Format(s Summary) Message {
	title := fmt.Sprintf("Migration run %d %s", s.RunID, s.Status)
	if s.DryRun {
		title += " (dry run)"
	}

	var body []string
	if s.Duration > 0 {
		body = append(body, "Duration: "+s.Duration.Round(time.Second).String())
	}
	if len(s.Errors) > 0 {
		listed := s.Errors
		if len(listed) > maxListedErrors {
			listed = listed[:maxListedErrors]
		}
		body = append(body, "Errors:")
		for _, e := range listed {
			body = append(body, "• "+e)
		}
		if more := len(s.Errors) - len(listed); more > 0 {
			body = append(body, fmt.Sprintf("…and %d more", more))
		}
	}

	return Message{
		Title: title,
		Body:  strings.Join(body, "\n"),
		Color: s.Color(),
		Fields: []Field{
			{Name: "Total", Value: strconv.Itoa(s.Total), Short: true},
			{Name: "Succeeded", Value: strconv.Itoa(s.Succeeded), Short: true},
			{Name: "Failed", Value: strconv.Itoa(s.Failed), Short: true},
			{Name: "Skipped", Value: strconv.Itoa(s.Skipped), Short: true},
		},
	}
}

// Multi fans a summary out to every notifier and joins their errors.
type Multi []Notifier

// Notify calls every notifier even when an earlier one fails.
func (m Multi) Notify(ctx context.Context, s Summary) error {
	var errList []error
	for _, n := range m {
		if err := n.Notify(ctx, s); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// FromConfig builds the notifiers configured in cfg. It returns nil when
// none are configured.
func FromConfig(cfg config.NotifyConfig, log logrus.FieldLogger) (Notifier, error) {
	if log == nil {
		log = logging.Discard()
	}
	var m Multi
	if cfg.SlackWebhookURL != "" {
		m = append(m, NewSlack(cfg.SlackWebhookURL))
		log.Debug("slack notifications enabled")
	}
	if cfg.DiscordWebhookURL != "" {
		d, err := NewDiscord(cfg.DiscordWebhookURL)
		if err != nil {
			return nil, err
		}
		m = append(m, d)
		log.Debug("discord notifications enabled")
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}
