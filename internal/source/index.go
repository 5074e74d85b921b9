// Package source reads the export's CSV index and locates the HTML file
// backing each entry.
package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// RequiredColumns must be present in the CSV header.
var RequiredColumns = []string{"id", "organization", "name", "locator"}

// OptionalColumns are read when present.
var OptionalColumns = []string{"expires_on", "owner", "publisher", "public", "archived", "help_center"}

var locatorPattern = regexp.MustCompile(`DOC-\d+-\d+`)

// Entry is one row of the source index.
type Entry struct {
	ID           string
	Locator      string
	Name         string
	Organization string
	Owner        string
	Publisher    string
	ExpiresOn    *time.Time
	Public       bool
	Archived     bool
	HelpCenter   bool
}

// Metadata returns the entry's free-form attributes for the state store.
func (e Entry) Metadata() map[string]interface{} {
	m := map[string]interface{}{
		"source_id":   e.ID,
		"owner":       e.Owner,
		"publisher":   e.Publisher,
		"public":      e.Public,
		"archived":    e.Archived,
		"help_center": e.HelpCenter,
	}
	if e.ExpiresOn != nil {
		m["expires_on"] = e.ExpiresOn.Format("2006-01-02")
	}
	return m
}

// Index is the parsed CSV, keyed by locator.
type Index struct {
	entries   []Entry
	byLocator map[string]int

	// Warnings lists rows that were skipped or partially read.
	Warnings []string
}

// LoadIndex parses the CSV at path.
func LoadIndex(fs afero.Fs, path string) (*Index, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: open index %s: %w", path, err)
	}
	defer f.Close()
	return ParseIndex(f)
}

// ParseIndex parses CSV content from r.
func ParseIndex(r io.Reader) (*Index, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("source: read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	var missing []string
	for _, c := range RequiredColumns {
		if _, ok := cols[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("source: missing required columns: %s", strings.Join(missing, ", "))
	}

	idx := &Index{byLocator: make(map[string]int)}
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("source: read row %d: %w", line, err)
		}
		get := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}

		e := Entry{
			ID:           get("id"),
			Locator:      get("locator"),
			Name:         get("name"),
			Organization: get("organization"),
			Owner:        get("owner"),
			Publisher:    get("publisher"),
			Public:       parseBool(get("public")),
			Archived:     parseBool(get("archived")),
			HelpCenter:   parseBool(get("help_center")),
		}
		if e.Locator == "" || e.Name == "" {
			idx.Warnings = append(idx.Warnings, fmt.Sprintf("row %d: missing locator or name, skipped", line))
			continue
		}
		if raw := get("expires_on"); raw != "" {
			if t, ok := parseDate(raw); ok {
				e.ExpiresOn = &t
			} else {
				idx.Warnings = append(idx.Warnings, fmt.Sprintf("row %d: unparseable expires_on %q", line, raw))
			}
		}
		if _, dup := idx.byLocator[e.Locator]; dup {
			idx.Warnings = append(idx.Warnings, fmt.Sprintf("row %d: duplicate locator %s, skipped", line, e.Locator))
			continue
		}
		idx.byLocator[e.Locator] = len(idx.entries)
		idx.entries = append(idx.entries, e)
	}
	return idx, nil
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "yes", "true", "1":
		return true
	}
	return false
}

var dateLayouts = []string{"2006-01-02", "2006-01-02 15:04:05", time.RFC3339, "01/02/2006"}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Entries returns all entries in file order.
func (idx *Index) Entries() []Entry {
	out := make([]Entry, len(idx.entries))
	copy(out, idx.entries)
	return out
}

// Len is the number of entries.
func (idx *Index) Len() int { return len(idx.entries) }

// Get looks an entry up by locator.
func (idx *Index) Get(locator string) (Entry, bool) {
	i, ok := idx.byLocator[locator]
	if !ok {
		return Entry{}, false
	}
	return idx.entries[i], true
}

// LocatorFromPath extracts the DOC-n-n locator from a file's parent
// directory name.
func LocatorFromPath(path string) (string, bool) {
	dir := filepath.Base(filepath.Dir(path))
	loc := locatorPattern.FindString(dir)
	return loc, loc != ""
}

// MapFiles walks root for *.html files whose parent directory embeds a
// locator. The first file found per locator wins.
func MapFiles(fs afero.Fs, root string) (map[string]string, error) {
	files := make(map[string]string)
	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.EqualFold(filepath.Ext(path), ".html") {
			return nil
		}
		loc, ok := LocatorFromPath(path)
		if !ok {
			return nil
		}
		if _, seen := files[loc]; !seen {
			files[loc] = path
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("source: walk %s: %w", root, err)
	}
	return files, nil
}

// Stats summarizes the index.
type Stats struct {
	Total          int            `json:"total"`
	ByOrganization map[string]int `json:"by_organization"`
	Public         int            `json:"public"`
	Archived       int            `json:"archived"`
	HelpCenter     int            `json:"help_center"`
	Expired        int            `json:"expired"`
	WithFile       int            `json:"with_file"`
}

// Stats computes index totals as of now. files may be nil.
func (idx *Index) Stats(now time.Time, files map[string]string) Stats {
	st := Stats{Total: len(idx.entries), ByOrganization: make(map[string]int)}
	for _, e := range idx.entries {
		org := e.Organization
		if org == "" {
			org = "(none)"
		}
		st.ByOrganization[org]++
		if e.Public {
			st.Public++
		}
		if e.Archived {
			st.Archived++
		}
		if e.HelpCenter {
			st.HelpCenter++
		}
		if e.ExpiresOn != nil && e.ExpiresOn.Before(now) {
			st.Expired++
		}
		if _, ok := files[e.Locator]; ok {
			st.WithFile++
		}
	}
	return st
}

// Organizations returns the distinct organization names, sorted.
func (st Stats) Organizations() []string {
	out := make([]string, 0, len(st.ByOrganization))
	for org := range st.ByOrganization {
		out = append(out, org)
	}
	sort.Strings(out)
	return out
}

// Validate reports metadata problems that do not block migration.
func (idx *Index) Validate(now time.Time) []string {
	var problems []string
	for _, e := range idx.entries {
		if e.Organization == "" {
			problems = append(problems, fmt.Sprintf("%s: missing organization", e.Locator))
		}
		if e.ExpiresOn != nil && e.ExpiresOn.Before(now) {
			problems = append(problems, fmt.Sprintf("%s: expired on %s", e.Locator, e.ExpiresOn.Format("2006-01-02")))
		}
	}
	return problems
}
