// Package transform turns a parsed export document into article-ready
// content: a clean title, sanitized HTML, a category, tags and the binary
// attachments that must be uploaded.
package transform

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/zulandar/kbmigrate/internal/ingest"
	"github.com/zulandar/kbmigrate/internal/logging"
)

const (
	maxTitleLen   = 255
	minTitleLen   = 3
	maxTags       = 10
	minContentLen = 10
	maxContentLen = 1_000_000
	keywordWindow = 500
)

// Attachment is a binary asset discovered in a document.
type Attachment struct {
	Filename string
	// Reference is the src or href the asset is referenced by in content.
	Reference  string
	SourcePath string
	SizeBytes  int64
	MimeType   string
	Embedded   bool
	// Data holds base64 bytes for embedded images.
	Data string
	// URL is set once the asset has been uploaded.
	URL string
}

// Document is a transformed, article-ready document.
type Document struct {
	Title            string
	ContentHTML      string
	Category         string
	Tags             []string
	Attachments      []Attachment
	Metadata         map[string]interface{}
	ValidationErrors []string
}

// ContentHash is the SHA-256 of the content as it stands.
func (d *Document) ContentHash() string {
	sum := sha256.Sum256([]byte(d.ContentHTML))
	return hex.EncodeToString(sum[:])
}

// CategoryMapping maps source organizations to article categories.
var CategoryMapping = map[string]string{
	"Applications":  "Software & Applications",
	"Contracts":     "Legal & Contracts",
	"Documentation": "General Documentation",
}

var typeCategories = map[ingest.DocType]string{
	ingest.TypeProcedural: "Procedures & SOPs",
	ingest.TypeTemplate:   "Templates",
	ingest.TypeStepByStep: "How-To Guides",
	ingest.TypeInfo:       "Reference Documentation",
}

var titleCategories = []struct {
	keywords []string
	category string
}{
	{[]string{"onboarding"}, "Onboarding"},
	{[]string{"troubleshoot"}, "Troubleshooting"},
	{[]string{"setup", "install"}, "Setup & Installation"},
	{[]string{"backup", "restore"}, "Backup & Recovery"},
	{[]string{"security", "password"}, "Security"},
	{[]string{"network", "vpn"}, "Networking"},
}

// DefaultCategory is used when nothing more specific matches.
const DefaultCategory = "General Documentation"

var techKeywords = []string{
	"azure", "aws", "office365", "o365", "microsoft", "google",
	"vpn", "firewall", "fortigate", "cisco", "ubiquiti",
	"active-directory", "ad", "exchange", "sharepoint",
	"backup", "datto", "veeam", "acronis",
	"antivirus", "sentinel", "crowdstrike", "defender",
	"quickbooks", "sage", "erp", "crm",
}

var keywordPatterns = func() map[string]*regexp.Regexp {
	m := make(map[string]*regexp.Regexp, len(techKeywords))
	for _, k := range techKeywords {
		m[k] = regexp.MustCompile(`\b` + regexp.QuoteMeta(k) + `\b`)
	}
	return m
}()

var (
	titleLocator   = regexp.MustCompile(`^DOC-\d+-\d+\s*`)
	titleExtension = regexp.MustCompile(`(?i)\.(html?|docx?|pdf|txt)$`)
)

// Transformer converts parsed documents. It resolves attachment files
// relative to attachmentsPath on fs.
type Transformer struct {
	fs              afero.Fs
	attachmentsPath string
	maxSize         int64
	log             logrus.FieldLogger

	newID func() string
}

// New returns a Transformer. maxSize caps attachment sizes; zero disables
// the check.
func New(fs afero.Fs, attachmentsPath string, maxSize int64, log logrus.FieldLogger) *Transformer {
	if log == nil {
		log = logging.Discard()
	}
	return &Transformer{
		fs:              fs,
		attachmentsPath: attachmentsPath,
		maxSize:         maxSize,
		log:             log,
		newID:           shortID,
	}
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Transform converts doc for the given organization. Problems that do not
// prevent an article from being built are reported in ValidationErrors.
func (t *Transformer) Transform(doc *ingest.Document, organization string) (*Document, error) {
	if organization == "" {
		organization = doc.Organization
	}
	content, err := sanitize(doc.ContentHTML)
	if err != nil {
		return nil, err
	}
	atts, problems := t.collectAttachments(doc)

	out := &Document{
		Title:       t.cleanTitle(doc.Title),
		ContentHTML: content,
		Category:    category(doc, organization),
		Tags:        tags(doc, organization),
		Attachments: atts,
		Metadata:    metadata(doc, organization),
	}
	out.ValidationErrors = append(problems, t.validate(out)...)

	t.log.WithFields(logrus.Fields{
		"document_id": doc.ID,
		"title":       out.Title,
		"category":    out.Category,
		"tags":        len(out.Tags),
		"attachments": len(out.Attachments),
		"problems":    len(out.ValidationErrors),
	}).Debug("document transformed")
	return out, nil
}

// cleanTitle strips locator prefixes, file extensions and template markers,
// then bounds the length.
func (t *Transformer) cleanTitle(title string) string {
	title = titleLocator.ReplaceAllString(title, "")
	title = titleExtension.ReplaceAllString(title, "")
	title = strings.NewReplacer("[TEMPLATE]", "", "[DELETEME]", "").Replace(title)
	title = strings.Join(strings.Fields(title), " ")
	if len([]rune(title)) < minTitleLen {
		return "Document " + t.newID()
	}
	if r := []rune(title); len(r) > maxTitleLen {
		title = string(r[:maxTitleLen-3]) + "..."
	}
	return title
}

func category(doc *ingest.Document, organization string) string {
	if c, ok := CategoryMapping[organization]; ok {
		return c
	}
	if c, ok := typeCategories[doc.Type]; ok {
		return c
	}
	lower := strings.ToLower(doc.Title)
	for _, tc := range titleCategories {
		for _, k := range tc.keywords {
			if strings.Contains(lower, k) {
				return tc.category
			}
		}
	}
	return DefaultCategory
}

func tags(doc *ingest.Document, organization string) []string {
	seen := mapset.NewThreadUnsafeSet[string]()
	var out []string
	add := func(tag string) {
		if tag != "" && len(out) < maxTags && seen.Add(tag) {
			out = append(out, tag)
		}
	}

	if organization != "" {
		add(strings.ToLower(strings.ReplaceAll(strings.TrimSpace(organization), " ", "-")))
	}
	if doc.Type != ingest.TypeUnknown && doc.Type != "" {
		add(string(doc.Type))
	}
	title := strings.ToLower(doc.Title)
	text := strings.ToLower(doc.ContentText)
	if r := []rune(text); len(r) > keywordWindow {
		text = string(r[:keywordWindow])
	}
	for _, k := range techKeywords {
		if re := keywordPatterns[k]; re.MatchString(title) || re.MatchString(text) {
			add(k)
		}
	}
	if truthy(doc.Metadata["has_images"]) {
		add("illustrated")
	}
	if truthy(doc.Metadata["has_code"]) {
		add("technical")
	}
	if n, ok := doc.Metadata["scribe_steps"].(int); ok && n > 0 {
		add("step-by-step")
	}
	return out
}

func truthy(v interface{}) bool {
	b, ok := v.(bool)
	return ok && b
}

func metadata(doc *ingest.Document, organization string) map[string]interface{} {
	m := map[string]interface{}{
		"source":        "export",
		"original_id":   doc.ID,
		"document_type": string(doc.Type),
		"content_hash":  doc.ContentHash,
		"statistics": map[string]int{
			"headings":    len(doc.Headings),
			"images":      len(doc.Images),
			"attachments": len(doc.Attachments),
			"tables":      len(doc.Tables),
			"lists":       len(doc.Lists),
		},
	}
	if organization != "" {
		m["organization"] = organization
	}
	for k, v := range doc.Metadata {
		m[k] = v
	}
	return m
}

func (t *Transformer) validate(d *Document) []string {
	var problems []string
	if n := len([]rune(d.Title)); n < minTitleLen {
		problems = append(problems, "title is too short")
	} else if n > maxTitleLen {
		problems = append(problems, "title is too long")
	}
	switch n := len(d.ContentHTML); {
	case n == 0:
		problems = append(problems, "content is empty")
	case n < minContentLen:
		problems = append(problems, "content is too short")
	case n > maxContentLen:
		problems = append(problems, "content is too large")
	}
	if t.maxSize > 0 {
		for _, a := range d.Attachments {
			if a.SizeBytes > t.maxSize {
				problems = append(problems, fmt.Sprintf("attachment too large: %s (%d bytes)", a.Filename, a.SizeBytes))
			}
		}
	}
	return problems
}
