// Package ingest parses one exported HTML document into a normalized form.
package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/encoding/charmap"

	"github.com/zulandar/kbmigrate/internal/errs"
	"github.com/zulandar/kbmigrate/internal/logging"
)

// DocType is the detected shape of a document.
type DocType string

const (
	TypeProcedural DocType = "procedural"
	TypeTemplate   DocType = "template"
	TypeInfo       DocType = "information"
	TypeStepByStep DocType = "step_by_step"
	TypeUnknown    DocType = "unknown"
)

var (
	proceduralMarkers = []string{"processname", "prerequisites", "procedures", "references", "pre-requisites", "procedure"}
	templateMarkers   = []string{"[DELETEME]", "[TEMPLATE", "[COPY ME]"}
	stepMarkers       = []string{"scribe-step", "scribe-screenshot"}

	locatorDir         = regexp.MustCompile(`^(DOC-\d+-\d+)`)
	locatorTitle       = regexp.MustCompile(`^DOC-\d+-\d+\s+(.+)`)
	dataURI            = regexp.MustCompile(`^data:([^;,]+);base64,(.+)$`)
	placeholderPattern = regexp.MustCompile(`\[([A-Z_]+)\]`)
	whitespace         = regexp.MustCompile(`[ \t\r\f\v]+`)
	blankLines         = regexp.MustCompile(`\n{2,}`)
)

// Image is an <img> reference, possibly carrying inline base64 data.
type Image struct {
	Src      string `json:"src"`
	Alt      string `json:"alt,omitempty"`
	Title    string `json:"title,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Embedded bool   `json:"embedded"`
	Data     string `json:"-"`
	MimeType string `json:"mime_type,omitempty"`
}

// Link is a local file reference found in an anchor.
type Link struct {
	Href     string `json:"href"`
	Text     string `json:"text"`
	Filename string `json:"filename,omitempty"`
}

// Heading is one h1-h6 element.
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
	ID    string `json:"id,omitempty"`
}

// Table is the text content of a <table>.
type Table struct {
	Caption string     `json:"caption,omitempty"`
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

// ListItem is one top-level <li> with the text of its nested items.
type ListItem struct {
	Text     string   `json:"text"`
	Subitems []string `json:"subitems,omitempty"`
}

// List is an <ol> or <ul>.
type List struct {
	Ordered bool       `json:"ordered"`
	Items   []ListItem `json:"items"`
}

// Document is the normalized form of one source file.
type Document struct {
	ID           string
	Title        string
	Organization string
	Type         DocType
	ContentHTML  string
	ContentText  string
	Headings     []Heading
	Images       []Image
	Attachments  []Link
	Tables       []Table
	Lists        []List
	Metadata     map[string]interface{}
	ContentHash  string
	SourcePath   string
}

// Parser reads documents from a filesystem.
type Parser struct {
	fs  afero.Fs
	log logrus.FieldLogger
}

// NewParser returns a parser over fs. A nil log discards output.
func NewParser(fs afero.Fs, log logrus.FieldLogger) *Parser {
	if log == nil {
		log = logging.Discard()
	}
	return &Parser{fs: fs, log: log}
}

func parseErr(path string, err error) error {
	return errs.New(errs.KindParse, "ingest: parse "+path, err)
}

// Parse reads and normalizes the HTML file at path. A missing file is a
// file_not_found error; anything unreadable or empty is a parse error.
func (p *Parser) Parse(path string) (*Document, error) {
	raw, err := afero.ReadFile(p.fs, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.New(errs.KindFileNotFound, "ingest: read", fmt.Errorf("document not found: %s", path))
		}
		return nil, parseErr(path, err)
	}
	text, err := decode(raw)
	if err != nil {
		return nil, parseErr(path, err)
	}
	dom, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return nil, parseErr(path, err)
	}

	doc := &Document{
		ID:           documentID(path),
		Title:        extractTitle(dom, path),
		Organization: extractOrganization(path),
		Type:         detectType(dom, text),
		SourcePath:   path,
	}
	doc.ContentHTML, doc.ContentText, err = extractContent(dom)
	if err != nil {
		return nil, parseErr(path, err)
	}
	doc.Images = extractImages(dom)
	if doc.ContentText == "" && len(doc.Images) == 0 {
		return nil, parseErr(path, errors.New("document has no content"))
	}
	doc.Headings = extractHeadings(dom)
	doc.Attachments = extractAttachments(dom)
	doc.Tables = extractTables(dom)
	doc.Lists = extractLists(dom)
	doc.Metadata = extractMetadata(dom, text, doc.Type)

	sum := sha256.Sum256([]byte(doc.ContentHTML))
	doc.ContentHash = hex.EncodeToString(sum[:])

	p.log.WithFields(logrus.Fields{
		"document_id": doc.ID,
		"type":        doc.Type,
		"images":      len(doc.Images),
		"attachments": len(doc.Attachments),
	}).Debug("document parsed")
	return doc, nil
}

// decode returns raw as UTF-8, reading it as Latin-1 when it is not valid
// UTF-8.
func decode(raw []byte) (string, error) {
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("decode latin-1: %w", err)
	}
	return string(out), nil
}

func documentID(path string) string {
	dir := filepath.Base(filepath.Dir(path))
	if m := locatorDir.FindStringSubmatch(dir); m != nil {
		return m[1]
	}
	return dir
}

func extractTitle(dom *goquery.Document, path string) string {
	if h1 := dom.Find("h1").First(); h1.Length() > 0 {
		if t := strings.TrimSpace(h1.Text()); t != "" {
			return t
		}
	}
	if pn := dom.Find("#processname").First(); pn.Length() > 0 {
		t := strings.TrimSpace(pn.Text())
		if strings.HasPrefix(t, "Process Name:") {
			if t = strings.TrimSpace(strings.TrimPrefix(t, "Process Name:")); t != "" {
				return t
			}
		}
	}
	if m := locatorTitle.FindStringSubmatch(filepath.Base(filepath.Dir(path))); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// extractOrganization returns the path segment following "documents",
// unless that segment is itself a document directory.
func extractOrganization(path string) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	for i, part := range parts {
		if part != "documents" || i+1 >= len(parts)-1 {
			continue
		}
		if org := parts[i+1]; !strings.HasPrefix(org, "DOC-") {
			return org
		}
		return ""
	}
	return ""
}

func detectType(dom *goquery.Document, text string) DocType {
	lower := strings.ToLower(text)
	for _, m := range stepMarkers {
		if strings.Contains(lower, m) {
			return TypeStepByStep
		}
	}
	for _, m := range templateMarkers {
		if strings.Contains(text, m) {
			return TypeTemplate
		}
	}
	for _, m := range proceduralMarkers {
		if strings.Contains(lower, m) {
			return TypeProcedural
		}
	}
	if section := dom.Find("div.text-section").First(); section.Length() > 0 {
		headings := section.Find("h1, h2, h3, h4").Length()
		tables := section.Find("table").Length()
		lists := section.Find("ol, ul").Length()
		if headings <= 1 && tables == 0 && lists <= 1 {
			return TypeInfo
		}
	}
	return TypeUnknown
}

// extractContent renders the main content region with scripts, styles and
// empty paragraphs removed.
func extractContent(dom *goquery.Document) (string, string, error) {
	region := dom.Find("div.text-section").First()
	if region.Length() == 0 {
		region = dom.Find("body").First()
	}
	if region.Length() == 0 {
		return "", "", nil
	}
	region = region.Clone()
	region.Find("script, style").Remove()
	region.Find("p").Each(func(_ int, p *goquery.Selection) {
		if strings.TrimSpace(p.Text()) == "" && p.Find("img").Length() == 0 {
			p.Remove()
		}
	})

	var buf bytes.Buffer
	for _, n := range region.Nodes {
		if err := html.Render(&buf, n); err != nil {
			return "", "", fmt.Errorf("render content: %w", err)
		}
	}
	return buf.String(), blockText(region.Nodes), nil
}

// blockText joins text with newlines at block boundaries.
func blockText(nodes []*html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			return
		case html.ElementNode:
			if isBlock(n.DataAtom) {
				b.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && isBlock(n.DataAtom) {
			b.WriteByte('\n')
		}
	}
	for _, n := range nodes {
		walk(n)
	}
	lines := strings.Split(b.String(), "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(whitespace.ReplaceAllString(l, " ")); l != "" {
			out = append(out, l)
		}
	}
	return blankLines.ReplaceAllString(strings.Join(out, "\n"), "\n")
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Br, atom.Li, atom.Tr, atom.Td, atom.Th,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Ul, atom.Ol, atom.Table, atom.Pre, atom.Blockquote, atom.Section:
		return true
	}
	return false
}

func extractHeadings(dom *goquery.Document) []Heading {
	var out []Heading
	dom.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		level, _ := strconv.Atoi(strings.TrimPrefix(goquery.NodeName(s), "h"))
		id, _ := s.Attr("id")
		out = append(out, Heading{Level: level, Text: strings.TrimSpace(s.Text()), ID: id})
	})
	return out
}

func extractImages(dom *goquery.Document) []Image {
	var out []Image
	dom.Find("img").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if src == "" {
			return
		}
		img := Image{Src: src, Alt: s.AttrOr("alt", ""), Title: s.AttrOr("title", "")}
		if strings.HasPrefix(src, "data:") {
			img.Embedded = true
			if m := dataURI.FindStringSubmatch(src); m != nil {
				img.MimeType, img.Data = m[1], m[2]
			}
		}
		img.Width, _ = strconv.Atoi(s.AttrOr("width", ""))
		img.Height, _ = strconv.Atoi(s.AttrOr("height", ""))
		out = append(out, img)
	})
	return out
}

func extractAttachments(dom *goquery.Document) []Link {
	var out []Link
	dom.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || hasAnyPrefix(href, "#", "mailto:", "javascript:", "http://", "https://", "//", "data:") {
			return
		}
		out = append(out, Link{
			Href:     href,
			Text:     strings.TrimSpace(s.Text()),
			Filename: filepath.Base(href),
		})
	})
	return out
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(strings.ToLower(s), p) {
			return true
		}
	}
	return false
}

func cellTexts(s *goquery.Selection) []string {
	var out []string
	s.Each(func(_ int, c *goquery.Selection) {
		out = append(out, strings.TrimSpace(c.Text()))
	})
	return out
}

func extractTables(dom *goquery.Document) []Table {
	var out []Table
	dom.Find("table").Each(func(_ int, t *goquery.Selection) {
		tbl := Table{Caption: strings.TrimSpace(t.Find("caption").First().Text())}
		if thead := t.Find("thead").First(); thead.Length() > 0 {
			tbl.Headers = cellTexts(thead.Find("th"))
		} else {
			tbl.Headers = cellTexts(t.Find("tr").First().Find("th"))
		}
		t.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			if tr.ParentsFiltered("thead").Length() > 0 {
				return
			}
			row := cellTexts(tr.Find("td, th"))
			if len(row) == 0 || (len(tbl.Headers) > 0 && equal(row, tbl.Headers)) {
				return
			}
			tbl.Rows = append(tbl.Rows, row)
		})
		if len(tbl.Rows) > 0 || len(tbl.Headers) > 0 {
			out = append(out, tbl)
		}
	})
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func extractLists(dom *goquery.Document) []List {
	var out []List
	dom.Find("ol, ul").Each(func(_ int, l *goquery.Selection) {
		list := List{Ordered: goquery.NodeName(l) == "ol"}
		l.ChildrenFiltered("li").Each(func(_ int, li *goquery.Selection) {
			var item ListItem
			var text strings.Builder
			li.Contents().Each(func(_ int, c *goquery.Selection) {
				name := goquery.NodeName(c)
				if name == "ol" || name == "ul" {
					return
				}
				text.WriteString(strings.TrimSpace(c.Text()))
			})
			item.Text = text.String()
			li.ChildrenFiltered("ol, ul").Find("li").Each(func(_ int, sub *goquery.Selection) {
				item.Subitems = append(item.Subitems, strings.TrimSpace(sub.Text()))
			})
			if item.Text != "" || len(item.Subitems) > 0 {
				list.Items = append(list.Items, item)
			}
		})
		if len(list.Items) > 0 {
			out = append(out, list)
		}
	})
	return out
}

func extractMetadata(dom *goquery.Document, text string, t DocType) map[string]interface{} {
	m := map[string]interface{}{
		"document_type": string(t),
		"has_images":    dom.Find("img").Length() > 0,
		"has_tables":    dom.Find("table").Length() > 0,
		"has_lists":     dom.Find("ol, ul").Length() > 0,
		"has_code":      dom.Find("code, pre").Length() > 0,
	}
	switch t {
	case TypeStepByStep:
		m["scribe_steps"] = dom.Find(".scribe-step").Length()
	case TypeTemplate:
		set := mapset.NewThreadUnsafeSet[string]()
		for _, match := range placeholderPattern.FindAllStringSubmatch(text, -1) {
			set.Add(match[1])
		}
		names := set.ToSlice()
		sort.Strings(names)
		m["template_placeholders"] = names
	}
	return m
}

// Validate lists structural problems with a parsed document.
func Validate(doc *Document) []string {
	var problems []string
	if doc.ID == "" {
		problems = append(problems, "document ID is missing")
	}
	if doc.Title == "" {
		problems = append(problems, "document title is missing")
	}
	if doc.ContentHTML == "" && doc.ContentText == "" {
		problems = append(problems, "document has no content")
	}
	if doc.ContentHash == "" {
		problems = append(problems, "content hash not calculated")
	}
	for i, img := range doc.Images {
		if img.Embedded && img.Data == "" {
			problems = append(problems, fmt.Sprintf("image %d is embedded but has no data", i))
		}
	}
	return problems
}
