package transform

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/zulandar/kbmigrate/internal/errs"
)

const (
	emptyContent     = "<p>No content available.</p>"
	attachmentPrefix = "#attachment:"
	pendingPrefix    = "#pending-upload:"
)

var preservedTags = []string{
	"p", "br", "div", "span",
	"h1", "h2", "h3", "h4", "h5", "h6",
	"ul", "ol", "li",
	"table", "thead", "tbody", "tr", "th", "td",
	"a", "img",
	"strong", "b", "em", "i", "u",
	"code", "pre", "blockquote",
}

// policy keeps the article-safe subset of the export's markup. Disallowed
// elements are unwrapped; script and style content is dropped.
var policy = func() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements(preservedTags...)
	p.AllowAttrs("href", "target", "rel").OnElements("a")
	p.AllowAttrs("src", "alt", "title", "width", "height").OnElements("img")
	p.AllowAttrs("colspan", "rowspan").OnElements("td", "th")
	p.AllowAttrs("border", "cellpadding", "cellspacing").OnElements("table")
	p.AllowDataAttributes()
	p.AllowDataURIImages()
	p.AllowRelativeURLs(true)
	p.AllowURLSchemes("http", "https", "mailto")
	return p
}()

func transformErr(op string, err error) error {
	return errs.New(errs.KindTransform, "transform: "+op, err)
}

// sanitize rewrites export markup into article markup: numbered scribe
// steps, placeholder hrefs for local links, the allowlist policy, no empty
// paragraphs and bordered tables.
func sanitize(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return emptyContent, nil
	}
	dom, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return "", transformErr("parse content", err)
	}
	convertSteps(dom)
	dom.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		if href != "" && isLocal(href) {
			a.SetAttr("href", attachmentPrefix+href)
		}
	})
	body, err := dom.Find("body").Html()
	if err != nil {
		return "", transformErr("render content", err)
	}

	clean, err := goquery.NewDocumentFromReader(strings.NewReader(policy.Sanitize(body)))
	if err != nil {
		return "", transformErr("parse sanitized content", err)
	}
	clean.Find("p").Each(func(_ int, p *goquery.Selection) {
		if strings.TrimSpace(p.Text()) == "" && p.Find("img").Length() == 0 {
			p.Remove()
		}
	})
	clean.Find("table").Each(func(_ int, t *goquery.Selection) {
		if _, ok := t.Attr("border"); !ok {
			t.SetAttr("border", "1")
		}
		if _, ok := t.Attr("cellpadding"); !ok {
			t.SetAttr("cellpadding", "5")
		}
	})
	out, err := clean.Find("body").Html()
	if err != nil {
		return "", transformErr("render sanitized content", err)
	}
	if strings.TrimSpace(out) == "" {
		return emptyContent, nil
	}
	return strings.TrimSpace(out), nil
}

func isLocal(ref string) bool {
	l := strings.ToLower(ref)
	return !isRemote(ref) && !strings.HasPrefix(l, "#") &&
		!strings.HasPrefix(l, "javascript:") && !strings.HasPrefix(l, "data:")
}

func isRemote(ref string) bool {
	l := strings.ToLower(ref)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://") ||
		strings.HasPrefix(l, "//") || strings.HasPrefix(l, "mailto:")
}

// convertSteps turns scribe step blocks into list items inside one ordered
// list placed where the first step was.
func convertSteps(dom *goquery.Document) {
	steps := dom.Find(".scribe-step").Nodes
	if len(steps) == 0 {
		return
	}
	ol := &html.Node{Type: html.ElementNode, Data: "ol", DataAtom: atom.Ol}
	steps[0].Parent.InsertBefore(ol, steps[0])
	for _, n := range steps {
		n.Data, n.DataAtom = "li", atom.Li
		attrs := n.Attr[:0]
		for _, a := range n.Attr {
			if a.Key != "class" {
				attrs = append(attrs, a)
			}
		}
		n.Attr = attrs
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
		ol.AppendChild(n)
	}
}

// ApplyUploads points image sources and attachment links at uploaded URLs.
// References left without a URL are returned as warnings; unresolved file
// images are rewritten to a pending-upload placeholder.
func ApplyUploads(content string, atts []Attachment) (string, []string, error) {
	urls := make(map[string]string, len(atts))
	for _, a := range atts {
		if a.URL != "" {
			urls[a.Reference] = a.URL
		}
	}
	dom, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return "", nil, transformErr("parse content", err)
	}
	var warnings []string
	dom.Find("img[src]").Each(func(_ int, img *goquery.Selection) {
		src := img.AttrOr("src", "")
		if u, ok := urls[src]; ok {
			img.SetAttr("src", u)
			return
		}
		if strings.HasPrefix(src, "data:") || isRemote(src) || strings.HasPrefix(src, pendingPrefix) {
			return
		}
		img.SetAttr("src", pendingPrefix+src)
		if _, ok := img.Attr("alt"); !ok {
			img.SetAttr("alt", "Image pending upload")
		}
		warnings = append(warnings, fmt.Sprintf("unresolved image reference: %s", src))
	})
	dom.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := a.AttrOr("href", "")
		if !strings.HasPrefix(href, attachmentPrefix) {
			return
		}
		ref := strings.TrimPrefix(href, attachmentPrefix)
		if u, ok := urls[ref]; ok {
			a.SetAttr("href", u)
			return
		}
		warnings = append(warnings, fmt.Sprintf("unresolved attachment reference: %s", ref))
	})
	out, err := dom.Find("body").Html()
	if err != nil {
		return "", nil, transformErr("render content", err)
	}
	return strings.TrimSpace(out), warnings, nil
}
