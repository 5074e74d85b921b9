package transform

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/zulandar/kbmigrate/internal/ingest"
)

// exportRef matches asset references of the form
// <org>/docs/<doc>/(images|attachments)/<asset>.
var exportRef = regexp.MustCompile(`(\d+)/docs/(\d+)/(images|attachments)/(\d+)`)

var candidateExts = []string{"", ".png", ".jpg", ".jpeg", ".gif", ".pdf", ".docx", ".xlsx"}

// collectAttachments lists the document's embedded images and local file
// references. References that cannot be resolved are reported as problems.
func (t *Transformer) collectAttachments(doc *ingest.Document) ([]Attachment, []string) {
	var (
		out      []Attachment
		problems []string
		seen     = make(map[string]bool)
	)
	for _, img := range doc.Images {
		if seen[img.Src] {
			continue
		}
		seen[img.Src] = true
		if img.Embedded {
			a, err := t.embedded(img)
			if err != nil {
				problems = append(problems, err.Error())
				continue
			}
			out = append(out, a)
			continue
		}
		if isRemote(img.Src) {
			continue
		}
		if a, ok := t.fileReference(doc, img.Src); ok {
			out = append(out, a)
		} else {
			problems = append(problems, fmt.Sprintf("attachment file not found: %s", img.Src))
		}
	}
	for _, link := range doc.Attachments {
		if seen[link.Href] {
			continue
		}
		seen[link.Href] = true
		if a, ok := t.fileReference(doc, link.Href); ok {
			out = append(out, a)
		} else {
			problems = append(problems, fmt.Sprintf("attachment file not found: %s", link.Href))
		}
	}
	return out, problems
}

func (t *Transformer) embedded(img ingest.Image) (Attachment, error) {
	if img.Data == "" {
		return Attachment{}, fmt.Errorf("embedded image has no data")
	}
	raw, err := base64.StdEncoding.DecodeString(img.Data)
	if err != nil {
		return Attachment{}, fmt.Errorf("embedded image has invalid data: %v", err)
	}
	mime := img.MimeType
	if mime == "" {
		mime = mimetype.Detect(raw).String()
	}
	return Attachment{
		Filename:  fmt.Sprintf("embedded_image_%s%s", t.newID(), extensionFor(mime)),
		Reference: img.Src,
		SizeBytes: int64(len(raw)),
		MimeType:  mime,
		Embedded:  true,
		Data:      img.Data,
	}, nil
}

func extensionFor(mime string) string {
	if m := mimetype.Lookup(mime); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	if i := strings.LastIndex(mime, "/"); i >= 0 && i < len(mime)-1 {
		return "." + mime[i+1:]
	}
	return ".png"
}

// fileReference resolves ref to a file on disk. Export asset paths are
// looked up under the attachments root; anything else is tried relative to
// the document's directory and then the attachments root.
func (t *Transformer) fileReference(doc *ingest.Document, ref string) (Attachment, bool) {
	clean := ref
	if u, err := url.PathUnescape(ref); err == nil {
		clean = u
	}
	if i := strings.IndexAny(clean, "?#"); i >= 0 {
		clean = clean[:i]
	}

	var candidates []string
	if m := exportRef.FindStringSubmatch(clean); m != nil {
		org, docID, kind, asset := m[1], m[2], m[3], m[4]
		for _, base := range []string{
			filepath.Join(t.attachmentsPath, "documents", fmt.Sprintf("DOC-%s-%s", org, docID), asset),
			filepath.Join(t.attachmentsPath, "documents", docID, asset),
			filepath.Join(t.attachmentsPath, kind, docID, asset),
		} {
			for _, ext := range candidateExts {
				candidates = append(candidates, base+ext)
			}
		}
	}
	if filepath.IsAbs(clean) {
		candidates = append(candidates, clean)
	} else {
		if doc.SourcePath != "" {
			candidates = append(candidates, filepath.Join(filepath.Dir(doc.SourcePath), filepath.FromSlash(clean)))
		}
		candidates = append(candidates, filepath.Join(t.attachmentsPath, filepath.FromSlash(clean)))
	}

	for _, p := range candidates {
		if a, ok := t.statFile(p); ok {
			a.Reference = ref
			return a, true
		}
	}
	t.log.WithFields(logrus.Fields{"document_id": doc.ID, "reference": ref}).Warn("attachment not found")
	return Attachment{}, false
}

// statFile describes p when it is a regular file, or the first regular file
// inside p when it is a directory.
func (t *Transformer) statFile(p string) (Attachment, bool) {
	info, err := t.fs.Stat(p)
	if err != nil {
		return Attachment{}, false
	}
	if info.IsDir() {
		entries, err := afero.ReadDir(t.fs, p)
		if err != nil {
			return Attachment{}, false
		}
		for _, e := range entries {
			if !e.IsDir() {
				return t.statFile(filepath.Join(p, e.Name()))
			}
		}
		return Attachment{}, false
	}
	return Attachment{
		Filename:   path.Base(filepath.ToSlash(p)),
		SourcePath: p,
		SizeBytes:  info.Size(),
		MimeType:   t.detectMime(p),
	}, true
}

func (t *Transformer) detectMime(p string) string {
	f, err := t.fs.Open(p)
	if err != nil {
		return "application/octet-stream"
	}
	defer f.Close()
	m, err := mimetype.DetectReader(f)
	if err != nil {
		return "application/octet-stream"
	}
	return m.String()
}
