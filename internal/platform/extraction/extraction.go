// Package extraction turns uploaded binary documents into plain text.
//
// Plain text, HTML and word-processing documents are handled locally. Paged
// documents (PDF) and images are delegated to a remote extraction service
// that performs layout analysis and optical character recognition.
package extraction

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
)

// Format identifies how a document is extracted.
type Format string

const (
	FormatPlainText      Format = "plain-text"
	FormatHTML           Format = "html"
	FormatWordProcessing Format = "word-processing"
	FormatPagedDocument  Format = "paged-document"
	FormatImage          Format = "image"
	FormatUnknown        Format = "unknown"
)

const docxMIME = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrEmptyDocument     = errors.New("document contains no extractable text")
	ErrNoRemoteService   = errors.New("no extraction service configured")
)

// Document is one binary input.
type Document struct {
	Name        string
	ContentType string
	Data        []byte
}

// Result is the outcome of a successful extraction.
type Result struct {
	Text       string  `json:"text"`
	WordCount  int     `json:"wordCount"`
	Format     Format  `json:"format"`
	Confidence float64 `json:"confidence"`
	Pages      int     `json:"pages,omitempty"`
}

// Extractor turns a document into text.
type Extractor interface {
	Extract(ctx context.Context, doc Document) (*Result, error)
}

// Router sniffs the document format and dispatches to the matching extractor.
type Router struct {
	local  map[Format]Extractor
	remote Extractor
	logger zerolog.Logger
}

// NewRouter creates a router with the built-in local extractors. remote may
// be nil, in which case paged documents and images fail with ErrNoRemoteService.
func NewRouter(remote Extractor, logger zerolog.Logger) *Router {
	return &Router{
		local: map[Format]Extractor{
			FormatPlainText:      TextExtractor{},
			FormatHTML:           HTMLExtractor{},
			FormatWordProcessing: DocxExtractor{},
		},
		remote: remote,
		logger: logger.With().Str("component", "extraction").Logger(),
	}
}

// Detect determines the document format from its content, falling back to
// the declared content type and file extension.
func Detect(doc Document) Format {
	mt := mimetype.Detect(doc.Data)
	switch {
	case mt.Is("application/pdf"):
		return FormatPagedDocument
	case mt.Is(docxMIME):
		return FormatWordProcessing
	case mt.Is("text/html"):
		return FormatHTML
	case strings.HasPrefix(mt.String(), "image/"):
		return FormatImage
	case mt.Is("text/plain"):
		if isHTMLName(doc) {
			return FormatHTML
		}
		return FormatPlainText
	}

	switch strings.ToLower(filepath.Ext(doc.Name)) {
	case ".pdf":
		return FormatPagedDocument
	case ".docx":
		return FormatWordProcessing
	case ".txt", ".md":
		return FormatPlainText
	case ".html", ".htm":
		return FormatHTML
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".heic", ".webp":
		return FormatImage
	}
	return FormatUnknown
}

func isHTMLName(doc Document) bool {
	ext := strings.ToLower(filepath.Ext(doc.Name))
	return ext == ".html" || ext == ".htm" || strings.HasPrefix(doc.ContentType, "text/html")
}

// Extract implements Extractor.
func (r *Router) Extract(ctx context.Context, doc Document) (*Result, error) {
	format := Detect(doc)
	r.logger.Debug().Str("name", doc.Name).Str("format", string(format)).Int("bytes", len(doc.Data)).Msg("extracting document")

	var (
		res *Result
		err error
	)
	switch format {
	case FormatPlainText, FormatHTML, FormatWordProcessing:
		res, err = r.local[format].Extract(ctx, doc)
	case FormatPagedDocument, FormatImage:
		if r.remote == nil {
			return nil, errors.WithHintf(ErrNoRemoteService, "%s files need EXTRACTION_URL to be configured", format)
		}
		res, err = r.remote.Extract(ctx, doc)
	default:
		return nil, errors.WithHintf(ErrUnsupportedFormat, "%q is not a supported document type", doc.Name)
	}
	if err != nil {
		return nil, err
	}
	if res.Format == "" {
		res.Format = format
	}
	if strings.TrimSpace(res.Text) == "" {
		return nil, errors.WithHint(ErrEmptyDocument, "the document appears to be blank or unreadable")
	}
	return res, nil
}

var multiSpace = regexp.MustCompile(`[ \t]+`)
var multiNewline = regexp.MustCompile(`\n{3,}`)

func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimSpace(s)
	s = multiSpace.ReplaceAllString(s, " ")
	s = multiNewline.ReplaceAllString(s, "\n\n")
	return s
}

// WordCount counts whitespace separated words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

func newResult(text string, format Format, confidence float64) *Result {
	text = normalizeText(text)
	return &Result{Text: text, WordCount: WordCount(text), Format: format, Confidence: confidence}
}
