package extraction

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"io"
	nurl "net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/cockroachdb/errors"
	readability "github.com/go-shiori/go-readability"
)

// maxDocumentXML bounds how much of word/document.xml is read.
const maxDocumentXML = 32 << 20

// TextExtractor reads UTF-8 plain text.
type TextExtractor struct{}

func (TextExtractor) Extract(_ context.Context, doc Document) (*Result, error) {
	data := bytes.TrimPrefix(doc.Data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		return nil, errors.WithHint(errors.New("text file is not valid UTF-8"), "save the file with UTF-8 encoding and upload it again")
	}
	return newResult(string(data), FormatPlainText, 1.0), nil
}

// HTMLExtractor extracts the readable body of an HTML page. Readability is
// tried first; pages it rejects (too short, no article) fall back to the
// visible body text.
type HTMLExtractor struct{}

func (HTMLExtractor) Extract(_ context.Context, doc Document) (*Result, error) {
	pageURL, _ := nurl.Parse("file:///" + nurl.PathEscape(doc.Name))
	article, err := readability.FromReader(bytes.NewReader(doc.Data), pageURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return newResult(article.TextContent, FormatHTML, 0.95), nil
	}

	gq, gerr := goquery.NewDocumentFromReader(bytes.NewReader(doc.Data))
	if gerr != nil {
		return nil, errors.Wrap(gerr, "parse html")
	}
	gq.Find("script, style, noscript, head").Remove()
	var b strings.Builder
	gq.Find("body").Contents().Each(func(_ int, s *goquery.Selection) {
		b.WriteString(s.Text())
		b.WriteString("\n")
	})
	return newResult(b.String(), FormatHTML, 0.9), nil
}

// DocxExtractor reads the paragraph text of an Office Open XML document.
type DocxExtractor struct{}

func (DocxExtractor) Extract(_ context.Context, doc Document) (*Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(doc.Data), int64(len(doc.Data)))
	if err != nil {
		return nil, errors.Wrap(err, "open docx archive")
	}
	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, errors.Wrap(err, "open word/document.xml")
		}
		defer rc.Close()
		text, err := docxText(io.LimitReader(rc, maxDocumentXML))
		if err != nil {
			return nil, err
		}
		return newResult(text, FormatWordProcessing, 1.0), nil
	}
	return nil, errors.WithHint(errors.New("docx archive has no word/document.xml"), "the file may be corrupted")
}

// docxText walks the WordprocessingML token stream collecting w:t runs.
// Paragraph ends become newlines and w:tab elements become tabs.
func docxText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var (
		b      strings.Builder
		inText bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", errors.Wrap(err, "decode word/document.xml")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteByte('\t')
			case "br":
				b.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return b.String(), nil
}
