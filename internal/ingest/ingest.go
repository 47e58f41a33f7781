// Package ingest converts uploaded bytes into the canonical layout document.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"mime"
	"path/filepath"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/privypress/internal/document"
	privyotel "github.com/dativo-io/privypress/internal/otel"
)

var tracer = privyotel.Tracer("github.com/dativo-io/privypress/internal/ingest")

var (
	// ErrUnsupportedFormat is returned for content types that cannot be converted.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrTooLarge is returned when the input exceeds the converter's limit.
	ErrTooLarge = errors.New("input too large")
)

// Supported media types.
const (
	TypePlain    = "text/plain"
	TypeMarkdown = "text/markdown"
	TypeHTML     = "text/html"
	TypePDF      = "application/pdf"
	TypeDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	TypeLayout   = document.MediaType
)

// DefaultMaxBytes is the input limit used by Convert.
const DefaultMaxBytes = 20 << 20

var extensions = map[string]string{
	".txt":      TypePlain,
	".text":     TypePlain,
	".md":       TypeMarkdown,
	".markdown": TypeMarkdown,
	".html":     TypeHTML,
	".htm":      TypeHTML,
	".pdf":      TypePDF,
	".docx":     TypeDOCX,
	".json":     TypeLayout,
}

// Converter turns raw uploads into documents.
type Converter struct {
	maxBytes int64
}

// NewConverter creates a Converter rejecting inputs over maxBytes. A
// non-positive limit uses DefaultMaxBytes.
func NewConverter(maxBytes int64) *Converter {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Converter{maxBytes: maxBytes}
}

// MaxBytes returns the input limit.
func (c *Converter) MaxBytes() int64 { return c.maxBytes }

// Convert converts raw with the default limit.
func Convert(ctx context.Context, raw []byte, declaredType string) (*document.Document, error) {
	return NewConverter(DefaultMaxBytes).Convert(ctx, raw, declaredType)
}

// ResolveType returns the media type for an upload: the declared type when it
// is specific, else the type implied by the filename extension.
func ResolveType(declaredType, filename string) string {
	mt := normalizeType(declaredType)
	if mt != "" && mt != "application/octet-stream" {
		return mt
	}
	if t, ok := extensions[strings.ToLower(filepath.Ext(filename))]; ok {
		return t
	}
	return mt
}

func normalizeType(declared string) string {
	if declared == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(declared))
	}
	return mt
}

// Supported reports whether declaredType can be converted.
func Supported(declaredType string) bool {
	switch normalizeType(declaredType) {
	case TypePlain, TypeMarkdown, TypeHTML, TypePDF, TypeDOCX, TypeLayout:
		return true
	}
	return false
}

// Convert parses raw according to declaredType. Parameters such as charset
// are ignored; text is read as UTF-8 with invalid sequences dropped.
func (c *Converter) Convert(ctx context.Context, raw []byte, declaredType string) (*document.Document, error) {
	mt := normalizeType(declaredType)
	_, span := tracer.Start(ctx, "ingest.convert",
		trace.WithAttributes(
			privyotel.DocumentType.String(mt),
			attribute.Int("ingest.bytes", len(raw)),
		))
	defer span.End()

	doc, err := c.convert(raw, mt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(privyotel.DocumentPages.Int(len(doc.Pages)))
	return doc, nil
}

func (c *Converter) convert(raw []byte, mt string) (*document.Document, error) {
	if int64(len(raw)) > c.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrTooLarge, len(raw), c.maxBytes)
	}
	switch mt {
	case TypePlain, TypeMarkdown:
		return Layout(string(raw)), nil
	case TypeHTML:
		return Layout(stripHTML(raw)), nil
	case TypeDOCX:
		text, err := docxText(raw, c.maxBytes)
		if err != nil {
			return nil, err
		}
		return Layout(text), nil
	case TypePDF:
		return pdfDocument(raw)
	case TypeLayout:
		return document.Decode(bytes.NewReader(raw))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, mt)
	}
}

// stripHTML keeps only the text content of an HTML document.
func stripHTML(raw []byte) string {
	p := bluemonday.StrictPolicy()
	p.AddSpaceWhenStrippingTag(true)
	return html.UnescapeString(string(p.SanitizeBytes(raw)))
}
