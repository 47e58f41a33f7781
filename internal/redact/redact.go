// Package redact burns approved detections into a document.
//
// Redaction removes the covered glyphs from the text layer, so obscured
// text cannot be recovered from the output, and records an opaque fill over
// each region. Rendering is deterministic and idempotent.
package redact

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/privypress/internal/document"
	"github.com/dativo-io/privypress/internal/manifest"
	privyotel "github.com/dativo-io/privypress/internal/otel"
)

var tracer = privyotel.Tracer("github.com/dativo-io/privypress/internal/redact")

// ErrRender is returned when a document cannot be rendered. No partial
// output accompanies it.
var ErrRender = errors.New("render failed")

// Renderer applies manifests to documents.
type Renderer struct {
	compress bool
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithCompression compresses PDF content streams.
func WithCompression(on bool) Option {
	return func(r *Renderer) { r.compress = on }
}

// NewRenderer creates a Renderer. PDF streams are uncompressed by default.
func NewRenderer(opts ...Option) *Renderer {
	r := &Renderer{}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Render returns a redacted deep copy of doc. Every redact detection removes
// the glyphs intersecting its bbox and adds a fill; ignore detections change
// nothing. A detection on a missing page or with a bbox that is empty or off
// the page fails the whole render with ErrRender.
func (r *Renderer) Render(ctx context.Context, doc *document.Document, m *manifest.Manifest) (*document.Document, error) {
	_, span := tracer.Start(ctx, "redact.render",
		trace.WithAttributes(privyotel.DocumentPages.Int(len(doc.Pages))))
	defer span.End()

	out, err := render(ctx, doc, m)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

func render(ctx context.Context, doc *document.Document, m *manifest.Manifest) (*document.Document, error) {
	if doc == nil || m == nil {
		return nil, fmt.Errorf("%w: nil document or manifest", ErrRender)
	}
	out := doc.Clone()
	regions := make(map[int][]document.Rect)
	for i, d := range m.Detections {
		if d.Action != manifest.ActionRedact {
			continue
		}
		page, ok := out.Page(d.Page)
		if !ok {
			return nil, fmt.Errorf("%w: detection %d references page %d of %d", ErrRender, i, d.Page, len(out.Pages))
		}
		if !d.BBox.Valid() || !d.BBox.Within(page.Width, page.Height) {
			return nil, fmt.Errorf("%w: detection %d has bbox %v outside page %d", ErrRender, i, d.BBox, d.Page)
		}
		regions[d.Page] = append(regions[d.Page], d.BBox)
	}

	for i := range out.Pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := &out.Pages[i]
		rects := regions[p.Number]
		if len(rects) == 0 {
			continue
		}
		p.Spans = burn(p.Spans, rects)
		p.Fills = append(p.Fills, rects...)
		p.NormalizeFills()
	}
	return out, nil
}

// burn drops every glyph whose box intersects one of rects. A span loses
// only the covered runes; the surviving runs keep their original positions.
func burn(spans []document.Span, rects []document.Rect) []document.Span {
	out := make([]document.Span, 0, len(spans))
	for _, s := range spans {
		if !touches(s.Rect(), rects) {
			out = append(out, s)
			continue
		}
		runes := []rune(s.Text)
		start := -1
		flush := func(end int) {
			if start >= 0 {
				out = append(out, document.Span{
					Text:    string(runes[start:end]),
					X:       s.X + float64(start)*s.Advance,
					Y:       s.Y,
					Advance: s.Advance,
					Height:  s.Height,
				})
				start = -1
			}
		}
		for i := range runes {
			if touches(s.GlyphRect(i), rects) {
				flush(i)
				continue
			}
			if start < 0 {
				start = i
			}
		}
		flush(len(runes))
	}
	return out
}

func touches(r document.Rect, rects []document.Rect) bool {
	for _, x := range rects {
		if r.Intersects(x) {
			return true
		}
	}
	return false
}

// RenderPDF renders doc under m and encodes the result. Either the complete
// PDF is returned or an error; never partial bytes.
func (r *Renderer) RenderPDF(ctx context.Context, doc *document.Document, m *manifest.Manifest) ([]byte, error) {
	out, err := r.Render(ctx, doc, m)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := r.EncodePDF(&buf, out); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
