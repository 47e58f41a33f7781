// Package document defines the canonical paginated layout every stage of the
// sanitization pipeline works on: pages of positioned text spans plus the
// opaque fills burned in by redaction.
//
// Coordinates use a top-left origin in points (1/72 inch), the same space the
// detection bboxes and the rendered PDF use.
package document

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"unicode"
)

// MediaType is the declared content type of a serialized Document.
const MediaType = "application/vnd.privypress.layout+json"

var (
	// ErrInvalidDocument is returned when a document violates its geometry invariants.
	ErrInvalidDocument = errors.New("invalid layout document")
	// ErrEmptyQuery is returned by SearchText for an empty literal.
	ErrEmptyQuery = errors.New("empty search literal")
)

// Rect is an axis-aligned rectangle (x0, y0, x1, y1).
type Rect [4]float64

// X0 returns the left edge.
func (r Rect) X0() float64 { return r[0] }

// Y0 returns the top edge.
func (r Rect) Y0() float64 { return r[1] }

// X1 returns the right edge.
func (r Rect) X1() float64 { return r[2] }

// Y1 returns the bottom edge.
func (r Rect) Y1() float64 { return r[3] }

// Width returns x1-x0.
func (r Rect) Width() float64 { return r[2] - r[0] }

// Height returns y1-y0.
func (r Rect) Height() float64 { return r[3] - r[1] }

// Valid reports whether the rectangle has positive area and finite edges.
func (r Rect) Valid() bool {
	for _, v := range r {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return r[0] < r[2] && r[1] < r[3]
}

// Within reports whether r lies inside a page of the given size.
func (r Rect) Within(width, height float64) bool {
	return r[0] >= 0 && r[1] >= 0 && r[2] <= width && r[3] <= height
}

// Intersects reports whether r and o overlap with positive area.
// Rectangles that only share an edge do not intersect.
func (r Rect) Intersects(o Rect) bool {
	return r[0] < o[2] && o[0] < r[2] && r[1] < o[3] && o[1] < r[3]
}

// Contains reports whether o lies entirely inside r.
func (r Rect) Contains(o Rect) bool {
	return o[0] >= r[0] && o[1] >= r[1] && o[2] <= r[2] && o[3] <= r[3]
}

// Round returns r with every coordinate rounded to the given number of decimals.
func (r Rect) Round(places int) Rect {
	p := math.Pow(10, float64(places))
	var out Rect
	for i, v := range r {
		out[i] = math.Round(v*p) / p
	}
	return out
}

// Span is a single line of monospaced text. Glyph i occupies
// [X+i*Advance, Y, X+(i+1)*Advance, Y+Height].
type Span struct {
	Text    string  `json:"text"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Advance float64 `json:"advance"`
	Height  float64 `json:"height"`
}

// Rect returns the bounding box of the whole span.
func (s Span) Rect() Rect {
	n := len([]rune(s.Text))
	return Rect{s.X, s.Y, s.X + float64(n)*s.Advance, s.Y + s.Height}
}

// GlyphRect returns the box of the rune at index i.
func (s Span) GlyphRect(i int) Rect {
	return s.runeRange(i, i+1)
}

func (s Span) runeRange(from, to int) Rect {
	return Rect{s.X + float64(from)*s.Advance, s.Y, s.X + float64(to)*s.Advance, s.Y + s.Height}
}

// Page is one page of a Document. Number is 1-based.
type Page struct {
	Number int     `json:"number"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Spans  []Span  `json:"spans"`
	Fills  []Rect  `json:"fills,omitempty"`
}

// Bounds returns the page rectangle.
func (p *Page) Bounds() Rect {
	return Rect{0, 0, p.Width, p.Height}
}

// Text returns the page text: span texts joined by newlines, in span order.
func (p *Page) Text() string {
	parts := make([]string, len(p.Spans))
	for i, s := range p.Spans {
		parts[i] = s.Text
	}
	return strings.Join(parts, "\n")
}

// SearchText returns the rectangle of every visual occurrence of literal on
// the page, matched case-insensitively. Occurrences never cross span
// boundaries, so text wrapped over two lines is not found.
func (p *Page) SearchText(literal string) ([]Rect, error) {
	if literal == "" {
		return nil, ErrEmptyQuery
	}
	needle := foldRunes([]rune(literal))
	var out []Rect
	for _, s := range p.Spans {
		hay := foldRunes([]rune(s.Text))
		for i := 0; i+len(needle) <= len(hay); {
			if runesEqual(hay[i:i+len(needle)], needle) {
				out = append(out, s.runeRange(i, i+len(needle)))
				i += len(needle)
				continue
			}
			i++
		}
	}
	return out, nil
}

func foldRunes(rs []rune) []rune {
	out := make([]rune, len(rs))
	for i, r := range rs {
		out[i] = unicode.ToLower(r)
	}
	return out
}

func runesEqual(a, b []rune) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TextWithin returns the text of every glyph whose box intersects r.
// Glyphs from different spans are separated by newlines.
func (p *Page) TextWithin(r Rect) string {
	var parts []string
	for _, s := range p.Spans {
		var b strings.Builder
		for i, ch := range []rune(s.Text) {
			if s.GlyphRect(i).Intersects(r) {
				b.WriteRune(ch)
			}
		}
		if b.Len() > 0 {
			parts = append(parts, b.String())
		}
	}
	return strings.Join(parts, "\n")
}

// NormalizeFills sorts fills and drops exact duplicates.
func (p *Page) NormalizeFills() {
	if len(p.Fills) == 0 {
		p.Fills = nil
		return
	}
	sort.Slice(p.Fills, func(i, j int) bool {
		a, b := p.Fills[i], p.Fills[j]
		for k := 0; k < 4; k++ {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
	out := p.Fills[:1]
	for _, f := range p.Fills[1:] {
		if f != out[len(out)-1] {
			out = append(out, f)
		}
	}
	p.Fills = out
}

// Document is a paginated text+geometry document.
type Document struct {
	ID    string `json:"id,omitempty"`
	Pages []Page `json:"pages"`
}

// Page returns the 1-based page n.
func (d *Document) Page(n int) (*Page, bool) {
	if n < 1 || n > len(d.Pages) {
		return nil, false
	}
	return &d.Pages[n-1], true
}

// Clone returns a deep copy of d.
func (d *Document) Clone() *Document {
	out := &Document{ID: d.ID, Pages: make([]Page, len(d.Pages))}
	for i, p := range d.Pages {
		cp := p
		cp.Spans = append([]Span(nil), p.Spans...)
		cp.Fills = append([]Rect(nil), p.Fills...)
		if len(cp.Fills) == 0 {
			cp.Fills = nil
		}
		out.Pages[i] = cp
	}
	return out
}

// Validate checks page numbering and that every span and fill has positive
// area inside its page.
func (d *Document) Validate() error {
	if len(d.Pages) == 0 {
		return fmt.Errorf("%w: no pages", ErrInvalidDocument)
	}
	for i := range d.Pages {
		p := &d.Pages[i]
		if p.Number != i+1 {
			return fmt.Errorf("%w: page at index %d has number %d", ErrInvalidDocument, i, p.Number)
		}
		if !(p.Width > 0) || !(p.Height > 0) {
			return fmt.Errorf("%w: page %d has no area", ErrInvalidDocument, p.Number)
		}
		for j, s := range p.Spans {
			if !(s.Advance > 0) || !(s.Height > 0) {
				return fmt.Errorf("%w: page %d span %d has non-positive metrics", ErrInvalidDocument, p.Number, j)
			}
			if s.Text == "" {
				continue
			}
			if r := s.Rect(); !r.Valid() || !r.Within(p.Width, p.Height) {
				return fmt.Errorf("%w: page %d span %d lies outside the page", ErrInvalidDocument, p.Number, j)
			}
			if strings.ContainsAny(s.Text, "\r\n") {
				return fmt.Errorf("%w: page %d span %d contains a line break", ErrInvalidDocument, p.Number, j)
			}
		}
		for j, f := range p.Fills {
			if !f.Valid() || !f.Within(p.Width, p.Height) {
				return fmt.Errorf("%w: page %d fill %d lies outside the page", ErrInvalidDocument, p.Number, j)
			}
		}
	}
	return nil
}

// Marshal returns the canonical JSON encoding of d. Struct field order is
// fixed, so equal documents always encode to identical bytes.
func (d *Document) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// Decode reads a serialized document, checks it against the layout schema
// and validates its geometry.
func Decode(r io.Reader) (*Document, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading layout document: %w", err)
	}
	if err := ValidateSchema(raw); err != nil {
		return nil, err
	}
	var d Document
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}
