package ingest

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"

	"github.com/dativo-io/privypress/internal/document"
)

const (
	// Advance assumed for glyphs whose font carries no width table.
	fallbackEm = 0.5
	// Baseline sits this far below a span's top, as a fraction of its height.
	ascent = 0.8
	// Gaps wider than this many font sizes start a new span.
	maxGapEm = 3.0
	// Gaps wider than this fraction of the font size read as a space.
	spaceGapEm = 0.2
	// Bounds the Parent chain walk in malformed page trees.
	maxTreeDepth = 32
)

// pdfDocument rebuilds the text layer of a PDF as a layout document. Each
// run of glyphs sharing a baseline and font size becomes one span whose
// advance is the run's mean glyph width. Images, vector art and text the
// reader cannot decode are not carried over.
func pdfDocument(raw []byte) (doc *document.Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			doc, err = nil, fmt.Errorf("%w: pdf: %v", ErrUnsupportedFormat, r)
		}
	}()

	rd, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("%w: pdf: %v", ErrUnsupportedFormat, err)
	}
	n := rd.NumPage()
	if n < 1 {
		return nil, fmt.Errorf("%w: pdf has no pages", ErrUnsupportedFormat)
	}

	doc = &document.Document{Pages: make([]document.Page, 0, n)}
	for i := 1; i <= n; i++ {
		p := rd.Page(i)
		box := mediaBox(p)
		page := document.Page{
			Number: i,
			Width:  box[2] - box[0],
			Height: box[3] - box[1],
			Spans:  []document.Span{},
		}
		if !p.V.IsNull() {
			page.Spans = pageSpans(p.Content().Text, box)
		}
		doc.Pages = append(doc.Pages, page)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// mediaBox returns the page's MediaBox, inherited from its ancestors when
// absent, or US Letter when missing or degenerate.
func mediaBox(p pdf.Page) document.Rect {
	v := p.V
	for depth := 0; depth < maxTreeDepth && !v.IsNull(); depth, v = depth+1, v.Key("Parent") {
		mb := v.Key("MediaBox")
		if mb.Len() != 4 {
			continue
		}
		r := document.Rect{mb.Index(0).Float64(), mb.Index(1).Float64(), mb.Index(2).Float64(), mb.Index(3).Float64()}
		if r.Valid() {
			return r
		}
	}
	return document.Rect{0, 0, PageWidth, PageHeight}
}

type glyphRun struct {
	text        []rune
	x0, end     float64
	lastX       float64
	baseline    float64
	size        float64
	initialized bool
}

func pageSpans(glyphs []pdf.Text, box document.Rect) []document.Span {
	width, height := box[2]-box[0], box[3]-box[1]
	var spans []document.Span
	var run glyphRun

	flush := func() {
		if s, ok := run.span(width, height); ok {
			spans = append(spans, s)
		}
		run = glyphRun{}
	}

	for _, g := range glyphs {
		size := g.FontSize
		if !(size > 0) || g.S == "" {
			continue
		}
		x, baseline := g.X-box[0], box[3]-g.Y
		w := g.W
		if !(w > 0) {
			w = fallbackEm * size
		}
		if run.initialized && run.sameLine(baseline, size) {
			// Fonts without widths report every glyph of a string at its origin.
			if math.Abs(g.X-box[0]-run.lastX) < 1e-6 && g.W <= 0 {
				x = run.end
			}
			gap := x - run.end
			switch {
			case gap < -0.5*size || gap > maxGapEm*size:
				flush()
			case gap > spaceGapEm*size && !run.endsWithSpace():
				run.text = append(run.text, ' ')
			}
		} else if run.initialized {
			flush()
		}
		if !run.initialized {
			run = glyphRun{x0: x, baseline: baseline, size: size, initialized: true}
		}
		for _, r := range g.S {
			if unicode.IsSpace(r) {
				r = ' '
			} else if !unicode.IsPrint(r) {
				continue
			}
			run.text = append(run.text, r)
		}
		run.lastX = g.X - box[0]
		run.end = x + w
	}
	flush()
	return spans
}

func (r *glyphRun) sameLine(baseline, size float64) bool {
	return math.Abs(baseline-r.baseline) < 0.2*r.size && math.Abs(size-r.size) < 0.01*r.size
}

func (r *glyphRun) endsWithSpace() bool {
	return len(r.text) > 0 && r.text[len(r.text)-1] == ' '
}

// span converts the run into a span clipped to the page, dropping runs that
// are blank or fall outside it.
func (r *glyphRun) span(width, height float64) (document.Span, bool) {
	if !r.initialized {
		return document.Span{}, false
	}
	text := strings.TrimRight(string(r.text), " ")
	n := len([]rune(text))
	if n == 0 || strings.TrimSpace(text) == "" {
		return document.Span{}, false
	}
	advance := (r.end - r.x0) / float64(len(r.text))
	if !(advance > 0) {
		advance = fallbackEm * r.size
	}
	s := document.Span{
		Text:    text,
		X:       r.x0,
		Y:       r.baseline - ascent*r.size,
		Advance: advance,
		Height:  r.size,
	}
	if s.Y < 0 {
		s.Y = 0
	}
	if s.X < 0 || s.Y+s.Height > height {
		return document.Span{}, false
	}
	// Keep only the glyphs that fit across the page.
	fit := n
	for fit > 0 && s.X+float64(fit)*s.Advance > width {
		fit--
	}
	if fit == 0 {
		return document.Span{}, false
	}
	s.Text = string([]rune(text)[:fit])
	return s, true
}
