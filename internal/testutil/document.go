package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dativo-io/privypress/internal/document"
	"github.com/dativo-io/privypress/internal/rules"
)

// NewDocument builds a layout document with one page per argument and one
// span per line. Line i sits at (Margin, Margin+i*Leading).
func NewDocument(pages ...[]string) *document.Document {
	doc := &document.Document{Pages: make([]document.Page, len(pages))}
	for i, lines := range pages {
		p := document.Page{Number: i + 1, Width: PageWidth, Height: PageHeight}
		for j, line := range lines {
			p.Spans = append(p.Spans, document.Span{
				Text:    line,
				X:       Margin,
				Y:       Margin + float64(j)*Leading,
				Advance: GlyphAdvance,
				Height:  GlyphHeight,
			})
		}
		doc.Pages[i] = p
	}
	return doc
}

// SpanRect returns the rectangle of runes [from, to) on line of a NewDocument page.
func SpanRect(line, from, to int) document.Rect {
	y := Margin + float64(line)*Leading
	return document.Rect{Margin + float64(from)*GlyphAdvance, y, Margin + float64(to)*GlyphAdvance, y + GlyphHeight}
}

// RuleSet compiles rule sources or fails the test.
func RuleSet(t *testing.T, protected, patterns string) *rules.RuleSet {
	t.Helper()
	rs, err := rules.Load(context.Background(), rules.Source{
		Name:      t.Name(),
		Protected: []byte(protected),
		Patterns:  []byte(patterns),
	})
	require.NoError(t, err)
	return rs
}

// EmailPattern is the pattern rule source used by the email scenarios.
const EmailPattern = `
patterns:
  - name: email
    regex: '\b[\w.+-]+@[\w-]+\.\w+\b'
`
