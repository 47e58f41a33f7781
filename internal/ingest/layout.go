package ingest

import (
	"strings"
	"unicode"

	"github.com/dativo-io/privypress/internal/document"
)

// Text layout: US Letter in points, monospace glyphs sized so WrapColumn
// characters fill the space between the margins.
const (
	PageWidth    = 612.0
	PageHeight   = 792.0
	Margin       = 54.0
	Leading      = 14.0
	WrapColumn   = 100
	GlyphAdvance = (PageWidth - 2*Margin) / WrapColumn
	GlyphHeight  = 10.0
	// LinesPerPage keeps every line top at or above PageHeight-72.
	LinesPerPage = 48
	tabWidth     = 4
)

// Layout places text on Letter pages: one span per line, lines longer than
// WrapColumn runes wrapped hard, blank lines kept as vertical space. Empty
// text yields a single blank page.
func Layout(text string) *document.Document {
	text = strings.ToValidUTF8(text, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		runes := []rune(clean(line))
		if len(runes) == 0 {
			lines = append(lines, "")
			continue
		}
		for len(runes) > WrapColumn {
			lines = append(lines, string(runes[:WrapColumn]))
			runes = runes[WrapColumn:]
		}
		lines = append(lines, string(runes))
	}
	// A trailing newline does not start another line.
	if len(lines) > 1 && lines[len(lines)-1] == "" && strings.HasSuffix(text, "\n") {
		lines = lines[:len(lines)-1]
	}

	doc := &document.Document{}
	var page *document.Page
	row := 0
	for _, line := range lines {
		if page == nil || row == LinesPerPage {
			doc.Pages = append(doc.Pages, document.Page{
				Number: len(doc.Pages) + 1,
				Width:  PageWidth,
				Height: PageHeight,
				Spans:  []document.Span{},
			})
			page = &doc.Pages[len(doc.Pages)-1]
			row = 0
		}
		if strings.TrimSpace(line) != "" {
			page.Spans = append(page.Spans, document.Span{
				Text:    line,
				X:       Margin,
				Y:       Margin + float64(row)*Leading,
				Advance: GlyphAdvance,
				Height:  GlyphHeight,
			})
		}
		row++
	}
	return doc
}

// clean expands tabs and drops other control characters.
func clean(line string) string {
	var b strings.Builder
	for _, r := range line {
		switch {
		case r == '\t':
			b.WriteString(strings.Repeat(" ", tabWidth))
		case unicode.IsControl(r):
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
