package ingest

import (
	"bytes"
	"context"
	"testing"

	"github.com/go-pdf/fpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/privypress/internal/document"
)

// writePDF lays out pages of (x, baseline, text) lines in Helvetica 12pt.
func writePDF(t *testing.T, compress bool, pages ...[][3]interface{}) []byte {
	t.Helper()
	pdf := fpdf.New("P", "pt", "Letter", "")
	pdf.SetCompression(compress)
	for _, lines := range pages {
		pdf.AddPage()
		pdf.SetFont("Helvetica", "", 12)
		for _, l := range lines {
			pdf.Text(l[0].(float64), l[1].(float64), l[2].(string))
		}
	}
	var buf bytes.Buffer
	require.NoError(t, pdf.Output(&buf))
	return buf.Bytes()
}

func TestConvert_PDF(t *testing.T) {
	for _, compress := range []bool{false, true} {
		raw := writePDF(t, compress,
			[][3]interface{}{
				{72.0, 100.0, "Contact john@x.com now"},
				{72.0, 130.0, "Jane Doe"},
			},
			[][3]interface{}{
				{72.0, 100.0, "page two"},
			},
		)

		doc, err := Convert(context.Background(), raw, TypePDF)
		require.NoError(t, err, "compress=%v", compress)
		require.NoError(t, doc.Validate())
		require.Len(t, doc.Pages, 2)

		p1 := doc.Pages[0]
		assert.Equal(t, 1, p1.Number)
		assert.InDelta(t, PageWidth, p1.Width, 0.01)
		assert.InDelta(t, PageHeight, p1.Height, 0.01)
		require.Len(t, p1.Spans, 2)
		assert.Equal(t, "Contact john@x.com now", p1.Spans[0].Text)
		assert.Equal(t, "Jane Doe", p1.Spans[1].Text)
		assert.InDelta(t, 72.0, p1.Spans[0].X, 0.01)
		assert.InDelta(t, 100.0-ascent*12, p1.Spans[0].Y, 0.01)
		assert.InDelta(t, 12.0, p1.Spans[0].Height, 0.01)
		assert.Less(t, p1.Spans[0].Y, p1.Spans[1].Y, "top-down order")

		rects, err := p1.SearchText("john@x.com")
		require.NoError(t, err)
		require.Len(t, rects, 1)
		assert.Equal(t, "john@x.com", p1.TextWithin(rects[0]))

		assert.Equal(t, 2, doc.Pages[1].Number)
		assert.Equal(t, "page two", doc.Pages[1].Text())
	}
}

func TestConvert_PDFSplitsDistantRuns(t *testing.T) {
	raw := writePDF(t, false, [][3]interface{}{
		{72.0, 100.0, "Name:"},
		{400.0, 100.0, "Jane Doe"},
	})
	doc, err := Convert(context.Background(), raw, TypePDF)
	require.NoError(t, err)
	require.Len(t, doc.Pages[0].Spans, 2)
	assert.Equal(t, "Name:", doc.Pages[0].Spans[0].Text)
	assert.Equal(t, "Jane Doe", doc.Pages[0].Spans[1].Text)
	assert.InDelta(t, 400.0, doc.Pages[0].Spans[1].X, 0.01)
}

func TestConvert_PDFBlankPage(t *testing.T) {
	raw := writePDF(t, true, [][3]interface{}{})
	doc, err := Convert(context.Background(), raw, TypePDF)
	require.NoError(t, err)
	require.Len(t, doc.Pages, 1)
	assert.Empty(t, doc.Pages[0].Spans)
}

func TestConvert_PDFMalformed(t *testing.T) {
	for name, raw := range map[string][]byte{
		"not a pdf": []byte("hello"),
		"truncated": []byte("%PDF-1.4\n1 0 obj\n<<"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Convert(context.Background(), raw, TypePDF)
			assert.ErrorIs(t, err, ErrUnsupportedFormat)
		})
	}
}

func TestPageSpans_ClipsToPage(t *testing.T) {
	spans := pageSpans(nil, document.Rect{0, 0, 100, 100})
	assert.Empty(t, spans)

	run := glyphRun{text: []rune("0123456789abcdef"), x0: 60, end: 60 + 16*5, baseline: 50, size: 10, initialized: true}
	s, ok := run.span(100, 100)
	require.True(t, ok)
	assert.Equal(t, "01234567", s.Text)
	assert.LessOrEqual(t, s.Rect()[2], 100.0)

	offPage := glyphRun{text: []rune("low"), x0: 10, end: 25, baseline: 105, size: 10, initialized: true}
	_, ok = offPage.span(100, 100)
	assert.False(t, ok)
}
