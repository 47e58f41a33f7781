package ingest

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/privypress/internal/document"
	"github.com/dativo-io/privypress/internal/testutil"
)

func TestConvert_PlainText(t *testing.T) {
	doc, err := Convert(context.Background(), []byte("Contact john@x.com now"), "text/plain")
	require.NoError(t, err)
	require.NoError(t, doc.Validate())
	require.Len(t, doc.Pages, 1)

	page := doc.Pages[0]
	assert.Equal(t, 1, page.Number)
	assert.Equal(t, PageWidth, page.Width)
	assert.Equal(t, PageHeight, page.Height)
	require.Len(t, page.Spans, 1)
	assert.Equal(t, "Contact john@x.com now", page.Text())
	assert.Equal(t, Margin, page.Spans[0].X)
	assert.Equal(t, Margin, page.Spans[0].Y)

	rects, err := page.SearchText("john@x.com")
	require.NoError(t, err)
	require.Len(t, rects, 1)
	assert.Equal(t, "john@x.com", page.TextWithin(rects[0]))
}

func TestConvert_TypeParameters(t *testing.T) {
	for _, mt := range []string{"text/plain; charset=utf-8", "TEXT/PLAIN", "text/markdown"} {
		doc, err := Convert(context.Background(), []byte("# Title"), mt)
		require.NoError(t, err, mt)
		assert.Equal(t, "# Title", doc.Pages[0].Text())
	}
}

func TestLayout_Wraps(t *testing.T) {
	doc := Layout(strings.Repeat("a", 250))
	require.NoError(t, doc.Validate())
	spans := doc.Pages[0].Spans
	require.Len(t, spans, 3)
	assert.Len(t, spans[0].Text, 100)
	assert.Len(t, spans[1].Text, 100)
	assert.Len(t, spans[2].Text, 50)
	assert.Equal(t, []float64{54, 68, 82}, []float64{spans[0].Y, spans[1].Y, spans[2].Y})
	assert.True(t, spans[0].Rect().Within(PageWidth-Margin+0.001, PageHeight))
}

func TestLayout_Paginates(t *testing.T) {
	lines := make([]string, 100)
	for i := range lines {
		lines[i] = "line"
	}
	doc := Layout(strings.Join(lines, "\n") + "\n")
	require.NoError(t, doc.Validate())
	require.Len(t, doc.Pages, 3)
	assert.Len(t, doc.Pages[0].Spans, LinesPerPage)
	assert.Len(t, doc.Pages[1].Spans, LinesPerPage)
	assert.Len(t, doc.Pages[2].Spans, 100-2*LinesPerPage)
	assert.Equal(t, 3, doc.Pages[2].Number)
	assert.Equal(t, Margin, doc.Pages[1].Spans[0].Y)
	last := doc.Pages[0].Spans[LinesPerPage-1]
	assert.LessOrEqual(t, last.Y, PageHeight-72)
}

func TestLayout_BlankLinesKeepSpacing(t *testing.T) {
	doc := Layout("a\n\n  \nb")
	spans := doc.Pages[0].Spans
	require.Len(t, spans, 2)
	assert.Equal(t, Margin, spans[0].Y)
	assert.Equal(t, Margin+3*Leading, spans[1].Y)
}

func TestLayout_Empty(t *testing.T) {
	doc := Layout("")
	require.NoError(t, doc.Validate())
	require.Len(t, doc.Pages, 1)
	assert.Empty(t, doc.Pages[0].Spans)
}

func TestLayout_Cleans(t *testing.T) {
	doc := Layout("a\tb\r\nc\x00d\re" + string([]byte{0xff}) + "f")
	require.NoError(t, doc.Validate())
	assert.Equal(t, "a    b\ncd\nef", doc.Pages[0].Text())
}

func TestConvert_HTML(t *testing.T) {
	raw := `<html><head><style>p{color:red}</style></head>
<body><p>Hello <b>Jane Doe</b> &amp; co</p><script>alert("x")</script></body></html>`
	doc, err := Convert(context.Background(), []byte(raw), "text/html; charset=utf-8")
	require.NoError(t, err)
	require.NoError(t, doc.Validate())

	text := doc.Pages[0].Text()
	assert.Contains(t, text, "Jane Doe")
	assert.Contains(t, text, "& co")
	assert.NotContains(t, text, "<")
	assert.NotContains(t, text, "alert")
	assert.NotContains(t, text, "color")
}

func TestConvert_LayoutDocument(t *testing.T) {
	src := testutil.NewDocument([]string{"Jane Doe", "john@x.com"}, []string{"page two"})
	raw, err := src.Marshal()
	require.NoError(t, err)

	doc, err := Convert(context.Background(), raw, TypeLayout)
	require.NoError(t, err)
	assert.Equal(t, src, doc)

	_, err = Convert(context.Background(), []byte(`{"pages":[]}`), TypeLayout)
	assert.ErrorIs(t, err, document.ErrInvalidDocument)
}

func TestConvert_Unsupported(t *testing.T) {
	for _, mt := range []string{"", "image/png", "application/msword", "application/octet-stream"} {
		_, err := Convert(context.Background(), []byte("x"), mt)
		assert.ErrorIs(t, err, ErrUnsupportedFormat, mt)
		assert.False(t, Supported(mt), mt)
	}
	for _, mt := range []string{"text/html", TypeLayout, TypePDF, TypeDOCX} {
		assert.True(t, Supported(mt), mt)
	}
}

func TestConverter_Limit(t *testing.T) {
	c := NewConverter(10)
	assert.Equal(t, int64(10), c.MaxBytes())

	_, err := c.Convert(context.Background(), []byte("0123456789"), TypePlain)
	require.NoError(t, err)
	_, err = c.Convert(context.Background(), []byte("0123456789a"), TypePlain)
	assert.ErrorIs(t, err, ErrTooLarge)

	assert.Equal(t, int64(DefaultMaxBytes), NewConverter(0).MaxBytes())
}

func TestResolveType(t *testing.T) {
	tests := []struct {
		declared, filename, want string
	}{
		{"text/plain", "notes.html", "text/plain"},
		{"application/octet-stream", "notes.md", TypeMarkdown},
		{"", "PAGE.HTML", TypeHTML},
		{"", "layout.json", TypeLayout},
		{"", "scan.pdf", TypePDF},
		{"", "Memo.DOCX", TypeDOCX},
		{"application/octet-stream", "memo.docx", TypeDOCX},
		{"", "scan.png", ""},
		{"application/pdf", "scan.pdf", "application/pdf"},
		{"text/plain; charset=utf-8", "", "text/plain"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ResolveType(tt.declared, tt.filename), "%q %q", tt.declared, tt.filename)
	}
}
