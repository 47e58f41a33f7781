package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wordBody = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
  <w:p>
    <w:pPr><w:tabs><w:tab w:val="left" w:pos="720"/></w:tabs></w:pPr>
    <w:r><w:rPr><w:b/></w:rPr><w:t>Contact</w:t></w:r>
    <w:r><w:t xml:space="preserve"> john@x.com</w:t></w:r>
    <w:del><w:r><w:delText>old@x.com</w:delText></w:r></w:del>
    <w:r><w:tab/><w:t>now</w:t></w:r>
  </w:p>
  <w:p/>
  <w:tbl><w:tr><w:tc><w:p><w:r><w:t>Jane Doe</w:t></w:r></w:p></w:tc></w:tr></w:tbl>
  <w:p><w:r><w:t>line one</w:t><w:br/><w:t>line two</w:t></w:r></w:p>
</w:body>
</w:document>`

func buildDOCX(t *testing.T, parts map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range parts {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestConvert_DOCX(t *testing.T) {
	raw := buildDOCX(t, map[string]string{
		"[Content_Types].xml": `<Types/>`,
		"word/document.xml":   wordBody,
	})

	doc, err := Convert(context.Background(), raw, TypeDOCX)
	require.NoError(t, err)
	require.NoError(t, doc.Validate())
	require.Len(t, doc.Pages, 1)

	page := doc.Pages[0]
	var lines []string
	for _, s := range page.Spans {
		lines = append(lines, s.Text)
	}
	assert.Equal(t, []string{
		"Contact john@x.com    now",
		"Jane Doe",
		"line one",
		"line two",
	}, lines)
	assert.NotContains(t, page.Text(), "old@x.com")

	rects, err := page.SearchText("john@x.com")
	require.NoError(t, err)
	require.Len(t, rects, 1)
	assert.Equal(t, "john@x.com", page.TextWithin(rects[0]))
}

func TestConvert_DOCXNestedParagraphs(t *testing.T) {
	body := `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>
<w:p><w:r><w:t>before</w:t></w:r><w:r><w:txbxContent><w:p><w:r><w:t>boxed</w:t></w:r></w:p></w:txbxContent></w:r><w:r><w:t>after</w:t></w:r></w:p>
</w:body></w:document>`
	text, err := docxText(buildDOCX(t, map[string]string{"word/document.xml": body}), DefaultMaxBytes)
	require.NoError(t, err)
	assert.Equal(t, "before\nboxed\nafter\n", text)
}

func TestConvert_DOCXErrors(t *testing.T) {
	tests := map[string]struct {
		raw  []byte
		want error
	}{
		"not a zip":     {[]byte("plain text"), ErrUnsupportedFormat},
		"missing body":  {buildDOCX(t, map[string]string{"word/styles.xml": "<w:styles/>"}), ErrUnsupportedFormat},
		"malformed xml": {buildDOCX(t, map[string]string{"word/document.xml": "<w:document><w:body>"}), ErrUnsupportedFormat},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Convert(context.Background(), tt.raw, TypeDOCX)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("body over expansion limit", func(t *testing.T) {
		raw := buildDOCX(t, map[string]string{"word/document.xml": wordBody})
		_, err := docxText(raw, 10)
		assert.ErrorIs(t, err, ErrTooLarge)
	})
}
