package testutil

import (
	"strings"
	"unicode/utf16"
)

// PDFText returns s as it appears in an uncompressed content stream drawn
// with an embedded UTF-8 font: a UTF-16BE string literal with \, ( and )
// escaped.
func PDFText(s string) string {
	var b strings.Builder
	for _, u := range utf16.Encode([]rune(s)) {
		for _, c := range []byte{byte(u >> 8), byte(u)} {
			switch c {
			case '\\', '(', ')':
				b.WriteByte('\\')
				b.WriteByte(c)
			case '\r':
				b.WriteString(`\r`)
			default:
				b.WriteByte(c)
			}
		}
	}
	return b.String()
}
