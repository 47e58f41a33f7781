package redact

import (
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"

	"github.com/go-pdf/fpdf"
	"golang.org/x/image/font/gofont/gomono"

	"github.com/dativo-io/privypress/internal/document"
)

// epoch stamps every PDF so identical documents encode identically.
var epoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

const (
	fontFamily = "gomono"
	// Go Mono glyphs are 1229/2048 em wide.
	monoAdvance = 1229.0 / 2048.0
	// Baseline offset as a fraction of the span height.
	baselineRatio = 0.8
	maxBMP        = 0xFFFF
)

// EncodePDF writes doc as a PDF. Only the spans present in doc are written
// as text, in an embedded UTF-8 monospace font so every script survives;
// fills are drawn as solid black rectangles.
func (r *Renderer) EncodePDF(w io.Writer, doc *document.Document) error {
	if doc == nil || len(doc.Pages) == 0 {
		return fmt.Errorf("%w: empty document", ErrRender)
	}
	first := doc.Pages[0]
	pdf := fpdf.NewCustom(&fpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "pt",
		Size:           fpdf.SizeType{Wd: first.Width, Ht: first.Height},
	})
	pdf.SetCompression(r.compress)
	pdf.SetCreationDate(epoch)
	pdf.SetModificationDate(epoch)
	pdf.SetCatalogSort(true)
	pdf.SetCreator("privypress", true)
	if doc.ID != "" {
		pdf.SetTitle(doc.ID, true)
	}
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetMargins(0, 0, 0)
	pdf.AddUTF8FontFromBytes(fontFamily, "", gomono.TTF)

	for _, p := range doc.Pages {
		pdf.AddPageFormat("P", fpdf.SizeType{Wd: p.Width, Ht: p.Height})
		pdf.SetTextColor(0, 0, 0)
		for _, s := range p.Spans {
			if s.Text == "" {
				continue
			}
			pdf.SetFont(fontFamily, "", s.Advance/monoAdvance)
			pdf.Text(s.X, s.Y+s.Height*baselineRatio, bmpOnly(s.Text))
		}
		pdf.SetFillColor(0, 0, 0)
		for _, f := range p.Fills {
			pdf.Rect(f.X0(), f.Y0(), f.Width(), f.Height(), "F")
		}
	}

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("%w: %v", ErrRender, err)
	}
	return nil
}

// bmpOnly replaces runes beyond the Basic Multilingual Plane, which the
// UTF-8 font tables cannot index, keeping one glyph cell per rune.
func bmpOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r > maxBMP {
			return unicode.ReplacementChar
		}
		return r
	}, s)
}
