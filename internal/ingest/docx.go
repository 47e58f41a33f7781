package ingest

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	wordNS       = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"
	documentPart = "word/document.xml"
	// document.xml may expand to this multiple of the upload limit.
	maxExpansion = 10
)

// docxText returns the paragraph text of a DOCX body, one line per
// paragraph. Tabs and breaks inside a run are kept; deleted revisions,
// headers and footers are not read.
func docxText(raw []byte, maxBytes int64) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("%w: docx: %v", ErrUnsupportedFormat, err)
	}
	var part *zip.File
	for _, f := range zr.File {
		if f.Name == documentPart {
			part = f
			break
		}
	}
	if part == nil {
		return "", fmt.Errorf("%w: docx: missing %s", ErrUnsupportedFormat, documentPart)
	}
	limit := maxBytes * maxExpansion
	if part.UncompressedSize64 > uint64(limit) {
		return "", fmt.Errorf("%w: docx body of %d bytes exceeds limit of %d", ErrTooLarge, part.UncompressedSize64, limit)
	}
	rc, err := part.Open()
	if err != nil {
		return "", fmt.Errorf("%w: docx: %v", ErrUnsupportedFormat, err)
	}
	defer rc.Close()

	text, err := paragraphs(io.LimitReader(rc, limit))
	if err != nil {
		return "", fmt.Errorf("%w: docx: %v", ErrUnsupportedFormat, err)
	}
	return text, nil
}

func paragraphs(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var out, para strings.Builder
	flush := func() {
		out.WriteString(para.String())
		out.WriteByte('\n')
		para.Reset()
	}
	// Text boxes nest paragraphs inside paragraphs.
	depth := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space != wordNS {
				continue
			}
			switch t.Name.Local {
			case "p":
				if depth > 0 {
					flush()
				}
				depth++
			case "t":
				var s string
				if err := dec.DecodeElement(&s, &t); err != nil {
					return "", err
				}
				para.WriteString(s)
			case "pPr", "rPr":
				// Tab stop definitions also use w:tab.
				if err := dec.Skip(); err != nil {
					return "", err
				}
			case "tab":
				para.WriteByte('\t')
			case "br", "cr":
				para.WriteByte('\n')
			}
		case xml.EndElement:
			if t.Name.Space == wordNS && t.Name.Local == "p" && depth > 0 {
				depth--
				flush()
			}
		}
	}
	return out.String(), nil
}
