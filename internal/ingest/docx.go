package ingest

import (
	"archive/zip"
	"bytes"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
)

const docxDocumentXMLPath = "word/document.xml"

var (
	// <w:t>text</w:t>, with or without attributes.
	wtTag = regexp.MustCompile(`<w:t[^>]*>([^<]*)</w:t>`)
	// Paragraph ends become line breaks so the splitter can use them.
	wpEnd = regexp.MustCompile(`</w:p>`)
)

func extractDOCX(content []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("extract DOCX: not a zip: %w", err)
	}

	var docXML []byte
	for _, f := range zr.File {
		if f.Name != docxDocumentXMLPath {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("extract DOCX: open %s: %w", f.Name, err)
		}
		docXML, err = io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return "", fmt.Errorf("extract DOCX: read %s: %w", f.Name, err)
		}
		break
	}
	if docXML == nil {
		return "", fmt.Errorf("extract DOCX: %s not found", docxDocumentXMLPath)
	}

	var b strings.Builder
	for _, para := range wpEnd.Split(string(docXML), -1) {
		parts := wtTag.FindAllStringSubmatch(para, -1)
		if len(parts) == 0 {
			continue
		}
		for _, p := range parts {
			b.WriteString(html.UnescapeString(p[1]))
		}
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String()), nil
}
