// Package ingest turns raw text, URLs and uploaded files into text segments and
// splits them into overlapping chunks for embedding.
package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"echo.app/echo-server/internal/apierr"
	"echo.app/echo-server/internal/utils"
)

// Source types recorded in chunk metadata.
const (
	SourceText = "text"
	SourceURL  = "url"
	SourceFile = "file"
)

// Segment is a piece of extracted text with its provenance.
type Segment struct {
	Text     string
	Metadata map[string]any
}

// SessionFileTypes are the extensions accepted for session uploads.
var SessionFileTypes = map[string]bool{".pdf": true, ".docx": true, ".txt": true, ".md": true}

// IngestFileTypes are the extensions accepted by the stateless ingest endpoint.
var IngestFileTypes = map[string]bool{
	".pdf": true, ".docx": true, ".txt": true, ".md": true, ".csv": true, ".xlsx": true,
}

var mimeExtensions = map[string]string{
	"application/pdf": ".pdf",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       ".xlsx",
	"text/csv":      ".csv",
	"text/plain":    ".txt",
	"text/markdown": ".md",
}

// FileType resolves the extension used for dispatch, preferring the filename's
// extension and falling back to the declared MIME type.
func FileType(filename, mimeType string) string {
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
		return ext
	}
	mt, _, _ := strings.Cut(mimeType, ";")
	return mimeExtensions[strings.TrimSpace(strings.ToLower(mt))]
}

// CheckFileType fails with apierr.ErrUnsupportedFormat when the file is not in allowed.
func CheckFileType(filename, mimeType string, allowed map[string]bool) (string, error) {
	ext := FileType(filename, mimeType)
	if !allowed[ext] {
		if ext == "" {
			ext = "(none)"
		}
		return "", fmt.Errorf("file type %s: %w", ext, apierr.ErrUnsupportedFormat)
	}
	return ext, nil
}

// Extractor extracts plain text from document files.
type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

// ExtractFile reads path and returns its segments. filename is the client-visible
// name recorded in metadata.
func (e *Extractor) ExtractFile(path, filename, mimeType string, allowed map[string]bool) ([]Segment, error) {
	ext, err := CheckFileType(filename, mimeType, allowed)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	segments, err := e.ExtractBytes(content, ext)
	if err != nil {
		return nil, apierr.Provider("extract "+filename, err)
	}

	out := segments[:0]
	for _, seg := range segments {
		seg.Text = strings.TrimSpace(utils.ToValidUTF8(seg.Text))
		if seg.Text == "" {
			continue
		}
		if seg.Metadata == nil {
			seg.Metadata = map[string]any{}
		}
		seg.Metadata["source"] = SourceFile
		seg.Metadata["filename"] = filename
		out = append(out, seg)
	}
	if len(out) == 0 {
		return nil, apierr.Invalid("no text could be extracted from %s", filename)
	}
	return out, nil
}

// ExtractBytes dispatches on ext, which includes the leading dot.
func (e *Extractor) ExtractBytes(content []byte, ext string) ([]Segment, error) {
	switch ext {
	case ".pdf":
		return extractPDF(content)
	case ".docx":
		text, err := extractDOCX(content)
		return single(text), err
	case ".csv":
		return extractCSV(content)
	case ".xlsx":
		return extractExcel(content)
	case ".txt", ".md":
		return single(extractPlain(content)), nil
	default:
		return nil, fmt.Errorf("file type %s: %w", ext, apierr.ErrUnsupportedFormat)
	}
}

func single(text string) []Segment {
	return []Segment{{Text: text}}
}

// TextSegment wraps raw user text.
func TextSegment(text string) Segment {
	return Segment{
		Text:     strings.TrimSpace(utils.ToValidUTF8(text)),
		Metadata: map[string]any{"source": SourceText},
	}
}
