package ingest

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// extractPDF returns one segment per non-empty page.
func extractPDF(content []byte) ([]Segment, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("open PDF: %w", err)
	}
	numPages := r.NumPage()
	segments := make([]Segment, 0, numPages)
	for i := 1; i <= numPages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extract page %d: %w", i, err)
		}
		segments = append(segments, Segment{Text: text, Metadata: map[string]any{"page": i}})
	}
	return segments, nil
}
