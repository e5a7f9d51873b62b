package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
)

// extractCSV returns one segment per data row, each cell labelled with its header.
func extractCSV(content []byte) ([]Segment, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(content, []byte("\xef\xbb\xbf"))))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read CSV header: %w", err)
	}

	var segments []Segment
	for row := 1; ; row++ {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read CSV row %d: %w", row, err)
		}
		fields := make([]string, 0, len(record))
		for i, value := range record {
			value = strings.TrimSpace(value)
			if value == "" {
				continue
			}
			if i < len(header) && strings.TrimSpace(header[i]) != "" {
				fields = append(fields, strings.TrimSpace(header[i])+": "+value)
			} else {
				fields = append(fields, value)
			}
		}
		if len(fields) == 0 {
			continue
		}
		segments = append(segments, Segment{
			Text:     strings.Join(fields, ", "),
			Metadata: map[string]any{"row": row},
		})
	}
	return segments, nil
}

// extractExcel returns one segment per sheet with tab-separated rows.
func extractExcel(content []byte) ([]Segment, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("open Excel: %w", err)
	}
	defer f.Close()

	var segments []Segment
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("get rows for sheet %q: %w", sheet, err)
		}
		var buf strings.Builder
		for _, row := range rows {
			buf.WriteString(strings.Join(row, "\t"))
			buf.WriteByte('\n')
		}
		if text := strings.TrimSpace(buf.String()); text != "" {
			segments = append(segments, Segment{Text: text, Metadata: map[string]any{"sheet": sheet}})
		}
	}
	return segments, nil
}

// extractPlain returns content as a string, replacing invalid UTF-8.
func extractPlain(content []byte) string {
	if !utf8.Valid(content) {
		return strings.ToValidUTF8(string(content), "�")
	}
	return string(content)
}
