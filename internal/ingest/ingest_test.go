package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"echo.app/echo-server/internal/apierr"
	"echo.app/echo-server/internal/logger"
)

func buildDOCX(t *testing.T, paragraphs ...string) []byte {
	t.Helper()
	var body strings.Builder
	for _, p := range paragraphs {
		body.WriteString(`<w:p w:rsidR="00A1"><w:r><w:t xml:space="preserve">` + p + `</w:t></w:r></w:p>`)
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(`<?xml version="1.0"?><w:document><w:body>` + body.String() + `</w:body></w:document>`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func writeTemp(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0600))
	return path
}

func TestExtractFile_Formats(t *testing.T) {
	e := NewExtractor()

	docx := writeTemp(t, "upload-1", buildDOCX(t, "Quarterly report", "Revenue &amp; costs"))
	segs, err := e.ExtractFile(docx, "report.docx", "", SessionFileTypes)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, "Quarterly report\nRevenue & costs", segs[0].Text)
	assert.Equal(t, "report.docx", segs[0].Metadata["filename"])
	assert.Equal(t, SourceFile, segs[0].Metadata["source"])

	csvPath := writeTemp(t, "upload-2", []byte("name,color\nsky,blue\n,\ngrass,green\n"))
	segs, err = e.ExtractFile(csvPath, "colors.csv", "text/csv", IngestFileTypes)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, "name: sky, color: blue", segs[0].Text)
	assert.Equal(t, 3, segs[1].Metadata["row"])

	md := writeTemp(t, "upload-3", []byte("# Title\n\nhello\x80world"))
	segs, err = e.ExtractFile(md, "notes.md", "", SessionFileTypes)
	require.NoError(t, err)
	assert.Equal(t, "# Title\n\nhello�world", segs[0].Text)
}

func TestExtractFile_Excel(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "Title"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", "Value 1"))
	require.NoError(t, f.SetCellValue("Sheet1", "B2", "Value 2"))
	var buf bytes.Buffer
	_, err := f.WriteTo(&buf)
	require.NoError(t, err)

	segs, err := NewExtractor().ExtractFile(writeTemp(t, "x", buf.Bytes()), "sheet.xlsx", "", IngestFileTypes)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, "Title\nValue 1\tValue 2", segs[0].Text)
	assert.Equal(t, "Sheet1", segs[0].Metadata["sheet"])
}

func TestExtractFile_Rejections(t *testing.T) {
	e := NewExtractor()
	path := writeTemp(t, "x", []byte("MZ"))

	_, err := e.ExtractFile(path, "tool.exe", "", SessionFileTypes)
	assert.ErrorIs(t, err, apierr.ErrUnsupportedFormat)
	assert.ErrorIs(t, err, apierr.ErrInvalidInput)

	_, err = e.ExtractFile(path, "data.csv", "", SessionFileTypes)
	assert.ErrorIs(t, err, apierr.ErrUnsupportedFormat, "csv is ingest-only")

	_, err = e.ExtractFile(path, "broken.pdf", "", SessionFileTypes)
	assert.ErrorIs(t, err, apierr.ErrProviderFailure)

	empty := writeTemp(t, "y", []byte("   "))
	_, err = e.ExtractFile(empty, "blank.txt", "", SessionFileTypes)
	assert.ErrorIs(t, err, apierr.ErrInvalidInput)
}

func TestFileType(t *testing.T) {
	assert.Equal(t, ".pdf", FileType("Report.PDF", ""))
	assert.Equal(t, ".docx", FileType("blob", "application/vnd.openxmlformats-officedocument.wordprocessingml.document"))
	assert.Equal(t, ".txt", FileType("blob", "text/plain; charset=utf-8"))
	assert.Equal(t, "", FileType("blob", "application/octet-stream"))
}

func TestHTMLText(t *testing.T) {
	page := `<html><head><title>Sky facts</title><style>body{color:red}</style></head>
<body><nav>Home | About</nav><h1>Colors</h1><p>The sky is <b>blue</b>.</p><script>var x = 1;</script></body></html>`
	text, err := HTMLText(strings.NewReader(page))
	require.NoError(t, err)
	assert.Contains(t, text, "Sky facts")
	assert.Contains(t, text, "The sky is blue")
	assert.NotContains(t, text, "color:red")
	assert.NotContains(t, text, "var x")
	assert.NotContains(t, text, "Home | About")
}

type stubRenderer struct {
	text  string
	err   error
	calls int
}

func (s *stubRenderer) Render(context.Context, string) (string, error) {
	s.calls++
	return s.text, s.err
}

func TestURLFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/static":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(`<html><body><p>Static content</p></body></html>`))
		case "/spa":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(`<html><body><div id="root"></div><script>render()</script></body></html>`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	renderer := &stubRenderer{text: "  Rendered\n content "}
	f := NewURLFetcher(logger.NewNop(), srv.Client(), renderer)
	ctx := t.Context()

	seg, err := f.Fetch(ctx, srv.URL+"/static")
	require.NoError(t, err)
	assert.Equal(t, "Static content", seg.Text)
	assert.Equal(t, 0, renderer.calls)

	seg, err = f.Fetch(ctx, srv.URL+"/spa")
	require.NoError(t, err)
	assert.Equal(t, "Rendered content", seg.Text)
	assert.Equal(t, 1, renderer.calls)

	renderer.text, renderer.err = "", errors.New("no chrome")
	seg, err = f.Fetch(ctx, srv.URL+"/down")
	require.NoError(t, err, "scrape failures degrade to a placeholder")
	assert.Equal(t, "Failed to scrape content from "+srv.URL+"/down", seg.Text)
	assert.Equal(t, true, seg.Metadata["scrapeFailed"])

	_, err = f.Fetch(ctx, "ftp://example.com/file")
	assert.ErrorIs(t, err, apierr.ErrInvalidInput)
}

func TestSplit(t *testing.T) {
	long := strings.Repeat("alpha beta gamma delta. ", 200)
	chunks, err := Split([]Segment{{Text: long, Metadata: map[string]any{"source": SourceText}}},
		ChunkOptions{Size: 200, Overlap: 40}, map[string]any{"sessionId": "s1"})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c.Text)), 200)
		assert.Equal(t, "s1", c.Metadata["sessionId"])
		assert.Equal(t, SourceText, c.Metadata["source"])
		assert.Equal(t, i, c.Metadata["chunkIndex"])
	}

	short, err := Split([]Segment{TextSegment("The sky is blue.")}, TextChunks, nil)
	require.NoError(t, err)
	require.Len(t, short, 1)
	assert.Equal(t, "The sky is blue.", short[0].Text)

	none, err := Split([]Segment{{Text: "   "}}, TextChunks, nil)
	require.NoError(t, err)
	assert.Empty(t, none)

	assert.Equal(t, URLChunks, ChunkOptionsFor(SourceURL))
	assert.Equal(t, FileChunks, ChunkOptionsFor(SourceFile))
	assert.Equal(t, TextChunks, ChunkOptionsFor(SourceText))
}
