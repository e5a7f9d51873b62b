package ingest

import (
	"fmt"
	"maps"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

type ChunkOptions struct {
	Size    int
	Overlap int
}

// Window sizes per source type.
var (
	TextChunks = ChunkOptions{Size: 1000, Overlap: 150}
	URLChunks  = ChunkOptions{Size: 1500, Overlap: 200}
	FileChunks = ChunkOptions{Size: 2000, Overlap: 200}
)

var defaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// ChunkOptionsFor returns the window sizes for a source type.
func ChunkOptionsFor(source string) ChunkOptions {
	switch source {
	case SourceURL:
		return URLChunks
	case SourceFile:
		return FileChunks
	default:
		return TextChunks
	}
}

// Chunk is a window of segment text carrying the segment's metadata plus any
// extra tags (session, dataset, user).
type Chunk struct {
	Text     string
	Metadata map[string]any
}

// Split breaks each segment into overlapping windows.
func Split(segments []Segment, opts ChunkOptions, tags map[string]any) ([]Chunk, error) {
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(opts.Size),
		textsplitter.WithChunkOverlap(opts.Overlap),
		textsplitter.WithSeparators(defaultSeparators),
	)

	var chunks []Chunk
	for _, seg := range segments {
		if strings.TrimSpace(seg.Text) == "" {
			continue
		}
		parts, err := splitter.SplitText(seg.Text)
		if err != nil {
			return nil, fmt.Errorf("split text: %w", err)
		}
		for i, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			meta := maps.Clone(seg.Metadata)
			if meta == nil {
				meta = map[string]any{}
			}
			maps.Copy(meta, tags)
			meta["chunkIndex"] = i
			chunks = append(chunks, Chunk{Text: part, Metadata: meta})
		}
	}
	return chunks, nil
}
