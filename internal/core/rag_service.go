package core

import (
	"context"
	"fmt"
	"maps"
	"regexp"

	"github.com/google/uuid"

	"echo.app/echo-server/internal/apierr"
	"echo.app/echo-server/internal/ingest"
	"echo.app/echo-server/internal/llm"
	"echo.app/echo-server/internal/logger"
	"echo.app/echo-server/internal/vectorstore"
)

const (
	DefaultTopK = 6
	MaxTopK     = 20

	DefaultDatasetID = "default"
)

var datasetIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// SessionNamespace partitions one user's session.
func SessionNamespace(userID int64, sessionID string) string {
	return fmt.Sprintf("u_%d_s_%s", userID, sessionID)
}

// DatasetNamespace partitions one user's dataset on the stateless path.
func DatasetNamespace(userID int64, datasetID string) string {
	return fmt.Sprintf("u_%d_d_%s", userID, datasetID)
}

// NormalizeDatasetID defaults an empty id and rejects ids that could break
// namespace boundaries.
func NormalizeDatasetID(datasetID string) (string, error) {
	if datasetID == "" {
		return DefaultDatasetID, nil
	}
	if !datasetIDPattern.MatchString(datasetID) {
		return "", apierr.Invalid("invalid datasetId %q", datasetID)
	}
	return datasetID, nil
}

// NormalizeTopK applies the default and the upper bound.
func NormalizeTopK(k int) int {
	if k <= 0 {
		return DefaultTopK
	}
	return min(k, MaxTopK)
}

// RetrievedChunk is a search hit.
type RetrievedChunk struct {
	ID       string
	Text     string
	Score    float64
	Metadata map[string]any
}

// RAGService is the namespaced gateway over the embedder and the vector index.
type RAGService struct {
	vectors  vectorstore.Store
	embedder llm.Embedder
	minScore float64
	log      *logger.Logger
}

func NewRAGService(vectors vectorstore.Store, embedder llm.Embedder, minScore float64, log *logger.Logger) *RAGService {
	return &RAGService{
		vectors:  vectors,
		embedder: embedder,
		minScore: minScore,
		log:      log.With("service", "RAGService"),
	}
}

// EnsureIndex prepares the backing index for the embedder's dimension.
func (s *RAGService) EnsureIndex(ctx context.Context) error {
	return s.vectors.EnsureIndex(ctx, s.embedder.Dimension())
}

// Upsert embeds the chunks and stores them under fresh ids. Retrying may store
// duplicates.
func (s *RAGService) Upsert(ctx context.Context, namespace string, chunks []ingest.Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return 0, apierr.Provider("embed chunks", fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(chunks)))
	}

	records := make([]vectorstore.Record, len(chunks))
	for i, c := range chunks {
		meta := maps.Clone(c.Metadata)
		if meta == nil {
			meta = map[string]any{}
		}
		meta[vectorstore.MetadataText] = c.Text
		records[i] = vectorstore.Record{ID: uuid.NewString(), Values: vectors[i], Metadata: meta}
	}
	if err := s.vectors.Upsert(ctx, namespace, records); err != nil {
		return 0, apierr.Provider("vector upsert", err)
	}
	s.log.Debug("Upserted chunks", "namespace", namespace, "count", len(records))
	return len(records), nil
}

// Search returns up to k chunks by descending similarity. No data or nothing
// above the score floor yields an empty slice.
func (s *RAGService) Search(ctx context.Context, namespace, query string, k int) ([]RetrievedChunk, error) {
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, apierr.Provider("embed query", fmt.Errorf("got %d vectors", len(vectors)))
	}
	matches, err := s.vectors.Query(ctx, namespace, vectors[0], NormalizeTopK(k))
	if err != nil {
		return nil, apierr.Provider("vector query", err)
	}

	chunks := make([]RetrievedChunk, 0, len(matches))
	for _, m := range matches {
		if m.Score < s.minScore {
			continue
		}
		meta := maps.Clone(m.Metadata)
		delete(meta, vectorstore.MetadataText)
		chunks = append(chunks, RetrievedChunk{ID: m.ID, Text: m.Text(), Score: m.Score, Metadata: meta})
	}
	s.log.Debug("Retrieved chunks", "namespace", namespace, "count", len(chunks))
	return chunks, nil
}

// DeleteByMetadata removes all chunks in namespace matching filter.
func (s *RAGService) DeleteByMetadata(ctx context.Context, namespace string, filter map[string]any) error {
	if err := s.vectors.DeleteByMetadata(ctx, namespace, filter); err != nil {
		return apierr.Provider("vector delete", err)
	}
	return nil
}
