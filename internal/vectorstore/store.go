// Package vectorstore holds the nearest-neighbour index backends. Vectors are
// partitioned by namespace; a query never crosses namespaces.
package vectorstore

import (
	"context"
	"fmt"

	"echo.app/echo-server/internal/config"
	"echo.app/echo-server/internal/logger"
)

// MetadataText is the metadata key carrying the chunk text.
const MetadataText = "text"

type Record struct {
	ID       string
	Values   []float32
	Metadata map[string]any
}

type Match struct {
	ID       string
	Score    float64
	Metadata map[string]any
}

// Text returns the chunk text stored alongside the vector.
func (m Match) Text() string {
	s, _ := m.Metadata[MetadataText].(string)
	return s
}

type Store interface {
	// EnsureIndex is idempotent. It fails with apierr.ErrDimensionMismatch when the
	// index exists with another dimension and apierr.ErrIndexNotReady when it does
	// not become ready in time.
	EnsureIndex(ctx context.Context, dimension int) error
	Upsert(ctx context.Context, namespace string, records []Record) error
	// Query returns up to topK matches by descending score. An unknown namespace
	// yields no matches and no error.
	Query(ctx context.Context, namespace string, vector []float32, topK int) ([]Match, error)
	// DeleteByMetadata removes every record whose metadata equals all filter entries.
	DeleteByMetadata(ctx context.Context, namespace string, filter map[string]any) error
}

func NewFromConfig(cfg config.Config, log *logger.Logger) (Store, error) {
	switch cfg.VectorStore {
	case "memory":
		return NewMemory(), nil
	case "pinecone":
		return NewPinecone(log, PineconeConfig{
			APIKey:    cfg.PineconeAPIKey,
			IndexName: cfg.PineconeIndexName,
			IndexHost: cfg.PineconeIndexHost,
			Cloud:     cfg.PineconeCloud,
			Region:    cfg.PineconeRegion,
		})
	default:
		return nil, fmt.Errorf("unknown vector store %q", cfg.VectorStore)
	}
}
