package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"echo.app/echo-server/internal/apierr"
	"echo.app/echo-server/internal/logger"
)

// Vectors per upsert call, below the service's request size limit.
const pineconeUpsertBatch = 100

type PineconeConfig struct {
	APIKey     string
	APIVersion string
	BaseURL    string // control plane
	IndexName  string
	IndexHost  string // data plane; resolved via describe_index when empty
	Cloud      string
	Region     string
	Timeout    time.Duration

	ReadyAttempts int
	ReadyBackoff  time.Duration
}

type Pinecone struct {
	log  *logger.Logger
	cfg  PineconeConfig
	http *http.Client

	mu   sync.RWMutex
	host string
}

// errIndexMissing marks a 404 from describe_index.
var errIndexMissing = errors.New("pinecone index does not exist")

func NewPinecone(log *logger.Logger, cfg PineconeConfig) (*Pinecone, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("missing Pinecone API key")
	}
	if strings.TrimSpace(cfg.IndexName) == "" {
		return nil, fmt.Errorf("missing Pinecone index name")
	}
	if strings.TrimSpace(cfg.APIVersion) == "" {
		cfg.APIVersion = "2025-04"
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.pinecone.io"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ReadyAttempts <= 0 {
		cfg.ReadyAttempts = 10
	}
	if cfg.ReadyBackoff <= 0 {
		cfg.ReadyBackoff = 2 * time.Second
	}
	if cfg.Cloud == "" {
		cfg.Cloud = "aws"
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return &Pinecone{
		log:  log.With("client", "PineconeClient"),
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		host: strings.TrimSpace(cfg.IndexHost),
	}, nil
}

// -------------------- Control plane --------------------

type indexDescription struct {
	Name      string `json:"name"`
	Host      string `json:"host"`
	Dimension int    `json:"dimension"`
	Metric    string `json:"metric"`
	Status    struct {
		Ready bool   `json:"ready"`
		State string `json:"state"`
	} `json:"status"`
}

type createIndexRequest struct {
	Name      string `json:"name"`
	Dimension int    `json:"dimension"`
	Metric    string `json:"metric"`
	Spec      struct {
		Serverless struct {
			Cloud  string `json:"cloud"`
			Region string `json:"region"`
		} `json:"serverless"`
	} `json:"spec"`
}

func (p *Pinecone) describeIndex(ctx context.Context) (*indexDescription, error) {
	u := strings.TrimRight(p.cfg.BaseURL, "/") + "/indexes/" + p.cfg.IndexName
	out, status, err := doJSON[indexDescription](ctx, p, http.MethodGet, u, nil)
	if status == http.StatusNotFound {
		return nil, errIndexMissing
	}
	if err != nil {
		return nil, fmt.Errorf("pinecone describe_index: %w", err)
	}
	return out, nil
}

func (p *Pinecone) createIndex(ctx context.Context, dimension int) error {
	req := createIndexRequest{Name: p.cfg.IndexName, Dimension: dimension, Metric: "cosine"}
	req.Spec.Serverless.Cloud = p.cfg.Cloud
	req.Spec.Serverless.Region = p.cfg.Region

	u := strings.TrimRight(p.cfg.BaseURL, "/") + "/indexes"
	_, status, err := doJSON[indexDescription](ctx, p, http.MethodPost, u, req)
	// 409: another instance created it first.
	if status == http.StatusConflict {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pinecone create_index: %w", err)
	}
	return nil
}

func (p *Pinecone) EnsureIndex(ctx context.Context, dimension int) error {
	desc, err := p.describeIndex(ctx)
	if errors.Is(err, errIndexMissing) {
		p.log.Info("Creating Pinecone index", "index_name", p.cfg.IndexName, "dimension", dimension)
		if err := p.createIndex(ctx, dimension); err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else if desc.Dimension != dimension {
		return fmt.Errorf("index %s has dimension %d, want %d: %w", p.cfg.IndexName, desc.Dimension, dimension, apierr.ErrDimensionMismatch)
	}

	for attempt := 1; attempt <= p.cfg.ReadyAttempts; attempt++ {
		desc, err = p.describeIndex(ctx)
		if err != nil && !errors.Is(err, errIndexMissing) {
			return err
		}
		if err == nil && desc.Status.Ready {
			if desc.Dimension != dimension {
				return fmt.Errorf("index %s has dimension %d, want %d: %w", p.cfg.IndexName, desc.Dimension, dimension, apierr.ErrDimensionMismatch)
			}
			p.mu.Lock()
			if p.host == "" {
				p.host = desc.Host
			}
			p.mu.Unlock()
			p.log.Info("Pinecone index ready", "index_name", p.cfg.IndexName, "index_host", desc.Host)
			return nil
		}
		p.log.Debug("Waiting for Pinecone index", "attempt", attempt, "state", stateOf(desc))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.ReadyBackoff):
		}
	}
	return fmt.Errorf("index %s after %d attempts: %w", p.cfg.IndexName, p.cfg.ReadyAttempts, apierr.ErrIndexNotReady)
}

func stateOf(desc *indexDescription) string {
	if desc == nil {
		return "missing"
	}
	return desc.Status.State
}

// -------------------- Data plane --------------------

type pineconeVector struct {
	ID       string         `json:"id"`
	Values   []float32      `json:"values"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type upsertRequest struct {
	Vectors   []pineconeVector `json:"vectors"`
	Namespace string           `json:"namespace,omitempty"`
}

type upsertResponse struct {
	UpsertedCount int64 `json:"upsertedCount"`
}

type queryRequest struct {
	Namespace       string    `json:"namespace,omitempty"`
	Vector          []float32 `json:"vector"`
	TopK            int       `json:"topK"`
	IncludeMetadata bool      `json:"includeMetadata"`
}

type queryResponse struct {
	Matches []struct {
		ID       string         `json:"id"`
		Score    float64        `json:"score"`
		Metadata map[string]any `json:"metadata,omitempty"`
	} `json:"matches"`
}

type deleteRequest struct {
	Namespace string         `json:"namespace,omitempty"`
	Filter    map[string]any `json:"filter"`
}

func (p *Pinecone) dataURL(ctx context.Context, path string) (string, error) {
	p.mu.RLock()
	host := p.host
	p.mu.RUnlock()
	if host == "" {
		desc, err := p.describeIndex(ctx)
		if err != nil {
			return "", err
		}
		host = strings.TrimSpace(desc.Host)
		if host == "" {
			return "", fmt.Errorf("pinecone describe_index returned empty host")
		}
		p.mu.Lock()
		p.host = host
		p.mu.Unlock()
	}
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	return strings.TrimRight(host, "/") + path, nil
}

func (p *Pinecone) Upsert(ctx context.Context, namespace string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	u, err := p.dataURL(ctx, "/vectors/upsert")
	if err != nil {
		return err
	}
	for start := 0; start < len(records); start += pineconeUpsertBatch {
		end := min(start+pineconeUpsertBatch, len(records))
		req := upsertRequest{Namespace: namespace, Vectors: make([]pineconeVector, 0, end-start)}
		for _, r := range records[start:end] {
			req.Vectors = append(req.Vectors, pineconeVector{ID: r.ID, Values: r.Values, Metadata: r.Metadata})
		}
		if _, _, err := doJSON[upsertResponse](ctx, p, http.MethodPost, u, req); err != nil {
			return fmt.Errorf("pinecone upsert: %w", err)
		}
	}
	return nil
}

func (p *Pinecone) Query(ctx context.Context, namespace string, vector []float32, topK int) ([]Match, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector required")
	}
	if topK <= 0 {
		topK = 10
	}
	u, err := p.dataURL(ctx, "/query")
	if err != nil {
		return nil, err
	}
	resp, _, err := doJSON[queryResponse](ctx, p, http.MethodPost, u, queryRequest{
		Namespace:       namespace,
		Vector:          vector,
		TopK:            topK,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("pinecone query: %w", err)
	}
	out := make([]Match, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		if strings.TrimSpace(m.ID) != "" {
			out = append(out, Match{ID: m.ID, Score: m.Score, Metadata: m.Metadata})
		}
	}
	return out, nil
}

func (p *Pinecone) DeleteByMetadata(ctx context.Context, namespace string, filter map[string]any) error {
	if len(filter) == 0 {
		return apierr.Invalid("delete filter must not be empty")
	}
	u, err := p.dataURL(ctx, "/vectors/delete")
	if err != nil {
		return err
	}
	eq := make(map[string]any, len(filter))
	for k, v := range filter {
		eq[k] = map[string]any{"$eq": v}
	}
	_, status, err := doJSON[map[string]any](ctx, p, http.MethodPost, u, deleteRequest{Namespace: namespace, Filter: eq})
	// Deleting from a namespace that was never written is not an error.
	if status == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pinecone delete: %w", err)
	}
	return nil
}

// -------------------- helpers --------------------

func doJSON[T any](ctx context.Context, p *Pinecone, method, url string, body any) (*T, int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Api-Key", p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pinecone-Api-Version", p.cfg.APIVersion)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, fmt.Errorf("pinecone http %d: %s", resp.StatusCode, string(raw))
	}

	var out T
	if len(bytes.TrimSpace(raw)) == 0 {
		return &out, resp.StatusCode, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("pinecone decode error: %w; raw=%s", err, string(raw))
	}
	return &out, resp.StatusCode, nil
}
