package core

import (
	"context"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"echo.app/echo-server/internal/apierr"
	"echo.app/echo-server/internal/ingest"
	"echo.app/echo-server/internal/logger"
	"echo.app/echo-server/internal/metrics"
)

// UploadedFile is a file already written to local disk. The caller owns Path
// and removes it.
type UploadedFile struct {
	Path     string
	Filename string
	MimeType string
	Size     int64
}

// IngestRequest carries any combination of sources for one dataset.
type IngestRequest struct {
	Text string
	URL  string
	File *UploadedFile
}

// IngestService extracts, chunks and indexes content.
type IngestService struct {
	extractor *ingest.Extractor
	fetcher   *ingest.URLFetcher
	rag       *RAGService
	metrics   *metrics.Metrics
	log       *logger.Logger
}

func NewIngestService(extractor *ingest.Extractor, fetcher *ingest.URLFetcher, rag *RAGService,
	m *metrics.Metrics, log *logger.Logger) *IngestService {
	return &IngestService{
		extractor: extractor,
		fetcher:   fetcher,
		rag:       rag,
		metrics:   m,
		log:       log.With("service", "IngestService"),
	}
}

// IndexSegments chunks segments with the window sizes for source and upserts
// them into namespace. It returns the number of chunks stored.
func (s *IngestService) IndexSegments(ctx context.Context, namespace, source string, segments []ingest.Segment, tags map[string]any) (int, error) {
	chunks, err := ingest.Split(segments, ingest.ChunkOptionsFor(source), tags)
	if err != nil {
		return 0, err
	}
	n, err := s.rag.Upsert(ctx, namespace, chunks)
	if err != nil {
		return 0, err
	}
	s.metrics.IngestedChunks.WithLabelValues(source).Add(float64(n))
	return n, nil
}

// ExtractFile returns the file's segments, rejecting types outside allowed.
func (s *IngestService) ExtractFile(f *UploadedFile, allowed map[string]bool) ([]ingest.Segment, error) {
	return s.extractor.ExtractFile(f.Path, f.Filename, f.MimeType, allowed)
}

// FetchURL scrapes a page; scrape failures yield a placeholder segment.
func (s *IngestService) FetchURL(ctx context.Context, rawURL string) (ingest.Segment, error) {
	return s.fetcher.Fetch(ctx, rawURL)
}

// Ingest processes every source in req into the user's dataset namespace and
// returns the total chunk count. The URL is fetched and the file extracted
// before anything is indexed, so a bad source leaves the namespace untouched.
// Indexing failures in one source do not cancel the others; the count of what
// was written is returned alongside the error.
func (s *IngestService) Ingest(ctx context.Context, userID int64, datasetID string, req IngestRequest) (int, error) {
	if userID == 0 {
		return 0, apierr.ErrUnauthenticated
	}
	datasetID, err := NormalizeDatasetID(datasetID)
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(req.Text)
	if text == "" && strings.TrimSpace(req.URL) == "" && req.File == nil {
		return 0, apierr.Invalid("provide at least one of text, url or file")
	}
	if req.URL != "" {
		if _, err := ingest.ValidateURL(req.URL); err != nil {
			return 0, err
		}
	}
	if req.File != nil {
		if _, err := ingest.CheckFileType(req.File.Filename, req.File.MimeType, ingest.IngestFileTypes); err != nil {
			return 0, err
		}
	}

	var page ingest.Segment
	var fileSegments []ingest.Segment
	prep, pctx := errgroup.WithContext(ctx)
	if req.URL != "" {
		prep.Go(func() error {
			seg, err := s.fetcher.Fetch(pctx, req.URL)
			page = seg
			return err
		})
	}
	if req.File != nil {
		prep.Go(func() error {
			segs, err := s.ExtractFile(req.File, ingest.IngestFileTypes)
			fileSegments = segs
			return err
		})
	}
	if err := prep.Wait(); err != nil {
		return 0, err
	}

	namespace := DatasetNamespace(userID, datasetID)
	tags := map[string]any{"datasetId": datasetID, "userId": userID}
	var total atomic.Int64
	var g errgroup.Group
	index := func(source string, segs []ingest.Segment) {
		g.Go(func() error {
			n, err := s.IndexSegments(ctx, namespace, source, segs, tags)
			total.Add(int64(n))
			return err
		})
	}
	if text != "" {
		index(ingest.SourceText, []ingest.Segment{ingest.TextSegment(text)})
	}
	if req.URL != "" {
		index(ingest.SourceURL, []ingest.Segment{page})
	}
	if req.File != nil {
		index(ingest.SourceFile, fileSegments)
	}
	if err := g.Wait(); err != nil {
		s.log.Warn("Ingest partially failed", "user_id", userID, "dataset", datasetID, "chunks", total.Load(), "error", err)
		return int(total.Load()), err
	}

	s.log.Info("Ingested content", "user_id", userID, "dataset", datasetID, "chunks", total.Load())
	return int(total.Load()), nil
}
