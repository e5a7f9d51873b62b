package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"echo.app/echo-server/internal/api"
	"echo.app/echo-server/internal/auth"
	"echo.app/echo-server/internal/cache"
	"echo.app/echo-server/internal/config"
	"echo.app/echo-server/internal/core"
	"echo.app/echo-server/internal/ingest"
	"echo.app/echo-server/internal/llm"
	"echo.app/echo-server/internal/logger"
	"echo.app/echo-server/internal/metrics"
	"echo.app/echo-server/internal/store"
	"echo.app/echo-server/internal/vectorstore"
)

func main() {
	// Command line flags for bulk ingestion
	ingestPath := flag.String("ingest", "", "Ingest a local file into a dataset and exit")
	datasetID := flag.String("dataset", core.DefaultDatasetID, "Dataset to ingest into")
	userEmail := flag.String("user", "", "Email of the user who owns the dataset")
	flag.Parse()

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.AppConfig

	appLogger, err := logger.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database store
	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		appLogger.Fatal("Failed to initialize database", "error", err)
	}
	defer dbStore.Close()

	provider, err := llm.NewFromConfig(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize LLM provider", "error", err)
	}
	defer provider.Close()

	vectors, err := vectorstore.NewFromConfig(cfg, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize vector store", "error", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.New(registry)

	ragService := core.NewRAGService(vectors, provider, cfg.RetrievalMinScore, appLogger)
	if err := ragService.EnsureIndex(ctx); err != nil {
		appLogger.Fatal("Vector index is not usable", "error", err)
	}

	var renderer ingest.Renderer
	if cfg.BrowserRender {
		renderer = ingest.ChromeRenderer{Timeout: 30 * time.Second}
	}
	fetcher := ingest.NewURLFetcher(appLogger, nil, renderer)
	ingestService := core.NewIngestService(ingest.NewExtractor(), fetcher, ragService, appMetrics, appLogger)

	// Handle bulk ingestion if the flag is set
	if *ingestPath != "" {
		if err := runIngest(ctx, dbStore, ingestService, *ingestPath, *datasetID, *userEmail); err != nil {
			appLogger.Fatal("Ingestion failed", "error", err)
		}
		return
	}

	var enhanceCache cache.Cache = cache.NewMemory(cfg.EnhanceCacheTTL, 10_000)
	if cfg.RedisAddr != "" {
		redisCache, err := cache.NewRedis(ctx, appLogger, cfg.RedisAddr, cfg.EnhanceCacheTTL)
		if err != nil {
			appLogger.Warn("Redis unavailable, using in-process enhancement cache", "addr", cfg.RedisAddr, "error", err)
		} else {
			defer redisCache.Close()
			enhanceCache = redisCache
		}
	}

	quota := core.NewQuotaGuard(dbStore, cfg.ChatQuotaTotal)
	enhancer := core.NewEnhancer(provider, llm.EnhanceModel(cfg), cfg.EnhanceTimeout, enhanceCache, appMetrics, appLogger)
	chatService := core.NewChatService(dbStore, quota, ragService, enhancer, provider, appMetrics, core.ChatServiceConfig{
		Timeout:         cfg.ChatTimeout,
		MaxContextChars: cfg.MaxContextChars,
	}, appLogger)
	sessionService := core.NewSessionService(dbStore, ingestService, ragService, cfg.MaxUploadBytes, appLogger)

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		appLogger.Fatal("Failed to create upload directory", "dir", cfg.UploadDir, "error", err)
	}

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(api.Deps{
		DB:             dbStore,
		Verifier:       auth.NewVerifier(cfg.JWTSecret),
		Chat:           chatService,
		Sessions:       sessionService,
		Ingest:         ingestService,
		Metrics:        appMetrics,
		Log:            appLogger,
		UploadDir:      cfg.UploadDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})
	router := api.NewRouter(apiHandler)

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second, // uploads up to MAX_UPLOAD_BYTES
		// No write timeout: SSE responses stay open for the whole completion,
		// which CHAT_TIMEOUT bounds.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		appLogger.Info("Starting server", "addr", serverAddr, "llm", cfg.LLMProvider, "vector_store", cfg.VectorStore)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal("Could not listen", "addr", serverAddr, "error", err)
		}
	}()

	<-ctx.Done()
	appLogger.Info("Shutting down server...")

	// Give in-flight streams time to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", "error", err)
	}
	appLogger.Info("Server exiting gracefully")
}

// runIngest indexes a local file into the dataset namespace of the given user,
// creating the user record when it does not exist yet.
func runIngest(ctx context.Context, db *store.SQLiteStore, svc *core.IngestService, path, datasetID, email string) error {
	if email == "" {
		return errors.New("-user is required with -ingest")
	}
	user, err := db.GetUserByEmail(ctx, email)
	if err != nil {
		return err
	}
	if user == nil {
		if user, err = db.UpsertUserByIdentity(ctx, "local:"+email, email, "", ""); err != nil {
			return err
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	n, err := svc.Ingest(ctx, user.ID, datasetID, core.IngestRequest{
		File: &core.UploadedFile{Path: path, Filename: filepath.Base(path), Size: info.Size()},
	})
	if err != nil {
		return err
	}
	log.Printf("Data ingestion complete. Ingested %d chunks into dataset %q for %s.", n, datasetID, email)
	return nil
}
