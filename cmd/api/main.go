package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/voicelog/internal/api"
	"example.com/voicelog/internal/auth"
	"example.com/voicelog/internal/claim"
	"example.com/voicelog/internal/config"
	"example.com/voicelog/internal/ingest"
	"example.com/voicelog/internal/outbox"
	persistence "example.com/voicelog/internal/persistence/postgres"
	"example.com/voicelog/internal/provider"
	"example.com/voicelog/internal/session"
	httptransport "example.com/voicelog/internal/transport/http"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	repo := persistence.NewRepository(pool)

	gateways, err := provider.Select(ctx, provider.Credentials{
		TranscriptionBackend: cfg.TranscriptionBackend,
		ExtractionBackend:    cfg.ExtractionBackend,
		OpenAIAPIKey:         cfg.OpenAIAPIKey,
		GeminiAPIKey:         cfg.GeminiAPIKey,
		AnthropicAPIKey:      cfg.AnthropicAPIKey,
		WorkerURL:            cfg.WorkerURL,
	})
	if err != nil {
		log.Fatalf("provider selection failed: %v", err)
	}
	defer gateways.Close()

	producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
	defer producer.Close()

	registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
	dispatcher := outbox.NewDispatcher(pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize)

	go dispatcher.Start(ctx)

	grouper := session.NewGrouper(repo)
	pipeline := ingest.NewPipeline(repo, gateways.Transcriber, gateways.Extractor, grouper, cfg.DefaultDeviceUUID,
		ingest.WithBatchDelay(cfg.BatchTranscribeDelay),
		ingest.WithProviderTimeouts(cfg.TranscriptionTimeout, cfg.ExtractionTimeout))
	engine := claim.NewEngine(repo)

	handler := api.NewHandler(pipeline, engine, repo)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	// Simple CORS middleware for local dev
	cors := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "http://localhost:5173")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	// Basic request logger
	logger := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("%s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}

	// Device uploads carry no bearer token; everything else does.
	skipper := func(r *http.Request) bool {
		switch {
		case r.URL.Path == "/healthz", r.URL.Path == "/metrics":
			return true
		case r.URL.Path == "/v1/uploads", r.URL.Path == "/v1/uploads/batch":
			return true
		case strings.HasPrefix(r.URL.Path, "/v1/uploads/") && r.URL.Path != "/v1/uploads/stats":
			return true
		}
		return false
	}
	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, skipper)

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address: cfg.HTTPAddress,
	}, authMiddleware.Wrap(logger(cors(mux))))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("voicelog api listening on %s", cfg.HTTPAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	dispatcher.Wait()
}
