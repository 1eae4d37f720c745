package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/voicelog/internal/config"
	"example.com/voicelog/internal/ingest"
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

	grouper := session.NewGrouper(repo)
	pipeline := ingest.NewPipeline(repo, gateways.Transcriber, gateways.Extractor, grouper, cfg.DefaultDeviceUUID,
		ingest.WithBatchDelay(cfg.BatchTranscribeDelay),
		ingest.WithProviderTimeouts(cfg.TranscriptionTimeout, cfg.ExtractionTimeout))

	metricsSrv := httptransport.NewMetricsServer(cfg.MetricsAddress, promhttp.Handler())
	go func() {
		log.Printf("sweeper metrics listening on %s", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	log.Printf("sweeper started (interval=%s, redriveAge=%s, maxIdle=%s)", cfg.SweepInterval, cfg.RedriveAge, cfg.SessionMaxIdle)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ctx.Done():
			goto shutdown
		case <-ticker.C:
			sweep(ctx, repo, pipeline, cfg)
		case <-stop:
			log.Println("sweeper received shutdown signal")
			cancel()
			goto shutdown
		}
	}

shutdown:
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}
}

// sweep re-drives recordings stuck in uploaded and closes idle sessions.
func sweep(ctx context.Context, repo *persistence.Repository, pipeline *ingest.Pipeline, cfg config.Config) {
	recordings, err := repo.UploadedRecordingsDue(ctx, cfg.RedriveAge, cfg.RedriveBatch)
	if err != nil {
		log.Printf("sweeper: list due recordings: %v", err)
	} else {
		for _, rec := range recordings {
			result, err := pipeline.Reprocess(ctx, rec)
			if err != nil {
				log.Printf("sweeper: reprocess %s: %v", rec.ID, err)
				continue
			}
			log.Printf("sweeper: reprocessed %s (status=%s)", rec.ID, result.Status)
		}
	}

	closed, err := repo.CompleteStaleSessions(ctx, cfg.SessionMaxIdle)
	if err != nil {
		log.Printf("sweeper: complete stale sessions: %v", err)
	} else if closed > 0 {
		log.Printf("sweeper: completed %d stale sessions", closed)
	}
}
