// Package httptransport builds the HTTP servers the voicelog binaries run:
// the ingestion API and the Prometheus metrics endpoints.
package httptransport

import (
	"net/http"
	"time"
)

// ServerConfig contains tunables for the HTTP server. Zero timeouts fall
// back to the API defaults below.
type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Upload handlers block on provider transcription and extraction calls, so
// the default write timeout must cover a full batch rather than a typical
// request/response exchange.
const (
	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 10 * time.Minute
	defaultIdleTimeout  = 60 * time.Second
)

// NewServer creates an *http.Server with the provided handler, applying the
// upload-friendly defaults for any timeout left unset.
func NewServer(cfg ServerConfig, handler http.Handler) *http.Server {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	return &http.Server{
		Addr:         cfg.Address,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

// NewMetricsServer creates the internal metrics server the consumer and
// sweeper expose. Metrics scrapes are small and fast, so the timeouts are
// tight.
func NewMetricsServer(address string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         address,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
}
