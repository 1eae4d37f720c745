// Package provider implements the transcription and extraction gateways and
// their interchangeable backends.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"example.com/voicelog/internal/domain"
)

// Transcription is the common speech-to-text result from any backend.
// Embedding and Quality are only set by backends that run speaker analysis
// alongside transcription.
type Transcription struct {
	Text         string
	Confidence   float64
	Provider     string
	ProcessingMS int64
	Embedding    []float32
	Quality      *float64
}

// Transcriber converts audio bytes into text.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, audio []byte, mimeType string) (*Transcription, error)
}

// Extractor turns a transcript into a structured workout.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, transcript string, multiRecording bool, recordingCount int) (*domain.ExtractedWorkout, error)
}

// RetryableError marks a provider failure that is expected to succeed on a
// later attempt, typically quota or rate-limit exhaustion.
type RetryableError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable provider failure: %s (retry after %s)", e.Reason, e.RetryAfter)
}

// PermanentError marks a provider failure that retrying will not fix.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string {
	return "permanent provider failure: " + e.Reason
}

// Default retry-after hints when the provider does not supply one. Quota
// windows on transcription providers reset slowly; extraction limits are
// per-minute.
const (
	DefaultTranscriptionRetryAfter = time.Hour
	DefaultExtractionRetryAfter    = time.Minute
)

var quotaVocabulary = []string{
	"quota",
	"rate limit",
	"rate_limit",
	"insufficient_quota",
	"credit",
	"resource_exhausted",
	"resource has been exhausted",
}

// classify maps a raw backend error plus HTTP status onto the gateway failure
// taxonomy. 429/402 and quota vocabulary become retryable with the supplied
// hint; context deadline expiry and everything else is permanent.
func classify(err error, httpStatus int, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &PermanentError{Reason: "provider call timed out"}
	}

	msg := err.Error()
	retryable := httpStatus == 429 || httpStatus == 402
	if !retryable {
		lower := strings.ToLower(msg)
		for _, word := range quotaVocabulary {
			if strings.Contains(lower, word) {
				retryable = true
				break
			}
		}
	}

	if retryable {
		return &RetryableError{Reason: msg, RetryAfter: retryAfter}
	}
	return &PermanentError{Reason: msg}
}
