package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WorkerTranscriber delegates transcription to the self-hosted Whisper worker
// sidecar over HTTP.
type WorkerTranscriber struct {
	baseURL    string
	httpClient *http.Client
}

// NewWorkerTranscriber constructs a worker-backed transcriber.
func NewWorkerTranscriber(baseURL string) *WorkerTranscriber {
	return &WorkerTranscriber{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 3 * time.Minute},
	}
}

func (t *WorkerTranscriber) Name() string { return "worker" }

type workerResponse struct {
	Text         string    `json:"text"`
	Confidence   float64   `json:"confidence"`
	Embedding    []float32 `json:"speaker_embedding"`
	VoiceQuality *float64  `json:"voice_quality"`
	Error        string    `json:"error"`
}

func (t *WorkerTranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (*Transcription, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v1/transcriptions", bytes.NewReader(audio))
	if err != nil {
		return nil, &PermanentError{Reason: "build worker request: " + err.Error()}
	}
	req.Header.Set("Content-Type", mimeType)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, classify(err, 0, DefaultTranscriptionRetryAfter)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &PermanentError{Reason: "read worker response: " + err.Error()}
	}

	var decoded workerResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, &PermanentError{Reason: "decode worker response: " + err.Error()}
	}

	if resp.StatusCode >= 300 {
		reason := decoded.Error
		if reason == "" {
			reason = fmt.Sprintf("worker status %d", resp.StatusCode)
		}
		return nil, classify(fmt.Errorf("%s", reason), resp.StatusCode, DefaultTranscriptionRetryAfter)
	}

	text := trimmed(decoded.Text)
	if text == "" {
		return nil, &PermanentError{Reason: "worker returned no transcription text"}
	}

	confidence := decoded.Confidence
	if confidence == 0 {
		confidence = 0.8
	}

	return &Transcription{
		Text:         text,
		Confidence:   confidence,
		Provider:     t.Name(),
		ProcessingMS: time.Since(start).Milliseconds(),
		Embedding:    decoded.Embedding,
		Quality:      decoded.VoiceQuality,
	}, nil
}
