package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"example.com/voicelog/internal/domain"
)

const geminiModel = "gemini-2.0-flash"

// GeminiClient wraps a genai client shared by the Gemini-backed transcriber
// and extractor.
type GeminiClient struct {
	client *genai.Client
}

// NewGeminiClient dials the Generative Language API.
func NewGeminiClient(ctx context.Context, apiKey string) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{client: client}, nil
}

// Close releases the underlying connection.
func (g *GeminiClient) Close() error {
	return g.client.Close()
}

// GeminiTranscriber transcribes audio by sending the blob to a multimodal
// Gemini model with a transcription instruction.
type GeminiTranscriber struct {
	shared *GeminiClient
}

// NewGeminiTranscriber constructs a Gemini-backed transcriber.
func NewGeminiTranscriber(shared *GeminiClient) *GeminiTranscriber {
	return &GeminiTranscriber{shared: shared}
}

func (t *GeminiTranscriber) Name() string { return "gemini" }

func (t *GeminiTranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (*Transcription, error) {
	start := time.Now()

	model := t.shared.client.GenerativeModel(geminiModel)
	model.SetTemperature(0)

	resp, err := model.GenerateContent(ctx,
		genai.Blob{MIMEType: mimeType, Data: audio},
		genai.Text("Transcribe this audio recording verbatim. Return only the spoken words, no commentary."),
	)
	if err != nil {
		return nil, classify(err, googleStatus(err), DefaultTranscriptionRetryAfter)
	}

	text := trimmed(collectText(resp))
	if text == "" {
		return nil, &PermanentError{Reason: "gemini returned no transcription text"}
	}

	return &Transcription{
		Text:         text,
		Confidence:   0.9,
		Provider:     t.Name(),
		ProcessingMS: time.Since(start).Milliseconds(),
	}, nil
}

// GeminiExtractor extracts workout structure with a Gemini text generation.
type GeminiExtractor struct {
	shared *GeminiClient
}

// NewGeminiExtractor constructs a Gemini-backed extractor.
func NewGeminiExtractor(shared *GeminiClient) *GeminiExtractor {
	return &GeminiExtractor{shared: shared}
}

func (e *GeminiExtractor) Name() string { return "gemini" }

func (e *GeminiExtractor) Extract(ctx context.Context, transcript string, multiRecording bool, recordingCount int) (*domain.ExtractedWorkout, error) {
	model := e.shared.client.GenerativeModel(geminiModel)
	model.SetTemperature(0)
	model.SetMaxOutputTokens(4096)

	resp, err := model.GenerateContent(ctx, genai.Text(BuildExtractionPrompt(transcript, multiRecording, recordingCount)))
	if err != nil {
		return nil, classify(err, googleStatus(err), DefaultExtractionRetryAfter)
	}

	raw := collectText(resp)
	if raw == "" {
		return nil, &PermanentError{Reason: "empty gemini extraction response"}
	}

	return ParseExtraction(raw)
}

func collectText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var out string
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			out += string(text)
		}
	}
	return out
}

func googleStatus(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}
