package provider

import (
	"bytes"
	"context"
	"errors"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"example.com/voicelog/internal/domain"
)

// OpenAITranscriber transcribes audio with the Whisper API.
type OpenAITranscriber struct {
	client *openai.Client
}

// NewOpenAITranscriber constructs a Whisper-backed transcriber.
func NewOpenAITranscriber(apiKey string) *OpenAITranscriber {
	return &OpenAITranscriber{client: openai.NewClient(apiKey)}
}

func (t *OpenAITranscriber) Name() string { return "openai" }

// Transcribe sends the audio bytes to Whisper and returns trimmed text.
// Whisper does not report confidence, so a fixed high score is attached.
func (t *OpenAITranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (*Transcription, error) {
	start := time.Now()

	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:       openai.Whisper1,
		Reader:      bytes.NewReader(audio),
		FilePath:    "recording" + extensionForMime(mimeType),
		Language:    "en",
		Temperature: 0,
		Format:      openai.AudioResponseFormatText,
	})
	if err != nil {
		return nil, classify(err, openAIStatus(err), DefaultTranscriptionRetryAfter)
	}

	text := trimmed(resp.Text)
	if text == "" {
		return nil, &PermanentError{Reason: "whisper returned no transcription text"}
	}

	return &Transcription{
		Text:         text,
		Confidence:   0.95,
		Provider:     t.Name(),
		ProcessingMS: time.Since(start).Milliseconds(),
	}, nil
}

// OpenAIExtractor extracts workout structure with a chat completion.
type OpenAIExtractor struct {
	client *openai.Client
	model  string
}

// NewOpenAIExtractor constructs a chat-completion-backed extractor.
func NewOpenAIExtractor(apiKey string) *OpenAIExtractor {
	return &OpenAIExtractor{client: openai.NewClient(apiKey), model: openai.GPT4o}
}

func (e *OpenAIExtractor) Name() string { return "openai" }

func (e *OpenAIExtractor) Extract(ctx context.Context, transcript string, multiRecording bool, recordingCount int) (*domain.ExtractedWorkout, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: BuildExtractionPrompt(transcript, multiRecording, recordingCount),
			},
		},
		Temperature: 0,
		MaxTokens:   4096,
	})
	if err != nil {
		return nil, classify(err, openAIStatus(err), DefaultExtractionRetryAfter)
	}
	if len(resp.Choices) == 0 {
		return nil, &PermanentError{Reason: "empty chat completion response"}
	}

	return ParseExtraction(resp.Choices[0].Message.Content)
}

func openAIStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	return 0
}

func extensionForMime(mimeType string) string {
	switch mimeType {
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/m4a", "audio/x-m4a", "audio/mp4":
		return ".m4a"
	default:
		return ".mp3"
	}
}

func trimmed(s string) string {
	return string(bytes.TrimSpace([]byte(s)))
}
