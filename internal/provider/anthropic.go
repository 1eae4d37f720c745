package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"example.com/voicelog/internal/domain"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicModel   = "claude-sonnet-4-20250514"
	anthropicVersion = "2023-06-01"
)

// AnthropicExtractor extracts workout structure with the Claude Messages API.
type AnthropicExtractor struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewAnthropicExtractor constructs a Claude-backed extractor.
func NewAnthropicExtractor(apiKey string) *AnthropicExtractor {
	return &AnthropicExtractor{
		apiKey:     apiKey,
		baseURL:    anthropicBaseURL,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (e *AnthropicExtractor) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *AnthropicExtractor) Extract(ctx context.Context, transcript string, multiRecording bool, recordingCount int) (*domain.ExtractedWorkout, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:     anthropicModel,
		MaxTokens: 4096,
		Messages: []anthropicMessage{
			{Role: "user", Content: BuildExtractionPrompt(transcript, multiRecording, recordingCount)},
		},
	})
	if err != nil {
		return nil, &PermanentError{Reason: "marshal claude request: " + err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &PermanentError{Reason: "build claude request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", e.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, classify(err, 0, DefaultExtractionRetryAfter)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &PermanentError{Reason: "read claude response: " + err.Error()}
	}

	var decoded anthropicResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, &PermanentError{Reason: "decode claude response: " + err.Error()}
	}

	if resp.StatusCode >= 300 {
		reason := fmt.Sprintf("claude API status %d", resp.StatusCode)
		if decoded.Error != nil {
			reason = decoded.Error.Message
		}
		return nil, classify(fmt.Errorf("%s", reason), resp.StatusCode, DefaultExtractionRetryAfter)
	}

	var raw string
	for _, block := range decoded.Content {
		if block.Type == "text" {
			raw += block.Text
		}
	}
	if raw == "" {
		return nil, &PermanentError{Reason: "empty claude extraction response"}
	}

	return ParseExtraction(raw)
}
