package provider

import (
	"context"
	"fmt"
)

// Credentials carries the backend configuration available at startup.
type Credentials struct {
	// Explicit backend names; empty means pick by priority.
	TranscriptionBackend string
	ExtractionBackend    string

	OpenAIAPIKey    string
	GeminiAPIKey    string
	AnthropicAPIKey string
	WorkerURL       string
}

// Gateways bundles the selected backends. Selection happens once at startup
// and the result is read-only afterwards.
type Gateways struct {
	Transcriber Transcriber
	Extractor   Extractor

	gemini *GeminiClient
}

// Close releases shared backend resources.
func (g *Gateways) Close() error {
	if g.gemini != nil {
		return g.gemini.Close()
	}
	return nil
}

// Select picks one transcription and one extraction backend. An explicit
// backend name wins; otherwise the first configured backend in priority order
// is used (transcription: openai, gemini, worker; extraction: gemini, openai,
// anthropic). No configured backend is a startup error.
func Select(ctx context.Context, creds Credentials) (*Gateways, error) {
	g := &Gateways{}

	var err error
	if g.Transcriber, err = g.selectTranscriber(ctx, creds); err != nil {
		return nil, err
	}
	if g.Extractor, err = g.selectExtractor(ctx, creds); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gateways) selectTranscriber(ctx context.Context, creds Credentials) (Transcriber, error) {
	name := creds.TranscriptionBackend
	if name == "" {
		switch {
		case creds.OpenAIAPIKey != "":
			name = "openai"
		case creds.GeminiAPIKey != "":
			name = "gemini"
		case creds.WorkerURL != "":
			name = "worker"
		default:
			return nil, fmt.Errorf("no transcription backend configured: set OPENAI_API_KEY, GEMINI_API_KEY, or WORKER_URL")
		}
	}

	switch name {
	case "openai":
		if creds.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("transcription backend %q selected but OPENAI_API_KEY is empty", name)
		}
		return NewOpenAITranscriber(creds.OpenAIAPIKey), nil
	case "gemini":
		shared, err := g.geminiClient(ctx, creds)
		if err != nil {
			return nil, err
		}
		return NewGeminiTranscriber(shared), nil
	case "worker":
		if creds.WorkerURL == "" {
			return nil, fmt.Errorf("transcription backend %q selected but WORKER_URL is empty", name)
		}
		return NewWorkerTranscriber(creds.WorkerURL), nil
	default:
		return nil, fmt.Errorf("unknown transcription backend %q", name)
	}
}

func (g *Gateways) selectExtractor(ctx context.Context, creds Credentials) (Extractor, error) {
	name := creds.ExtractionBackend
	if name == "" {
		switch {
		case creds.GeminiAPIKey != "":
			name = "gemini"
		case creds.OpenAIAPIKey != "":
			name = "openai"
		case creds.AnthropicAPIKey != "":
			name = "anthropic"
		default:
			return nil, fmt.Errorf("no extraction backend configured: set GEMINI_API_KEY, OPENAI_API_KEY, or ANTHROPIC_API_KEY")
		}
	}

	switch name {
	case "gemini":
		shared, err := g.geminiClient(ctx, creds)
		if err != nil {
			return nil, err
		}
		return NewGeminiExtractor(shared), nil
	case "openai":
		if creds.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("extraction backend %q selected but OPENAI_API_KEY is empty", name)
		}
		return NewOpenAIExtractor(creds.OpenAIAPIKey), nil
	case "anthropic":
		if creds.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("extraction backend %q selected but ANTHROPIC_API_KEY is empty", name)
		}
		return NewAnthropicExtractor(creds.AnthropicAPIKey), nil
	default:
		return nil, fmt.Errorf("unknown extraction backend %q", name)
	}
}

func (g *Gateways) geminiClient(ctx context.Context, creds Credentials) (*GeminiClient, error) {
	if g.gemini != nil {
		return g.gemini, nil
	}
	if creds.GeminiAPIKey == "" {
		return nil, fmt.Errorf("gemini backend selected but GEMINI_API_KEY is empty")
	}
	shared, err := NewGeminiClient(ctx, creds.GeminiAPIKey)
	if err != nil {
		return nil, err
	}
	g.gemini = shared
	return shared, nil
}
