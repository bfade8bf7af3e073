package generation

import (
	"context"
	"fmt"

	"github.com/yarnnn/yarnnn/internal/config"
)

// Request carries the assembled context for one generation run.
type Request struct {
	Prompt   string
	Template string
}

// Generator is the external text-generation capability: context in, text
// out. Calls are fallible and must respect the caller's deadline; the
// orchestrator bounds every run with a timeout context.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// ProviderType selects a generation backend.
type ProviderType string

const (
	ProviderGemini ProviderType = "gemini"
	ProviderOllama ProviderType = "ollama"
)

// NewGenerator builds the configured provider. Gemini when an API key is
// present, Ollama as the local fallback.
func NewGenerator(cfg *config.GenerationConfig) (Generator, error) {
	switch ProviderType(cfg.Provider) {
	case ProviderGemini:
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("gemini provider requires an api key")
		}
		return NewGeminiGenerator(cfg.GeminiAPIKey, cfg.GeminiModel), nil
	case ProviderOllama:
		return NewOllamaGenerator(cfg.OllamaBaseURL, cfg.OllamaModel), nil
	default:
		if cfg.GeminiAPIKey != "" {
			return NewGeminiGenerator(cfg.GeminiAPIKey, cfg.GeminiModel), nil
		}
		return NewOllamaGenerator(cfg.OllamaBaseURL, cfg.OllamaModel), nil
	}
}
