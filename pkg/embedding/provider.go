// Package embedding turns text into dense vectors for the vector retrieval
// path. Backends are OpenAI-compatible APIs, a local Ollama server and a
// deterministic hashing embedder that needs no network.
package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/goclaw/mnemos/config"
)

// Provider produces embeddings. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Embed returns the embedding of text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the vector size.
	Dimension() int

	// Name identifies the backend and model.
	Name() string
}

// Common errors.
var (
	// ErrEmptyResponse is returned when a backend answers without a vector.
	ErrEmptyResponse = errors.New("embedding: empty response")

	// ErrDimension is returned when a backend answers with the wrong size.
	ErrDimension = errors.New("embedding: unexpected dimension")
)

// New builds the provider described by cfg, wrapped with rate limiting and
// caching when configured. rec may be nil.
func New(cfg config.EmbeddingConfig, rec CallRecorder) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "openai":
		p, err = NewOpenAI(OpenAIOptions{
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
			Timeout:   cfg.Timeout,
		})
	case "ollama":
		p, err = NewOllama(OllamaOptions{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
			Timeout:   cfg.Timeout,
		})
	case "hashing", "":
		p = NewHashing(cfg.Dimension)
	default:
		return nil, fmt.Errorf("embedding: unsupported provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	if rec != nil {
		p = Instrument(p, rec)
	}
	if cfg.RateLimit > 0 {
		p = RateLimit(p, cfg.RateLimit, cfg.Burst)
	}
	if cfg.CacheSize > 0 {
		p, err = Cache(p, cfg.CacheSize)
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

func checkDimension(vec []float32, want int) error {
	if len(vec) == 0 {
		return ErrEmptyResponse
	}
	if want > 0 && len(vec) != want {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimension, want, len(vec))
	}
	return nil
}
