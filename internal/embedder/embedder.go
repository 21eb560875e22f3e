// Package embedder provides implementations of the embedding provider
// contract used by the vector index: converting batches of text into dense
// vector embeddings of a fixed dimension. Each implementation talks to a
// different backend (OpenAI, Azure OpenAI, Ollama) via plain HTTP, with no
// additional SDK dependencies are required.
package embedder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
)

// ErrUnknownProvider is returned by the factory for a provider name it does
// not recognise. Callers should surface the valid names to the user.
var ErrUnknownProvider = errors.New("embedder: unknown provider")

// Provider is the capability contract for embedding backends.
// Implementations must be safe to call from multiple goroutines.
type Provider interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice and every vector has
	// length Dimension(). Failures propagate as provider errors; the engine
	// never retries on the caller's behalf.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the fixed length of the vectors this provider emits.
	Dimension() int

	// TestConnection probes the backend and reports reachability together
	// with a human-readable message suitable for the configuration UI.
	TestConnection(ctx context.Context) (bool, string)
}

// Default embedding models per backend.
const (
	defaultOllamaModel = "nomic-embed-text"
	defaultOpenAIModel = "text-embedding-3-small"

	// defaultOllamaDimensions is the output dimension of nomic-embed-text.
	// Other Ollama models may differ; override with EMBEDDING_DIMENSIONS.
	defaultOllamaDimensions = 768
	// defaultOpenAIDimensions is the output dimension of text-embedding-3-small.
	defaultOpenAIDimensions = 1536
)

// openaiModelDimensions maps known OpenAI embedding models to their native
// output dimension. Models absent from this map fall back to
// defaultOpenAIDimensions.
var openaiModelDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// DefaultModel returns the default embedding model for the given provider name.
func DefaultModel(provider string) string {
	if provider == "ollama" {
		return defaultOllamaModel
	}
	return defaultOpenAIModel
}

// DefaultDimensions returns the embedding vector size for the given provider
// and model. EMBEDDING_DIMENSIONS always takes precedence when set, so
// operators can correct the value for models this table does not know.
func DefaultDimensions(provider, model string) int {
	if v := getEnvInt("EMBEDDING_DIMENSIONS", 0); v > 0 {
		return v
	}
	switch provider {
	case "ollama":
		return defaultOllamaDimensions
	default:
		if d, ok := openaiModelDimensions[model]; ok {
			return d
		}
		return defaultOpenAIDimensions
	}
}

// New constructs a Provider for the given provider name and model.
// Credentials and endpoints are resolved from the environment:
//
//	ollama:  EMBEDDING_ENDPOINT or OLLAMA_HOST (default http://localhost:11434)
//	openai:  EMBEDDING_API_KEY or OPENAI_API_KEY; EMBEDDING_ENDPOINT overrides the API base
//	azure:   EMBEDDING_API_KEY or AZURE_OPENAI_API_KEY; EMBEDDING_ENDPOINT or AZURE_OPENAI_ENDPOINT
//
// An empty model selects the provider's default. Unknown provider names
// return ErrUnknownProvider.
func New(provider, model string) (Provider, error) {
	if model == "" {
		model = DefaultModel(provider)
	}

	switch provider {
	case "ollama":
		host := getEnv("EMBEDDING_ENDPOINT")
		if host == "" {
			host = getEnvOrDefault("OLLAMA_HOST", "http://localhost:11434")
		}
		return NewOllamaEmbedder(&OllamaConfig{
			Host:       host,
			Model:      model,
			Dimensions: DefaultDimensions(provider, model),
		}), nil

	case "openai":
		apiKey := getEnv("EMBEDDING_API_KEY")
		if apiKey == "" {
			apiKey = getEnv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("embedder: openai requires OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		baseURL := getEnv("EMBEDDING_ENDPOINT")
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    baseURL,
			APIKey:     apiKey,
			Model:      model,
			Dimensions: DefaultDimensions(provider, model),
		}), nil

	case "azure":
		apiKey := getEnv("EMBEDDING_API_KEY")
		if apiKey == "" {
			apiKey = getEnv("AZURE_OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("embedder: azure requires AZURE_OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		endpoint := getEnv("EMBEDDING_ENDPOINT")
		if endpoint == "" {
			endpoint = getEnv("AZURE_OPENAI_ENDPOINT")
		}
		if endpoint == "" {
			return nil, fmt.Errorf("embedder: azure requires AZURE_OPENAI_ENDPOINT or EMBEDDING_ENDPOINT")
		}
		apiVersion := getEnvOrDefault("AZURE_OPENAI_API_VERSION", "2025-04-01-preview")
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    endpoint + "/openai",
			APIKey:     apiKey,
			Model:      model,
			Dimensions: DefaultDimensions("openai", model),
			Azure:      true,
			APIVersion: apiVersion,
		}), nil

	default:
		return nil, fmt.Errorf("%w %q (valid values: ollama, openai, azure)", ErrUnknownProvider, provider)
	}
}

// getEnv returns the value of the named environment variable, or empty string.
func getEnv(key string) string {
	return os.Getenv(key)
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
