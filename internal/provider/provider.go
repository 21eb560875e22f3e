// Package provider defines the generation interface over LLM backends and
// the factory that selects one at runtime.
// Supported backends: Ollama, OpenAI, Azure OpenAI, AWS Bedrock, Google Gemini.
package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// ErrUnknownProvider is returned by the factory for a backend name it does
// not recognise.
var ErrUnknownProvider = errors.New("provider: unknown backend")

// Provider generates chat completions. Implementations carry no retry
// policy; the caller decides what a failed generation means.
type Provider interface {
	// Generate runs one completion over the given messages. Temperature
	// and maxTokens apply to this call only.
	Generate(ctx context.Context, msgs []*schema.Message, temperature float32, maxTokens int) (string, error)

	// TestConnection probes the backend with a minimal request and returns
	// reachability plus a human-readable detail string.
	TestConnection(ctx context.Context) (bool, string)
}

// Settings selects and parameterises a backend. Credentials are resolved
// from each provider's native environment variables.
type Settings struct {
	// Provider is the backend tag: ollama, openai, azure, bedrock, gemini.
	Provider string

	// Model is the model name or deployment ID (empty selects the
	// backend default).
	Model string

	// EndpointURL overrides the default API endpoint. Honoured by the
	// ollama backend; others use their native endpoint env vars.
	EndpointURL string
}

// New constructs a Provider for the given settings. Unknown backend names
// return ErrUnknownProvider.
func New(ctx context.Context, s Settings) (Provider, error) {
	backend := strings.ToLower(s.Provider)
	var (
		cm  model.ToolCallingChatModel
		err error
	)
	switch backend {
	case "ollama":
		cm, err = newOllama(ctx, s)
	case "openai":
		cm, err = newOpenAI(ctx, s)
	case "azure":
		cm, err = newAzure(ctx, s)
	case "bedrock":
		cm, err = newBedrock(ctx, s)
	case "gemini":
		cm, err = newGemini(ctx, s)
	default:
		return nil, fmt.Errorf("%w %q (valid values: ollama, openai, azure, bedrock, gemini)", ErrUnknownProvider, s.Provider)
	}
	if err != nil {
		return nil, err
	}
	return &chatModelProvider{backend: backend, model: cm}, nil
}

// chatModelProvider adapts an eino ChatModel to the Provider contract.
type chatModelProvider struct {
	backend string
	model   model.ToolCallingChatModel
}

func (p *chatModelProvider) Generate(ctx context.Context, msgs []*schema.Message, temperature float32, maxTokens int) (string, error) {
	resp, err := p.model.Generate(ctx, msgs,
		model.WithTemperature(temperature),
		model.WithMaxTokens(maxTokens),
	)
	if err != nil {
		return "", fmt.Errorf("provider: %s generation failed: %w", p.backend, err)
	}
	return resp.Content, nil
}

func (p *chatModelProvider) TestConnection(ctx context.Context) (bool, string) {
	_, err := p.model.Generate(ctx,
		[]*schema.Message{schema.UserMessage("ping")},
		model.WithMaxTokens(5),
	)
	if err != nil {
		return false, fmt.Sprintf("%s backend unreachable: %v", p.backend, err)
	}
	return true, fmt.Sprintf("%s backend reachable", p.backend)
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
