package provider

import (
	"context"
	"fmt"
	"os"

	einoark "github.com/cloudwego/eino-ext/components/model/ark"
	einogemini "github.com/cloudwego/eino-ext/components/model/gemini"
	einoollama "github.com/cloudwego/eino-ext/components/model/ollama"
	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"
)

// newOllama constructs a ChatModel backed by a local Ollama instance.
// The endpoint comes from Settings.EndpointURL, then OLLAMA_HOST.
func newOllama(ctx context.Context, s Settings) (model.ToolCallingChatModel, error) {
	baseURL := s.EndpointURL
	if baseURL == "" {
		baseURL = getEnvOrDefault("OLLAMA_HOST", "http://localhost:11434")
	}
	mdl := s.Model
	if mdl == "" {
		mdl = getEnvOrDefault("OLLAMA_MODEL", "llama3")
	}
	return einoollama.NewChatModel(ctx, &einoollama.ChatModelConfig{ //nolint:wrapcheck // constructor passthrough
		BaseURL: baseURL,
		Model:   mdl,
	})
}

// newOpenAI constructs a ChatModel backed by the OpenAI API.
// Requires OPENAI_API_KEY.
func newOpenAI(ctx context.Context, s Settings) (model.ToolCallingChatModel, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("provider: OPENAI_API_KEY is required for openai backend")
	}
	mdl := s.Model
	if mdl == "" {
		mdl = getEnvOrDefault("OPENAI_MODEL", "gpt-4o")
	}
	return einoopenai.NewChatModel(ctx, &einoopenai.ChatModelConfig{ //nolint:wrapcheck // constructor passthrough
		Model:  mdl,
		APIKey: apiKey,
	})
}

// newAzure constructs a ChatModel backed by Azure OpenAI Service.
// Requires AZURE_OPENAI_API_KEY, AZURE_OPENAI_ENDPOINT and a deployment
// name (Settings.Model or AZURE_OPENAI_DEPLOYMENT).
func newAzure(ctx context.Context, s Settings) (model.ToolCallingChatModel, error) {
	apiKey := os.Getenv("AZURE_OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("provider: AZURE_OPENAI_API_KEY is required for azure backend")
	}
	endpoint := os.Getenv("AZURE_OPENAI_ENDPOINT")
	if endpoint == "" {
		return nil, fmt.Errorf("provider: AZURE_OPENAI_ENDPOINT is required for azure backend")
	}
	deployment := s.Model
	if deployment == "" {
		deployment = os.Getenv("AZURE_OPENAI_DEPLOYMENT")
	}
	if deployment == "" {
		return nil, fmt.Errorf("provider: AZURE_OPENAI_DEPLOYMENT is required for azure backend")
	}
	return einoopenai.NewChatModel(ctx, &einoopenai.ChatModelConfig{ //nolint:wrapcheck // constructor passthrough
		Model:      deployment,
		APIKey:     apiKey,
		BaseURL:    endpoint,
		ByAzure:    true,
		APIVersion: getEnvOrDefault("AZURE_OPENAI_API_VERSION", "2024-02-01"),
		// Use the deployment name as-is; the default mapper strips dots and
		// colons, which breaks deployment names like "gpt-4.1".
		AzureModelMapperFunc: func(model string) string { return model },
	})
}

// newBedrock constructs a ChatModel backed by AWS Bedrock through its
// OpenAI-compatible runtime endpoint.
// Requires BEDROCK_API_KEY and BEDROCK_ENDPOINT; the model ID comes from
// Settings.Model or BEDROCK_MODEL_ID.
func newBedrock(ctx context.Context, s Settings) (model.ToolCallingChatModel, error) {
	// TODO: replace with a dedicated Bedrock implementation when available
	// in eino-ext.
	mdl := s.Model
	if mdl == "" {
		mdl = os.Getenv("BEDROCK_MODEL_ID")
	}
	if mdl == "" {
		return nil, fmt.Errorf("provider: BEDROCK_MODEL_ID is required for bedrock backend")
	}
	return einoark.NewChatModel(ctx, &einoark.ChatModelConfig{ //nolint:wrapcheck // constructor passthrough
		Model:   mdl,
		APIKey:  os.Getenv("BEDROCK_API_KEY"),
		BaseURL: os.Getenv("BEDROCK_ENDPOINT"),
	})
}

// newGemini constructs a ChatModel backed by Google Gemini.
// Requires GOOGLE_API_KEY.
func newGemini(ctx context.Context, s Settings) (model.ToolCallingChatModel, error) {
	apiKey := os.Getenv("GOOGLE_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("provider: GOOGLE_API_KEY is required for gemini backend")
	}
	mdl := s.Model
	if mdl == "" {
		mdl = getEnvOrDefault("GEMINI_MODEL", "gemini-1.5-pro")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("provider: failed to create Gemini client: %w", err)
	}
	return einogemini.NewChatModel(ctx, &einogemini.Config{ //nolint:wrapcheck // constructor passthrough
		Client: client,
		Model:  mdl,
	})
}
