package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/chatrelay/chatrelay/internal/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/huggingface"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

var ErrUnknownKind = errors.New("unknown provider kind")

// Default endpoints for the OpenAI-dialect providers. A configured endpoint
// always wins.
const (
	openRouterBaseURL   = "https://openrouter.ai/api/v1"
	groqBaseURL         = "https://api.groq.com/openai/v1"
	githubModelsBaseURL = "https://models.inference.ai.azure.com"
	ollamaBaseURL       = "http://localhost:11434"
)

// NewCompleter is the production Factory: it builds a langchaingo model for
// the configuration's kind and wraps it as a Completer.
func NewCompleter(ctx context.Context, cfg models.ProviderConfig) (Completer, error) {
	model, err := newModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", cfg.Name, err)
	}
	return &langchainCompleter{model: model, maxTokens: cfg.MaxTokens}, nil
}

func newModel(ctx context.Context, cfg models.ProviderConfig) (llms.Model, error) {
	switch cfg.Kind {
	case KindOpenRouter:
		return openAIModel(cfg, openRouterBaseURL)
	case KindGroq:
		return openAIModel(cfg, groqBaseURL)
	case KindGitHubModels:
		return openAIModel(cfg, githubModelsBaseURL)
	case KindOpenAI:
		if cfg.Endpoint == "" {
			return nil, errors.New("openai-compatible provider requires an endpoint")
		}
		return openAIModel(cfg, "")
	case KindGemini:
		return googleai.New(ctx,
			googleai.WithAPIKey(cfg.APIKey),
			googleai.WithDefaultModel(cfg.Model),
		)
	case KindAnthropic:
		return anthropic.New(
			anthropic.WithToken(cfg.APIKey),
			anthropic.WithModel(cfg.Model),
		)
	case KindHuggingFace:
		return huggingface.New(
			huggingface.WithToken(cfg.APIKey),
			huggingface.WithModel(cfg.Model),
		)
	case KindOllama:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = ollamaBaseURL
		}
		return ollama.New(
			ollama.WithServerURL(endpoint),
			ollama.WithModel(cfg.Model),
		)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

func openAIModel(cfg models.ProviderConfig, defaultBaseURL string) (llms.Model, error) {
	baseURL := cfg.Endpoint
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return openai.New(
		openai.WithToken(cfg.APIKey),
		openai.WithBaseURL(baseURL),
		openai.WithModel(cfg.Model),
	)
}

type langchainCompleter struct {
	model     llms.Model
	maxTokens int
}

func (c *langchainCompleter) Complete(ctx context.Context, messages []models.Message) (string, error) {
	content := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		content = append(content, llms.TextParts(messageType(msg.Role), msg.Content))
	}

	var opts []llms.CallOption
	if c.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(c.maxTokens))
	}

	resp, err := c.model.GenerateContent(ctx, content, opts...)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty completion response")
	}
	return resp.Choices[0].Content, nil
}

func messageType(role string) schema.ChatMessageType {
	switch role {
	case models.RoleAssistant:
		return schema.ChatMessageTypeAI
	case models.RoleSystem:
		return schema.ChatMessageTypeSystem
	default:
		return schema.ChatMessageTypeHuman
	}
}
