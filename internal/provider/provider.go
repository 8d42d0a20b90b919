// Package provider resolves operator-managed provider configurations and
// builds chat-completion clients for them.
package provider

import (
	"context"

	"github.com/chatrelay/chatrelay/internal/models"
)

// Supported provider kinds. OpenRouter, Groq and GitHub Models speak the
// OpenAI chat-completions dialect and differ only in endpoint; Gemini,
// Anthropic, Hugging Face and Ollama use their own APIs.
const (
	KindOpenRouter   = "openrouter"
	KindGroq         = "groq"
	KindGitHubModels = "github-models"
	KindOpenAI       = "openai-compatible"
	KindGemini       = "gemini"
	KindAnthropic    = "anthropic"
	KindHuggingFace  = "huggingface"
	KindOllama       = "ollama"
)

var knownKinds = map[string]bool{
	KindOpenRouter:   true,
	KindGroq:         true,
	KindGitHubModels: true,
	KindOpenAI:       true,
	KindGemini:       true,
	KindAnthropic:    true,
	KindHuggingFace:  true,
	KindOllama:       true,
}

// KnownKind reports whether kind names a supported provider API.
func KnownKind(kind string) bool {
	return knownKinds[kind]
}

// Completer issues one chat completion against an upstream provider and
// returns the reply text.
type Completer interface {
	Complete(ctx context.Context, messages []models.Message) (string, error)
}

// Factory builds a Completer for a resolved provider configuration.
type Factory func(ctx context.Context, cfg models.ProviderConfig) (Completer, error)
