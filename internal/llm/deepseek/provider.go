package deepseek

import (
	"github.com/embedkit/widget-gateway/internal/llm"
	"github.com/embedkit/widget-gateway/internal/llm/openai"
)

// NewProvider creates a DeepSeek provider. DeepSeek exposes an
// OpenAI-compatible chat API, so the provider reuses the OpenAI transport.
func NewProvider(apiKey, defaultModel string) llm.Provider {
	if defaultModel == "" {
		defaultModel = "deepseek-chat"
	}
	return openai.NewCompatProvider(
		"deepseek",
		"https://api.deepseek.com/v1",
		apiKey,
		defaultModel,
		[]string{"deepseek-chat", "deepseek-reasoner"},
	)
}
