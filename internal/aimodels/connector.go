package aimodels

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/cohere"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/promptchain/internal/config"
	"github.com/promptchain/pkg/models"
)

// Provider represents an AI provider type
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
	ProviderClaude Provider = "claude"
	ProviderCohere Provider = "cohere"
	ProviderOllama Provider = "ollama"
)

// newLLM builds the langchaingo client for a model record using the
// provider credentials from configuration.
func newLLM(ctx context.Context, model *models.AIModel, providers map[string]config.ProviderConfig) (llms.Model, error) {
	pc, ok := providers[model.Provider]
	if !ok {
		return nil, fmt.Errorf("no credentials configured for provider %s", model.Provider)
	}

	log.Debug().
		Str("provider", model.Provider).
		Str("model", model.ModelID).
		Msg("Creating LLM client")

	var llm llms.Model
	var err error
	switch Provider(model.Provider) {
	case ProviderOpenAI:
		opts := []openai.Option{
			openai.WithModel(model.ModelID),
			openai.WithToken(pc.APIKey),
		}
		if pc.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(pc.BaseURL))
		}
		llm, err = openai.New(opts...)
	case ProviderGemini:
		llm, err = googleai.New(ctx,
			googleai.WithAPIKey(pc.APIKey),
			googleai.WithDefaultModel(model.ModelID),
		)
	case ProviderClaude:
		llm, err = anthropic.New(
			anthropic.WithToken(pc.APIKey),
			anthropic.WithModel(model.ModelID),
		)
	case ProviderCohere:
		opts := []cohere.Option{
			cohere.WithToken(pc.APIKey),
			cohere.WithModel(model.ModelID),
		}
		if pc.BaseURL != "" {
			opts = append(opts, cohere.WithBaseURL(pc.BaseURL))
		}
		llm, err = cohere.New(opts...)
	case ProviderOllama:
		opts := []ollama.Option{
			ollama.WithModel(model.ModelID),
		}
		if pc.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(pc.BaseURL))
		}
		llm, err = ollama.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", model.Provider)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", model.Provider, err)
	}
	return llm, nil
}
