package execution

import (
	"context"

	"github.com/tmc/langchaingo/llms"

	"github.com/promptchain/pkg/models"
)

// Usage is provider-reported token accounting for one model call
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// StreamCallbacks fire when a model call reaches a terminal state. The
// stream handle is available strictly before either fires.
type StreamCallbacks struct {
	OnFinish func(ctx context.Context, text string, usage Usage, finishReason string)
	OnError  func(ctx context.Context, err error)
}

// StreamRequest describes one streaming model invocation
type StreamRequest struct {
	Model        *models.AIModel
	SystemPrompt string
	Messages     []llms.MessageContent
	Tools        []llms.Tool
	Callbacks    StreamCallbacks
}

// StreamingProvider abstracts over LLM backends. Stream returns as soon
// as the call is underway; completion is signaled via callbacks.
type StreamingProvider interface {
	Stream(ctx context.Context, req StreamRequest) (*StreamHandle, error)
}

// ModelResolver resolves a prompt's model reference to a model record.
// A missing record resolves to (nil, nil).
type ModelResolver interface {
	GetModelByID(ctx context.Context, id int64) (*models.AIModel, error)
}
