package aimodels

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"github.com/promptchain/internal/config"
	"github.com/promptchain/internal/execution"
)

// StreamingProvider runs model calls through langchaingo, streaming
// tokens into an execution.StreamHandle as they arrive.
type StreamingProvider struct {
	providers map[string]config.ProviderConfig
}

// NewStreamingProvider creates a provider backed by the configured
// credentials.
func NewStreamingProvider(providers map[string]config.ProviderConfig) *StreamingProvider {
	return &StreamingProvider{providers: providers}
}

// Stream starts one streaming model call. The returned handle receives
// chunks as the provider emits them; the request callbacks fire exactly
// once when the call reaches a terminal state.
func (p *StreamingProvider) Stream(ctx context.Context, req execution.StreamRequest) (*execution.StreamHandle, error) {
	llm, err := newLLM(ctx, req.Model, p.providers)
	if err != nil {
		return nil, err
	}

	messages := req.Messages
	if req.SystemPrompt != "" {
		messages = append([]llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, req.SystemPrompt),
		}, messages...)
	}

	handle := execution.NewStreamHandle()

	opts := []llms.CallOption{
		llms.WithModel(req.Model.ModelID),
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			handle.Push(chunk)
			return nil
		}),
	}
	if len(req.Tools) > 0 {
		opts = append(opts, llms.WithTools(req.Tools))
	}

	go func() {
		resp, err := llm.GenerateContent(ctx, messages, opts...)
		if err != nil {
			handle.Fail(err)
			req.Callbacks.OnError(ctx, err)
			return
		}
		if len(resp.Choices) == 0 {
			err := errors.New("model returned no choices")
			handle.Fail(err)
			req.Callbacks.OnError(ctx, err)
			return
		}

		choice := resp.Choices[0]
		text := choice.Content
		handle.Finish(text)

		log.Debug().
			Str("model", req.Model.ModelID).
			Str("stop_reason", choice.StopReason).
			Int("output_length", len(text)).
			Msg("Model call finished")

		req.Callbacks.OnFinish(ctx, text, usageFromInfo(choice.GenerationInfo), choice.StopReason)
	}()

	return handle, nil
}

// usageFromInfo pulls token accounting out of the provider-specific
// generation info map. Providers disagree on key names; unknown keys
// leave the field at zero.
func usageFromInfo(info map[string]any) execution.Usage {
	u := execution.Usage{
		InputTokens:  intFromInfo(info, "PromptTokens", "prompt_tokens", "input_tokens"),
		OutputTokens: intFromInfo(info, "CompletionTokens", "completion_tokens", "output_tokens"),
		TotalTokens:  intFromInfo(info, "TotalTokens", "total_tokens"),
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return u
}

func intFromInfo(info map[string]any, keys ...string) int {
	for _, key := range keys {
		v, ok := info[key]
		if !ok {
			// Some providers lowercase the whole map.
			v, ok = info[strings.ToLower(key)]
		}
		if !ok {
			continue
		}
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return 0
}
