package execution

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"github.com/promptchain/internal/knowledge"
	"github.com/promptchain/internal/substitute"
	"github.com/promptchain/pkg/models"
)

// PromptRun is one prompt's slice of a chain run
type PromptRun struct {
	Prompt *models.ChainPrompt
	Inputs map[string]any
	Actor  knowledge.Identity

	// IsFinalStream marks the prompt whose stream handle is surfaced to
	// the caller; IsLastInChain additionally makes it responsible for
	// finalizing the execution record. Both are true only for the first
	// prompt of the last position.
	IsFinalStream bool
	IsLastInChain bool
}

// Executor runs a single prompt end to end: knowledge retrieval,
// variable substitution, the model call, and result persistence.
type Executor struct {
	models        ModelResolver
	provider      StreamingProvider
	retriever     knowledge.Retriever
	store         Persistence
	events        *Recorder
	engine        *substitute.Engine
	knowledgeOpts knowledge.Options
}

// NewExecutor creates a prompt executor. The retriever may be nil when
// no knowledge backend is configured; prompts without repositories run
// unchanged and prompts with repositories fail with a ConfigError.
func NewExecutor(resolver ModelResolver, provider StreamingProvider, retriever knowledge.Retriever, store Persistence, events *Recorder, engine *substitute.Engine, knowledgeOpts knowledge.Options) *Executor {
	return &Executor{
		models:        resolver,
		provider:      provider,
		retriever:     retriever,
		store:         store,
		events:        events,
		engine:        engine,
		knowledgeOpts: knowledgeOpts,
	}
}

// ExecutePrompt runs one prompt to completion and returns its stream
// handle. The handle is fully buffered by the time ExecutePrompt
// returns: the call blocks until the model call reaches a terminal
// state, so callers at the next position can read recorded outputs
// without further synchronization.
func (x *Executor) ExecutePrompt(ctx context.Context, run PromptRun, ec *Context) (*StreamHandle, error) {
	p := run.Prompt
	startedAt := time.Now()

	x.events.Emit(ctx, ec.ExecutionID, EventPromptStart, &p.ID, map[string]any{
		"prompt_name": p.Name,
		"position":    p.Position,
	})

	if p.ModelID <= 0 {
		err := &ConfigError{Reason: "prompt has no model configured"}
		x.failBeforeStream(ctx, run, ec, startedAt, err)
		return nil, x.wrapPromptError(p, false, err)
	}

	knowledgeContext, err := x.retrieveKnowledge(ctx, run, ec)
	if err != nil {
		x.failBeforeStream(ctx, run, ec, startedAt, err)
		return nil, x.wrapPromptError(p, false, err)
	}

	processed, err := x.engine.Substitute(p.Content, run.Inputs, ec.Outputs(), p.InputMapping)
	if err != nil {
		x.failBeforeStream(ctx, run, ec, startedAt, err)
		return nil, x.wrapPromptError(p, false, err)
	}
	x.events.Emit(ctx, ec.ExecutionID, EventVariableSubstitution, &p.ID, map[string]any{
		"content_length": len(processed),
	})

	model, err := x.models.GetModelByID(ctx, p.ModelID)
	if err != nil {
		x.failBeforeStream(ctx, run, ec, startedAt, err)
		return nil, x.wrapPromptError(p, false, err)
	}
	if model == nil || !model.Enabled {
		err := &ConfigError{Reason: "model is not available"}
		x.failBeforeStream(ctx, run, ec, startedAt, err)
		return nil, x.wrapPromptError(p, false, err)
	}

	userContent := processed
	if knowledgeContext != "" {
		userContent = processed + "\n\n" + knowledgeContext
	}
	userTurn := llms.TextParts(llms.ChatMessageTypeHuman, userContent)
	messages := append(ec.Messages(), userTurn)

	var tools []llms.Tool
	if len(p.RepositoryIDs) > 0 && x.retriever != nil {
		tools = append(tools, knowledge.SearchTool(p.RepositoryIDs, run.Actor))
	}
	tools = append(tools, knowledge.NamedTools(p.EnabledTools)...)

	systemPrompt := ""
	if p.SystemContext != nil {
		systemPrompt = *p.SystemContext
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if p.TimeoutSeconds > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	// Two-phase completion: the provider hands over the handle as soon
	// as streaming starts, then signals the terminal outcome through the
	// callbacks. OnFinish/OnError fire exactly once.
	handleReady := make(chan *StreamHandle, 1)
	outcome := make(chan error, 1)

	req := StreamRequest{
		Model:        model,
		SystemPrompt: systemPrompt,
		Messages:     messages,
		Tools:        tools,
		Callbacks: StreamCallbacks{
			OnFinish: func(cbCtx context.Context, text string, usage Usage, finishReason string) {
				outcome <- x.onFinish(cbCtx, run, ec, startedAt, processed, text, usage, finishReason)
			},
			OnError: func(cbCtx context.Context, err error) {
				timedOut := errors.Is(err, context.DeadlineExceeded)
				x.persistFailure(cbCtx, run, ec, startedAt, processed, err)
				outcome <- x.wrapPromptError(p, timedOut, err)
			},
		},
	}

	handle, err := x.provider.Stream(callCtx, req)
	if err != nil {
		x.failBeforeStream(ctx, run, ec, startedAt, err)
		return nil, x.wrapPromptError(p, errors.Is(err, context.DeadlineExceeded), err)
	}
	handleReady <- handle

	select {
	case err := <-outcome:
		h := <-handleReady
		if err != nil {
			return nil, err
		}
		return h, nil
	case <-ctx.Done():
		<-handleReady
		x.persistFailure(context.WithoutCancel(ctx), run, ec, startedAt, processed, ctx.Err())
		return nil, x.wrapPromptError(p, errors.Is(ctx.Err(), context.DeadlineExceeded), ctx.Err())
	}
}

// retrieveKnowledge fetches and formats repository context for a prompt.
// Returns "" when the prompt has no repositories attached.
func (x *Executor) retrieveKnowledge(ctx context.Context, run PromptRun, ec *Context) (string, error) {
	p := run.Prompt
	if len(p.RepositoryIDs) == 0 {
		return "", nil
	}
	if x.retriever == nil {
		return "", &ConfigError{Reason: "prompt references knowledge repositories but no retriever is configured"}
	}

	x.events.Emit(ctx, ec.ExecutionID, EventKnowledgeRetrievalStart, &p.ID, map[string]any{
		"repository_ids": p.RepositoryIDs,
	})

	chunks, err := x.retriever.Retrieve(ctx, p.Content, p.RepositoryIDs, run.Actor, x.knowledgeOpts)
	if err != nil {
		return "", err
	}

	formatted := knowledge.FormatContext(chunks)
	x.events.Emit(ctx, ec.ExecutionID, EventKnowledgeRetrieved, &p.ID, map[string]any{
		"chunk_count":   len(chunks),
		"approx_tokens": knowledge.ApproxTokens(formatted),
	})
	return formatted, nil
}

// onFinish persists the completed result and advances run state. A
// persistence failure here fails the prompt: an execution must never
// report success with its results missing.
func (x *Executor) onFinish(ctx context.Context, run PromptRun, ec *Context, startedAt time.Time, processed, text string, usage Usage, finishReason string) error {
	p := run.Prompt
	completedAt := time.Now()

	result := &models.PromptResult{
		ExecutionID:     ec.ExecutionID,
		PromptID:        p.ID,
		InputData:       processed,
		OutputData:      text,
		Status:          models.ResultStatusCompleted,
		StartedAt:       startedAt,
		CompletedAt:     &completedAt,
		ExecutionTimeMs: completedAt.Sub(startedAt).Milliseconds(),
	}
	if err := x.store.InsertPromptResult(ctx, result); err != nil {
		log.Error().Err(err).
			Int64("execution_id", ec.ExecutionID).
			Int64("prompt_id", p.ID).
			Msg("Failed to persist prompt result")
		return x.wrapPromptError(p, false, err)
	}

	ec.RecordOutput(p.ID, text)
	if run.IsFinalStream {
		ec.AppendTurn(
			llms.TextParts(llms.ChatMessageTypeHuman, processed),
			llms.TextParts(llms.ChatMessageTypeAI, text),
		)
	}

	x.events.Emit(ctx, ec.ExecutionID, EventPromptComplete, &p.ID, map[string]any{
		"execution_time_ms": result.ExecutionTimeMs,
		"output_length":     len(text),
		"finish_reason":     finishReason,
		"usage":             usage,
	})

	if run.IsLastInChain {
		if err := x.store.MarkCompleted(ctx, ec.ExecutionID); err != nil {
			log.Error().Err(err).
				Int64("execution_id", ec.ExecutionID).
				Msg("Failed to mark execution completed")
			return x.wrapPromptError(p, false, err)
		}
		x.events.Emit(ctx, ec.ExecutionID, EventExecutionComplete, nil, map[string]any{
			"final_prompt_id": p.ID,
		})
	}

	return nil
}

// persistFailure records a failed prompt result and the error event
func (x *Executor) persistFailure(ctx context.Context, run PromptRun, ec *Context, startedAt time.Time, processed string, cause error) {
	p := run.Prompt
	completedAt := time.Now()
	msg := truncateDetail(cause)

	result := &models.PromptResult{
		ExecutionID:     ec.ExecutionID,
		PromptID:        p.ID,
		InputData:       processed,
		Status:          models.ResultStatusFailed,
		StartedAt:       startedAt,
		CompletedAt:     &completedAt,
		ExecutionTimeMs: completedAt.Sub(startedAt).Milliseconds(),
		ErrorMessage:    &msg,
	}
	if err := x.store.InsertPromptResult(ctx, result); err != nil {
		log.Error().Err(err).
			Int64("execution_id", ec.ExecutionID).
			Int64("prompt_id", p.ID).
			Msg("Failed to persist failed prompt result")
	}

	x.events.EmitError(ctx, ec.ExecutionID, &p.ID, cause)
}

// failBeforeStream handles failures on the build path, before any model
// call started. The input snapshot may be empty when substitution itself
// failed.
func (x *Executor) failBeforeStream(ctx context.Context, run PromptRun, ec *Context, startedAt time.Time, cause error) {
	x.persistFailure(ctx, run, ec, startedAt, "", cause)
}

func (x *Executor) wrapPromptError(p *models.ChainPrompt, timeout bool, err error) error {
	var pe *PromptError
	if errors.As(err, &pe) {
		return err
	}
	return &PromptError{
		PromptID:   p.ID,
		PromptName: p.Name,
		Position:   p.Position,
		Timeout:    timeout,
		Err:        err,
	}
}

// inputSnapshot renders the raw inputs for the execution record
func inputSnapshot(inputs map[string]any) []byte {
	b, err := json.Marshal(inputs)
	if err != nil {
		return []byte("{}")
	}
	return b
}
