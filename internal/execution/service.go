package execution

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"github.com/promptchain/internal/knowledge"
	"github.com/promptchain/pkg/models"
)

// RunRequest carries everything needed to run a chain once
type RunRequest struct {
	Chain   *models.Chain
	Prompts []*models.ChainPrompt
	Inputs  map[string]any

	UserID int64
	Owner  *int64

	// ConversationID threads the run into an existing conversation;
	// History is that conversation's prior turns.
	ConversationID string
	History        []llms.MessageContent
}

// RunResult is the synchronous outcome of starting a chain run
type RunResult struct {
	ExecutionID int64
	Handle      *StreamHandle
	PromptCount int
	Context     *Context
}

// Runner is the top-level entry point for chain execution. It owns the
// execution record lifecycle and delegates the walk to the orchestrator.
type Runner struct {
	store        Persistence
	events       *Recorder
	orchestrator *Orchestrator
}

// NewRunner creates a chain runner
func NewRunner(store Persistence, events *Recorder, orchestrator *Orchestrator) *Runner {
	return &Runner{store: store, events: events, orchestrator: orchestrator}
}

// Run creates the execution record and runs the chain to completion.
// On return the handle is fully buffered; callers stream it at their
// own pace.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	var conversationID *string
	if req.ConversationID != "" {
		conversationID = &req.ConversationID
	}
	executionID, err := r.store.CreateExecution(ctx, req.Chain.ID, req.UserID, conversationID, inputSnapshot(req.Inputs))
	if err != nil {
		return nil, err
	}
	return r.RunExisting(ctx, executionID, req)
}

// RunExisting runs a chain against an already-created execution record.
// The async lane uses this: the API creates the record, acknowledges the
// client, and a queue worker picks the run up by id.
func (r *Runner) RunExisting(ctx context.Context, executionID int64, req RunRequest) (*RunResult, error) {
	ec := NewContext(executionID, req.ConversationID, req.History)

	log.Info().
		Int64("execution_id", executionID).
		Int64("chain_id", req.Chain.ID).
		Int("prompt_count", len(req.Prompts)).
		Msg("Starting chain execution")

	r.events.Emit(ctx, executionID, EventExecutionStart, nil, map[string]any{
		"chain_id":     req.Chain.ID,
		"chain_name":   req.Chain.Name,
		"prompt_count": len(req.Prompts),
	})

	actor := knowledge.Identity{UserID: req.UserID, Owner: req.Owner}
	handle, err := r.orchestrator.ExecuteChain(ctx, req.Prompts, req.Inputs, actor, ec)
	if err != nil {
		log.Warn().Err(err).
			Int64("execution_id", executionID).
			Msg("Chain execution failed")
		return nil, err
	}

	return &RunResult{
		ExecutionID: executionID,
		Handle:      handle,
		PromptCount: len(req.Prompts),
		Context:     ec,
	}, nil
}
