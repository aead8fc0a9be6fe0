// Package jobqueue provides a River-based queue for background chain
// executions. The API creates the execution record up front so clients
// can poll status and events while the worker runs the chain.
package jobqueue

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/tmc/langchaingo/llms"

	"github.com/promptchain/internal/chains"
	"github.com/promptchain/internal/conversation"
	"github.com/promptchain/internal/execution"
	"github.com/promptchain/internal/logging"
)

const queueMaxWorkers = 4

// ChainRunJobArgs represents the arguments for a background chain run
type ChainRunJobArgs struct {
	ExecutionID    int64          `json:"execution_id"`
	ChainID        int64          `json:"chain_id"`
	UserID         int64          `json:"user_id"`
	Owner          *int64         `json:"owner,omitempty"`
	Inputs         map[string]any `json:"inputs"`
	ConversationID string         `json:"conversation_id,omitempty"`
}

// Kind returns the job kind for River
func (ChainRunJobArgs) Kind() string {
	return "chain_run"
}

// InsertOpts pins chain runs to a single attempt: a prompt failure is
// terminal for the execution, so a retry could never succeed against
// the same record.
func (ChainRunJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 1}
}

// ChainRunWorker runs queued chain executions
type ChainRunWorker struct {
	river.WorkerDefaults[ChainRunJobArgs]
	chains        *chains.Store
	conversations *conversation.Store
	runner        *execution.Runner
}

// Work executes one queued chain run. The runner already persists the
// failure state on error; returning the error surfaces it in River's
// job row as well. A prompt failure terminates the run, so jobs never
// retry.
func (w *ChainRunWorker) Work(ctx context.Context, job *river.Job[ChainRunJobArgs]) error {
	args := job.Args
	logger := logging.ForExecution(args.ExecutionID)

	logger.Info().
		Int64("chain_id", args.ChainID).
		Msg("Picking up queued chain run")

	chain, err := w.chains.GetChain(ctx, args.ChainID)
	if err != nil {
		return err
	}
	if chain == nil {
		return fmt.Errorf("chain %d not found", args.ChainID)
	}

	prompts, err := w.chains.ListPrompts(ctx, args.ChainID)
	if err != nil {
		return err
	}

	req := execution.RunRequest{
		Chain:          chain,
		Prompts:        prompts,
		Inputs:         args.Inputs,
		UserID:         args.UserID,
		Owner:          args.Owner,
		ConversationID: args.ConversationID,
	}
	if args.ConversationID != "" {
		history, err := w.conversations.History(ctx, args.ConversationID)
		if err != nil {
			return err
		}
		req.History = history
	}

	result, err := w.runner.RunExisting(ctx, args.ExecutionID, req)
	if err != nil {
		return err
	}

	// No client reads the stream; drain it so the handle's buffer is
	// released and any stream-level failure is observed.
	if err := result.Handle.Drain(ctx); err != nil {
		return err
	}

	if args.ConversationID != "" {
		msgs := result.Context.Messages()
		if len(msgs) >= 2 {
			user := messageText(msgs[len(msgs)-2])
			assistant := messageText(msgs[len(msgs)-1])
			if err := w.conversations.AppendTurns(ctx, args.ConversationID, user, assistant); err != nil {
				logger.Warn().Err(err).
					Str("conversation_id", args.ConversationID).
					Msg("Failed to persist conversation turn")
			}
		}
	}
	return nil
}

func messageText(m llms.MessageContent) string {
	out := ""
	for _, part := range m.Parts {
		if tc, ok := part.(llms.TextContent); ok {
			out += tc.Text
		}
	}
	return out
}

// JobQueue manages the River job queue
type JobQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
}

// NewJobQueue creates the queue with its worker wired to the execution
// stack.
func NewJobQueue(databaseURL string, chainStore *chains.Store, conversations *conversation.Store, runner *execution.Runner) (*JobQueue, error) {
	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &ChainRunWorker{
		chains:        chainStore,
		conversations: conversations,
		runner:        runner,
	})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: queueMaxWorkers},
		},
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{client: client, pool: pool}, nil
}

// Start starts the job queue workers
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers and releases the pool
func (jq *JobQueue) Stop(ctx context.Context) error {
	err := jq.client.Stop(ctx)
	jq.pool.Close()
	return err
}

// QueueChainRun enqueues a background chain run for an already-created
// execution record.
func (jq *JobQueue) QueueChainRun(ctx context.Context, args ChainRunJobArgs) error {
	_, err := jq.client.Insert(ctx, args, nil)
	if err != nil {
		return fmt.Errorf("failed to queue chain run job: %w", err)
	}
	return nil
}
