package execution

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/promptchain/pkg/models"
)

// Persistence is the subset of store operations the run path depends
// on. *Store satisfies it; tests substitute in-memory fakes.
type Persistence interface {
	CreateExecution(ctx context.Context, chainID, userID int64, conversationID *string, inputs []byte) (int64, error)
	MarkCompleted(ctx context.Context, executionID int64) error
	MarkFailed(ctx context.Context, executionID int64, errorMessage string) error
	InsertPromptResult(ctx context.Context, r *models.PromptResult) error
}

// Store handles database operations for executions and prompt results
type Store struct {
	db *sql.DB
}

// NewStore creates a new execution store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateExecution inserts a running execution record. One row exists per
// chain run, created before any prompt executes.
func (s *Store) CreateExecution(ctx context.Context, chainID, userID int64, conversationID *string, inputs []byte) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO executions (chain_id, user_id, conversation_id, inputs, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, chainID, userID, conversationID, inputs, models.ExecutionStatusRunning, time.Now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert execution: %w", err)
	}
	return id, nil
}

// MarkCompleted transitions an execution to completed
func (s *Store) MarkCompleted(ctx context.Context, executionID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = $1, completed_at = $2
		WHERE id = $3
	`, models.ExecutionStatusCompleted, time.Now(), executionID)
	if err != nil {
		return fmt.Errorf("failed to mark execution completed: %w", err)
	}
	return nil
}

// MarkFailed transitions an execution to failed, terminating the run
func (s *Store) MarkFailed(ctx context.Context, executionID int64, errorMessage string) error {
	if len(errorMessage) > maxErrorDetail {
		errorMessage = errorMessage[:maxErrorDetail] + "..."
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = $1, completed_at = $2, error_message = $3
		WHERE id = $4
	`, models.ExecutionStatusFailed, time.Now(), errorMessage, executionID)
	if err != nil {
		return fmt.Errorf("failed to mark execution failed: %w", err)
	}
	return nil
}

// GetExecution retrieves one execution record
func (s *Store) GetExecution(ctx context.Context, executionID int64) (*models.Execution, error) {
	e := &models.Execution{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, chain_id, user_id, conversation_id, status, started_at, completed_at, error_message
		FROM executions
		WHERE id = $1
	`, executionID).Scan(&e.ID, &e.ChainID, &e.UserID, &e.ConversationID, &e.Status, &e.StartedAt, &e.CompletedAt, &e.ErrorMessage)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return e, nil
}

// InsertPromptResult writes one prompt's terminal result. The unique
// index on (execution_id, prompt_id) makes the write idempotent: exactly
// one row exists per pair.
func (s *Store) InsertPromptResult(ctx context.Context, r *models.PromptResult) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO prompt_results
			(execution_id, prompt_id, input_data, output_data, status, started_at, completed_at, execution_time_ms, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (execution_id, prompt_id) DO NOTHING
		RETURNING id
	`, r.ExecutionID, r.PromptID, r.InputData, r.OutputData, r.Status,
		r.StartedAt, r.CompletedAt, r.ExecutionTimeMs, r.ErrorMessage).Scan(&r.ID)
	if err != nil {
		if err == sql.ErrNoRows {
			// Conflict: a result for this (execution, prompt) pair already exists.
			return nil
		}
		return fmt.Errorf("failed to insert prompt result: %w", err)
	}
	return nil
}

// ListPromptResults retrieves all prompt results for an execution
func (s *Store) ListPromptResults(ctx context.Context, executionID int64) ([]*models.PromptResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, prompt_id, input_data, output_data, status,
		       started_at, completed_at, execution_time_ms, error_message
		FROM prompt_results
		WHERE execution_id = $1
		ORDER BY started_at ASC, id ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt results: %w", err)
	}
	defer rows.Close()

	results := make([]*models.PromptResult, 0)
	for rows.Next() {
		r := &models.PromptResult{}
		err := rows.Scan(&r.ID, &r.ExecutionID, &r.PromptID, &r.InputData, &r.OutputData, &r.Status,
			&r.StartedAt, &r.CompletedAt, &r.ExecutionTimeMs, &r.ErrorMessage)
		if err != nil {
			return nil, fmt.Errorf("failed to scan prompt result: %w", err)
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating prompt results: %w", err)
	}

	return results, nil
}
