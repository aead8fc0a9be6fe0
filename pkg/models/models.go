package models

import (
	"time"
)

// Chain definition models

// ChainStatus represents the review state of a chain definition
type ChainStatus string

const (
	ChainStatusDraft    ChainStatus = "draft"
	ChainStatusPending  ChainStatus = "pending_approval"
	ChainStatusApproved ChainStatus = "approved"
	ChainStatusDisabled ChainStatus = "disabled"
)

// Chain represents a prompt chain definition (an assistant "tool")
type Chain struct {
	ID          int64       `json:"id" db:"id"`
	Name        string      `json:"name" db:"name"`
	Description *string     `json:"description,omitempty" db:"description"`
	Status      ChainStatus `json:"status" db:"status"`
	CreatorID   int64       `json:"creator_id" db:"creator_id"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" db:"updated_at"`
}

// ChainPrompt is one node in the prompt chain. Prompts sharing a position
// execute concurrently; positions execute in ascending order.
type ChainPrompt struct {
	ID             int64             `json:"id" db:"id"`
	ChainID        int64             `json:"chain_id" db:"chain_id"`
	Name           string            `json:"name" db:"name"`
	Content        string            `json:"content" db:"content"`
	SystemContext  *string           `json:"system_context,omitempty" db:"system_context"`
	ModelID        int64             `json:"model_id" db:"model_id"`
	Position       int               `json:"position" db:"position"`
	ParallelGroup  *int              `json:"parallel_group,omitempty" db:"parallel_group"` // reserved, unused by the scheduler
	InputMapping   map[string]string `json:"input_mapping" db:"input_mapping"`
	RepositoryIDs  []int64           `json:"repository_ids,omitempty" db:"repository_ids"`
	EnabledTools   []string          `json:"enabled_tools,omitempty" db:"enabled_tools"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" db:"timeout_seconds"`
}

// AIModel represents a configured model record
type AIModel struct {
	ID       int64  `json:"id" db:"id"`
	Name     string `json:"name" db:"name"`
	ModelID  string `json:"model_id" db:"model_id"`
	Provider string `json:"provider" db:"provider"`
	Enabled  bool   `json:"enabled" db:"enabled"`
}

// Execution models

// ExecutionStatus represents the lifecycle state of one chain run
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// Execution is one chain run: created before any prompt executes,
// completed only after the terminal prompt's stream finishes.
type Execution struct {
	ID             int64           `json:"id" db:"id"`
	ChainID        int64           `json:"chain_id" db:"chain_id"`
	UserID         int64           `json:"user_id" db:"user_id"`
	ConversationID *string         `json:"conversation_id,omitempty" db:"conversation_id"`
	Status         ExecutionStatus `json:"status" db:"status"`
	StartedAt      time.Time       `json:"started_at" db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	ErrorMessage   *string         `json:"error_message,omitempty" db:"error_message"`
}

// ResultStatus represents the terminal state of one prompt execution attempt
type ResultStatus string

const (
	ResultStatusCompleted ResultStatus = "completed"
	ResultStatusFailed    ResultStatus = "failed"
)

// PromptResult is one row per prompt execution attempt. Exactly one row
// exists per (execution, prompt) pair after a run completes or fails.
type PromptResult struct {
	ID              int64        `json:"id" db:"id"`
	ExecutionID     int64        `json:"execution_id" db:"execution_id"`
	PromptID        int64        `json:"prompt_id" db:"prompt_id"`
	InputData       string       `json:"input_data" db:"input_data"` // serialized resolved input + substitution context
	OutputData      string       `json:"output_data" db:"output_data"`
	Status          ResultStatus `json:"status" db:"status"`
	StartedAt       time.Time    `json:"started_at" db:"started_at"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty" db:"completed_at"`
	ExecutionTimeMs int64        `json:"execution_time_ms" db:"execution_time_ms"`
	ErrorMessage    *string      `json:"error_message,omitempty" db:"error_message"`
}
