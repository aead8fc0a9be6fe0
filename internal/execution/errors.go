package execution

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// maxErrorDetail bounds error text carried into aggregate messages and
// the event log.
const maxErrorDetail = 500

// ErrNoStreamHandle indicates the terminal position finished without
// producing a UI stream. That is a scheduling bug, not a prompt failure.
var ErrNoStreamHandle = errors.New("terminal position produced no stream handle")

// ConfigError is an unrecoverable configuration problem for this run,
// such as a prompt without a model or a missing model record.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return e.Reason
}

// PromptError attributes a failure to one prompt so the orchestrator can
// assign blame.
type PromptError struct {
	PromptID   int64
	PromptName string
	Position   int
	Timeout    bool
	Err        error
}

func (e *PromptError) Error() string {
	kind := "failed"
	if e.Timeout {
		kind = "timed out"
	}
	return fmt.Sprintf("prompt %d (%q) at position %d %s: %v", e.PromptID, e.PromptName, e.Position, kind, e.Err)
}

func (e *PromptError) Unwrap() error {
	return e.Err
}

// ChainError aggregates the failures of one parallel position group
type ChainError struct {
	Position    int
	FailedCount int
	GroupSize   int
	FailedIDs   []int64
	First       error
}

func (e *ChainError) Error() string {
	ids := make([]string, len(e.FailedIDs))
	for i, id := range e.FailedIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	return fmt.Sprintf("%d of %d prompts failed at position %d (prompt ids %s): %s",
		e.FailedCount, e.GroupSize, e.Position, strings.Join(ids, ", "), truncateDetail(e.First))
}

func (e *ChainError) Unwrap() error {
	return e.First
}

func truncateDetail(err error) string {
	if err == nil {
		return "unknown error"
	}
	msg := err.Error()
	if len(msg) > maxErrorDetail {
		return msg[:maxErrorDetail] + "..."
	}
	return msg
}
