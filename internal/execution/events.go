package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Event types in execution lifecycle order. Every chain run produces an
// ordered trail of these, queryable with a since-cursor for progress UIs.
const (
	EventExecutionStart          = "execution-start"
	EventPromptStart             = "prompt-start"
	EventKnowledgeRetrievalStart = "knowledge-retrieval-start"
	EventKnowledgeRetrieved      = "knowledge-retrieved"
	EventVariableSubstitution    = "variable-substitution"
	EventPromptComplete          = "prompt-complete"
	EventExecutionComplete       = "execution-complete"
	EventExecutionError          = "execution-error"
)

// Event is one entry in an execution's progress trail
type Event struct {
	ID          int64           `json:"id" db:"id"`
	ExecutionID int64           `json:"execution_id" db:"execution_id"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
	EventType   string          `json:"event_type" db:"event_type"`
	PromptID    *int64          `json:"prompt_id,omitempty" db:"prompt_id"`
	Data        json.RawMessage `json:"data,omitempty" db:"data"`
}

// EventSink accepts execution events for persistence
type EventSink interface {
	Insert(ctx context.Context, event *Event) error
}

// EventStore persists execution events to Postgres
type EventStore struct {
	db *sql.DB
}

// NewEventStore creates a new event store
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// Insert writes one event
func (s *EventStore) Insert(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO execution_events (execution_id, timestamp, event_type, prompt_id, data)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, event.ExecutionID, event.Timestamp, event.EventType, event.PromptID, event.Data).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to insert execution event: %w", err)
	}
	return nil
}

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// List retrieves events for an execution, ordered by id ascending.
// sinceID is an exclusive cursor: pass the last seen event id to poll
// for new events, or 0 for the full trail.
func (s *EventStore) List(ctx context.Context, executionID, sinceID int64, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, timestamp, event_type, prompt_id, data
		FROM execution_events
		WHERE execution_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`, executionID, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution events: %w", err)
	}
	defer rows.Close()

	events := make([]*Event, 0)
	for rows.Next() {
		e := &Event{}
		err := rows.Scan(&e.ID, &e.ExecutionID, &e.Timestamp, &e.EventType, &e.PromptID, &e.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution events: %w", err)
	}

	return events, nil
}

// Recorder emits events best-effort: a sink failure is logged and
// swallowed so observability never takes down a run.
type Recorder struct {
	sink EventSink
}

// NewRecorder creates a recorder over a sink. A nil sink yields a
// recorder whose emits are no-ops.
func NewRecorder(sink EventSink) *Recorder {
	return &Recorder{sink: sink}
}

// Emit records an event with an optional JSON-marshalable payload
func (r *Recorder) Emit(ctx context.Context, executionID int64, eventType string, promptID *int64, payload any) {
	if r == nil || r.sink == nil {
		return
	}

	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			log.Warn().Err(err).
				Int64("execution_id", executionID).
				Str("event_type", eventType).
				Msg("Failed to marshal event payload")
		} else {
			data = b
		}
	}

	event := &Event{
		ExecutionID: executionID,
		Timestamp:   time.Now(),
		EventType:   eventType,
		PromptID:    promptID,
		Data:        data,
	}
	if err := r.sink.Insert(ctx, event); err != nil {
		log.Warn().Err(err).
			Int64("execution_id", executionID).
			Str("event_type", eventType).
			Msg("Failed to record execution event")
	}
}

// EmitError records an execution-error event. Errors in this system are
// terminal for the run, so the payload always carries recoverable=false.
func (r *Recorder) EmitError(ctx context.Context, executionID int64, promptID *int64, err error) {
	r.Emit(ctx, executionID, EventExecutionError, promptID, map[string]any{
		"error":       truncateDetail(err),
		"recoverable": false,
	})
}
