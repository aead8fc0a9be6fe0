package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
)

// Turn is one message in a conversation
type Turn struct {
	ID             int64     `json:"id" db:"id"`
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	Role           string    `json:"role" db:"role"`
	Content        string    `json:"content" db:"content"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Store handles conversation persistence. Conversations let repeated
// chain runs share accumulated context across requests.
type Store struct {
	db *sql.DB
}

// NewStore creates a new conversation store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create starts a new conversation for a user and returns its id
func (s *Store) Create(ctx context.Context, userID int64) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, created_at)
		VALUES ($1, $2, $3)
	`, id, userID, time.Now())
	if err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}
	return id, nil
}

// Exists reports whether a conversation belongs to the given user
func (s *Store) Exists(ctx context.Context, conversationID string, userID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conversations WHERE id = $1 AND user_id = $2
	`, conversationID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check conversation: %w", err)
	}
	return n > 0, nil
}

// AppendTurns records a user/assistant exchange
func (s *Store) AppendTurns(ctx context.Context, conversationID, user, assistant string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_turns (conversation_id, role, content, created_at)
		VALUES ($1, 'user', $2, $3), ($1, 'assistant', $4, $3)
	`, conversationID, user, assistant, now)
	if err != nil {
		return fmt.Errorf("failed to append conversation turns: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conversation turns: %w", err)
	}
	return nil
}

// History loads a conversation's turns as model messages, oldest first
func (s *Store) History(ctx context.Context, conversationID string) ([]llms.MessageContent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content
		FROM conversation_turns
		WHERE conversation_id = $1
		ORDER BY id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation turns: %w", err)
	}
	defer rows.Close()

	history := make([]llms.MessageContent, 0)
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, fmt.Errorf("failed to scan conversation turn: %w", err)
		}
		msgRole := llms.ChatMessageTypeHuman
		if role == "assistant" {
			msgRole = llms.ChatMessageTypeAI
		}
		history = append(history, llms.TextParts(msgRole, content))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversation turns: %w", err)
	}

	return history, nil
}
