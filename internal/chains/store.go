package chains

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/promptchain/pkg/models"
)

// Store handles database operations for chain definitions
type Store struct {
	db *sql.DB
}

// NewStore creates a new chain store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetChain retrieves one chain definition. A missing chain resolves to
// (nil, nil).
func (s *Store) GetChain(ctx context.Context, chainID int64) (*models.Chain, error) {
	c := &models.Chain{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, status, creator_id, created_at, updated_at
		FROM chains
		WHERE id = $1
	`, chainID).Scan(&c.ID, &c.Name, &c.Description, &c.Status, &c.CreatorID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get chain: %w", err)
	}
	return c, nil
}

// ListPrompts retrieves a chain's prompts in execution order: position
// ascending, id as tiebreaker. The tiebreaker fixes which prompt of the
// last position carries the response stream.
func (s *Store) ListPrompts(ctx context.Context, chainID int64) ([]*models.ChainPrompt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chain_id, name, content, system_context, model_id, position,
		       parallel_group, input_mapping, repository_ids, enabled_tools, timeout_seconds
		FROM chain_prompts
		WHERE chain_id = $1
		ORDER BY position ASC, id ASC
	`, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chain prompts: %w", err)
	}
	defer rows.Close()

	prompts := make([]*models.ChainPrompt, 0)
	for rows.Next() {
		p := &models.ChainPrompt{}
		var mappingRaw []byte
		err := rows.Scan(&p.ID, &p.ChainID, &p.Name, &p.Content, &p.SystemContext, &p.ModelID, &p.Position,
			&p.ParallelGroup, &mappingRaw, pq.Array(&p.RepositoryIDs), pq.Array(&p.EnabledTools), &p.TimeoutSeconds)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chain prompt: %w", err)
		}
		if len(mappingRaw) > 0 {
			if err := json.Unmarshal(mappingRaw, &p.InputMapping); err != nil {
				return nil, fmt.Errorf("invalid input mapping for prompt %d: %w", p.ID, err)
			}
		}
		prompts = append(prompts, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chain prompts: %w", err)
	}

	return prompts, nil
}
