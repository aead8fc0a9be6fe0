package aimodels

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/promptchain/pkg/models"
)

// Registry resolves and lists the AI models available to chains
type Registry struct {
	db *sql.DB
}

// NewRegistry creates a model registry
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// GetModelByID retrieves one model record. A missing model resolves to
// (nil, nil); callers treat that as a configuration error.
func (r *Registry) GetModelByID(ctx context.Context, id int64) (*models.AIModel, error) {
	m := &models.AIModel{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, model_id, provider, enabled
		FROM ai_models
		WHERE id = $1
	`, id).Scan(&m.ID, &m.Name, &m.ModelID, &m.Provider, &m.Enabled)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get AI model: %w", err)
	}
	return m, nil
}

// ListEnabled retrieves all enabled models, ordered by name
func (r *Registry) ListEnabled(ctx context.Context) ([]*models.AIModel, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, model_id, provider, enabled
		FROM ai_models
		WHERE enabled = true
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query AI models: %w", err)
	}
	defer rows.Close()

	out := make([]*models.AIModel, 0)
	for rows.Next() {
		m := &models.AIModel{}
		if err := rows.Scan(&m.ID, &m.Name, &m.ModelID, &m.Provider, &m.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan AI model: %w", err)
		}
		out = append(out, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating AI models: %w", err)
	}

	return out, nil
}
