package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// Chunk is one ranked piece of retrieved context
type Chunk struct {
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}

// Options bound one retrieval call
type Options struct {
	Limit         int
	MinSimilarity float64
}

// Identity names the actor a retrieval is scoped to. Owner is set for
// cross-tenant knowledge access and is otherwise nil.
type Identity struct {
	UserID int64
	Owner  *int64
}

// Retriever is the external retrieval capability the execution core
// consumes. Ranking and embedding live behind this boundary.
type Retriever interface {
	Retrieve(ctx context.Context, query string, repositoryIDs []int64, actor Identity, opts Options) ([]Chunk, error)
}

// PGRetriever ranks chunks with Postgres full-text search
type PGRetriever struct {
	db *sql.DB
}

// NewPGRetriever creates a Postgres-backed retriever
func NewPGRetriever(db *sql.DB) *PGRetriever {
	return &PGRetriever{db: db}
}

// Retrieve returns ranked chunks from the given repositories. Access is
// restricted to repositories owned by the actor or, when set, the owner
// identity.
func (r *PGRetriever) Retrieve(ctx context.Context, query string, repositoryIDs []int64, actor Identity, opts Options) ([]Chunk, error) {
	if len(repositoryIDs) == 0 {
		return nil, nil
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 8
	}

	ownerIDs := []int64{actor.UserID}
	if actor.Owner != nil {
		ownerIDs = append(ownerIDs, *actor.Owner)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT c.content,
		       ts_rank_cd(c.content_tsv, plainto_tsquery('english', $1)) AS similarity
		FROM knowledge_chunks c
		JOIN knowledge_repositories kr ON kr.id = c.repository_id
		WHERE c.repository_id = ANY($2)
		  AND kr.owner_id = ANY($3)
		  AND c.content_tsv @@ plainto_tsquery('english', $1)
		ORDER BY similarity DESC
		LIMIT $4
	`, query, pq.Array(repositoryIDs), pq.Array(ownerIDs), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge chunks: %w", err)
	}
	defer rows.Close()

	chunks := make([]Chunk, 0)
	for rows.Next() {
		var chunk Chunk
		if err := rows.Scan(&chunk.Content, &chunk.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge chunk: %w", err)
		}
		if chunk.Similarity < opts.MinSimilarity {
			continue
		}
		chunks = append(chunks, chunk)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating knowledge chunks: %w", err)
	}

	return chunks, nil
}

// FormatContext renders retrieved chunks into appended prompt context.
// Zero chunks render to the empty string so the prompt content stays
// unmodified, with no stray separator.
func FormatContext(chunks []Chunk) string {
	if len(chunks) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Relevant context from knowledge repositories:\n")
	for i, chunk := range chunks {
		b.WriteString(fmt.Sprintf("\n[%d] %s\n", i+1, strings.TrimSpace(chunk.Content)))
	}
	return b.String()
}

// ApproxTokens is a crude length/4 heuristic used for telemetry only.
// It is not a real tokenizer and never feeds billing.
func ApproxTokens(s string) int {
	return (len(s) + 3) / 4
}
