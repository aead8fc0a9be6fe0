package execution

import (
	"sync"

	"github.com/tmc/langchaingo/llms"
)

// Context is the mutable state threaded through one chain run. It is
// created fresh per run and owned by the orchestrator; positions execute
// strictly sequentially, so readers in position k+1 always see every
// write from position k. The mutex only covers same-position siblings
// writing their own distinct entries concurrently.
type Context struct {
	ExecutionID    int64
	ConversationID string

	mu          sync.Mutex
	outputs     map[int64]string
	accumulated []llms.MessageContent
}

// NewContext creates the per-run execution context. History seeds the
// accumulated conversation when the run continues a conversation.
func NewContext(executionID int64, conversationID string, history []llms.MessageContent) *Context {
	return &Context{
		ExecutionID:    executionID,
		ConversationID: conversationID,
		outputs:        make(map[int64]string),
		accumulated:    append([]llms.MessageContent(nil), history...),
	}
}

// RecordOutput records a completed prompt's output. Append-only; no two
// prompts share an id, so there is no write-write race.
func (c *Context) RecordOutput(promptID int64, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs[promptID] = text
}

// Output returns one prompt's recorded output
func (c *Context) Output(promptID int64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	text, ok := c.outputs[promptID]
	return text, ok
}

// Outputs returns a copy of the previous-outputs map for substitution
func (c *Context) Outputs() map[int64]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int64]string, len(c.outputs))
	for id, text := range c.outputs {
		out[id] = text
	}
	return out
}

// AppendTurn extends the accumulated conversation with one user and
// assistant pair. Only the UI-stream carrier appends, preserving a
// single coherent conversation view.
func (c *Context) AppendTurn(user, assistant llms.MessageContent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accumulated = append(c.accumulated, user, assistant)
}

// Messages returns a copy of the accumulated conversation
func (c *Context) Messages() []llms.MessageContent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llms.MessageContent(nil), c.accumulated...)
}
