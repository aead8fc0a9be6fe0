package execution

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/promptchain/internal/knowledge"
	"github.com/promptchain/internal/substitute"
	"github.com/promptchain/pkg/models"
)

// memStore is an in-memory Persistence for tests
type memStore struct {
	mu         sync.Mutex
	nextID     int64
	executions map[int64]models.ExecutionStatus
	errors     map[int64]string
	results    []*models.PromptResult
	insertErr  error
}

func newMemStore() *memStore {
	return &memStore{executions: make(map[int64]models.ExecutionStatus), errors: make(map[int64]string)}
}

func (s *memStore) CreateExecution(ctx context.Context, chainID, userID int64, conversationID *string, inputs []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.executions[s.nextID] = models.ExecutionStatusRunning
	return s.nextID, nil
}

func (s *memStore) MarkCompleted(ctx context.Context, executionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[executionID] = models.ExecutionStatusCompleted
	return nil
}

func (s *memStore) MarkFailed(ctx context.Context, executionID int64, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[executionID] = models.ExecutionStatusFailed
	s.errors[executionID] = errorMessage
	return nil
}

func (s *memStore) InsertPromptResult(ctx context.Context, r *models.PromptResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.results = append(s.results, r)
	return nil
}

func (s *memStore) status(executionID int64) models.ExecutionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executions[executionID]
}

func (s *memStore) resultFor(promptID int64) *models.PromptResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.results {
		if r.PromptID == promptID {
			return r
		}
	}
	return nil
}

// memSink collects events in memory
type memSink struct {
	mu     sync.Mutex
	events []*Event
}

func (s *memSink) Insert(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.EventType)
	}
	return out
}

// fakeResolver resolves models from a fixed map
type fakeResolver struct {
	models map[int64]*models.AIModel
}

func (f *fakeResolver) GetModelByID(ctx context.Context, id int64) (*models.AIModel, error) {
	return f.models[id], nil
}

// fakeProvider streams a canned response synchronously: the handle is
// fully buffered and the terminal callback has fired before Stream
// returns, mirroring the contract the executor relies on.
type fakeProvider struct {
	mu       sync.Mutex
	requests []StreamRequest
	respond  func(req StreamRequest) (string, error)
}

func (f *fakeProvider) Stream(ctx context.Context, req StreamRequest) (*StreamHandle, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	text, err := f.respond(req)
	h := NewStreamHandle()
	if err != nil {
		h.Fail(err)
		req.Callbacks.OnError(ctx, err)
		return h, nil
	}
	for _, word := range strings.SplitAfter(text, " ") {
		h.Push([]byte(word))
	}
	h.Finish(text)
	req.Callbacks.OnFinish(ctx, text, Usage{OutputTokens: len(text) / 4}, "stop")
	return h, nil
}

func (f *fakeProvider) lastRequest() StreamRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

// fakeRetriever returns fixed chunks
type fakeRetriever struct {
	chunks []knowledge.Chunk
	err    error
}

func (f *fakeRetriever) Retrieve(ctx context.Context, query string, repositoryIDs []int64, actor knowledge.Identity, opts knowledge.Options) ([]knowledge.Chunk, error) {
	return f.chunks, f.err
}

func messageText(m llms.MessageContent) string {
	var b strings.Builder
	for _, part := range m.Parts {
		if tc, ok := part.(llms.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

func testModel() *models.AIModel {
	return &models.AIModel{ID: 1, Name: "GPT-4o Mini", ModelID: "gpt-4o-mini", Provider: "openai", Enabled: true}
}

func newTestExecutor(store Persistence, sink EventSink, provider StreamingProvider, retriever knowledge.Retriever) *Executor {
	resolver := &fakeResolver{models: map[int64]*models.AIModel{1: testModel()}}
	return NewExecutor(resolver, provider, retriever, store, NewRecorder(sink),
		substitute.New(substitute.DefaultLimits()), knowledge.Options{Limit: 8})
}

func promptFixture(id int64, position int) *models.ChainPrompt {
	return &models.ChainPrompt{
		ID:       id,
		ChainID:  10,
		Name:     "prompt",
		Content:  "Say hello to ${name}",
		ModelID:  1,
		Position: position,
	}
}

func TestExecutePromptSuccess(t *testing.T) {
	store := newMemStore()
	sink := &memSink{}
	provider := &fakeProvider{respond: func(req StreamRequest) (string, error) {
		return "Hello, Ada!", nil
	}}
	x := newTestExecutor(store, sink, provider, nil)

	ec := NewContext(7, "", nil)
	run := PromptRun{Prompt: promptFixture(1, 0), Inputs: map[string]any{"name": "Ada"}}

	handle, err := x.ExecutePrompt(context.Background(), run, ec)
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.Equal(t, "Hello, Ada!", handle.Text())

	out, ok := ec.Output(1)
	require.True(t, ok)
	assert.Equal(t, "Hello, Ada!", out)

	result := store.resultFor(1)
	require.NotNil(t, result)
	assert.Equal(t, models.ResultStatusCompleted, result.Status)
	assert.Equal(t, "Say hello to Ada", result.InputData)
	assert.Equal(t, "Hello, Ada!", result.OutputData)
	require.NotNil(t, result.CompletedAt)

	assert.Equal(t, []string{EventPromptStart, EventVariableSubstitution, EventPromptComplete}, sink.types())
	assert.Equal(t, "Say hello to Ada", messageText(provider.lastRequest().Messages[0]))
}

func TestExecutePromptInjectsKnowledgeContext(t *testing.T) {
	store := newMemStore()
	sink := &memSink{}
	provider := &fakeProvider{respond: func(req StreamRequest) (string, error) {
		return "done", nil
	}}
	retriever := &fakeRetriever{chunks: []knowledge.Chunk{
		{Content: "The capital of France is Paris.", Similarity: 0.9},
	}}
	x := newTestExecutor(store, sink, provider, retriever)

	p := promptFixture(1, 0)
	p.RepositoryIDs = []int64{4}
	ec := NewContext(7, "", nil)

	_, err := x.ExecutePrompt(context.Background(), PromptRun{Prompt: p, Inputs: map[string]any{"name": "Ada"}}, ec)
	require.NoError(t, err)

	userMsg := messageText(provider.lastRequest().Messages[0])
	assert.Contains(t, userMsg, "Say hello to Ada")
	assert.Contains(t, userMsg, "Relevant context from knowledge repositories:")
	assert.Contains(t, userMsg, "The capital of France is Paris.")

	assert.Equal(t, []string{
		EventPromptStart,
		EventKnowledgeRetrievalStart,
		EventKnowledgeRetrieved,
		EventVariableSubstitution,
		EventPromptComplete,
	}, sink.types())

	require.NotEmpty(t, provider.lastRequest().Tools)
	assert.Equal(t, "search_repository", provider.lastRequest().Tools[0].Function.Name)
}

func TestExecutePromptMissingModel(t *testing.T) {
	store := newMemStore()
	sink := &memSink{}
	provider := &fakeProvider{respond: func(req StreamRequest) (string, error) {
		return "never", nil
	}}
	x := newTestExecutor(store, sink, provider, nil)

	p := promptFixture(9, 0)
	p.ModelID = 42 // unknown
	ec := NewContext(7, "", nil)

	_, err := x.ExecutePrompt(context.Background(), PromptRun{Prompt: p, Inputs: map[string]any{"name": "Ada"}}, ec)
	require.Error(t, err)

	var pe *PromptError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, int64(9), pe.PromptID)
	var ce *ConfigError
	assert.ErrorAs(t, err, &ce)

	result := store.resultFor(9)
	require.NotNil(t, result)
	assert.Equal(t, models.ResultStatusFailed, result.Status)
	require.NotNil(t, result.ErrorMessage)
	assert.Contains(t, sink.types(), EventExecutionError)
}

func TestExecutePromptProviderFailure(t *testing.T) {
	store := newMemStore()
	sink := &memSink{}
	provider := &fakeProvider{respond: func(req StreamRequest) (string, error) {
		return "", errors.New("upstream returned 500")
	}}
	x := newTestExecutor(store, sink, provider, nil)

	ec := NewContext(7, "", nil)
	_, err := x.ExecutePrompt(context.Background(), PromptRun{Prompt: promptFixture(1, 0), Inputs: map[string]any{"name": "Ada"}}, ec)
	require.Error(t, err)

	var pe *PromptError
	require.ErrorAs(t, err, &pe)
	assert.False(t, pe.Timeout)

	result := store.resultFor(1)
	require.NotNil(t, result)
	assert.Equal(t, models.ResultStatusFailed, result.Status)
	require.NotNil(t, result.CompletedAt)
	require.NotNil(t, result.ErrorMessage)
	assert.Contains(t, *result.ErrorMessage, "upstream returned 500")

	_, ok := ec.Output(1)
	assert.False(t, ok)
}

func TestExecutePromptTimeoutClassification(t *testing.T) {
	store := newMemStore()
	sink := &memSink{}
	provider := &fakeProvider{respond: func(req StreamRequest) (string, error) {
		return "", context.DeadlineExceeded
	}}
	x := newTestExecutor(store, sink, provider, nil)

	p := promptFixture(1, 0)
	p.TimeoutSeconds = 30
	ec := NewContext(7, "", nil)

	_, err := x.ExecutePrompt(context.Background(), PromptRun{Prompt: p, Inputs: map[string]any{"name": "Ada"}}, ec)
	require.Error(t, err)

	var pe *PromptError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.Timeout)
	assert.Contains(t, pe.Error(), "timed out")
}

func TestExecutePromptPersistenceFailureFailsPrompt(t *testing.T) {
	store := newMemStore()
	store.insertErr = errors.New("connection reset")
	sink := &memSink{}
	provider := &fakeProvider{respond: func(req StreamRequest) (string, error) {
		return "Hello, Ada!", nil
	}}
	x := newTestExecutor(store, sink, provider, nil)

	ec := NewContext(7, "", nil)
	_, err := x.ExecutePrompt(context.Background(), PromptRun{Prompt: promptFixture(1, 0), Inputs: map[string]any{"name": "Ada"}}, ec)
	require.Error(t, err)

	var pe *PromptError
	assert.ErrorAs(t, err, &pe)
}

func TestExecutePromptLastInChainFinalizesExecution(t *testing.T) {
	store := newMemStore()
	store.executions[7] = models.ExecutionStatusRunning
	sink := &memSink{}
	provider := &fakeProvider{respond: func(req StreamRequest) (string, error) {
		return "final answer", nil
	}}
	x := newTestExecutor(store, sink, provider, nil)

	ec := NewContext(7, "", nil)
	run := PromptRun{
		Prompt:        promptFixture(1, 0),
		Inputs:        map[string]any{"name": "Ada"},
		IsFinalStream: true,
		IsLastInChain: true,
	}

	_, err := x.ExecutePrompt(context.Background(), run, ec)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, store.status(7))
	assert.Contains(t, sink.types(), EventExecutionComplete)

	msgs := ec.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, llms.ChatMessageTypeHuman, msgs[0].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, msgs[1].Role)
	assert.Equal(t, "final answer", messageText(msgs[1]))
}
