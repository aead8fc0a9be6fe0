package execution

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptchain/pkg/models"
)

func newTestRunner(store Persistence, sink EventSink, provider StreamingProvider) *Runner {
	events := NewRecorder(sink)
	x := newTestExecutor(store, sink, provider, nil)
	orch := NewOrchestrator(x, store, events)
	return NewRunner(store, events, orch)
}

func chainFixture() *models.Chain {
	return &models.Chain{ID: 10, Name: "math helper", Status: models.ChainStatusApproved}
}

func TestExecuteChainPassesOutputBetweenPositions(t *testing.T) {
	store := newMemStore()
	sink := &memSink{}
	provider := &fakeProvider{respond: func(req StreamRequest) (string, error) {
		user := messageText(req.Messages[len(req.Messages)-1])
		if strings.Contains(user, "What is 6 x 7?") {
			return "42", nil
		}
		return "The answer is " + lastLine(user), nil
	}}
	runner := newTestRunner(store, sink, provider)

	first := &models.ChainPrompt{ID: 100, ChainID: 10, Name: "compute", Content: "What is 6 x 7?", ModelID: 1, Position: 0}
	second := &models.ChainPrompt{
		ID: 101, ChainID: 10, Name: "explain", Content: "Explain this result: ${input}",
		ModelID: 1, Position: 1,
		InputMapping: map[string]string{"input": "prompt_100.output"},
	}

	result, err := runner.Run(context.Background(), RunRequest{
		Chain:   chainFixture(),
		Prompts: []*models.ChainPrompt{first, second},
		Inputs:  map[string]any{},
		UserID:  1,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Handle)
	assert.Equal(t, 2, result.PromptCount)

	// The second prompt saw the first prompt's output substituted in.
	secondReq := provider.lastRequest()
	assert.Equal(t, "Explain this result: 42", messageText(secondReq.Messages[len(secondReq.Messages)-1]))

	// The surfaced handle carries the last position's stream.
	assert.Contains(t, result.Handle.Text(), "The answer is")

	assert.Equal(t, models.ExecutionStatusCompleted, store.status(result.ExecutionID))
	assert.Equal(t, models.ResultStatusCompleted, store.resultFor(100).Status)
	assert.Equal(t, models.ResultStatusCompleted, store.resultFor(101).Status)

	types := sink.types()
	assert.Equal(t, EventExecutionStart, types[0])
	assert.Equal(t, EventExecutionComplete, types[len(types)-1])
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}

func TestExecuteChainRunsSiblingsConcurrentlyAndAllSettle(t *testing.T) {
	store := newMemStore()
	sink := &memSink{}
	provider := &fakeProvider{respond: func(req StreamRequest) (string, error) {
		return "ok: " + messageText(req.Messages[0]), nil
	}}
	runner := newTestRunner(store, sink, provider)

	prompts := []*models.ChainPrompt{
		{ID: 1, ChainID: 10, Name: "a", Content: "alpha", ModelID: 1, Position: 0},
		{ID: 2, ChainID: 10, Name: "b", Content: "beta", ModelID: 1, Position: 0},
		{ID: 3, ChainID: 10, Name: "c", Content: "gamma", ModelID: 1, Position: 0},
		{ID: 4, ChainID: 10, Name: "join", Content: "join ${a} ${b}", ModelID: 1, Position: 1,
			InputMapping: map[string]string{"a": "prompt_1.output", "b": "prompt_2.output"}},
	}

	_, err := runner.Run(context.Background(), RunRequest{
		Chain: chainFixture(), Prompts: prompts, Inputs: map[string]any{}, UserID: 1,
	})
	require.NoError(t, err)

	for _, id := range []int64{1, 2, 3, 4} {
		r := store.resultFor(id)
		require.NotNil(t, r, "prompt %d has no result", id)
		assert.Equal(t, models.ResultStatusCompleted, r.Status)
	}

	finalReq := provider.lastRequest()
	assert.Equal(t, "join ok: alpha ok: beta", messageText(finalReq.Messages[0]))
}

func TestExecuteChainFailureAbortsRemainingPositions(t *testing.T) {
	store := newMemStore()
	sink := &memSink{}
	var calls []string
	provider := &fakeProvider{respond: func(req StreamRequest) (string, error) {
		user := messageText(req.Messages[len(req.Messages)-1])
		calls = append(calls, user)
		if strings.Contains(user, "boom") {
			return "", errors.New("model exploded")
		}
		return "fine", nil
	}}
	runner := newTestRunner(store, sink, provider)

	prompts := []*models.ChainPrompt{
		{ID: 1, ChainID: 10, Name: "fails", Content: "boom", ModelID: 1, Position: 0},
		{ID: 2, ChainID: 10, Name: "never runs", Content: "later", ModelID: 1, Position: 1},
	}

	result, err := runner.Run(context.Background(), RunRequest{
		Chain: chainFixture(), Prompts: prompts, Inputs: map[string]any{}, UserID: 1,
	})
	require.Error(t, err)
	assert.Nil(t, result)

	var ce *ChainError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 0, ce.Position)
	assert.Equal(t, 1, ce.FailedCount)
	assert.Equal(t, []int64{1}, ce.FailedIDs)

	// Position 1 never started.
	require.Len(t, calls, 1)
	assert.Nil(t, store.resultFor(2))

	assert.Equal(t, models.ExecutionStatusFailed, store.status(1))
	assert.Contains(t, store.errors[1], "model exploded")
}

func TestExecuteChainPartialGroupFailureSettlesAllSiblings(t *testing.T) {
	store := newMemStore()
	sink := &memSink{}
	provider := &fakeProvider{respond: func(req StreamRequest) (string, error) {
		if strings.Contains(messageText(req.Messages[0]), "bad") {
			return "", errors.New("refused")
		}
		return "good output", nil
	}}
	runner := newTestRunner(store, sink, provider)

	prompts := []*models.ChainPrompt{
		{ID: 1, ChainID: 10, Name: "good", Content: "fine input", ModelID: 1, Position: 0},
		{ID: 2, ChainID: 10, Name: "bad", Content: "bad input", ModelID: 1, Position: 0},
	}

	_, err := runner.Run(context.Background(), RunRequest{
		Chain: chainFixture(), Prompts: prompts, Inputs: map[string]any{}, UserID: 1,
	})
	require.Error(t, err)

	var ce *ChainError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.FailedCount)
	assert.Equal(t, 2, ce.GroupSize)
	assert.Equal(t, []int64{2}, ce.FailedIDs)

	// The healthy sibling still persisted a completed result.
	good := store.resultFor(1)
	require.NotNil(t, good)
	assert.Equal(t, models.ResultStatusCompleted, good.Status)
	bad := store.resultFor(2)
	require.NotNil(t, bad)
	assert.Equal(t, models.ResultStatusFailed, bad.Status)
}

func TestExecuteChainEmptyChain(t *testing.T) {
	store := newMemStore()
	sink := &memSink{}
	provider := &fakeProvider{respond: func(req StreamRequest) (string, error) {
		return "unused", nil
	}}
	runner := newTestRunner(store, sink, provider)

	_, err := runner.Run(context.Background(), RunRequest{
		Chain: chainFixture(), Prompts: nil, Inputs: map[string]any{}, UserID: 1,
	})
	require.Error(t, err)

	var ce *ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestExecuteChainCarrierIsFirstPromptOfLastPosition(t *testing.T) {
	store := newMemStore()
	sink := &memSink{}
	provider := &fakeProvider{respond: func(req StreamRequest) (string, error) {
		return "out of " + messageText(req.Messages[len(req.Messages)-1]), nil
	}}
	runner := newTestRunner(store, sink, provider)

	prompts := []*models.ChainPrompt{
		{ID: 1, ChainID: 10, Name: "first", Content: "left", ModelID: 1, Position: 2},
		{ID: 2, ChainID: 10, Name: "second", Content: "right", ModelID: 1, Position: 2},
	}

	result, err := runner.Run(context.Background(), RunRequest{
		Chain: chainFixture(), Prompts: prompts, Inputs: map[string]any{}, UserID: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "out of left", result.Handle.Text())

	// Only the carrier extended the conversation.
	msgs := result.Context.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "out of left", messageText(msgs[1]))
}

func TestGroupByPosition(t *testing.T) {
	prompts := []*models.ChainPrompt{
		{ID: 1, Position: 5},
		{ID: 2, Position: 0},
		{ID: 3, Position: 5},
		{ID: 4, Position: 2},
	}

	positions, groups := groupByPosition(prompts)
	assert.Equal(t, []int{0, 2, 5}, positions)
	require.Len(t, groups[5], 2)
	assert.Equal(t, int64(1), groups[5][0].ID)
	assert.Equal(t, int64(3), groups[5][1].ID)
}

func TestRunnerRunCreatesExecutionRecord(t *testing.T) {
	store := newMemStore()
	sink := &memSink{}
	provider := &fakeProvider{respond: func(req StreamRequest) (string, error) {
		return "hello", nil
	}}
	runner := newTestRunner(store, sink, provider)

	result, err := runner.Run(context.Background(), RunRequest{
		Chain:   chainFixture(),
		Prompts: []*models.ChainPrompt{{ID: 1, ChainID: 10, Name: "only", Content: "hi", ModelID: 1, Position: 0}},
		Inputs:  map[string]any{"k": "v"},
		UserID:  1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.ExecutionID)
	assert.Equal(t, models.ExecutionStatusCompleted, store.status(1))
}
