package execution

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/promptchain/internal/knowledge"
	"github.com/promptchain/pkg/models"
)

// Orchestrator walks a chain position by position. Positions run
// strictly sequentially; prompts sharing a position run concurrently,
// and a position advances only after every prompt in it settled.
type Orchestrator struct {
	executor *Executor
	store    Persistence
	events   *Recorder
}

// NewOrchestrator creates a chain orchestrator
func NewOrchestrator(executor *Executor, store Persistence, events *Recorder) *Orchestrator {
	return &Orchestrator{executor: executor, store: store, events: events}
}

// groupByPosition buckets prompts by position, preserving the stored
// order inside each bucket. The first prompt of the last position
// carries the UI stream.
func groupByPosition(prompts []*models.ChainPrompt) ([]int, map[int][]*models.ChainPrompt) {
	groups := make(map[int][]*models.ChainPrompt)
	for _, p := range prompts {
		groups[p.Position] = append(groups[p.Position], p)
	}
	positions := make([]int, 0, len(groups))
	for pos := range groups {
		positions = append(positions, pos)
	}
	sort.Ints(positions)
	return positions, groups
}

type settled struct {
	prompt *models.ChainPrompt
	handle *StreamHandle
	err    error
}

// ExecuteChain runs every prompt of a chain and returns the stream
// handle of the final position's first prompt. Any prompt failure
// aborts the run: remaining positions never start and the execution is
// marked failed.
func (o *Orchestrator) ExecuteChain(ctx context.Context, prompts []*models.ChainPrompt, inputs map[string]any, actor knowledge.Identity, ec *Context) (*StreamHandle, error) {
	positions, groups := groupByPosition(prompts)
	if len(positions) == 0 {
		err := &ConfigError{Reason: "chain has no prompts"}
		o.failRun(ctx, ec, err)
		return nil, err
	}
	lastPosition := positions[len(positions)-1]

	var uiHandle *StreamHandle
	for _, pos := range positions {
		group := groups[pos]
		results := o.runGroup(ctx, group, inputs, actor, pos == lastPosition, ec)

		var failed []settled
		for _, r := range results {
			if r.err != nil {
				failed = append(failed, r)
			} else if r.handle != nil {
				uiHandle = r.handle
			}
		}
		if len(failed) > 0 {
			err := o.aggregateFailure(pos, len(group), failed)
			o.failRun(ctx, ec, err)
			return nil, err
		}
	}

	if uiHandle == nil {
		// Every prompt settled cleanly yet no handle surfaced: a
		// scheduling bug, not a prompt failure.
		o.failRun(ctx, ec, ErrNoStreamHandle)
		return nil, ErrNoStreamHandle
	}
	return uiHandle, nil
}

// runGroup executes one position's prompts. A single prompt runs
// inline; siblings run concurrently and every one settles before the
// group returns, win or lose.
func (o *Orchestrator) runGroup(ctx context.Context, group []*models.ChainPrompt, inputs map[string]any, actor knowledge.Identity, isLast bool, ec *Context) []settled {
	results := make([]settled, len(group))

	runOne := func(i int) {
		p := group[i]
		run := PromptRun{
			Prompt:        p,
			Inputs:        inputs,
			Actor:         actor,
			IsFinalStream: isLast && i == 0,
			IsLastInChain: isLast && i == 0,
		}
		handle, err := o.executor.ExecutePrompt(ctx, run, ec)
		if run.IsFinalStream && err == nil {
			results[i] = settled{prompt: p, handle: handle, err: nil}
			return
		}
		results[i] = settled{prompt: p, err: err}
	}

	if len(group) == 1 {
		runOne(0)
		return results
	}

	log.Debug().
		Int64("execution_id", ec.ExecutionID).
		Int("position", group[0].Position).
		Int("group_size", len(group)).
		Msg("Running prompt group in parallel")

	var wg sync.WaitGroup
	for i := range group {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			runOne(i)
		}(i)
	}
	wg.Wait()
	return results
}

// aggregateFailure builds the group-level error from every failed
// sibling, keeping the first failure as the representative cause.
func (o *Orchestrator) aggregateFailure(position, groupSize int, failed []settled) error {
	ids := make([]int64, 0, len(failed))
	for _, f := range failed {
		ids = append(ids, f.prompt.ID)
	}
	return &ChainError{
		Position:    position,
		FailedCount: len(failed),
		GroupSize:   groupSize,
		FailedIDs:   ids,
		First:       failed[0].err,
	}
}

// failRun marks the execution failed and records the terminal error
// event. Persistence uses a cancellation-free context so abort state is
// written even when the run's own context is already done.
func (o *Orchestrator) failRun(ctx context.Context, ec *Context, cause error) {
	writeCtx := context.WithoutCancel(ctx)
	if err := o.store.MarkFailed(writeCtx, ec.ExecutionID, cause.Error()); err != nil {
		log.Error().Err(err).
			Int64("execution_id", ec.ExecutionID).
			Msg("Failed to mark execution failed")
	}
	o.events.EmitError(writeCtx, ec.ExecutionID, nil, cause)
}
