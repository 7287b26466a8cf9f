// Package executor runs the agents of one parallel group concurrently,
// bounded by a semaphore, and hands their buffered events to the stream
// coordinator once the group settles.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/maestro-ai/maestro/pkg/agent"
	"github.com/maestro-ai/maestro/pkg/retry"
	"github.com/maestro-ai/maestro/pkg/state"
	"github.com/maestro-ai/maestro/pkg/stream"
)

// DefaultMaxConcurrent bounds how many agents of a group run at once.
const DefaultMaxConcurrent = 3

// GroupExecutor settles one parallel group per call. Every agent in the group
// reaches a result record (success or fallback) before the group index
// advances; agent failures never abort the group.
type GroupExecutor struct {
	invoker       *retry.Invoker
	coordinator   *stream.Coordinator
	maxConcurrent int64

	// memDeltaWarnMB triggers a log warning when one agent's invocation grows
	// the heap by more than this many MiB. Zero disables the guard.
	memDeltaWarnMB float64
}

// NewGroupExecutor creates an executor. maxConcurrent <= 0 falls back to
// DefaultMaxConcurrent.
func NewGroupExecutor(invoker *retry.Invoker, coordinator *stream.Coordinator, maxConcurrent int, memDeltaWarnMB float64) *GroupExecutor {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &GroupExecutor{
		invoker:        invoker,
		coordinator:    coordinator,
		maxConcurrent:  int64(maxConcurrent),
		memDeltaWarnMB: memDeltaWarnMB,
	}
}

// ExecuteGroup runs the current parallel group to settlement, advances
// current_group, then drains the group's buffered events to sub in canonical
// order. canonicalOrder is the registry's registration order. The returned
// error is kernel-scoped; per-agent failures settle as fallbacks instead.
func (e *GroupExecutor) ExecuteGroup(ctx context.Context, reg *agent.Registry, store *state.Store, sub stream.Subscriber, canonicalOrder []string) error {
	snapshot := store.Snapshot()
	if snapshot.CurrentGroup >= len(snapshot.ParallelGroups) {
		return fmt.Errorf("no pending group: current_group %d of %d", snapshot.CurrentGroup, len(snapshot.ParallelGroups))
	}
	group := snapshot.ParallelGroups[snapshot.CurrentGroup]

	slog.Info("Executing parallel group",
		"group", snapshot.CurrentGroup, "agents", group, "max_concurrent", e.maxConcurrent)

	sem := semaphore.NewWeighted(e.maxConcurrent)
	kernelErrs := make(chan error, len(group))

	for _, name := range group {
		// An agent settled by an earlier pass (re-plan over a partial run)
		// keeps its result.
		if snapshot.HasResult(name) {
			slog.Debug("Skipping settled agent", "agent", name)
			continue
		}

		a, ok := reg.Get(name)
		if !ok {
			store.AppendError(state.ErrorEntry{
				Agent:     name,
				Message:   fmt.Sprintf("agent %q not registered", name),
				Timestamp: time.Now().UTC(),
				Kind:      state.KindAgentFailure,
			})
			continue
		}

		e.coordinator.Register(name)
		if err := sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("acquire executor slot: %w", err)
		}
		go func(a agent.Agent) {
			defer sem.Release(1)
			if err := e.runAgent(ctx, a, store); err != nil {
				kernelErrs <- err
			}
		}(a)
	}

	// Wait for the whole group by draining the semaphore.
	if err := sem.Acquire(ctx, e.maxConcurrent); err != nil {
		return fmt.Errorf("wait for group: %w", err)
	}
	sem.Release(e.maxConcurrent)

	select {
	case err := <-kernelErrs:
		return err
	default:
	}

	if err := e.advanceGroup(store, snapshot.CurrentGroup, len(group)); err != nil {
		return err
	}
	return e.coordinator.DrainGroup(ctx, sub, group, canonicalOrder)
}

// ExecuteAgent runs one rule-routed agent outside the group schedule: no
// current_group advance, but the same retry discipline and event flow.
func (e *GroupExecutor) ExecuteAgent(ctx context.Context, a agent.Agent, store *state.Store, sub stream.Subscriber, canonicalOrder []string) error {
	e.coordinator.Register(a.Name())
	if err := e.runAgent(ctx, a, store); err != nil {
		return err
	}
	return e.coordinator.DrainGroup(ctx, sub, []string{a.Name()}, canonicalOrder)
}

// runAgent wraps one invocation with progress entries, stream events, and the
// memory guard.
func (e *GroupExecutor) runAgent(ctx context.Context, a agent.Agent, store *state.Store) error {
	name := a.Name()
	now := time.Now().UTC()

	store.AppendProgress(state.ProgressEntry{Agent: name, Action: state.ActionStarted, Timestamp: now})
	e.coordinator.Queue(name, stream.NewAgentUpdate(name, name+" started", stream.UpdateProcessing, 0, nil))

	var before runtime.MemStats
	runtime.ReadMemStats(&before)

	err := e.invoker.Invoke(ctx, a, store)

	var after runtime.MemStats
	runtime.ReadMemStats(&after)
	e.recordMemDelta(store, name, before, after)

	if err != nil {
		e.coordinator.Queue(name, stream.NewError(name, err.Error(), state.KindFatalKernel))
		return err
	}

	snapshot := store.Snapshot()
	result, ok := snapshot.Results[name]
	if ok && result.Status == state.StatusFallback {
		e.coordinator.Queue(name, stream.NewError(name, result.Summary, fallbackKind(result)))
		return nil
	}
	e.coordinator.Queue(name, stream.NewAgentUpdate(name, name+" completed", stream.UpdateCompleted, 100, map[string]any{
		"summary": result.Summary,
	}))
	return nil
}

// recordMemDelta tags the heap growth of one invocation on the context when
// it exceeds the warn threshold; invocations below it leave no trace. The
// figure is approximate when agents run concurrently; it exists to spot the
// gross offender, not to account precisely.
func (e *GroupExecutor) recordMemDelta(store *state.Store, name string, before, after runtime.MemStats) {
	if e.memDeltaWarnMB <= 0 {
		return
	}
	deltaMB := (float64(after.HeapAlloc) - float64(before.HeapAlloc)) / (1 << 20)
	deltaMB = math.Round(deltaMB*100) / 100
	if deltaMB <= e.memDeltaWarnMB {
		return
	}

	_ = store.Apply(&state.Patch{
		Context: map[string]any{name + "_mem_delta_mb": deltaMB},
	})
	slog.Warn("Agent heap growth above threshold",
		"agent", name, "delta_mb", deltaMB, "threshold_mb", e.memDeltaWarnMB)
}

// advanceGroup bumps current_group and current_step after the group settled.
func (e *GroupExecutor) advanceGroup(store *state.Store, group, executed int) error {
	snapshot := store.Snapshot()
	if err := store.Apply(&state.Patch{
		CurrentGroup: state.Ptr(group + 1),
		CurrentStep:  state.Ptr(snapshot.CurrentStep + executed),
	}); err != nil {
		return fmt.Errorf("advance group: %w", err)
	}
	return nil
}

// fallbackKind extracts the error kind the retry wrapper stashed in the
// fallback result.
func fallbackKind(r state.Result) string {
	if k, ok := r.Data["kind"].(string); ok && k != "" {
		return k
	}
	return state.KindAgentFailure
}
