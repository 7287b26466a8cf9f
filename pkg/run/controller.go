// Package run drives one orchestration run end to end: plan, execute groups,
// route, checkpoint, and stream events until the run terminates.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maestro-ai/maestro/pkg/agent"
	"github.com/maestro-ai/maestro/pkg/checkpoint"
	"github.com/maestro-ai/maestro/pkg/executor"
	"github.com/maestro-ai/maestro/pkg/planner"
	"github.com/maestro-ai/maestro/pkg/retry"
	"github.com/maestro-ai/maestro/pkg/router"
	"github.com/maestro-ai/maestro/pkg/state"
	"github.com/maestro-ai/maestro/pkg/stream"
)

// ErrInvalidInput rejects an invoke with no usable input. Surfaced before any
// state mutation.
var ErrInvalidInput = errors.New("input is required")

// maxNodeVisits caps the routing loop. A healthy run visits far fewer nodes;
// hitting the cap means the router is cycling and the run is killed as a
// kernel fault.
const maxNodeVisits = 64

// Planner produces the planning patch for a snapshot. Satisfied by
// planner.Supervisor; injectable for tests.
type Planner interface {
	Plan(snapshot *state.RunState) (*state.Patch, error)
}

// Options carries the controller's resolved knobs.
type Options struct {
	Policy           retry.Policy
	BreakerThreshold int
	BreakerTimeout   time.Duration
	AgentTimeout     time.Duration
	RunDeadline      time.Duration
	StreamHWM        int
	MaxConcurrent    int
	MemDeltaWarnMB   float64

	// Planner overrides the default supervisor when set.
	Planner Planner
}

// DefaultOptions mirrors the documented knob defaults.
func DefaultOptions() Options {
	return Options{
		Policy:           retry.DefaultPolicy(),
		BreakerThreshold: 5,
		BreakerTimeout:   60 * time.Second,
		AgentTimeout:     60 * time.Second,
		RunDeadline:      10 * time.Minute,
		StreamHWM:        stream.DefaultHighWaterMark,
		MaxConcurrent:    executor.DefaultMaxConcurrent,
		MemDeltaWarnMB:   100,
	}
}

// SyncResult is the terse answer for non-streaming callers.
type SyncResult struct {
	Results    map[string]state.Result `json:"results"`
	ThreadID   string                  `json:"thread_id"`
	IsComplete bool                    `json:"is_complete"`
}

// Controller is the run façade. Breaker state is controller-scoped so failures
// accumulate across runs in one process, which is what lets the breaker
// actually protect a flapping agent.
type Controller struct {
	registry    *agent.Registry
	supervisor  Planner
	checkpoints checkpoint.Checkpointer
	breakers    *retry.BreakerSet
	opts        Options
}

// NewController wires a controller over the registry and checkpoint store.
func NewController(reg *agent.Registry, cp checkpoint.Checkpointer, opts Options) *Controller {
	sup := opts.Planner
	if sup == nil {
		sup = planner.NewSupervisor(reg.Names())
	}
	return &Controller{
		registry:    reg,
		supervisor:  sup,
		checkpoints: cp,
		breakers:    retry.NewBreakerSet(opts.BreakerThreshold, opts.BreakerTimeout),
		opts:        opts,
	}
}

// Run executes one request to a terminal state, streaming events to sub (nil
// for no streaming). It returns the terminal snapshot. Agent failures settle
// as fallbacks and do not error; only kernel faults and cancellation do.
func (c *Controller) Run(ctx context.Context, input, threadID string, sub stream.Subscriber) (*state.RunState, error) {
	if strings.TrimSpace(input) == "" {
		c.send(ctx, sub, stream.NewError("", ErrInvalidInput.Error(), state.KindInvalidInput).Payload)
		return nil, ErrInvalidInput
	}
	if threadID == "" {
		threadID = uuid.New().String()
	}
	log := slog.With("thread_id", threadID)

	store, err := c.openStore(ctx, input, threadID)
	if err != nil {
		return nil, err
	}

	store.AppendMessage(state.Message{
		Role:      state.RoleUser,
		Content:   input,
		Timestamp: time.Now().UTC(),
	})

	coordinator := stream.NewCoordinator(c.opts.StreamHWM, func(agentName string, dropped int) {
		store.AppendError(state.ErrorEntry{
			Agent:     agentName,
			Message:   fmt.Sprintf("subscriber backpressure dropped %d queued events", dropped),
			Timestamp: time.Now().UTC(),
			Kind:      state.KindStreamDropped,
		})
	})
	invoker := retry.NewInvoker(c.opts.Policy, c.breakers, c.opts.AgentTimeout)
	exec := executor.NewGroupExecutor(invoker, coordinator, c.opts.MaxConcurrent, c.opts.MemDeltaWarnMB)

	deadlineAt := time.Now().Add(c.opts.RunDeadline)
	canonical := c.registry.Names()

	node := router.NodeSupervisor
	// Flags the last routing decision fired on; cleared once the routed node
	// has executed (the target agent may still need to read them).
	var spentFlags []string
	for visits := 0; ; visits++ {
		if err := ctx.Err(); err != nil {
			// Subscriber gone or run cancelled: persist, no complete event.
			log.Info("Run cancelled, persisting partial state", "node", node)
			c.persist(threadID, store, "cancelled")
			return store.Snapshot(), err
		}
		if visits >= maxNodeVisits {
			return c.fatal(ctx, threadID, store, sub, fmt.Errorf("routing loop exceeded %d node visits", maxNodeVisits))
		}

		switch node {
		case router.NodeSupervisor:
			patch, err := c.supervisor.Plan(store.Snapshot())
			if err != nil {
				return c.fatal(ctx, threadID, store, sub, err)
			}
			if err := store.Apply(patch); err != nil {
				return c.fatal(ctx, threadID, store, sub, err)
			}
			snapshot := store.Snapshot()
			c.send(ctx, sub, stream.ExecutionPlanPayload{
				Type:       stream.EventTypeExecutionPlan,
				Agents:     snapshot.ExecutionPlan,
				TotalSteps: len(snapshot.ExecutionPlan),
				Timestamp:  stream.Timestamp(time.Now()),
			})

		case router.NodeExecutor:
			snapshot := store.Snapshot()
			group := snapshot.ParallelGroups[snapshot.CurrentGroup]
			c.send(ctx, sub, stream.ProgressPayload{
				Type:          stream.EventTypeProgress,
				Node:          strings.Join(group, ","),
				CurrentStep:   snapshot.CurrentStep,
				TotalSteps:    len(snapshot.ExecutionPlan),
				ExecutionPlan: snapshot.ExecutionPlan,
				Timestamp:     stream.Timestamp(time.Now()),
			})
			if err := exec.ExecuteGroup(ctx, c.registry, store, sub, canonical); err != nil {
				if ctx.Err() != nil {
					continue // cancellation is handled at the top of the loop
				}
				return c.fatal(ctx, threadID, store, sub, err)
			}
			c.setCurrentAgent(store, lastCanonical(group, canonical))

		default:
			// Rule-routed single agent, outside the group schedule.
			a, ok := c.registry.Get(node)
			if !ok {
				return c.fatal(ctx, threadID, store, sub, fmt.Errorf("router chose unregistered agent %q", node))
			}
			c.admitToPlan(store, node)
			c.setCurrentAgent(store, node)
			snapshot := store.Snapshot()
			c.send(ctx, sub, stream.ProgressPayload{
				Type:          stream.EventTypeProgress,
				Node:          node,
				CurrentStep:   snapshot.CurrentStep,
				TotalSteps:    len(snapshot.ExecutionPlan),
				ExecutionPlan: snapshot.ExecutionPlan,
				Timestamp:     stream.Timestamp(time.Now()),
			})
			if err := exec.ExecuteAgent(ctx, a, store, sub, canonical); err != nil {
				if ctx.Err() != nil {
					continue
				}
				return c.fatal(ctx, threadID, store, sub, err)
			}
		}

		c.consumeFlags(store, spentFlags)
		spentFlags = nil
		c.persist(threadID, store, node)

		if err := ctx.Err(); err != nil {
			log.Info("Run cancelled after node, persisting partial state", "node", node)
			c.persist(threadID, store, "cancelled")
			return store.Snapshot(), err
		}

		decision := router.Decide(store.Snapshot(), time.Now().After(deadlineAt))
		log.Debug("Routing decision", "from", node, "next", decision.Next,
			"terminate", decision.Terminate, "reason", decision.Reason)

		if decision.Terminate {
			return c.finish(ctx, threadID, store, sub, decision.Reason)
		}
		spentFlags = decision.Consume
		node = decision.Next
	}
}

// RunSync is the non-streaming entry point.
func (c *Controller) RunSync(ctx context.Context, input, threadID string) (*SyncResult, error) {
	snapshot, err := c.Run(ctx, input, threadID, nil)
	if err != nil {
		return nil, err
	}
	return &SyncResult{
		Results:    snapshot.Results,
		ThreadID:   snapshot.ThreadID,
		IsComplete: snapshot.IsComplete,
	}, nil
}

// openStore loads the latest snapshot for a resumed thread, or creates fresh
// state for a new one.
func (c *Controller) openStore(ctx context.Context, input, threadID string) (*state.Store, error) {
	snapshot, err := c.checkpoints.Get(ctx, threadID, "")
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	if snapshot == nil {
		return state.NewStore(state.NewRunState(input, threadID)), nil
	}

	slog.Info("Resuming thread from checkpoint", "thread_id", threadID)
	store := state.NewStore(snapshot)
	err = store.Apply(&state.Patch{
		TaskDescription: state.Ptr(input),
		IsComplete:      state.Ptr(false),
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}

// finish marks the run complete, persists, and fires the terminal event.
// Fallback results are part of Results on purpose: the subscriber tells a
// degraded run apart via the context flags, not by a missing complete.
func (c *Controller) finish(ctx context.Context, threadID string, store *state.Store, sub stream.Subscriber, reason string) (*state.RunState, error) {
	if err := store.Apply(&state.Patch{IsComplete: state.Ptr(true)}); err != nil {
		return c.fatal(ctx, threadID, store, sub, err)
	}
	c.persist(threadID, store, "terminal")

	snapshot := store.Snapshot()
	c.send(ctx, sub, stream.CompletePayload{
		Type:      stream.EventTypeComplete,
		ThreadID:  threadID,
		Results:   snapshot.Results,
		Timestamp: stream.Timestamp(time.Now()),
	})
	slog.Info("Run complete", "thread_id", threadID, "reason", reason,
		"agents", len(snapshot.Results), "errors", len(snapshot.Errors))
	return snapshot, nil
}

// fatal handles kernel-scoped failures: record, persist with
// is_complete=false, surface an error event, and return the error.
func (c *Controller) fatal(ctx context.Context, threadID string, store *state.Store, sub stream.Subscriber, err error) (*state.RunState, error) {
	kind := state.KindFatalKernel
	if errors.Is(err, planner.ErrCyclicPlan) {
		kind = state.KindCyclicPlan
	}
	store.AppendError(state.ErrorEntry{
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		Kind:      kind,
	})
	c.persist(threadID, store, "fatal")
	c.send(ctx, sub, stream.NewError("", err.Error(), kind).Payload)
	slog.Error("Run failed", "thread_id", threadID, "kind", kind, "error", err)
	return store.Snapshot(), err
}

// persist checkpoints the current snapshot. Checkpoint failures are logged,
// not fatal: losing a checkpoint degrades resumability, not the run.
func (c *Controller) persist(threadID string, store *state.Store, node string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := c.checkpoints.Put(ctx, threadID, uuid.New().String(), store.Snapshot(), map[string]any{
		"node": node,
	})
	if err != nil {
		slog.Warn("Checkpoint write failed", "thread_id", threadID, "node", node, "error", err)
	}
}

// admitToPlan appends a rule-routed agent to the execution plan. Rules may
// target agents the supervisor never planned (analytics asking for search,
// document flagging an unplanned compliance review); the result schema only
// accepts results for planned agents, so the target joins the plan before it
// runs. Plan completion then requires its result too.
func (c *Controller) admitToPlan(store *state.Store, name string) {
	snapshot := store.Snapshot()
	if slices.Contains(snapshot.ExecutionPlan, name) {
		return
	}
	_ = store.Apply(&state.Patch{
		ExecutionPlan: append(snapshot.ExecutionPlan, name),
	})
}

func (c *Controller) setCurrentAgent(store *state.Store, name string) {
	if name == "" {
		return
	}
	_ = store.Apply(&state.Patch{CurrentAgent: state.Ptr(name)})
}

// consumeFlags clears the context flags a routing rule fired on, so a signal
// routes exactly once per emission.
func (c *Controller) consumeFlags(store *state.Store, flags []string) {
	if len(flags) == 0 {
		return
	}
	cleared := make(map[string]any, len(flags))
	for _, f := range flags {
		cleared[f] = false
	}
	_ = store.Apply(&state.Patch{Context: cleared})
}

func (c *Controller) send(ctx context.Context, sub stream.Subscriber, payload any) {
	if sub == nil {
		return
	}
	if err := sub.Send(ctx, payload); err != nil {
		slog.Debug("Subscriber send failed", "error", err)
	}
}

// lastCanonical returns the group's last member in canonical order; routing
// rules key on it as the group's representative current agent.
func lastCanonical(group, canonical []string) string {
	last := ""
	for _, name := range canonical {
		for _, member := range group {
			if member == name {
				last = name
			}
		}
	}
	if last == "" && len(group) > 0 {
		last = group[len(group)-1]
	}
	return last
}
