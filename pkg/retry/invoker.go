package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maestro-ai/maestro/pkg/agent"
	"github.com/maestro-ai/maestro/pkg/state"
)

// Invoker runs one agent through the retry/breaker discipline and merges the
// outcome into the store. Order of actions per invocation:
//
//  1. Breaker check — if open, synthesize a fallback without calling the agent.
//  2. Attempt the agent under the per-agent timeout; on success reset the
//     breaker and apply the patch.
//  3. On failure, append an error entry with the attempt index, record the
//     failure on the breaker, sleep the policy delay, try again.
//  4. On exhaustion, synthesize a fallback.
//
// Agent-scoped failures never propagate out of Invoke; only kernel errors
// (a fallback patch the store rejects) do.
type Invoker struct {
	policy       Policy
	breakers     *BreakerSet
	agentTimeout time.Duration

	// sleep is replaced in tests to assert delays without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewInvoker creates an invoker. agentTimeout bounds each attempt; zero
// disables the per-attempt timeout.
func NewInvoker(policy Policy, breakers *BreakerSet, agentTimeout time.Duration) *Invoker {
	return &Invoker{
		policy:       policy,
		breakers:     breakers,
		agentTimeout: agentTimeout,
		sleep:        sleepCtx,
	}
}

// Invoke runs a to settlement: a success result, or a fallback after
// exhaustion or an open breaker. The returned error is kernel-scoped only.
func (inv *Invoker) Invoke(ctx context.Context, a agent.Agent, store *state.Store) error {
	name := a.Name()
	log := slog.With("agent", name)

	if !inv.breakers.Allow(name) {
		log.Warn("Circuit breaker open, short-circuiting to fallback")
		return inv.installFallback(store, name, "circuit breaker open", state.KindBreakerOpen)
	}

	for attempt := 1; attempt <= inv.policy.MaxRetries; attempt++ {
		err := inv.attempt(ctx, a, store)
		if err == nil {
			inv.breakers.RecordSuccess(name)
			return nil
		}

		kind := classify(err)
		store.AppendError(state.ErrorEntry{
			Agent:     name,
			Message:   err.Error(),
			Attempt:   attempt,
			Timestamp: time.Now().UTC(),
			Kind:      kind,
		})
		inv.breakers.RecordFailure(name)
		log.Warn("Agent attempt failed", "attempt", attempt, "kind", kind, "error", err)

		if attempt < inv.policy.MaxRetries {
			if serr := inv.sleep(ctx, inv.policy.Delay(attempt-1)); serr != nil {
				// Run cancelled mid-backoff; settle with a fallback so the
				// group can still close out.
				return inv.installFallback(store, name, "retries interrupted: "+serr.Error(), kind)
			}
		}
	}

	log.Warn("Agent retries exhausted, installing fallback", "max_retries", inv.policy.MaxRetries)
	return inv.installFallback(store, name,
		fmt.Sprintf("agent failed after %d attempts", inv.policy.MaxRetries), state.KindAgentFailure)
}

// attempt performs one agent call under the per-agent timeout and applies the
// resulting patch. A patch the store rejects counts as an agent failure.
func (inv *Invoker) attempt(ctx context.Context, a agent.Agent, store *state.Store) error {
	actx := ctx
	if inv.agentTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, inv.agentTimeout)
		defer cancel()
	}

	patch, err := a.Execute(actx, store.Snapshot())
	if err != nil {
		if actx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: %v", errTimeout, err)
		}
		return err
	}
	if patch == nil {
		return errors.New("agent returned nil patch")
	}
	if err := store.Apply(patch); err != nil {
		return err
	}
	return nil
}

// installFallback writes the degraded result, the context flags, and the
// fallback progress entry for name.
func (inv *Invoker) installFallback(store *state.Store, name, message, kind string) error {
	now := time.Now().UTC()
	err := store.Apply(&state.Patch{
		Results: map[string]state.Result{
			name: {
				Status:    state.StatusFallback,
				Timestamp: now,
				Summary:   message,
				Data:      map[string]any{"message": message, "kind": kind},
			},
		},
		Context: map[string]any{
			name + "_fallback_used": true,
			name + "_needs_retry":   true,
		},
		Progress: []state.ProgressEntry{{
			Agent:     name,
			Action:    state.ActionFallback,
			Timestamp: now,
			Meta:      map[string]any{"kind": kind},
		}},
	})
	if err != nil {
		return fmt.Errorf("install fallback for %s: %w", name, err)
	}
	return nil
}

var errTimeout = errors.New("agent timed out")

// classify maps an attempt error onto its wire kind.
func classify(err error) string {
	switch {
	case errors.Is(err, errTimeout):
		return state.KindAgentTimeout
	case errors.Is(err, state.ErrInvalidStateUpdate):
		return state.KindInvalidStateUpdate
	default:
		return state.KindAgentFailure
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
