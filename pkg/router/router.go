// Package router decides the next node after each completed node. Decide is a
// pure function of the snapshot (plus the soft-deadline signal the controller
// tracks), so the same snapshot always routes the same way.
package router

import (
	"fmt"
	"slices"

	"github.com/maestro-ai/maestro/pkg/agent"
	"github.com/maestro-ai/maestro/pkg/planner"
	"github.com/maestro-ai/maestro/pkg/state"
)

// Node names the router can return besides concrete agent names.
const (
	NodeExecutor   = "executor"
	NodeSupervisor = planner.SupervisorName
)

// criticalFailureThreshold terminates a run once the current agent has this
// many error entries.
const criticalFailureThreshold = 3

// Decision is the router's answer: the next node, or termination. Consume
// lists the context flags the controller clears before taking the hop, so a
// routing signal fires once per emission.
type Decision struct {
	Next      string
	Terminate bool
	Reason    string
	Consume   []string
}

// rule is one declarative routing edge, evaluated in table order.
type rule struct {
	current string
	flag    string
	target  func(snapshot *state.RunState) string
	// rerun permits routing to a target that already has a settled result
	// (compliance re-review, rework overwrite).
	rerun bool
}

var rules = []rule{
	{
		current: agent.NameDocument,
		flag:    "requires_compliance",
		target:  func(*state.RunState) string { return agent.NameCompliance },
		rerun:   true,
	},
	{
		current: agent.NameCompliance,
		flag:    "needs_rework",
		target: func(s *state.RunState) string {
			if t := s.ContextString("rework_target"); t != "" {
				return t
			}
			return agent.NameDocument
		},
		rerun: true,
	},
	{
		current: agent.NameAnalytics,
		flag:    "search_needed",
		target:  func(*state.RunState) string { return agent.NameSearch },
	},
	{
		current: agent.NameSearch,
		flag:    "document_ready",
		target:  func(*state.RunState) string { return agent.NameDocument },
	},
}

// Decide returns the next hop for snapshot. Priority: critical-failure guard,
// soft run deadline, parallel-group continuation, declarative rules, plan
// completion, then back to the supervisor for re-planning.
func Decide(snapshot *state.RunState, deadlineExceeded bool) Decision {
	if snapshot.CurrentAgent != "" && snapshot.ErrorCount(snapshot.CurrentAgent) >= criticalFailureThreshold {
		return Decision{
			Terminate: true,
			Reason:    fmt.Sprintf("critical failure: %d errors for %s", snapshot.ErrorCount(snapshot.CurrentAgent), snapshot.CurrentAgent),
		}
	}

	if deadlineExceeded {
		return Decision{Terminate: true, Reason: "run deadline exceeded"}
	}

	if len(snapshot.ParallelGroups) > 0 && snapshot.CurrentGroup < len(snapshot.ParallelGroups) {
		return Decision{Next: NodeExecutor, Reason: fmt.Sprintf("group %d of %d pending", snapshot.CurrentGroup, len(snapshot.ParallelGroups))}
	}

	for _, r := range rules {
		if snapshot.CurrentAgent != r.current || !snapshot.ContextFlag(r.flag) {
			continue
		}
		target := r.target(snapshot)
		if !r.rerun && snapshot.HasResult(target) {
			continue
		}
		return Decision{
			Next:    target,
			Reason:  fmt.Sprintf("rule %s[%s] -> %s", r.current, r.flag, target),
			Consume: []string{r.flag},
		}
	}

	if planComplete(snapshot) {
		return Decision{Terminate: true, Reason: "plan complete"}
	}

	return Decision{Next: NodeSupervisor, Reason: "re-plan"}
}

// planComplete reports whether every planned agent has a result record.
func planComplete(snapshot *state.RunState) bool {
	if len(snapshot.ExecutionPlan) == 0 {
		return false
	}
	return !slices.ContainsFunc(snapshot.ExecutionPlan, func(a string) bool {
		_, ok := snapshot.Results[a]
		return !ok
	})
}
