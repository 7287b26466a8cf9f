// Package planner turns a task description into an execution plan over named
// agents, a dependency DAG, and its levelized parallel groups.
package planner

import (
	"errors"
	"slices"
)

// ErrCyclicPlan is returned when the dependency graph cannot be levelized.
// Fatal to the run.
var ErrCyclicPlan = errors.New("cyclic plan")

// Levelize converts (plan, deps) into parallel-safe groups by Kahn-style
// topological leveling: each round emits every agent whose remaining
// dependencies are satisfied. Ties within a level keep the plan's canonical
// order. Dependencies on agents outside the plan are treated as satisfied.
func Levelize(plan []string, deps map[string][]string) ([][]string, error) {
	if len(plan) == 0 {
		return [][]string{}, nil
	}

	remaining := append([]string(nil), plan...)
	done := make(map[string]bool, len(plan))
	var groups [][]string

	for len(remaining) > 0 {
		var ready []string
		for _, a := range remaining {
			satisfied := true
			for _, dep := range deps[a] {
				if slices.Contains(plan, dep) && !done[dep] {
					satisfied = false
					break
				}
			}
			if satisfied {
				ready = append(ready, a)
			}
		}
		if len(ready) == 0 {
			return nil, ErrCyclicPlan
		}

		groups = append(groups, ready)
		for _, a := range ready {
			done[a] = true
		}
		remaining = slices.DeleteFunc(remaining, func(a string) bool { return done[a] })
	}
	return groups, nil
}
