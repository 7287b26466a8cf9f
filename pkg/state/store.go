package state

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// ErrInvalidStateUpdate is returned by Store.Apply when a patch violates the
// schema. The state is not mutated on rejection.
var ErrInvalidStateUpdate = errors.New("invalid state update")

// Store guards one run's state behind a single mutex. Snapshots are deep
// copies: a reader never observes mutations made after its call returned.
// Contention is bounded because concurrent agents in a group are capped.
type Store struct {
	mu    sync.Mutex
	state *RunState
}

// NewStore wraps st. The Store takes ownership; callers must not retain st.
func NewStore(st *RunState) *Store {
	return &Store{state: st}
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() *RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Apply validates p and merges it into the state atomically. On violation it
// returns ErrInvalidStateUpdate (wrapped with the reason) without mutating.
func (s *Store) Apply(p *Patch) error {
	if p == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validate(p); err != nil {
		return err
	}

	st := s.state
	st.Messages = append(st.Messages, p.Messages...)
	st.Progress = append(st.Progress, p.Progress...)
	st.Errors = append(st.Errors, p.Errors...)
	for name, r := range p.Results {
		st.Results[name] = r
	}
	for k, v := range p.Context {
		st.Context[k] = v
	}
	if p.CurrentAgent != nil {
		st.CurrentAgent = *p.CurrentAgent
	}
	if p.TaskDescription != nil {
		st.TaskDescription = *p.TaskDescription
	}
	if p.CurrentGroup != nil {
		st.CurrentGroup = *p.CurrentGroup
	}
	if p.CurrentStep != nil {
		st.CurrentStep = *p.CurrentStep
	}
	if p.IsComplete != nil {
		st.IsComplete = *p.IsComplete
	}
	if p.ExecutionPlan != nil {
		st.ExecutionPlan = append([]string(nil), p.ExecutionPlan...)
	}
	if p.Dependencies != nil {
		st.Dependencies = cloneDeps(p.Dependencies)
	}
	if p.ParallelGroups != nil {
		st.ParallelGroups = cloneGroups(p.ParallelGroups)
	}
	return nil
}

// validate checks p against the schema. Called with the mutex held.
func (s *Store) validate(p *Patch) error {
	for _, m := range p.Messages {
		switch m.Role {
		case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		default:
			return fmt.Errorf("%w: unknown message role %q", ErrInvalidStateUpdate, m.Role)
		}
	}
	for _, e := range p.Progress {
		switch e.Action {
		case ActionStarted, ActionCompleted, ActionFailed, ActionFallback:
		default:
			return fmt.Errorf("%w: unknown progress action %q", ErrInvalidStateUpdate, e.Action)
		}
	}
	for name, r := range p.Results {
		switch r.Status {
		case StatusSuccess, StatusError, StatusFallback:
		default:
			return fmt.Errorf("%w: unknown result status %q for agent %q", ErrInvalidStateUpdate, r.Status, name)
		}
		// Results may only target agents named by the plan. A patch that
		// installs a new plan is checked against that plan.
		plan := s.state.ExecutionPlan
		if p.ExecutionPlan != nil {
			plan = p.ExecutionPlan
		}
		if len(plan) > 0 && !slices.Contains(plan, name) {
			return fmt.Errorf("%w: result for agent %q not in execution plan", ErrInvalidStateUpdate, name)
		}
	}
	if p.CurrentGroup != nil {
		if *p.CurrentGroup < 0 {
			return fmt.Errorf("%w: negative current_group %d", ErrInvalidStateUpdate, *p.CurrentGroup)
		}
		// current_group is monotonically non-decreasing unless a new grouping
		// is installed in the same patch (re-planning resets the index).
		if p.ParallelGroups == nil && *p.CurrentGroup < s.state.CurrentGroup {
			return fmt.Errorf("%w: current_group decreased from %d to %d",
				ErrInvalidStateUpdate, s.state.CurrentGroup, *p.CurrentGroup)
		}
	}
	if p.CurrentStep != nil && *p.CurrentStep < 0 {
		return fmt.Errorf("%w: negative current_step %d", ErrInvalidStateUpdate, *p.CurrentStep)
	}
	return nil
}

// AppendMessage appends one message atomically.
func (s *Store) AppendMessage(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Messages = append(s.state.Messages, m)
}

// AppendProgress appends one progress entry atomically.
func (s *Store) AppendProgress(e ProgressEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Progress = append(s.state.Progress, e)
}

// AppendError appends one error entry atomically. Owned by the retry wrapper.
func (s *Store) AppendError(e ErrorEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Errors = append(s.state.Errors, e)
}

// SetResult replaces agent's result slot and records a completed progress
// entry unless the result is a fallback (the retry wrapper records those).
func (s *Store) SetResult(agent string, r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Results[agent] = r
	if r.Status != StatusFallback {
		s.state.Progress = append(s.state.Progress, ProgressEntry{
			Agent:     agent,
			Action:    ActionCompleted,
			Timestamp: time.Now().UTC(),
		})
	}
}
