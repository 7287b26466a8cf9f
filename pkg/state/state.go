// Package state defines the typed run state shared by every node of an
// orchestration run, and the mutation-disciplined Store that guards it.
//
// The state is a closed struct: there are no free-form top-level keys. The
// accumulating sequences (Messages, Progress, Errors) are append-only; all
// mutation goes through Store.Apply.
package state

import "time"

// Role classifies a message record.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Action classifies a progress entry.
type Action string

const (
	ActionStarted   Action = "started"
	ActionCompleted Action = "completed"
	ActionFailed    Action = "failed"
	ActionFallback  Action = "fallback"
)

// Status is the outcome discriminant of an agent result.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusError    Status = "error"
	StatusFallback Status = "fallback"
)

// Error kinds carried on ErrorEntry.Kind and outbound error payloads.
// These are wire-stable strings, not Go error types.
const (
	KindInvalidInput       = "invalid_input"
	KindInvalidStateUpdate = "invalid_state_update"
	KindAgentTimeout       = "agent_timeout"
	KindAgentFailure       = "agent_failure"
	KindCyclicPlan         = "cyclic_plan"
	KindPlannerDegraded    = "planner_degraded"
	KindStreamDropped      = "stream_dropped"
	KindBreakerOpen        = "breaker_open"
	KindFatalKernel        = "fatal_kernel"
)

// Message is one record in the conversation transcript.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Agent     string    `json:"agent,omitempty"`
}

// ProgressEntry records one lifecycle transition of an agent within a run.
type ProgressEntry struct {
	Agent     string         `json:"agent"`
	Action    Action         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// ErrorEntry records one failed attempt. Only the retry wrapper appends these;
// agents never write Errors directly.
type ErrorEntry struct {
	Agent     string    `json:"agent"`
	Message   string    `json:"error_message"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
}

// Result is the per-agent outcome slot. Status is the only required
// discriminant; Data carries agent-defined payload.
type Result struct {
	Status    Status         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Summary   string         `json:"summary,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// RunState is the single accumulated entity of one orchestration run.
type RunState struct {
	Messages        []Message           `json:"messages"`
	CurrentAgent    string              `json:"current_agent"`
	TaskDescription string              `json:"task_description"`
	ExecutionPlan   []string            `json:"execution_plan"`
	Dependencies    map[string][]string `json:"dependencies"`
	ParallelGroups  [][]string          `json:"parallel_groups"`
	CurrentGroup    int                 `json:"current_group"`
	CurrentStep     int                 `json:"current_step"`
	Results         map[string]Result   `json:"results"`
	Context         map[string]any      `json:"context"`
	Progress        []ProgressEntry     `json:"progress"`
	Errors          []ErrorEntry        `json:"errors"`
	IsComplete      bool                `json:"is_complete"`
	ThreadID        string              `json:"thread_id"`
}

// NewRunState creates the initial state for a run. The caller seeds the user
// message separately so resumed runs keep their transcript.
func NewRunState(taskDescription, threadID string) *RunState {
	return &RunState{
		Messages:        []Message{},
		TaskDescription: taskDescription,
		ExecutionPlan:   []string{},
		Dependencies:    map[string][]string{},
		ParallelGroups:  [][]string{},
		Results:         map[string]Result{},
		Context:         map[string]any{},
		Progress:        []ProgressEntry{},
		Errors:          []ErrorEntry{},
		ThreadID:        threadID,
	}
}

// Clone returns a deep copy. Nested Context/Meta/Data values are copied
// recursively for map and slice containers.
func (s *RunState) Clone() *RunState {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = append([]Message(nil), s.Messages...)
	out.ExecutionPlan = append([]string(nil), s.ExecutionPlan...)
	out.Dependencies = cloneDeps(s.Dependencies)
	out.ParallelGroups = cloneGroups(s.ParallelGroups)
	out.Results = make(map[string]Result, len(s.Results))
	for name, r := range s.Results {
		r.Data = cloneMap(r.Data)
		out.Results[name] = r
	}
	out.Context = cloneMap(s.Context)
	out.Progress = make([]ProgressEntry, len(s.Progress))
	for i, p := range s.Progress {
		p.Meta = cloneMap(p.Meta)
		out.Progress[i] = p
	}
	out.Errors = append([]ErrorEntry(nil), s.Errors...)
	return &out
}

// HasResult reports whether agent has a settled result (success or fallback).
func (s *RunState) HasResult(agent string) bool {
	r, ok := s.Results[agent]
	return ok && (r.Status == StatusSuccess || r.Status == StatusFallback)
}

// ErrorCount returns the number of error entries recorded for agent.
func (s *RunState) ErrorCount(agent string) int {
	n := 0
	for _, e := range s.Errors {
		if e.Agent == agent {
			n++
		}
	}
	return n
}

// ContextFlag reads a boolean context hint; absent or non-bool values are false.
func (s *RunState) ContextFlag(key string) bool {
	v, ok := s.Context[key]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// ContextString reads a string context hint; absent or non-string values are "".
func (s *RunState) ContextString(key string) string {
	v, ok := s.Context[key]
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

func cloneDeps(deps map[string][]string) map[string][]string {
	out := make(map[string][]string, len(deps))
	for k, v := range deps {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func cloneGroups(groups [][]string) [][]string {
	out := make([][]string, len(groups))
	for i, g := range groups {
		out[i] = append([]string(nil), g...)
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
