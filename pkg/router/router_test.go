package router

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/maestro-ai/maestro/pkg/state"
)

func baseSnapshot() *state.RunState {
	st := state.NewRunState("task", "t-1")
	st.ExecutionPlan = []string{"search", "analytics"}
	st.ParallelGroups = [][]string{{"search", "analytics"}}
	return st
}

func TestDecide_CriticalFailureGuard(t *testing.T) {
	st := baseSnapshot()
	st.CurrentAgent = "analytics"
	for i := 1; i <= 3; i++ {
		st.Errors = append(st.Errors, state.ErrorEntry{Agent: "analytics", Attempt: i, Kind: state.KindAgentFailure})
	}

	d := Decide(st, false)
	assert.True(t, d.Terminate)

	// The guard outranks everything, including pending groups.
	st.CurrentGroup = 0
	d = Decide(st, false)
	assert.True(t, d.Terminate)
}

func TestDecide_DeadlineTerminatesAtBoundary(t *testing.T) {
	st := baseSnapshot()
	st.CurrentGroup = 0

	d := Decide(st, true)
	assert.True(t, d.Terminate)
	assert.Contains(t, d.Reason, "deadline")
}

func TestDecide_ParallelContinuation(t *testing.T) {
	st := state.NewRunState("task", "t-1")
	st.ExecutionPlan = []string{"search", "document", "compliance"}
	st.ParallelGroups = [][]string{{"search"}, {"document"}, {"compliance"}}

	// All three groups, including the last, route to the executor.
	for g := 0; g < 3; g++ {
		st.CurrentGroup = g
		d := Decide(st, false)
		assert.Equal(t, NodeExecutor, d.Next, "group %d", g)
		assert.False(t, d.Terminate)
	}

	// Groups exhausted with full results terminates.
	st.CurrentGroup = 3
	st.Results = map[string]state.Result{
		"search":     {Status: state.StatusSuccess},
		"document":   {Status: state.StatusSuccess},
		"compliance": {Status: state.StatusSuccess},
	}
	d := Decide(st, false)
	assert.True(t, d.Terminate)
}

func TestDecide_DeclarativeRules(t *testing.T) {
	tests := []struct {
		name        string
		current     string
		context     map[string]any
		results     map[string]state.Result
		wantNext    string
		wantConsume string
	}{
		{
			name:        "document requiring compliance",
			current:     "document",
			context:     map[string]any{"requires_compliance": true},
			wantNext:    "compliance",
			wantConsume: "requires_compliance",
		},
		{
			name:        "compliance requesting rework of named target",
			current:     "compliance",
			context:     map[string]any{"needs_rework": true, "rework_target": "document"},
			results:     map[string]state.Result{"document": {Status: state.StatusSuccess}},
			wantNext:    "document",
			wantConsume: "needs_rework",
		},
		{
			name:        "compliance rework defaults to document",
			current:     "compliance",
			context:     map[string]any{"needs_rework": true},
			wantNext:    "document",
			wantConsume: "needs_rework",
		},
		{
			name:        "analytics needing search",
			current:     "analytics",
			context:     map[string]any{"search_needed": true},
			wantNext:    "search",
			wantConsume: "search_needed",
		},
		{
			name:        "search with document ready",
			current:     "search",
			context:     map[string]any{"document_ready": true},
			wantNext:    "document",
			wantConsume: "document_ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := state.NewRunState("task", "t-1")
			st.ExecutionPlan = []string{"search", "analytics", "document", "compliance"}
			st.ParallelGroups = [][]string{{"search", "analytics"}, {"document"}, {"compliance"}}
			st.CurrentGroup = 3 // groups exhausted, rules apply
			st.CurrentAgent = tt.current
			st.Context = tt.context
			if tt.results != nil {
				st.Results = tt.results
			}

			d := Decide(st, false)
			assert.Equal(t, tt.wantNext, d.Next)
			assert.Contains(t, d.Consume, tt.wantConsume)
		})
	}
}

func TestDecide_RuleSkipsSettledTarget(t *testing.T) {
	// search→document does not re-run an already settled document.
	st := state.NewRunState("task", "t-1")
	st.ExecutionPlan = []string{"search", "document"}
	st.ParallelGroups = [][]string{{"search"}, {"document"}}
	st.CurrentGroup = 2
	st.CurrentAgent = "search"
	st.Context = map[string]any{"document_ready": true}
	st.Results = map[string]state.Result{
		"search":   {Status: state.StatusSuccess},
		"document": {Status: state.StatusSuccess},
	}

	d := Decide(st, false)
	assert.True(t, d.Terminate, "plan complete once the rule is skipped")
}

func TestDecide_PlanCompletion(t *testing.T) {
	st := state.NewRunState("task", "t-1")
	st.ExecutionPlan = []string{"search", "analytics"}
	st.ParallelGroups = [][]string{{"search", "analytics"}}
	st.CurrentGroup = 1
	st.CurrentAgent = "analytics"
	st.Results = map[string]state.Result{
		"search":    {Status: state.StatusSuccess},
		"analytics": {Status: state.StatusFallback},
	}

	d := Decide(st, false)
	assert.True(t, d.Terminate, "fallback results count toward completion")
}

func TestDecide_DefaultsToSupervisor(t *testing.T) {
	st := state.NewRunState("task", "t-1")
	st.ExecutionPlan = []string{"search", "analytics"}
	st.ParallelGroups = [][]string{{"search", "analytics"}}
	st.CurrentGroup = 1
	st.CurrentAgent = "search"
	st.Results = map[string]state.Result{"search": {Status: state.StatusSuccess}}

	d := Decide(st, false)
	assert.Equal(t, NodeSupervisor, d.Next)
}

func TestDecide_Deterministic(t *testing.T) {
	st := baseSnapshot()
	st.CurrentAgent = "document"
	st.CurrentGroup = 1
	st.Context = map[string]any{"requires_compliance": true}

	first := Decide(st, false)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Decide(st, false))
	}
}
