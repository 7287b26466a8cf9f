package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-ai/maestro/pkg/agent"
	"github.com/maestro-ai/maestro/pkg/state"
)

var canonicalOrder = []string{agent.NameSearch, agent.NameAnalytics, agent.NameDocument, agent.NameCompliance}

func TestLevelize(t *testing.T) {
	tests := []struct {
		name string
		plan []string
		deps map[string][]string
		want [][]string
	}{
		{
			name: "single agent",
			plan: []string{"analytics"},
			deps: map[string][]string{},
			want: [][]string{{"analytics"}},
		},
		{
			name: "independent agents share a group",
			plan: []string{"search", "analytics"},
			deps: map[string][]string{},
			want: [][]string{{"search", "analytics"}},
		},
		{
			name: "chain is strictly sequential",
			plan: []string{"search", "document", "compliance"},
			deps: map[string][]string{"document": {"search"}, "compliance": {"document"}},
			want: [][]string{{"search"}, {"document"}, {"compliance"}},
		},
		{
			name: "diamond",
			plan: []string{"search", "analytics", "document", "compliance"},
			deps: map[string][]string{
				"document":   {"search", "analytics"},
				"compliance": {"document"},
			},
			want: [][]string{{"search", "analytics"}, {"document"}, {"compliance"}},
		},
		{
			name: "dependency outside plan is satisfied",
			plan: []string{"document"},
			deps: map[string][]string{"document": {"search"}},
			want: [][]string{{"document"}},
		},
		{
			name: "empty plan",
			plan: nil,
			deps: nil,
			want: [][]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			groups, err := Levelize(tt.plan, tt.deps)
			require.NoError(t, err)
			assert.Equal(t, tt.want, groups)
		})
	}
}

func TestLevelize_CycleDetected(t *testing.T) {
	_, err := Levelize([]string{"a", "b"}, map[string][]string{"a": {"b"}, "b": {"a"}})
	require.ErrorIs(t, err, ErrCyclicPlan)

	_, err = Levelize([]string{"a"}, map[string][]string{"a": {"a"}})
	require.ErrorIs(t, err, ErrCyclicPlan)
}

func TestLevelize_LevelizationLaw(t *testing.T) {
	plan := []string{"search", "analytics", "document", "compliance"}
	deps := map[string][]string{
		"document":   {"search"},
		"compliance": {"document", "analytics"},
	}
	groups, err := Levelize(plan, deps)
	require.NoError(t, err)

	level := map[string]int{}
	for i, g := range groups {
		for _, a := range g {
			level[a] = i
		}
	}
	for a, ds := range deps {
		for _, d := range ds {
			assert.Less(t, level[d], level[a], "%s must complete before %s", d, a)
		}
	}

	// Union of groups equals the plan, groups pairwise disjoint.
	var all []string
	for _, g := range groups {
		all = append(all, g...)
	}
	assert.ElementsMatch(t, plan, all)
}

func TestSupervisor_Scenarios(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantPlan   []string
		wantDeps   map[string][]string
		wantGroups [][]string
	}{
		{
			name:       "single agent plan",
			input:      "analyze last quarter sales",
			wantPlan:   []string{"analytics"},
			wantGroups: [][]string{{"analytics"}},
		},
		{
			name:       "parallel independent agents",
			input:      "find competitors and analyze our revenue",
			wantPlan:   []string{"search", "analytics"},
			wantGroups: [][]string{{"search", "analytics"}},
		},
		{
			name:     "dependency chain",
			input:    "search info, write doc, check compliance",
			wantPlan: []string{"search", "document", "compliance"},
			wantDeps: map[string][]string{
				"search":     {},
				"document":   {"search"},
				"compliance": {"document"},
			},
			wantGroups: [][]string{{"search"}, {"document"}, {"compliance"}},
		},
		{
			name:       "korean triggers",
			input:      "경쟁사 검색하고 매출 분석해줘",
			wantPlan:   []string{"search", "analytics"},
			wantGroups: [][]string{{"search", "analytics"}},
		},
	}

	sup := NewSupervisor(canonicalOrder)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			patch, err := sup.Plan(state.NewRunState(tt.input, "t-1"))
			require.NoError(t, err)

			assert.Equal(t, tt.wantPlan, patch.ExecutionPlan)
			assert.Equal(t, tt.wantGroups, patch.ParallelGroups)
			if tt.wantDeps != nil {
				assert.Equal(t, tt.wantDeps, patch.Dependencies)
			}
			require.NotNil(t, patch.CurrentGroup)
			assert.Equal(t, 0, *patch.CurrentGroup)
			require.Len(t, patch.Progress, 1)
			assert.Equal(t, SupervisorName, patch.Progress[0].Agent)
			assert.Equal(t, state.ActionCompleted, patch.Progress[0].Action)
			require.Len(t, patch.Messages, 1)
			assert.Equal(t, state.RoleAssistant, patch.Messages[0].Role)
			assert.Nil(t, patch.Context)
		})
	}
}

func TestSupervisor_DegradedPlan(t *testing.T) {
	sup := NewSupervisor(canonicalOrder)

	patch, err := sup.Plan(state.NewRunState("xyzzy", "t-1"))
	require.NoError(t, err)

	assert.Equal(t, []string{agent.NameSearch}, patch.ExecutionPlan)
	assert.Equal(t, true, patch.Context["planner_degraded"])
}

func TestSupervisor_ReplanAugmentsOnly(t *testing.T) {
	sup := NewSupervisor(canonicalOrder)

	snap := state.NewRunState("analyze sales", "t-1")
	snap.ExecutionPlan = []string{"search", "document"}
	snap.Results["search"] = state.Result{Status: state.StatusSuccess}

	patch, err := sup.Plan(snap)
	require.NoError(t, err)

	// New classification adds analytics; the existing plan members stay, in
	// canonical order.
	assert.Equal(t, []string{"search", "analytics", "document"}, patch.ExecutionPlan)

	// Dependencies stay acyclic and levelize cleanly.
	_, err = Levelize(patch.ExecutionPlan, patch.Dependencies)
	require.NoError(t, err)
}
