package planner

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/maestro-ai/maestro/pkg/agent"
	"github.com/maestro-ai/maestro/pkg/state"
)

// SupervisorName is the node name used in progress entries and routing.
const SupervisorName = "supervisor"

// Intent is one member of the closed classification set.
type Intent string

const (
	IntentAnalyze  Intent = "analyze"
	IntentSearch   Intent = "search"
	IntentGenerate Intent = "generate"
	IntentValidate Intent = "validate"
	IntentCompare  Intent = "compare"
	IntentPredict  Intent = "predict"
)

// intentKeywords maps each intent to its trigger phrases, English and Korean.
var intentKeywords = map[Intent][]string{
	IntentAnalyze:  {"analyze", "analysis", "analytics", "kpi", "metric", "revenue", "sales", "performance", "매출", "분석", "실적"},
	IntentSearch:   {"search", "find", "look up", "lookup", "retrieve", "competitor", "info", "customer", "검색", "찾아", "조회", "고객"},
	IntentGenerate: {"write", "draft", "generate", "compose", "proposal", "document", "report", "doc", "작성", "제안서", "보고서", "문서"},
	IntentValidate: {"compliance", "validate", "check", "review", "legal", "규정", "검토", "준수"},
	IntentCompare:  {"compare", "versus", " vs ", "비교"},
	IntentPredict:  {"predict", "forecast", "projection", "예측", "전망"},
}

// intentAgents maps each intent to the agents it requires.
var intentAgents = map[Intent][]string{
	IntentAnalyze:  {agent.NameAnalytics},
	IntentSearch:   {agent.NameSearch},
	IntentGenerate: {agent.NameDocument},
	IntentValidate: {agent.NameCompliance},
	IntentCompare:  {agent.NameSearch, agent.NameAnalytics},
	IntentPredict:  {agent.NameAnalytics},
}

// classificationOrder fixes iteration over the intent tables.
var classificationOrder = []Intent{
	IntentAnalyze, IntentSearch, IntentGenerate, IntentValidate, IntentCompare, IntentPredict,
}

// Supervisor classifies requests into execution plans. canonicalOrder is the
// agent registration order; it decides plan ordering and level tie-breaks.
type Supervisor struct {
	canonicalOrder []string
}

// NewSupervisor creates a supervisor planning over the given canonical agent
// order.
func NewSupervisor(canonicalOrder []string) *Supervisor {
	return &Supervisor{canonicalOrder: append([]string(nil), canonicalOrder...)}
}

// Plan classifies the snapshot's task into a plan, attaches static
// dependencies, levelizes, and returns the planning patch. On a repeat call
// (re-planning at a group boundary) the plan only grows: agents already in
// the plan stay, whatever the new classification says.
//
// When classification finds nothing, the plan degrades to the single most
// conservative agent and context["planner_degraded"] is set.
func (s *Supervisor) Plan(snapshot *state.RunState) (*state.Patch, error) {
	intents := s.classify(snapshot.TaskDescription)
	selected := s.agentsFor(intents)

	degraded := false
	if len(selected) == 0 {
		selected = []string{agent.NameSearch}
		degraded = true
		slog.Warn("Planner could not classify task, degrading to minimal plan",
			"thread_id", snapshot.ThreadID)
	}

	// Augment-only: a re-plan keeps every agent already planned.
	plan := s.orderCanonically(union(snapshot.ExecutionPlan, selected))

	deps := staticDependencies(plan)
	groups, err := Levelize(plan, deps)
	if err != nil {
		return nil, fmt.Errorf("levelize plan %v: %w", plan, err)
	}

	now := time.Now().UTC()
	patch := &state.Patch{
		ExecutionPlan:  plan,
		Dependencies:   deps,
		ParallelGroups: groups,
		CurrentGroup:   state.Ptr(0),
		CurrentStep:    state.Ptr(0),
		CurrentAgent:   state.Ptr(SupervisorName),
		Messages: []state.Message{{
			Role:      state.RoleAssistant,
			Agent:     SupervisorName,
			Content:   planningMessage(intents, plan),
			Timestamp: now,
		}},
		Progress: []state.ProgressEntry{{
			Agent:     SupervisorName,
			Action:    state.ActionCompleted,
			Timestamp: now,
			Meta:      map[string]any{"plan": plan, "groups": len(groups)},
		}},
	}
	if degraded {
		patch.Context = map[string]any{"planner_degraded": true}
	}

	slog.Info("Execution plan ready",
		"thread_id", snapshot.ThreadID,
		"plan", plan,
		"groups", len(groups),
		"degraded", degraded)
	return patch, nil
}

// classify returns the intents whose keyword tables match the task.
func (s *Supervisor) classify(task string) []Intent {
	lower := strings.ToLower(task)
	var intents []Intent
	for _, intent := range classificationOrder {
		for _, kw := range intentKeywords[intent] {
			if strings.Contains(lower, kw) {
				intents = append(intents, intent)
				break
			}
		}
	}
	return intents
}

// agentsFor resolves intents to agents, deduplicated in canonical order.
func (s *Supervisor) agentsFor(intents []Intent) []string {
	selected := make(map[string]bool)
	for _, intent := range intents {
		for _, a := range intentAgents[intent] {
			selected[a] = true
		}
	}
	var agents []string
	for _, name := range s.canonicalOrder {
		if selected[name] {
			agents = append(agents, name)
		}
	}
	return agents
}

func (s *Supervisor) orderCanonically(agents []string) []string {
	ordered := make([]string, 0, len(agents))
	for _, name := range s.canonicalOrder {
		if slices.Contains(agents, name) {
			ordered = append(ordered, name)
		}
	}
	// Agents outside the canonical table keep their given order at the end.
	for _, name := range agents {
		if !slices.Contains(ordered, name) {
			ordered = append(ordered, name)
		}
	}
	return ordered
}

// staticDependencies attaches the built-in ordering constraints: compliance
// reviews the document, and the document builds on whichever of search and
// analytics the plan includes.
func staticDependencies(plan []string) map[string][]string {
	deps := make(map[string][]string, len(plan))
	for _, a := range plan {
		deps[a] = []string{}
	}
	if slices.Contains(plan, agent.NameCompliance) && slices.Contains(plan, agent.NameDocument) {
		deps[agent.NameCompliance] = append(deps[agent.NameCompliance], agent.NameDocument)
	}
	if slices.Contains(plan, agent.NameDocument) {
		for _, upstream := range []string{agent.NameSearch, agent.NameAnalytics} {
			if slices.Contains(plan, upstream) {
				deps[agent.NameDocument] = append(deps[agent.NameDocument], upstream)
			}
		}
	}
	return deps
}

func planningMessage(intents []Intent, plan []string) string {
	if len(intents) == 0 {
		return fmt.Sprintf("Could not classify the request; proceeding with a minimal plan: %s.", strings.Join(plan, ", "))
	}
	labels := make([]string, len(intents))
	for i, intent := range intents {
		labels[i] = string(intent)
	}
	return fmt.Sprintf("Classified intents [%s]; executing agents: %s.",
		strings.Join(labels, ", "), strings.Join(plan, ", "))
}

func union(existing, added []string) []string {
	out := append([]string(nil), existing...)
	for _, a := range added {
		if !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	return out
}
