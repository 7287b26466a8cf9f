package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maestro-ai/maestro/pkg/state"
)

// complianceRule flags one banned phrase with a severity level. The rule
// engine stands in for an external compliance service.
type complianceRule struct {
	Phrase string // matched case-insensitively
	Level  string // warning or violation
	Note   string
}

var complianceRules = []complianceRule{
	{Phrase: "guaranteed return", Level: "violation", Note: "no return guarantees in customer documents"},
	{Phrase: "guaranteed", Level: "violation", Note: "absolute guarantees are not permitted"},
	{Phrase: "risk-free", Level: "violation", Note: "risk disclaimers are mandatory"},
	{Phrase: "no risk", Level: "violation", Note: "risk disclaimers are mandatory"},
	{Phrase: "100%", Level: "warning", Note: "absolute percentages need legal review"},
	{Phrase: "확정 수익", Level: "violation", Note: "no return guarantees in customer documents"},
	{Phrase: "무위험", Level: "violation", Note: "risk disclaimers are mandatory"},
}

// complianceAgent reviews the rendered document against the rule table. On
// violations it requests a rework of the document; a document that already
// went through one rework pass is approved as revised.
type complianceAgent struct{}

// NewCompliance creates the built-in compliance agent.
func NewCompliance() Agent { return &complianceAgent{} }

func (a *complianceAgent) Name() string { return NameCompliance }

func (a *complianceAgent) Execute(_ context.Context, snapshot *state.RunState) (*state.Patch, error) {
	content := documentContent(snapshot)
	violations := scanViolations(content)

	now := time.Now().UTC()
	approved := len(violations) == 0 || snapshot.ContextFlag("document_reworked")

	data := map[string]any{
		"approved":   approved,
		"violations": violations,
	}
	if id := snapshot.ContextString("document_id"); id != "" {
		data["document_id"] = id
	}

	summary := "document approved"
	if !approved {
		summary = fmt.Sprintf("%d compliance findings, rework requested", len(violations))
	} else if len(violations) > 0 {
		summary = "revised document approved"
	}

	patch := &state.Patch{
		Results: map[string]state.Result{
			NameCompliance: {
				Status:    state.StatusSuccess,
				Timestamp: now,
				Summary:   summary,
				Data:      data,
			},
		},
		Messages: []state.Message{{
			Role:      state.RoleAssistant,
			Agent:     NameCompliance,
			Content:   "Compliance review: " + summary + ".",
			Timestamp: now,
		}},
	}

	if approved {
		patch.Context = map[string]any{"compliance_ready": true}
	} else {
		patch.Context = map[string]any{
			"needs_rework":  true,
			"rework_target": NameDocument,
		}
	}
	return patch, nil
}

// documentContent pulls the rendered document out of the snapshot, falling
// back to the task description when no document was produced.
func documentContent(snapshot *state.RunState) string {
	if r, ok := snapshot.Results[NameDocument]; ok {
		if c, ok := r.Data["content"].(string); ok {
			return c
		}
	}
	return snapshot.TaskDescription
}

func scanViolations(content string) []map[string]any {
	lower := strings.ToLower(content)
	var found []map[string]any
	for _, rule := range complianceRules {
		if strings.Contains(lower, rule.Phrase) {
			found = append(found, map[string]any{
				"phrase": rule.Phrase,
				"level":  rule.Level,
				"note":   rule.Note,
			})
		}
	}
	return found
}
