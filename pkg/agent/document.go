package agent

import (
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/maestro-ai/maestro/pkg/state"
)

// documentTemplate renders a proposal from whatever prior results the
// snapshot carries. Sections render empty when their agent did not run.
var documentTemplate = template.Must(template.New("proposal").Parse(
	`# Proposal

## Request
{{.Task}}
{{if .SearchSummary}}
## Background
{{.SearchSummary}}
{{end}}{{if .AnalyticsSummary}}
## Performance
{{.AnalyticsSummary}}
{{end}}
## Scope
Prepared by the document agent from the available run results.
`))

type documentInput struct {
	Task             string
	SearchSummary    string
	AnalyticsSummary string
}

// documentAgent renders a proposal document from prior agent results and
// flags it for compliance review.
type documentAgent struct{}

// NewDocument creates the built-in document agent.
func NewDocument() Agent { return &documentAgent{} }

func (a *documentAgent) Name() string { return NameDocument }

func (a *documentAgent) Execute(_ context.Context, snapshot *state.RunState) (*state.Patch, error) {
	input := documentInput{Task: snapshot.TaskDescription}
	if r, ok := snapshot.Results[NameSearch]; ok && r.Status == state.StatusSuccess {
		input.SearchSummary = r.Summary
	}
	if r, ok := snapshot.Results[NameAnalytics]; ok && r.Status == state.StatusSuccess {
		input.AnalyticsSummary = r.Summary
	}

	var sb strings.Builder
	if err := documentTemplate.Execute(&sb, input); err != nil {
		return nil, fmt.Errorf("render document: %w", err)
	}
	content := sb.String()

	// A rework pass redacts the phrases compliance objected to. The rework
	// marker lets compliance approve the revised document deterministically.
	reworked := snapshot.ContextFlag("needs_rework") &&
		(snapshot.ContextString("rework_target") == "" || snapshot.ContextString("rework_target") == NameDocument)
	if reworked {
		content = redactBannedPhrases(content)
	}

	now := time.Now().UTC()
	documentID := "doc-" + snapshot.ThreadID

	patch := &state.Patch{
		Results: map[string]state.Result{
			NameDocument: {
				Status:    state.StatusSuccess,
				Timestamp: now,
				Summary:   fmt.Sprintf("document %s rendered (%d bytes)", documentID, len(content)),
				Data: map[string]any{
					"document_id": documentID,
					"content":     content,
					"reworked":    reworked,
				},
			},
		},
		Context: map[string]any{
			"requires_compliance": true,
			"document_id":         documentID,
		},
		Messages: []state.Message{{
			Role:      state.RoleAssistant,
			Agent:     NameDocument,
			Content:   "Document " + documentID + " is ready for compliance review.",
			Timestamp: now,
		}},
	}
	if reworked {
		patch.Context["document_reworked"] = true
		patch.Context["needs_rework"] = false
	}
	return patch, nil
}

func redactBannedPhrases(content string) string {
	lower := strings.ToLower(content)
	for _, rule := range complianceRules {
		for {
			idx := strings.Index(lower, rule.Phrase)
			if idx < 0 {
				break
			}
			content = content[:idx] + "[redacted]" + content[idx+len(rule.Phrase):]
			lower = lower[:idx] + "[redacted]" + lower[idx+len(rule.Phrase):]
		}
	}
	return content
}
