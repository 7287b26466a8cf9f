package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maestro-ai/maestro/pkg/state"
)

// corpusEntry is one record of the embedded retrieval corpus. Keywords cover
// both English and Korean phrasings of the same concept.
type corpusEntry struct {
	ID       string
	Title    string
	Category string
	Summary  string
	Keywords []string
}

var searchCorpus = []corpusEntry{
	{
		ID:       "kb-001",
		Title:    "Northwind Retail — account profile",
		Category: "customer",
		Summary:  "Mid-market retail chain, 42 stores, renewal due Q4. Key contact: procurement director.",
		Keywords: []string{"northwind", "customer", "account", "retail", "고객", "거래처"},
	},
	{
		ID:       "kb-002",
		Title:    "Competitor landscape 2026",
		Category: "market",
		Summary:  "Three direct competitors; pricing pressure strongest in the SMB segment.",
		Keywords: []string{"competitor", "competitors", "market", "landscape", "경쟁사", "시장"},
	},
	{
		ID:       "kb-003",
		Title:    "Product catalog — analytics suite",
		Category: "product",
		Summary:  "Tiered analytics suite: starter, growth, enterprise. Enterprise adds SSO and audit export.",
		Keywords: []string{"product", "catalog", "analytics suite", "pricing", "제품", "가격"},
	},
	{
		ID:       "kb-004",
		Title:    "Standard proposal boilerplate",
		Category: "template",
		Summary:  "Approved intro, scope, and terms sections for customer proposals.",
		Keywords: []string{"proposal", "template", "boilerplate", "terms", "제안서", "양식"},
	},
	{
		ID:       "kb-005",
		Title:    "Q2 win/loss review",
		Category: "sales",
		Summary:  "Win rate 38%; losses concentrated where onboarding time exceeded six weeks.",
		Keywords: []string{"win", "loss", "review", "sales", "deals", "영업", "수주"},
	},
}

// documentCues are task phrasings that signal a document should follow the
// search, in which case the router forwards search → document.
var documentCues = []string{
	"doc", "document", "report", "proposal", "write", "draft",
	"제안서", "보고서", "문서", "작성",
}

// searchAgent retrieves matching corpus entries for the task description.
// Deterministic keyword retrieval stands in for a vector search backend.
type searchAgent struct{}

// NewSearch creates the built-in search agent.
func NewSearch() Agent { return &searchAgent{} }

func (a *searchAgent) Name() string { return NameSearch }

func (a *searchAgent) Execute(_ context.Context, snapshot *state.RunState) (*state.Patch, error) {
	task := strings.ToLower(snapshot.TaskDescription)

	var matches []map[string]any
	for _, entry := range searchCorpus {
		for _, kw := range entry.Keywords {
			if strings.Contains(task, kw) {
				matches = append(matches, map[string]any{
					"id":       entry.ID,
					"title":    entry.Title,
					"category": entry.Category,
					"summary":  entry.Summary,
				})
				break
			}
		}
	}

	now := time.Now().UTC()
	summary := fmt.Sprintf("found %d matching records", len(matches))
	patch := &state.Patch{
		Results: map[string]state.Result{
			NameSearch: {
				Status:    state.StatusSuccess,
				Timestamp: now,
				Summary:   summary,
				Data: map[string]any{
					"matches":     matches,
					"match_count": len(matches),
					"query":       snapshot.TaskDescription,
				},
			},
		},
		Messages: []state.Message{{
			Role:      state.RoleAssistant,
			Agent:     NameSearch,
			Content:   "Search " + summary + ".",
			Timestamp: now,
		}},
	}

	if containsAny(task, documentCues) {
		patch.Context = map[string]any{"document_ready": true}
	}
	return patch, nil
}

func containsAny(text string, cues []string) bool {
	for _, cue := range cues {
		if strings.Contains(text, cue) {
			return true
		}
	}
	return false
}
