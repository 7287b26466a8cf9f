package agent

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/maestro-ai/maestro/pkg/state"
)

// quarterMetrics is one row of the embedded sales dataset the analytics agent
// computes KPIs from. A SQL analytics backend would replace this table.
type quarterMetrics struct {
	Quarter   string
	Revenue   float64
	Deals     int
	ChurnRate float64
}

var salesDataset = []quarterMetrics{
	{Quarter: "2025Q3", Revenue: 1_420_000, Deals: 24, ChurnRate: 3.1},
	{Quarter: "2025Q4", Revenue: 1_610_000, Deals: 27, ChurnRate: 2.8},
	{Quarter: "2026Q1", Revenue: 1_540_000, Deals: 25, ChurnRate: 3.4},
	{Quarter: "2026Q2", Revenue: 1_840_000, Deals: 31, ChurnRate: 2.1},
}

// marketCues are task phrasings that need external market context the dataset
// does not carry. When no search is planned or done, analytics asks for one
// via context["search_needed"].
var marketCues = []string{
	"competitor", "competitors", "market", "industry", "benchmark",
	"경쟁사", "시장", "업계",
}

// analyticsAgent computes revenue KPIs and a health score from the embedded
// dataset, folding in search results when present in the snapshot.
type analyticsAgent struct{}

// NewAnalytics creates the built-in analytics agent.
func NewAnalytics() Agent { return &analyticsAgent{} }

func (a *analyticsAgent) Name() string { return NameAnalytics }

func (a *analyticsAgent) Execute(_ context.Context, snapshot *state.RunState) (*state.Patch, error) {
	latest := salesDataset[len(salesDataset)-1]
	prev := salesDataset[len(salesDataset)-2]

	growthPct := (latest.Revenue - prev.Revenue) / prev.Revenue * 100
	avgDealSize := latest.Revenue / float64(latest.Deals)
	healthScore := computeHealthScore(growthPct, latest.ChurnRate)

	kpis := map[string]any{
		"quarter":       latest.Quarter,
		"revenue":       latest.Revenue,
		"deals":         latest.Deals,
		"growth_pct":    round2(growthPct),
		"avg_deal_size": round2(avgDealSize),
		"churn_rate":    latest.ChurnRate,
	}

	trend := "declining"
	if growthPct > 0 {
		trend = "growing"
	}

	data := map[string]any{
		"kpis":         kpis,
		"trend":        trend,
		"health_score": healthScore,
	}

	// Fold in search matches when the search agent already ran.
	if sr, ok := snapshot.Results[NameSearch]; ok && sr.Status == state.StatusSuccess {
		if count, ok := sr.Data["match_count"]; ok {
			data["search_context_records"] = count
		}
	}

	now := time.Now().UTC()
	patch := &state.Patch{
		Results: map[string]state.Result{
			NameAnalytics: {
				Status:    state.StatusSuccess,
				Timestamp: now,
				Summary:   fmt.Sprintf("%s revenue %.0f, %s %.1f%%, health %d", latest.Quarter, latest.Revenue, trend, growthPct, healthScore),
				Data:      data,
			},
		},
		Messages: []state.Message{{
			Role:      state.RoleAssistant,
			Agent:     NameAnalytics,
			Content:   fmt.Sprintf("Analytics complete: %s trend, health score %d.", trend, healthScore),
			Timestamp: now,
		}},
	}

	// Ask for market context only when search can still contribute: not in the
	// plan and no result yet. Keyed on the plan rather than timing so the
	// decision is the same regardless of sibling completion order.
	task := strings.ToLower(snapshot.TaskDescription)
	if containsAny(task, marketCues) &&
		!slices.Contains(snapshot.ExecutionPlan, NameSearch) &&
		!snapshot.HasResult(NameSearch) {
		patch.Context = map[string]any{"search_needed": true}
	}
	return patch, nil
}

// computeHealthScore maps growth and churn onto a 0–100 score.
func computeHealthScore(growthPct, churnRate float64) int {
	score := 50 + growthPct*2 - churnRate*5
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return int(score)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
