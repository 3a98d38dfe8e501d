package reputation

import (
	"sort"

	"github.com/shopspring/decimal"

	"oracle-market/internal/storage"
)

// CategoryStats is the per-category breakdown of a user's record.
type CategoryStats struct {
	Correct  int     `json:"correct"`
	Total    int     `json:"total"`
	Accuracy float64 `json:"accuracy"`
}

// Report summarises a user's prediction record.
type Report struct {
	// Accuracy is nil until the user has at least one resolved position.
	Accuracy      *float64                 `json:"accuracy"`
	Correct       int                      `json:"correct"`
	TotalResolved int                      `json:"total_resolved"`
	Categories    map[string]CategoryStats `json:"category_stats"`
}

// Calculate scores positions against the claims they were placed on.
// Positions on active or unknown claims are ignored for accuracy. A category
// appears as soon as the user has a position on an existing claim in it, and
// reports 0 accuracy while nothing there has resolved.
func Calculate(positions []storage.Position, claims map[string]storage.Claim) Report {
	report := Report{Categories: make(map[string]CategoryStats)}

	for _, p := range positions {
		claim, ok := claims[p.ClaimID]
		if !ok {
			continue
		}
		stats := report.Categories[claim.Category]
		if claim.Status.Resolved() {
			stats.Total++
			report.TotalResolved++
			if isCorrect(p, claim) {
				stats.Correct++
				report.Correct++
			}
		}
		report.Categories[claim.Category] = stats
	}

	for name, stats := range report.Categories {
		stats.Accuracy = percent(stats.Correct, stats.Total)
		report.Categories[name] = stats
	}

	if report.TotalResolved > 0 {
		acc := percent(report.Correct, report.TotalResolved)
		report.Accuracy = &acc
	}
	return report
}

// Index keys claims by id for Calculate.
func Index(claims []storage.Claim) map[string]storage.Claim {
	out := make(map[string]storage.Claim, len(claims))
	for _, c := range claims {
		out[c.ID] = c
	}
	return out
}

// CategoryNames returns the categories in the report, sorted.
func (r Report) CategoryNames() []string {
	names := make([]string, 0, len(r.Categories))
	for name := range r.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func isCorrect(p storage.Position, claim storage.Claim) bool {
	return (p.Side == storage.SideYes) == (claim.Status == storage.StatusResolvedYes)
}

func percent(correct, total int) float64 {
	if total == 0 {
		return 0
	}
	out, _ := decimal.NewFromInt(int64(correct)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(total))).
		Round(1).
		Float64()
	return out
}
