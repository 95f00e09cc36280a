package signal

import (
	"fmt"
	"sort"
	"strings"
)

// SourceContribution is one provider's input to a fused decision, kept
// for rationale rendering.
type SourceContribution struct {
	ProviderID string
	Direction  string
	Confidence float64
	Weight     float64
}

// BuildRationale renders a deterministic human-readable explanation of a
// decision. The same inputs always produce the same string so rationale
// text participates safely in the content hash.
func BuildRationale(action Action, confidence float64, regime string, threshold float64, contributions []SourceContribution) string {
	sorted := make([]SourceContribution, len(contributions))
	copy(sorted, contributions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProviderID < sorted[j].ProviderID })

	var b strings.Builder
	fmt.Fprintf(&b, "%s consensus at %.1f%% confidence in %s regime (threshold %.0f%%).", action, confidence, regime, threshold)
	for _, c := range sorted {
		fmt.Fprintf(&b, " %s: %s %.1f%% (weight %.2f).", c.ProviderID, c.Direction, c.Confidence, c.Weight)
	}
	return b.String()
}
