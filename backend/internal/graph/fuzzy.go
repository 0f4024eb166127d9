package graph

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// EditDistance is the case-insensitive Levenshtein distance between labels
func EditDistance(a, b string) int {
	return levenshtein.ComputeDistance(strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b)))
}

// rankFuzzy keeps the nodes within maxDistance of name, closest first with
// ties broken by key so results are stable, truncated to limit.
func rankFuzzy(name string, nodes []Node, maxDistance, limit int) []FuzzyMatch {
	matches := make([]FuzzyMatch, 0)
	for _, n := range nodes {
		d := EditDistance(name, n.DisplayLabel)
		if d <= maxDistance {
			matches = append(matches, FuzzyMatch{Node: n, Distance: d})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].Node.Key < matches[j].Node.Key
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}
