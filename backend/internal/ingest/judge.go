package ingest

import (
	"kgraph/backend/internal/graph"
	"kgraph/backend/internal/resolver"
)

// ScoreJudge merges into the top alternate when its score reaches MinScore
type ScoreJudge struct {
	MinScore float64
}

func (j ScoreJudge) Decide(candidate graph.CandidateMention, res *resolver.Resolution) (string, bool) {
	if res == nil {
		return "", false
	}
	if res.Exact && res.MatchedKey != "" {
		return res.MatchedKey, true
	}
	top, ok := res.Top()
	if !ok || top.Score < j.MinScore {
		return "", false
	}
	return top.Key, true
}
