package graph

import (
	"math"
	"time"
)

const (
	// ActiveThreshold is the access count at which a candidate becomes active
	ActiveThreshold = 1
	// CoreThreshold is the access count at which an item becomes core
	CoreThreshold = 10
)

// StateForCount maps a cumulative access count to its lifecycle state
func StateForCount(count int64) LifecycleState {
	switch {
	case count >= CoreThreshold:
		return StateCore
	case count >= ActiveThreshold:
		return StateActive
	default:
		return StateCandidate
	}
}

func stateRank(s LifecycleState) int {
	switch s {
	case StateCore:
		return 2
	case StateActive:
		return 1
	default:
		return 0
	}
}

// NextState recomputes the state after an access. It never moves backwards;
// an archived item is revived to whatever its count warrants.
func NextState(current LifecycleState, count int64) LifecycleState {
	derived := StateForCount(count)
	if current == StateArchived {
		return derived
	}
	if stateRank(current) > stateRank(derived) {
		return current
	}
	return derived
}

// ApplyAccess is the single source of the access arithmetic. The in-memory
// store calls it; the Cypher in the Neo4j repository mirrors it.
func ApplyAccess(s SalienceState, upd AccessUpdate) SalienceState {
	s.AccessCount++
	s.RecallFrequency++
	now := upd.Now
	s.LastAccessedAt = &now
	s.Salience = math.Min(1.0, s.Salience+upd.Boost)
	s.State = NextState(s.State, s.AccessCount)
	return s
}

// DecayPolicy parameterises the asynchronous salience decay sweep
type DecayPolicy struct {
	HalfLife     time.Duration
	Floor        float64
	ArchiveAfter time.Duration
	ArchiveBelow float64
}

// ApplyDecay computes the decayed state of an item at now. Items that were
// never accessed decay from their creation time. It reports whether the
// salience changed and whether the item was archived.
func (p DecayPolicy) ApplyDecay(s SalienceState, createdAt, now time.Time) (SalienceState, bool, bool) {
	if p.HalfLife <= 0 || s.State == StateArchived {
		return s, false, false
	}
	since := createdAt
	if s.LastAccessedAt != nil {
		since = *s.LastAccessedAt
	}
	idle := now.Sub(since)
	if idle <= 0 {
		return s, false, false
	}

	factor := math.Pow(0.5, idle.Hours()/p.HalfLife.Hours())
	decayed := math.Max(p.Floor, s.Salience*factor)
	changed := decayed < s.Salience
	if changed {
		s.DecayGradient = s.Salience - decayed
		s.Salience = decayed
	}

	archived := false
	if p.ArchiveAfter > 0 && idle >= p.ArchiveAfter && s.Salience < p.ArchiveBelow {
		s.State = StateArchived
		archived = true
	}
	return s, changed, archived
}
