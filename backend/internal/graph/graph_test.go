package graph

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "kgraph/backend/pkg/errors"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Sarah", "sarah"},
		{"  Sarah   Connor  ", "sarah connor"},
		{"Sarah!", "sarah"},
		{"New\tYork\nCity.", "new york city"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "input %q", tt.in)
	}
}

func TestDeriveKey_Idempotent(t *testing.T) {
	a := DeriveKey("owner-1", KindPerson, "Sarah")
	b := DeriveKey("owner-1", KindPerson, "  sarah ")
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, DeriveKey("owner-2", KindPerson, "Sarah"), "owners never share keys")
	assert.NotEqual(t, a, DeriveKey("owner-1", KindConcept, "Sarah"), "kinds never share keys")
}

func TestDeriveEdgeKey_DirectionMatters(t *testing.T) {
	ab := DeriveEdgeKey("o", "a", "b", EdgeKnows)
	ba := DeriveEdgeKey("o", "b", "a", EdgeKnows)
	assert.NotEqual(t, ab, ba)
	assert.Equal(t, ab, DeriveEdgeKey("o", "a", "b", EdgeKnows))
}

func TestNewNode(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n, err := NewNode("owner", KindConcept, "  Graph Theory ", "study of graphs", "src-1", now)
	require.NoError(t, err)

	assert.Equal(t, "graph theory", n.CanonicalLabel)
	assert.Equal(t, "Graph Theory", n.DisplayLabel)
	assert.Equal(t, DeriveKey("owner", KindConcept, "graph theory"), n.Key)
	assert.Equal(t, StateCandidate, n.State)
	assert.Equal(t, DefaultSalience, n.Salience)
	assert.Zero(t, n.AccessCount)

	_, err = NewNode("owner", KindPerson, "   ", "", "", now)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation))

	_, err = NewNode("", KindPerson, "Sarah", "", "", now)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation))

	_, err = NewNode("owner", Kind("Robot"), "R2", "", "", now)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation))
}

func TestNewNode_DescriptionCutOnRuneBoundary(t *testing.T) {
	text := strings.Repeat("日本語", 4000)
	n, err := NewNode("owner", KindSource, "chunk", text, "", time.Now())
	require.NoError(t, err)

	assert.LessOrEqual(t, len(n.Description), 20000)
	assert.True(t, utf8.ValidString(n.Description))
	assert.True(t, strings.HasPrefix(text, n.Description))
	assert.Equal(t, 19998, len(n.Description))

	short, err := NewNode("owner", KindConcept, "tea", "  緑茶  ", "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "緑茶", short.Description)
}

func TestNewNode_SourcesNeverMerge(t *testing.T) {
	now := time.Now()
	a, err := NewNode("owner", KindSource, "chunk", "", "", now)
	require.NoError(t, err)
	b, err := NewNode("owner", KindSource, "chunk", "", "", now)
	require.NoError(t, err)
	assert.NotEqual(t, a.Key, b.Key)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("person")
	require.NoError(t, err)
	assert.Equal(t, KindPerson, k)

	_, err = ParseKind("planet")
	assert.Error(t, err)
}

func TestEdgeTypeFor(t *testing.T) {
	tests := []struct {
		from, to Kind
		want     EdgeType
	}{
		{KindPerson, KindPerson, EdgeKnows},
		{KindPerson, KindConcept, EdgeEngagesWith},
		{KindPerson, KindEntity, EdgeAssociatedWith},
		{KindConcept, KindConcept, EdgeRelatedTo},
		{KindConcept, KindEntity, EdgeAppliesTo},
		{KindEntity, KindEntity, EdgeConnectedTo},
	}
	for _, tt := range tests {
		got, err := EdgeTypeFor(tt.from, tt.to)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
		assert.True(t, got.IsSemantic())
	}

	for _, pair := range [][2]Kind{{KindConcept, KindPerson}, {KindEntity, KindPerson}, {KindSource, KindPerson}, {KindPerson, KindArtifact}} {
		_, err := EdgeTypeFor(pair[0], pair[1])
		assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeUnsupportedPair), "%v", pair)
	}
	assert.False(t, EdgeMentions.IsSemantic())
}

func TestStateForCount(t *testing.T) {
	assert.Equal(t, StateCandidate, StateForCount(0))
	assert.Equal(t, StateActive, StateForCount(1))
	assert.Equal(t, StateActive, StateForCount(9))
	assert.Equal(t, StateCore, StateForCount(10))
	assert.Equal(t, StateCore, StateForCount(250))
}

func TestNextState_NeverMovesBackwards(t *testing.T) {
	assert.Equal(t, StateCore, NextState(StateCore, 2))
	assert.Equal(t, StateActive, NextState(StateActive, 1))
	assert.Equal(t, StateCore, NextState(StateActive, 10))
	assert.Equal(t, StateActive, NextState(StateArchived, 3))
	assert.Equal(t, StateCore, NextState(StateArchived, 12))
}

func TestApplyAccess(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s := FreshSalience()

	s = ApplyAccess(s, AccessUpdate{Boost: 0.075, Now: now})
	assert.Equal(t, int64(1), s.AccessCount)
	assert.Equal(t, int64(1), s.RecallFrequency)
	assert.Equal(t, StateActive, s.State)
	assert.InDelta(t, 0.575, s.Salience, 1e-9)
	require.NotNil(t, s.LastAccessedAt)
	assert.Equal(t, now, *s.LastAccessedAt)

	for i := 0; i < 9; i++ {
		prev := s.Salience
		s = ApplyAccess(s, AccessUpdate{Boost: 0.075, Now: now})
		assert.GreaterOrEqual(t, s.Salience, prev)
	}
	assert.Equal(t, int64(10), s.AccessCount)
	assert.Equal(t, StateCore, s.State)
	assert.Equal(t, 1.0, s.Salience, "salience is capped at 1")
}

func TestDecayPolicy_ApplyDecay(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	policy := DecayPolicy{HalfLife: 90 * 24 * time.Hour, Floor: 0.1, ArchiveAfter: 180 * 24 * time.Hour, ArchiveBelow: 0.2}

	s := FreshSalience()
	s.Salience = 0.8
	next, changed, archived := policy.ApplyDecay(s, created, created.Add(90*24*time.Hour))
	assert.True(t, changed)
	assert.False(t, archived)
	assert.InDelta(t, 0.4, next.Salience, 1e-9)
	assert.InDelta(t, 0.4, next.DecayGradient, 1e-9)

	// Far in the future it hits the floor and is archived
	next, _, archived = policy.ApplyDecay(s, created, created.Add(3*365*24*time.Hour))
	assert.Equal(t, 0.1, next.Salience)
	assert.True(t, archived)
	assert.Equal(t, StateArchived, next.State)

	// Already archived items are left alone
	_, changed, archived = policy.ApplyDecay(next, created, created.Add(4*365*24*time.Hour))
	assert.False(t, changed)
	assert.False(t, archived)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2, 3}, []float32{2, 4, 6}), 1e-6)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}

func TestRankFuzzy(t *testing.T) {
	nodes := []Node{
		{Key: "k1", DisplayLabel: "Sara"},
		{Key: "k2", DisplayLabel: "Sarah"},
		{Key: "k3", DisplayLabel: "Saran"},
		{Key: "k4", DisplayLabel: "Bartholomew"},
	}
	matches := rankFuzzy("sarah", nodes, 3, 5)
	require.Len(t, matches, 3)
	assert.Equal(t, "k2", matches[0].Node.Key)
	assert.Equal(t, 0, matches[0].Distance)
	assert.Equal(t, "k1", matches[1].Node.Key, "ties break by key")
	assert.Equal(t, "k3", matches[2].Node.Key)

	assert.Len(t, rankFuzzy("sarah", nodes, 3, 1), 1)
}

func TestNotesRoundTripThroughJSON(t *testing.T) {
	exp := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	notes := []Note{{Content: "met at conference", Author: "me", CreatedAt: exp.Add(-time.Hour), ExpiresAt: &exp}}
	decoded := decodeNotes(encodeNotes(notes))
	require.Len(t, decoded, 1)
	assert.Equal(t, "met at conference", decoded[0].Content)
	assert.True(t, decoded[0].Expired(exp))
	assert.False(t, decoded[0].Expired(exp.Add(-time.Minute)))
	assert.Nil(t, decodeNotes(""))
}
