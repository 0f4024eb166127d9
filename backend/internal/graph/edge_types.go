package graph

import (
	apperrors "kgraph/backend/pkg/errors"
)

// EdgeType is the relationship type. It is derived from the endpoint kinds,
// never chosen by the caller.
type EdgeType string

const (
	EdgeKnows          EdgeType = "KNOWS"           // Person -> Person
	EdgeEngagesWith    EdgeType = "ENGAGES_WITH"    // Person -> Concept
	EdgeAssociatedWith EdgeType = "ASSOCIATED_WITH" // Person -> Entity
	EdgeRelatedTo      EdgeType = "RELATED_TO"      // Concept -> Concept
	EdgeAppliesTo      EdgeType = "APPLIES_TO"      // Concept -> Entity
	EdgeConnectedTo    EdgeType = "CONNECTED_TO"    // Entity -> Entity

	// EdgeMentions links a Source to everything its chunk touched. It carries
	// no properties and is not subject to the one-edge-per-pair rule.
	EdgeMentions EdgeType = "MENTIONS"
)

type kindPair struct {
	from Kind
	to   Kind
}

var edgeTypeTable = map[kindPair]EdgeType{
	{KindPerson, KindPerson}:   EdgeKnows,
	{KindPerson, KindConcept}:  EdgeEngagesWith,
	{KindPerson, KindEntity}:   EdgeAssociatedWith,
	{KindConcept, KindConcept}: EdgeRelatedTo,
	{KindConcept, KindEntity}:  EdgeAppliesTo,
	{KindEntity, KindEntity}:   EdgeConnectedTo,
}

// EdgeTypeFor maps an ordered pair of endpoint kinds to its edge type
func EdgeTypeFor(from, to Kind) (EdgeType, error) {
	t, ok := edgeTypeTable[kindPair{from, to}]
	if !ok {
		return "", apperrors.NewUnsupportedPair(string(from), string(to))
	}
	return t, nil
}

// SemanticEdgeTypes lists every type produced by EdgeTypeFor
func SemanticEdgeTypes() []EdgeType {
	return []EdgeType{EdgeKnows, EdgeEngagesWith, EdgeAssociatedWith, EdgeRelatedTo, EdgeAppliesTo, EdgeConnectedTo}
}

// IsSemantic reports whether t is one of the typed relationship types. The
// Cypher layer interpolates relationship types, so it only ever accepts these.
func (t EdgeType) IsSemantic() bool {
	for _, s := range SemanticEdgeTypes() {
		if s == t {
			return true
		}
	}
	return false
}
