package graph

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "kgraph/backend/pkg/errors"
)

const (
	// DefaultSalience is the salience of a freshly created node or edge
	DefaultSalience = 0.5
)

// KindSpec configures one node kind. All kinds share one repository; the
// differences between them live in this table.
type KindSpec struct {
	Kind              Kind
	Resolvable        bool // may be the target of entity resolution
	MaxLabel          int
	MaxDescription    int
	DefaultConfidence float64
}

var kindSpecs = map[Kind]KindSpec{
	KindPerson:   {Kind: KindPerson, Resolvable: true, MaxLabel: 200, MaxDescription: 2000, DefaultConfidence: 0.8},
	KindConcept:  {Kind: KindConcept, Resolvable: true, MaxLabel: 200, MaxDescription: 2000, DefaultConfidence: 0.7},
	KindEntity:   {Kind: KindEntity, Resolvable: true, MaxLabel: 200, MaxDescription: 2000, DefaultConfidence: 0.7},
	KindSource:   {Kind: KindSource, MaxLabel: 300, MaxDescription: 20000, DefaultConfidence: 1.0},
	KindArtifact: {Kind: KindArtifact, MaxLabel: 300, MaxDescription: 5000, DefaultConfidence: 0.9},
}

// SpecFor returns the configuration of a kind
func SpecFor(kind Kind) (KindSpec, bool) {
	spec, ok := kindSpecs[kind]
	return spec, ok
}

// ParseKind maps a loosely-cased kind name to a Kind
func ParseKind(s string) (Kind, error) {
	for k := range kindSpecs {
		if strings.EqualFold(string(k), strings.TrimSpace(s)) {
			return k, nil
		}
	}
	return "", apperrors.NewValidation("kind", fmt.Sprintf("unknown kind %q", s))
}

// NewNode builds a node of the given kind with derived key, trimmed labels
// and fresh salience. Validation happens here, not when queries are built.
func NewNode(ownerID string, kind Kind, name, description, provenance string, now time.Time) (*Node, error) {
	spec, ok := SpecFor(kind)
	if !ok {
		return nil, apperrors.NewValidation("kind", fmt.Sprintf("unknown kind %q", kind))
	}
	if strings.TrimSpace(ownerID) == "" {
		return nil, apperrors.NewValidation("owner_id", "cannot be empty")
	}
	display := strings.TrimSpace(name)
	if display == "" {
		return nil, apperrors.NewValidation("name", "cannot be empty")
	}
	if len(display) > spec.MaxLabel {
		return nil, apperrors.NewValidation("name", fmt.Sprintf("longer than %d characters", spec.MaxLabel))
	}
	description = strings.TrimSpace(description)
	description = truncateBytes(description, spec.MaxDescription)

	key := DeriveKey(ownerID, kind, display)
	if kind == KindSource {
		key = NewSourceKey()
	}

	return &Node{
		Key:            key,
		OwnerID:        ownerID,
		Kind:           kind,
		CanonicalLabel: Normalize(display),
		DisplayLabel:   display,
		Description:    description,
		Confidence:     spec.DefaultConfidence,
		Provenance:     provenance,
		SalienceState:  FreshSalience(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// truncateBytes cuts s to at most max bytes without splitting a rune
func truncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// EmbeddingText is the descriptive text a node's embedding summarises
func (n *Node) EmbeddingText() string {
	if n.Description == "" {
		return n.DisplayLabel
	}
	return n.DisplayLabel + ": " + n.Description
}
