package graph

import "time"

// ============================================================================
// Knowledge Graph Types
// ============================================================================

// Kind is the concrete kind of a node
type Kind string

const (
	KindPerson   Kind = "Person"
	KindConcept  Kind = "Concept"
	KindEntity   Kind = "Entity"
	KindSource   Kind = "Source"
	KindArtifact Kind = "Artifact"
)

// LifecycleState tracks where a node or edge sits in the salience model
type LifecycleState string

const (
	StateCandidate LifecycleState = "candidate"
	StateActive    LifecycleState = "active"
	StateCore      LifecycleState = "core"
	StateArchived  LifecycleState = "archived"
)

// SalienceState holds the decay-model bookkeeping shared by nodes and edges
type SalienceState struct {
	Salience        float64        `json:"salience"`
	State           LifecycleState `json:"lifecycle_state"`
	AccessCount     int64          `json:"access_count"`
	RecallFrequency int64          `json:"recall_frequency"`
	LastAccessedAt  *time.Time     `json:"last_accessed_at,omitempty"`
	DecayGradient   float64        `json:"decay_gradient"`
}

// FreshSalience returns the defaults every new node and edge starts with
func FreshSalience() SalienceState {
	return SalienceState{
		Salience: DefaultSalience,
		State:    StateCandidate,
	}
}

// Node is a persisted entity in an owner's knowledge graph
type Node struct {
	Key            string    `json:"key"`
	OwnerID        string    `json:"owner_id"`
	Kind           Kind      `json:"kind"`
	CanonicalLabel string    `json:"canonical_label"`
	DisplayLabel   string    `json:"display_label"`
	Description    string    `json:"description,omitempty"`
	Confidence     float64   `json:"confidence"`
	Provenance     string    `json:"provenance,omitempty"`
	Embedding      []float32 `json:"-"`
	IsSelf         bool      `json:"is_self,omitempty"`
	SalienceState
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Note is a bounded, expiring observation attached to an edge
type Note struct {
	Content   string     `json:"content"`
	Author    string     `json:"author,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the note has outlived its lifetime
func (n Note) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && !now.Before(*n.ExpiresAt)
}

// Edge is a typed, directed relationship between two nodes
type Edge struct {
	Key               string    `json:"key"`
	OwnerID           string    `json:"owner_id"`
	FromKey           string    `json:"from_key"`
	ToKey             string    `json:"to_key"`
	Type              EdgeType  `json:"type"`
	Descriptor        string    `json:"descriptor"`
	Attitude          int       `json:"attitude"`
	Proximity         int       `json:"proximity"`
	SemanticSignature []float32 `json:"-"`
	Notes             []Note    `json:"notes,omitempty"`
	NotesSignature    []float32 `json:"-"`
	Confidence        float64   `json:"confidence"`
	Provenance        string    `json:"provenance,omitempty"`
	SalienceState
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ref identifies an edge without carrying its payload
func (e *Edge) Ref() EdgeRef {
	return EdgeRef{Key: e.Key, FromKey: e.FromKey, ToKey: e.ToKey, Type: e.Type}
}

// EdgeRef identifies an edge
type EdgeRef struct {
	Key     string   `json:"key"`
	FromKey string   `json:"from_key"`
	ToKey   string   `json:"to_key"`
	Type    EdgeType `json:"type"`
}

// CandidateMention is an ephemeral reference extracted from a source.
// It is never persisted.
type CandidateMention struct {
	Name        string `json:"name" validate:"notblank,max=200"`
	Description string `json:"description,omitempty" validate:"max=2000"`
	Context     string `json:"context,omitempty"`
	Kind        Kind   `json:"kind" validate:"required,oneof=Person Concept Entity"`
	Span        Span   `json:"span"`
}

// Span is a half-open excerpt range [Start, End) in the cleaned source text
type Span struct {
	Start int `json:"start" validate:"gte=0"`
	End   int `json:"end" validate:"gtefield=Start"`
}

// ScoredNode is a node returned by similarity search
type ScoredNode struct {
	Node  Node
	Score float64
}

// FuzzyMatch is a node within edit distance of a searched name
type FuzzyMatch struct {
	Node     Node
	Distance int
}

// AccessUpdate carries the parameters of one access event
type AccessUpdate struct {
	Boost float64
	Now   time.Time
}

// AccessStats is the post-update state of a touched node or edge
type AccessStats struct {
	Key    string `json:"key"`
	IsEdge bool   `json:"is_edge"`
	SalienceState
}

// DecayReport summarises one decay sweep
type DecayReport struct {
	Scanned  int `json:"scanned"`
	Decayed  int `json:"decayed"`
	Archived int `json:"archived"`
}
