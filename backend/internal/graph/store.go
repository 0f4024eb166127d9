package graph

import (
	"context"
	"time"
)

// Store is the owner-scoped property-graph capability the core depends on.
// Every method takes the owner explicitly; no call reaches across owners.
type Store interface {
	// FindExact returns the node of the kind whose canonical or display label
	// equals name case-insensitively, or nil when there is none.
	FindExact(ctx context.Context, ownerID string, kind Kind, name string) (*Node, error)
	// FindFuzzy returns nodes whose display label is within maxDistance
	// edits of name, closest first, at most limit of them.
	FindFuzzy(ctx context.Context, ownerID string, kind Kind, name string, maxDistance, limit int) ([]FuzzyMatch, error)
	// FindBySimilarity returns nodes whose embedding has cosine similarity of
	// at least threshold with vector, most similar first.
	FindBySimilarity(ctx context.Context, ownerID string, kind Kind, vector []float32, threshold float64, limit int) ([]ScoredNode, error)

	GetNode(ctx context.Context, ownerID, key string) (*Node, error)
	// UpsertNode creates the node or refreshes its descriptive fields. The
	// owner and salience bookkeeping of an existing node are left untouched.
	UpsertNode(ctx context.Context, node *Node) (*Node, bool, error)
	// SetSelf flags key as the owner's self node and clears any other flag
	SetSelf(ctx context.Context, ownerID, key string) error

	// GetEdge returns the edge of edgeType from fromKey to toKey, or nil
	GetEdge(ctx context.Context, ownerID, fromKey, toKey string, edgeType EdgeType) (*Edge, error)
	// CreateEdge refuses to create a second edge of the same type between the
	// same ordered pair and returns a duplicate relationship error instead.
	CreateEdge(ctx context.Context, edge *Edge) (*Edge, error)
	UpdateEdge(ctx context.Context, edge *Edge) (*Edge, error)
	// LinkMentions connects a source node to every target with a
	// property-less MENTIONS edge and returns how many targets were linked.
	LinkMentions(ctx context.Context, ownerID, sourceKey string, targetKeys []string) (int, error)

	IncrementAccess(ctx context.Context, ownerID, key string, upd AccessUpdate) (AccessStats, error)
	BatchIncrementAccess(ctx context.Context, ownerID string, keys []string, upd AccessUpdate) ([]AccessStats, error)
	DecaySweep(ctx context.Context, ownerID string, policy DecayPolicy, now time.Time) (DecayReport, error)
}
