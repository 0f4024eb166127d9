package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// ============================================================================
// Resolution Lookups
// ============================================================================

// nodeEmbeddingIndex is the vector index over KGNode.embedding
const nodeEmbeddingIndex = "kg_node_embedding"

// FindExact returns the node whose canonical label or display label equals
// name case-insensitively
func (r *Repository) FindExact(ctx context.Context, ownerID string, kind Kind, name string) (*Node, error) {
	session := r.readSession(ctx)
	defer session.Close(ctx)

	query := fmt.Sprintf(`
		MATCH (n:%s {owner_id: $owner_id, kind: $kind})
		WHERE n.canonical_label = $canonical OR toLower(n.display_label) = $lowered
		RETURN n
		ORDER BY n.key
		LIMIT 1
	`, nodeLabel)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"owner_id":  ownerID,
			"kind":      string(kind),
			"canonical": Normalize(name),
			"lowered":   strings.ToLower(strings.TrimSpace(name)),
		})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return (*Node)(nil), res.Err()
		}
		return nodeFromProps(getPropsFromRecord(res.Record(), "n")), nil
	})
	if err != nil {
		return nil, storeError("find_exact", err)
	}
	return result.(*Node), nil
}

// FindFuzzy pulls the owner's labels of a kind whose length is within
// maxDistance of name and ranks them by edit distance. Cypher has no
// Levenshtein without plugins, so the distance itself is computed here.
func (r *Repository) FindFuzzy(ctx context.Context, ownerID string, kind Kind, name string, maxDistance, limit int) ([]FuzzyMatch, error) {
	session := r.readSession(ctx)
	defer session.Close(ctx)

	query := fmt.Sprintf(`
		MATCH (n:%s {owner_id: $owner_id, kind: $kind})
		WHERE abs(size(n.display_label) - $length) <= $max_distance
		RETURN n
	`, nodeLabel)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"owner_id":     ownerID,
			"kind":         string(kind),
			"length":       len([]rune(strings.TrimSpace(name))),
			"max_distance": maxDistance,
		})
		if err != nil {
			return nil, err
		}
		pool := make([]Node, 0)
		for res.Next(ctx) {
			if n := nodeFromProps(getPropsFromRecord(res.Record(), "n")); n != nil {
				pool = append(pool, *n)
			}
		}
		return pool, res.Err()
	})
	if err != nil {
		return nil, storeError("find_fuzzy", err)
	}
	return rankFuzzy(name, result.([]Node), maxDistance, limit), nil
}

// similarityOverfetch is how many index hits are read per wanted result.
// The index is shared across owners, so most hits may belong to others.
const similarityOverfetch = 10

// FindBySimilarity queries the node vector index and filters by owner and
// kind. The index scores cosine as (1+cos)/2; the score is mapped back to
// plain cosine before the threshold applies. When every index hit still
// clears the threshold but too few belong to the owner, other owners may
// have crowded the owner's matches out, so the owner's nodes are scanned
// directly instead.
func (r *Repository) FindBySimilarity(ctx context.Context, ownerID string, kind Kind, vector []float32, threshold float64, limit int) ([]ScoredNode, error) {
	if len(vector) == 0 {
		return []ScoredNode{}, nil
	}
	if limit < 1 {
		limit = 20
	}
	k := limit * similarityOverfetch
	session := r.readSession(ctx)
	defer session.Close(ctx)

	indexQuery := `
		CALL db.index.vector.queryNodes($index, $k, $vector)
		YIELD node, score
		RETURN node, 2 * score - 1 AS cosine
		ORDER BY cosine DESC
	`
	scanQuery := fmt.Sprintf(`
		MATCH (n:%s {owner_id: $owner_id, kind: $kind})
		WHERE n.embedding IS NOT NULL
		WITH n, 2 * vector.similarity.cosine(n.embedding, $vector) - 1 AS cosine
		WHERE cosine >= $threshold
		RETURN n AS node, cosine
		ORDER BY cosine DESC
		LIMIT $limit
	`, nodeLabel)

	var scanned bool
	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, indexQuery, map[string]any{
			"index":  nodeEmbeddingIndex,
			"k":      k,
			"vector": toFloat64s(vector),
		})
		if err != nil {
			return nil, err
		}
		scored := make([]ScoredNode, 0)
		hits := 0
		lowest := 1.0
		for res.Next(ctx) {
			record := res.Record()
			hits++
			cosine := getFloat64FromRecord(record, "cosine")
			lowest = cosine
			n := nodeFromProps(getPropsFromRecord(record, "node"))
			if n == nil || n.OwnerID != ownerID || n.Kind != kind || cosine < threshold {
				continue
			}
			if len(scored) < limit {
				scored = append(scored, ScoredNode{Node: *n, Score: cosine})
			}
		}
		if err := res.Err(); err != nil {
			return nil, err
		}
		if len(scored) >= limit || hits < k || lowest < threshold {
			return scored, nil
		}

		scanned = true
		res, err = tx.Run(ctx, scanQuery, map[string]any{
			"owner_id":  ownerID,
			"kind":      string(kind),
			"vector":    toFloat64s(vector),
			"threshold": threshold,
			"limit":     limit,
		})
		if err != nil {
			return nil, err
		}
		scored = scored[:0]
		for res.Next(ctx) {
			record := res.Record()
			n := nodeFromProps(getPropsFromRecord(record, "node"))
			if n == nil {
				continue
			}
			scored = append(scored, ScoredNode{Node: *n, Score: getFloat64FromRecord(record, "cosine")})
		}
		return scored, res.Err()
	})
	if err != nil {
		return nil, storeError("find_by_similarity", err)
	}

	scored := result.([]ScoredNode)
	r.logger.Debug("Vector search",
		zap.String("owner_id", ownerID),
		zap.String("kind", string(kind)),
		zap.Int("results", len(scored)),
		zap.Bool("scanned", scanned),
	)
	return scored, nil
}
