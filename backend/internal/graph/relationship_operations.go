package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	apperrors "kgraph/backend/pkg/errors"
)

// ============================================================================
// Typed Relationship Operations
// ============================================================================

// edgeProps is the explicit property set of a typed relationship
func edgeProps(e *Edge) map[string]any {
	return map[string]any{
		"key":                e.Key,
		"owner_id":           e.OwnerID,
		"descriptor":         e.Descriptor,
		"attitude":           int64(e.Attitude),
		"proximity":          int64(e.Proximity),
		"semantic_signature": vectorParam(e.SemanticSignature),
		"notes_json":         encodeNotes(e.Notes),
		"notes_signature":    vectorParam(e.NotesSignature),
		"confidence":         e.Confidence,
		"provenance":         e.Provenance,
	}
}

func checkEdgeType(edgeType EdgeType) error {
	// Relationship types are interpolated into Cypher, so only the fixed
	// table is accepted
	if !edgeType.IsSemantic() {
		return apperrors.NewValidation("type", "not a relationship type: "+string(edgeType))
	}
	return nil
}

// GetEdge returns the edge of a type between an ordered pair, or nil
func (r *Repository) GetEdge(ctx context.Context, ownerID, fromKey, toKey string, edgeType EdgeType) (*Edge, error) {
	if err := checkEdgeType(edgeType); err != nil {
		return nil, err
	}
	session := r.readSession(ctx)
	defer session.Close(ctx)

	query := fmt.Sprintf(`
		MATCH (a:%s {key: $from_key, owner_id: $owner_id})-[rel:%s]->(b:%s {key: $to_key, owner_id: $owner_id})
		RETURN rel
		LIMIT 1
	`, nodeLabel, edgeType, nodeLabel)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"owner_id": ownerID,
			"from_key": fromKey,
			"to_key":   toKey,
		})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return (*Edge)(nil), res.Err()
		}
		return edgeFromProps(getPropsFromRecord(res.Record(), "rel"), fromKey, toKey, edgeType), nil
	})
	if err != nil {
		return nil, storeError("get_edge", err)
	}
	return result.(*Edge), nil
}

// CreateEdge creates a typed relationship. MERGE locks both endpoints, so
// of two concurrent creations exactly one sees its own token come back;
// the other gets a duplicate relationship error and nothing is overwritten.
func (r *Repository) CreateEdge(ctx context.Context, edge *Edge) (*Edge, error) {
	if edge == nil || edge.Key == "" || edge.OwnerID == "" {
		return nil, apperrors.NewValidation("edge", "key and owner_id are required")
	}
	if err := checkEdgeType(edge.Type); err != nil {
		return nil, err
	}

	session := r.writeSession(ctx)
	defer session.Close(ctx)

	now := edge.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	salience := edge.SalienceState
	if salience.State == "" {
		salience = FreshSalience()
	}

	endpoints := fmt.Sprintf(`
		OPTIONAL MATCH (a:%s {key: $from_key, owner_id: $owner_id})
		OPTIONAL MATCH (b:%s {key: $to_key, owner_id: $owner_id})
		RETURN a IS NOT NULL AS has_from, b IS NOT NULL AS has_to
	`, nodeLabel, nodeLabel)

	query := fmt.Sprintf(`
		MATCH (a:%s {key: $from_key, owner_id: $owner_id})
		MATCH (b:%s {key: $to_key, owner_id: $owner_id})
		MERGE (a)-[rel:%s]->(b)
		ON CREATE SET
			rel += $props,
			rel.salience = $salience,
			rel.lifecycle_state = $lifecycle_state,
			rel.access_count = 0,
			rel.recall_frequency = 0,
			rel.decay_gradient = 0.0,
			rel.created_at = datetime($now),
			rel.updated_at = datetime($now),
			rel.created_by = $token
		WITH rel, rel.created_by = $token AS created
		REMOVE rel.created_by
		RETURN rel, created
	`, nodeLabel, nodeLabel, edge.Type)

	params := map[string]any{
		"owner_id":        edge.OwnerID,
		"from_key":        edge.FromKey,
		"to_key":          edge.ToKey,
		"props":           edgeProps(edge),
		"salience":        salience.Salience,
		"lifecycle_state": string(salience.State),
		"now":             formatTime(now),
		"token":           NewSourceKey(),
	}

	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		check, err := tx.Run(ctx, endpoints, params)
		if err != nil {
			return nil, err
		}
		record, err := check.Single(ctx)
		if err != nil {
			return nil, err
		}
		if !getBoolFromRecord(record, "has_from") {
			return nil, apperrors.NewNotFound("node", edge.FromKey)
		}
		if !getBoolFromRecord(record, "has_to") {
			return nil, apperrors.NewNotFound("node", edge.ToKey)
		}

		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		record, err = res.Single(ctx)
		if err != nil {
			return nil, err
		}
		if !getBoolFromRecord(record, "created") {
			return nil, apperrors.NewDuplicateRelationship(string(edge.Type), edge.FromKey, edge.ToKey)
		}
		return edgeFromProps(getPropsFromRecord(record, "rel"), edge.FromKey, edge.ToKey, edge.Type), nil
	})
	if err != nil {
		return nil, storeError("create_edge", err)
	}

	r.logger.Debug("Created relationship",
		zap.String("owner_id", edge.OwnerID),
		zap.String("type", string(edge.Type)),
		zap.String("from", edge.FromKey),
		zap.String("to", edge.ToKey),
	)
	return result.(*Edge), nil
}

// UpdateEdge rewrites the descriptive properties of an existing edge.
// Salience bookkeeping is left to the access path.
func (r *Repository) UpdateEdge(ctx context.Context, edge *Edge) (*Edge, error) {
	if edge == nil {
		return nil, apperrors.NewValidation("edge", "cannot be nil")
	}
	if err := checkEdgeType(edge.Type); err != nil {
		return nil, err
	}
	session := r.writeSession(ctx)
	defer session.Close(ctx)

	updatedAt := edge.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	query := fmt.Sprintf(`
		MATCH (:%s {key: $from_key, owner_id: $owner_id})-[rel:%s {key: $key}]->(:%s {key: $to_key, owner_id: $owner_id})
		SET rel += $props,
			rel.updated_at = datetime($now)
		RETURN rel
	`, nodeLabel, edge.Type, nodeLabel)

	props := edgeProps(edge)
	// Owner and key are identity, never rewritten
	delete(props, "owner_id")
	delete(props, "key")

	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"owner_id": edge.OwnerID,
			"from_key": edge.FromKey,
			"to_key":   edge.ToKey,
			"key":      edge.Key,
			"props":    props,
			"now":      formatTime(updatedAt),
		})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			if err := res.Err(); err != nil {
				return nil, err
			}
			return nil, apperrors.NewNotFound("relationship", edge.Key)
		}
		return edgeFromProps(getPropsFromRecord(res.Record(), "rel"), edge.FromKey, edge.ToKey, edge.Type), nil
	})
	if err != nil {
		return nil, storeError("update_edge", err)
	}
	return result.(*Edge), nil
}

// ============================================================================
// Mention Links
// ============================================================================

// LinkMentions connects a Source to every touched node with a MENTIONS edge.
// These edges carry no properties and live outside the typed-edge rule.
func (r *Repository) LinkMentions(ctx context.Context, ownerID, sourceKey string, targetKeys []string) (int, error) {
	session := r.writeSession(ctx)
	defer session.Close(ctx)

	query := fmt.Sprintf(`
		MATCH (s:%s {key: $source_key, owner_id: $owner_id})
		OPTIONAL MATCH (t:%s {owner_id: $owner_id})
		WHERE t.key IN $target_keys
		FOREACH (_ IN CASE WHEN t IS NULL THEN [] ELSE [1] END |
			MERGE (s)-[:%s]->(t)
		)
		RETURN s.key AS source, count(t) AS linked
	`, nodeLabel, nodeLabel, EdgeMentions)

	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"owner_id":    ownerID,
			"source_key":  sourceKey,
			"target_keys": targetKeys,
		})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			if err := res.Err(); err != nil {
				return nil, err
			}
			return nil, apperrors.NewNotFound("source", sourceKey)
		}
		return int(getInt64FromRecord(res.Record(), "linked")), nil
	})
	if err != nil {
		return 0, storeError("link_mentions", err)
	}
	return result.(int), nil
}
