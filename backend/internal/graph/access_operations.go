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
// Access and Decay Operations
// ============================================================================

// accessQuery applies one access event to every key, node or relationship.
// The first SET takes the write lock on the item, so the reads that follow
// see a value no concurrent transaction can change under them. Single and
// batch access share this statement, which keeps their arithmetic identical.
var accessQuery = fmt.Sprintf(`
	UNWIND $keys AS item_key
	CALL {
		WITH item_key
		MATCH (n:%s {key: item_key, owner_id: $owner_id})
		RETURN n AS item, false AS is_edge
		UNION
		WITH item_key
		MATCH ()-[rel {key: item_key, owner_id: $owner_id}]->()
		RETURN rel AS item, true AS is_edge
	}
	SET item.access_count = coalesce(item.access_count, 0) + 1
	WITH item, is_edge, item_key, item.access_count AS count,
		coalesce(item.lifecycle_state, 'candidate') AS prev_state
	WITH item, is_edge, item_key, count, prev_state,
		CASE
			WHEN count >= $core_threshold THEN 'core'
			WHEN count >= $active_threshold THEN 'active'
			ELSE 'candidate'
		END AS derived
	SET item.recall_frequency = coalesce(item.recall_frequency, 0) + 1,
		item.last_accessed_at = datetime($now),
		item.salience = CASE
			WHEN coalesce(item.salience, $default_salience) + $boost > 1.0 THEN 1.0
			ELSE coalesce(item.salience, $default_salience) + $boost
		END,
		item.lifecycle_state = CASE
			WHEN prev_state = 'archived' THEN derived
			WHEN prev_state = 'core' THEN 'core'
			WHEN prev_state = 'active' AND derived = 'candidate' THEN 'active'
			ELSE derived
		END
	RETURN item_key AS key, is_edge, item
`, nodeLabel)

// IncrementAccess records one access of a node or edge
func (r *Repository) IncrementAccess(ctx context.Context, ownerID, key string, upd AccessUpdate) (AccessStats, error) {
	stats, err := r.BatchIncrementAccess(ctx, ownerID, []string{key}, upd)
	if len(stats) == 0 {
		if err == nil || apperrors.IsErrorType(err, apperrors.ErrorTypePartial) {
			return AccessStats{}, apperrors.NewNotFound("node or relationship", key)
		}
		return AccessStats{}, err
	}
	return stats[0], nil
}

// BatchIncrementAccess records one access of each key in a single statement.
// Keys that match nothing are reported in a partial failure.
func (r *Repository) BatchIncrementAccess(ctx context.Context, ownerID string, keys []string, upd AccessUpdate) ([]AccessStats, error) {
	if len(keys) == 0 {
		return []AccessStats{}, nil
	}
	session := r.writeSession(ctx)
	defer session.Close(ctx)

	params := map[string]any{
		"keys":             keys,
		"owner_id":         ownerID,
		"boost":            upd.Boost,
		"now":              formatTime(upd.Now),
		"default_salience": DefaultSalience,
		"active_threshold": int64(ActiveThreshold),
		"core_threshold":   int64(CoreThreshold),
	}

	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, accessQuery, params)
		if err != nil {
			return nil, err
		}
		stats := make([]AccessStats, 0, len(keys))
		for res.Next(ctx) {
			record := res.Record()
			stats = append(stats, AccessStats{
				Key:           getStringFromRecord(record, "key"),
				IsEdge:        getBoolFromRecord(record, "is_edge"),
				SalienceState: salienceFromMap(getPropsFromRecord(record, "item")),
			})
		}
		return stats, res.Err()
	})
	if err != nil {
		return nil, storeError("increment_access", err)
	}

	stats := result.([]AccessStats)
	if len(stats) < len(keys) {
		found := make(map[string]bool, len(stats))
		for _, s := range stats {
			found[s.Key] = true
		}
		failed := make(map[string]error)
		for _, k := range keys {
			if !found[k] {
				failed[k] = apperrors.NewNotFound("node or relationship", k)
			}
		}
		if len(failed) > 0 {
			return stats, apperrors.NewPartialFailure("increment access", len(stats), failed)
		}
	}
	return stats, nil
}

type decayCandidate struct {
	key       string
	isEdge    bool
	createdAt time.Time
	salience  SalienceState
}

// DecaySweep applies the decay policy to every non-archived item the owner
// has. Each write is guarded by the access count read during the scan, so an
// access that lands mid-sweep is never overwritten; that item simply waits
// for the next sweep.
func (r *Repository) DecaySweep(ctx context.Context, ownerID string, policy DecayPolicy, now time.Time) (DecayReport, error) {
	session := r.writeSession(ctx)
	defer session.Close(ctx)

	scan := fmt.Sprintf(`
		MATCH (n:%s {owner_id: $owner_id})
		WHERE coalesce(n.lifecycle_state, 'candidate') <> 'archived'
		RETURN n.key AS key, false AS is_edge, n AS item
		UNION ALL
		MATCH (:%s {owner_id: $owner_id})-[rel {owner_id: $owner_id}]->()
		WHERE rel.key IS NOT NULL AND coalesce(rel.lifecycle_state, 'candidate') <> 'archived'
		RETURN rel.key AS key, true AS is_edge, rel AS item
	`, nodeLabel, nodeLabel)

	apply := fmt.Sprintf(`
		UNWIND $updates AS u
		CALL {
			WITH u
			MATCH (n:%s {key: u.key, owner_id: $owner_id})
			WHERE NOT u.is_edge
			RETURN n AS item
			UNION
			WITH u
			MATCH ()-[rel {key: u.key, owner_id: $owner_id}]->()
			WHERE u.is_edge
			RETURN rel AS item
		}
		WITH u, item
		WHERE coalesce(item.access_count, 0) = u.access_count
		SET item.salience = u.salience,
			item.decay_gradient = u.decay_gradient,
			item.lifecycle_state = u.lifecycle_state
		RETURN count(item) AS written
	`, nodeLabel)

	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, scan, map[string]any{"owner_id": ownerID})
		if err != nil {
			return nil, err
		}
		candidates := make([]decayCandidate, 0)
		for res.Next(ctx) {
			record := res.Record()
			props := getPropsFromRecord(record, "item")
			candidates = append(candidates, decayCandidate{
				key:       getStringFromRecord(record, "key"),
				isEdge:    getBoolFromRecord(record, "is_edge"),
				createdAt: getTimeFromMap(props, "created_at"),
				salience:  salienceFromMap(props),
			})
		}
		if err := res.Err(); err != nil {
			return nil, err
		}

		report := DecayReport{Scanned: len(candidates)}
		updates := make([]map[string]any, 0)
		for _, c := range candidates {
			next, changed, archived := policy.ApplyDecay(c.salience, c.createdAt, now)
			if !changed && !archived {
				continue
			}
			if changed {
				report.Decayed++
			}
			if archived {
				report.Archived++
			}
			updates = append(updates, map[string]any{
				"key":             c.key,
				"is_edge":         c.isEdge,
				"access_count":    c.salience.AccessCount,
				"salience":        next.Salience,
				"decay_gradient":  next.DecayGradient,
				"lifecycle_state": string(next.State),
			})
		}
		if len(updates) == 0 {
			return report, nil
		}

		res, err = tx.Run(ctx, apply, map[string]any{"owner_id": ownerID, "updates": updates})
		if err != nil {
			return nil, err
		}
		if _, err := res.Consume(ctx); err != nil {
			return nil, err
		}
		return report, nil
	})
	if err != nil {
		return DecayReport{}, storeError("decay_sweep", err)
	}

	report := result.(DecayReport)
	r.logger.Info("Decay sweep finished",
		zap.String("owner_id", ownerID),
		zap.Int("scanned", report.Scanned),
		zap.Int("decayed", report.Decayed),
		zap.Int("archived", report.Archived),
	)
	return report, nil
}
