package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	apperrors "kgraph/backend/pkg/errors"
	"kgraph/backend/pkg/logger"
)

// nodeLabel is carried by every knowledge-graph node next to its kind label
const nodeLabel = "KGNode"

// Repository handles all Neo4j database operations
type Repository struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *zap.Logger
}

var _ Store = (*Repository)(nil)

// NewRepository creates a new graph repository
func NewRepository(driver neo4j.DriverWithContext, database string) *Repository {
	return &Repository{
		driver:   driver,
		database: database,
		logger:   logger.Named("graph"),
	}
}

// Connect opens a driver and verifies connectivity within timeout
func Connect(ctx context.Context, uri, user, password string, timeout time.Duration) (neo4j.DriverWithContext, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""), func(cfg *neo4j.Config) {
		cfg.MaxConnectionPoolSize = 50
		cfg.SocketConnectTimeout = timeout
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Neo4j driver: %w", err)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify Neo4j connectivity: %w", err)
	}
	return driver, nil
}

// Close closes the Neo4j driver connection
func (r *Repository) Close() error {
	return r.driver.Close(context.Background())
}

func (r *Repository) readSession(ctx context.Context) neo4j.SessionWithContext {
	return r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead, DatabaseName: r.database})
}

func (r *Repository) writeSession(ctx context.Context) neo4j.SessionWithContext {
	return r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite, DatabaseName: r.database})
}

func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewContextTimeout("neo4j "+op, 0, err)
	}
	if apperrors.IsErrorType(err, apperrors.ErrorTypeValidation) ||
		apperrors.IsErrorType(err, apperrors.ErrorTypeNotFound) ||
		apperrors.IsErrorType(err, apperrors.ErrorTypeDuplicate) ||
		apperrors.IsErrorType(err, apperrors.ErrorTypePartial) {
		return err
	}
	return apperrors.NewExternalService("neo4j", op, err)
}

// ============================================================================
// Node Operations
// ============================================================================

// GetNode loads one of the owner's nodes by key
func (r *Repository) GetNode(ctx context.Context, ownerID, key string) (*Node, error) {
	session := r.readSession(ctx)
	defer session.Close(ctx)

	query := fmt.Sprintf(`
		MATCH (n:%s {key: $key, owner_id: $owner_id})
		RETURN n
	`, nodeLabel)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{"key": key, "owner_id": ownerID})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			if err := res.Err(); err != nil {
				return nil, err
			}
			return nil, apperrors.NewNotFound("node", key)
		}
		return nodeFromProps(getPropsFromRecord(res.Record(), "n")), nil
	})
	if err != nil {
		return nil, storeError("get_node", err)
	}
	return result.(*Node), nil
}

// UpsertNode creates the node or refreshes its descriptive fields. Salience
// bookkeeping and owner are written only on create.
func (r *Repository) UpsertNode(ctx context.Context, node *Node) (*Node, bool, error) {
	if node == nil || node.Key == "" || node.OwnerID == "" {
		return nil, false, apperrors.NewValidation("node", "key and owner_id are required")
	}
	// The kind becomes a label, so only known kinds are interpolated
	if _, ok := SpecFor(node.Kind); !ok {
		return nil, false, apperrors.NewValidation("kind", "unknown kind "+string(node.Kind))
	}

	session := r.writeSession(ctx)
	defer session.Close(ctx)

	now := node.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	salience := node.SalienceState
	if salience.State == "" {
		salience = FreshSalience()
	}

	query := fmt.Sprintf(`
		MERGE (n:%s {key: $key})
		ON CREATE SET
			n:%s,
			n.owner_id = $owner_id,
			n.kind = $kind,
			n.canonical_label = $canonical_label,
			n.is_self = false,
			n.salience = $salience,
			n.lifecycle_state = $lifecycle_state,
			n.access_count = $access_count,
			n.recall_frequency = $recall_frequency,
			n.decay_gradient = $decay_gradient,
			n.created_at = datetime($now),
			n.created_by = $token
		WITH n, n.created_by = $token AS created
		WHERE n.owner_id = $owner_id
		SET n.display_label = $display_label,
			n.description = CASE WHEN $description = '' THEN coalesce(n.description, '') ELSE $description END,
			n.confidence = $confidence,
			n.provenance = $provenance,
			n.embedding = coalesce($embedding, n.embedding),
			n.updated_at = datetime($now)
		REMOVE n.created_by
		RETURN n, created
	`, nodeLabel, node.Kind)

	params := map[string]any{
		"key":              node.Key,
		"owner_id":         node.OwnerID,
		"kind":             string(node.Kind),
		"canonical_label":  node.CanonicalLabel,
		"display_label":    node.DisplayLabel,
		"description":      node.Description,
		"confidence":       node.Confidence,
		"provenance":       node.Provenance,
		"embedding":        vectorParam(node.Embedding),
		"salience":         salience.Salience,
		"lifecycle_state":  string(salience.State),
		"access_count":     salience.AccessCount,
		"recall_frequency": salience.RecallFrequency,
		"decay_gradient":   salience.DecayGradient,
		"now":              formatTime(now),
		"token":            NewSourceKey(),
	}

	type upserted struct {
		node    *Node
		created bool
	}
	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			if err := res.Err(); err != nil {
				return nil, err
			}
			return nil, apperrors.NewValidation("owner_id", "cannot change after creation")
		}
		record := res.Record()
		return upserted{
			node:    nodeFromProps(getPropsFromRecord(record, "n")),
			created: getBoolFromRecord(record, "created"),
		}, nil
	})
	if err != nil {
		return nil, false, storeError("upsert_node", err)
	}

	out := result.(upserted)
	if out.created {
		r.logger.Debug("Created node",
			zap.String("owner_id", node.OwnerID),
			zap.String("kind", string(node.Kind)),
			zap.String("key", node.Key),
		)
	}
	return out.node, out.created, nil
}

// SetSelf flags a Person as the owner's self node, clearing the flag on any
// other node of that owner in the same transaction.
func (r *Repository) SetSelf(ctx context.Context, ownerID, key string) error {
	session := r.writeSession(ctx)
	defer session.Close(ctx)

	query := fmt.Sprintf(`
		MATCH (target:%s {key: $key, owner_id: $owner_id})
		OPTIONAL MATCH (other:%s {owner_id: $owner_id, is_self: true})
		WHERE other <> target
		SET other.is_self = false
		WITH DISTINCT target
		SET target.is_self = true
		RETURN target.kind AS kind
	`, nodeLabel, nodeLabel)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		// Kind is checked first so a rejected call never clears the flag
		check, err := tx.Run(ctx, fmt.Sprintf(`MATCH (n:%s {key: $key, owner_id: $owner_id}) RETURN n.kind AS kind`, nodeLabel),
			map[string]any{"key": key, "owner_id": ownerID})
		if err != nil {
			return nil, err
		}
		if !check.Next(ctx) {
			if err := check.Err(); err != nil {
				return nil, err
			}
			return nil, apperrors.NewNotFound("node", key)
		}
		if Kind(getStringFromRecord(check.Record(), "kind")) != KindPerson {
			return nil, apperrors.NewValidation("self", "only a Person can represent the owner")
		}

		res, err := tx.Run(ctx, query, map[string]any{"key": key, "owner_id": ownerID})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	return storeError("set_self", err)
}
