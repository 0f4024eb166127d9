package graph

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// SchemaVersion marks the applied migration
const SchemaVersion = "kgraph_schema_v1"

type migration struct {
	name  string
	query string
}

func schemaMigrations(dimensions int) []migration {
	migrations := []migration{
		{
			name:  "node key uniqueness",
			query: fmt.Sprintf(`CREATE CONSTRAINT kg_node_key_unique IF NOT EXISTS FOR (n:%s) REQUIRE n.key IS UNIQUE`, nodeLabel),
		},
		{
			name:  "owner and kind index",
			query: fmt.Sprintf(`CREATE INDEX kg_node_owner_kind IF NOT EXISTS FOR (n:%s) ON (n.owner_id, n.kind)`, nodeLabel),
		},
		{
			name:  "canonical label index",
			query: fmt.Sprintf(`CREATE INDEX kg_node_canonical IF NOT EXISTS FOR (n:%s) ON (n.owner_id, n.canonical_label)`, nodeLabel),
		},
		{
			name: "node embedding vector index",
			query: fmt.Sprintf(`CREATE VECTOR INDEX %s IF NOT EXISTS FOR (n:%s) ON (n.embedding)
				OPTIONS {indexConfig: {`+"`vector.dimensions`"+`: %d, `+"`vector.similarity_function`"+`: 'cosine'}}`,
				nodeEmbeddingIndex, nodeLabel, dimensions),
		},
	}

	for _, t := range SemanticEdgeTypes() {
		migrations = append(migrations,
			migration{
				name:  "relationship key index " + string(t),
				query: fmt.Sprintf(`CREATE INDEX kg_rel_key_%s IF NOT EXISTS FOR ()-[r:%s]-() ON (r.key)`, t, t),
			},
			migration{
				name: "relationship signature vector index " + string(t),
				query: fmt.Sprintf(`CREATE VECTOR INDEX kg_rel_signature_%s IF NOT EXISTS FOR ()-[r:%s]-() ON (r.semantic_signature)
					OPTIONS {indexConfig: {`+"`vector.dimensions`"+`: %d, `+"`vector.similarity_function`"+`: 'cosine'}}`,
					t, t, dimensions),
			},
		)
	}
	return migrations
}

// MigrationApplied reports whether the current schema version is recorded
func (r *Repository) MigrationApplied(ctx context.Context) (bool, error) {
	session := r.readSession(ctx)
	defer session.Close(ctx)

	query := `
		MATCH (m:Migration {version: $version})
		RETURN m.applied_at as applied_at
	`

	result, err := session.Run(ctx, query, map[string]any{"version": SchemaVersion})
	if err != nil {
		return false, storeError("check_migration", err)
	}
	return result.Next(ctx), nil
}

// EnsureSchema creates constraints, indexes and vector indexes. Every
// statement is idempotent; the Migration node records the run.
func (r *Repository) EnsureSchema(ctx context.Context, dimensions int) error {
	session := r.writeSession(ctx)
	defer session.Close(ctx)

	for _, m := range schemaMigrations(dimensions) {
		r.logger.Info("Running migration", zap.String("name", m.name))
		res, err := session.Run(ctx, m.query, nil)
		if err != nil {
			return storeError("migrate "+m.name, err)
		}
		if _, err := res.Consume(ctx); err != nil {
			return storeError("migrate "+m.name, err)
		}
	}

	query := `
		MERGE (m:Migration {version: $version})
		SET m.applied_at = datetime(),
		    m.description = 'Knowledge graph keys, owner indexes and vector indexes'
	`
	res, err := session.Run(ctx, query, map[string]any{"version": SchemaVersion})
	if err != nil {
		return storeError("mark_migration", err)
	}
	_, err = res.Consume(ctx)
	return storeError("mark_migration", err)
}
