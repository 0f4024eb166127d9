package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "kgraph/backend/pkg/errors"
)

func TestDefaultTuning_Defaults(t *testing.T) {
	tuning := DefaultTuning()

	assert.Equal(t, 3, tuning.Resolver.MaxDistance)
	assert.Equal(t, 5, tuning.Resolver.FuzzyLimit)
	assert.Equal(t, 0.75, tuning.Resolver.SimilarityThreshold)
	assert.Equal(t, 20, tuning.Resolver.CandidateLimit)
	assert.Equal(t, 0.075, tuning.Salience.Boost)
	assert.Equal(t, 5, tuning.Ingest.PairConcurrency)
	assert.Equal(t, 1000, tuning.Notes.SignatureChars)
	assert.NoError(t, tuning.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("NEO4J_URI", "bolt://graph:7687")
	t.Setenv("SALIENCE_BOOST", "0.05")
	t.Setenv("INGEST_CALL_TIMEOUT", "5s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "bolt://graph:7687", cfg.Neo4jURI)
	assert.Equal(t, 0.05, cfg.Tuning.Salience.Boost)
	assert.Equal(t, 5*time.Second, cfg.Tuning.Ingest.CallTimeout)
}

func TestLoad_TuningFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kgraph.yaml")
	body := []byte("tuning:\n  resolver:\n    max_distance: 2\n  ingest:\n    call_timeout: 2s\n")
	require.NoError(t, os.WriteFile(path, body, 0o600))
	t.Setenv("KGRAPH_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Tuning.Resolver.MaxDistance)
	assert.Equal(t, 2*time.Second, cfg.Tuning.Ingest.CallTimeout)
	// untouched keys keep their env defaults
	assert.Equal(t, 5, cfg.Tuning.Resolver.FuzzyLimit)
}

func TestValidate_BoostOutOfRange(t *testing.T) {
	tuning := DefaultTuning()
	tuning.Salience.Boost = 0.5

	err := tuning.Validate()
	require.Error(t, err)
	assert.True(t, apperrors.IsFatal(err))
}

func TestValidate_MissingNeo4jURI(t *testing.T) {
	cfg := &Config{Neo4jUser: "neo4j", Neo4jPassword: "pw", LLMBaseURL: "x", ModelID: "m", Tuning: DefaultTuning()}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NEO4J_URI")
}
