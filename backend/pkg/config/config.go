package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	apperrors "kgraph/backend/pkg/errors"
)

// Config holds all application configuration
type Config struct {
	// App
	Port string
	Env  string

	// Neo4j
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string
	Neo4jDatabase string

	// AI
	LLMBaseURL          string
	LLMAPIKey           string
	ModelID             string
	EmbeddingModel      string
	EmbeddingDimensions int

	// Redis is optional; without it relationship pairs are locked in-process
	RedisAddr string

	// Tracing
	OtelEnabled     bool
	OtelExporter    string // stdout, otlp
	OtelEndpoint    string
	OtelSampleRatio float64

	Tuning Tuning `yaml:"tuning"`
}

// Tuning holds the knobs of the resolver, builder, tracker and pipeline.
// Environment variables set the defaults; a YAML file named by
// KGRAPH_CONFIG may override any of them.
type Tuning struct {
	Resolver ResolverTuning `yaml:"resolver"`
	Salience SalienceTuning `yaml:"salience"`
	Ingest   IngestTuning   `yaml:"ingest"`
	Notes    NotesTuning    `yaml:"notes"`
}

type ResolverTuning struct {
	MaxDistance         int     `yaml:"max_distance"`
	FuzzyLimit          int     `yaml:"fuzzy_limit"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	EmbeddingLimit      int     `yaml:"embedding_limit"`
	CandidateLimit      int     `yaml:"candidate_limit"`
	MergeScore          float64 `yaml:"merge_score"`
}

type SalienceTuning struct {
	Boost        float64       `yaml:"boost"`
	HalfLife     time.Duration `yaml:"half_life"`
	Floor        float64       `yaml:"floor"`
	ArchiveAfter time.Duration `yaml:"archive_after"`
	ArchiveBelow float64       `yaml:"archive_below"`
}

type IngestTuning struct {
	ChunkTurns      int           `yaml:"chunk_turns"`
	PairConcurrency int           `yaml:"pair_concurrency"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	RetryAttempts   int           `yaml:"retry_attempts"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	MaxChunkChars   int           `yaml:"max_chunk_chars"`
}

type NotesTuning struct {
	MaxNotes       int `yaml:"max_notes"`
	MaxNoteChars   int `yaml:"max_note_chars"`
	SignatureChars int `yaml:"signature_chars"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		Neo4jURI:       getEnv("NEO4J_URI", "bolt://localhost:7687"),
		Neo4jUser:      getEnv("NEO4J_USER", "neo4j"),
		Neo4jPassword:  getEnv("NEO4J_PASSWORD", "password"),
		Neo4jDatabase:  getEnv("NEO4J_DATABASE", ""),
		LLMBaseURL:     getEnv("LLM_BASE_URL", "http://localhost:4000"),
		LLMAPIKey:      getEnv("LLM_API_KEY", ""),
		ModelID:        getEnv("MODEL_ID", "openrouter/anthropic/claude-3.5-sonnet"),
		EmbeddingModel: getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		OtelEnabled:    getEnvBool("OTEL_ENABLED", false),
		OtelExporter:   getEnv("OTEL_EXPORTER", "stdout"),
		OtelEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		Tuning:         DefaultTuning(),

		EmbeddingDimensions: getEnvInt("EMBEDDING_DIMENSIONS", 1536),
		OtelSampleRatio:     getEnvFloat("OTEL_SAMPLE_RATIO", 1.0),
	}

	if path := getEnv("KGRAPH_CONFIG", ""); path != "" {
		if err := cfg.loadTuningFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultTuning returns the tuning block with environment overrides applied
func DefaultTuning() Tuning {
	return Tuning{
		Resolver: ResolverTuning{
			MaxDistance:         getEnvInt("RESOLVER_MAX_DISTANCE", 3),
			FuzzyLimit:          getEnvInt("RESOLVER_FUZZY_LIMIT", 5),
			SimilarityThreshold: getEnvFloat("RESOLVER_SIMILARITY_THRESHOLD", 0.75),
			EmbeddingLimit:      getEnvInt("RESOLVER_EMBEDDING_LIMIT", 20),
			CandidateLimit:      getEnvInt("RESOLVER_CANDIDATE_LIMIT", 20),
			MergeScore:          getEnvFloat("RESOLVER_MERGE_SCORE", 0.9),
		},
		Salience: SalienceTuning{
			Boost:        getEnvFloat("SALIENCE_BOOST", 0.075),
			HalfLife:     getEnvDuration("SALIENCE_HALF_LIFE", 90*24*time.Hour),
			Floor:        getEnvFloat("SALIENCE_FLOOR", 0.1),
			ArchiveAfter: getEnvDuration("SALIENCE_ARCHIVE_AFTER", 180*24*time.Hour),
			ArchiveBelow: getEnvFloat("SALIENCE_ARCHIVE_BELOW", 0.2),
		},
		Ingest: IngestTuning{
			ChunkTurns:      getEnvInt("INGEST_CHUNK_TURNS", 10),
			PairConcurrency: getEnvInt("INGEST_PAIR_CONCURRENCY", 5),
			CallTimeout:     getEnvDuration("INGEST_CALL_TIMEOUT", 30*time.Second),
			RetryAttempts:   getEnvInt("INGEST_RETRY_ATTEMPTS", 3),
			RetryBackoff:    getEnvDuration("INGEST_RETRY_BACKOFF", 500*time.Millisecond),
			MaxChunkChars:   getEnvInt("INGEST_MAX_CHUNK_CHARS", 12000),
		},
		Notes: NotesTuning{
			MaxNotes:       getEnvInt("NOTES_MAX", 20),
			MaxNoteChars:   getEnvInt("NOTES_MAX_CHARS", 500),
			SignatureChars: getEnvInt("NOTES_SIGNATURE_CHARS", 1000),
		},
	}
}

func (c *Config) loadTuningFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	// Unmarshal over the env-derived values so absent keys keep them
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks that required configuration values are set
func (c *Config) Validate() error {
	if c.Neo4jURI == "" {
		return apperrors.NewConfigMissingRequired("NEO4J_URI")
	}
	if c.Neo4jUser == "" {
		return apperrors.NewConfigMissingRequired("NEO4J_USER")
	}
	if c.Neo4jPassword == "" {
		return apperrors.NewConfigMissingRequired("NEO4J_PASSWORD")
	}
	if c.LLMBaseURL == "" {
		return apperrors.NewConfigMissingRequired("LLM_BASE_URL")
	}
	if c.ModelID == "" {
		return apperrors.NewConfigMissingRequired("MODEL_ID")
	}
	if c.EmbeddingDimensions < 1 {
		return apperrors.NewConfigValidationFailed("EMBEDDING_DIMENSIONS", "must be positive")
	}
	return c.Tuning.Validate()
}

// Validate checks the tuning block is internally consistent
func (t Tuning) Validate() error {
	if t.Salience.Boost < 0.05 || t.Salience.Boost > 0.1 {
		return apperrors.NewConfigValidationFailed("salience.boost", "must be within [0.05, 0.1]")
	}
	if t.Resolver.MaxDistance < 0 {
		return apperrors.NewConfigValidationFailed("resolver.max_distance", "must not be negative")
	}
	if t.Resolver.SimilarityThreshold <= 0 || t.Resolver.SimilarityThreshold > 1 {
		return apperrors.NewConfigValidationFailed("resolver.similarity_threshold", "must be within (0, 1]")
	}
	if t.Resolver.CandidateLimit < 1 {
		return apperrors.NewConfigValidationFailed("resolver.candidate_limit", "must be at least 1")
	}
	if t.Ingest.PairConcurrency < 1 {
		return apperrors.NewConfigValidationFailed("ingest.pair_concurrency", "must be at least 1")
	}
	if t.Ingest.ChunkTurns < 1 {
		return apperrors.NewConfigValidationFailed("ingest.chunk_turns", "must be at least 1")
	}
	if t.Ingest.CallTimeout <= 0 {
		return apperrors.NewConfigValidationFailed("ingest.call_timeout", "must be positive")
	}
	if t.Notes.MaxNotes < 1 {
		return apperrors.NewConfigValidationFailed("notes.max_notes", "must be at least 1")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var result float64
		if _, err := fmt.Sscanf(value, "%f", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	switch os.Getenv(key) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultValue
}
