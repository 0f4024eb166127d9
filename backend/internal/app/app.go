package app

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"kgraph/backend/internal/adapter"
	"kgraph/backend/internal/constants"
	"kgraph/backend/internal/graph"
	"kgraph/backend/internal/ingest"
	"kgraph/backend/internal/metrics"
	"kgraph/backend/internal/relationship"
	"kgraph/backend/internal/resolver"
	"kgraph/backend/internal/salience"
	"kgraph/backend/internal/telemetry"
	"kgraph/backend/internal/transcript"
	"kgraph/backend/pkg/config"
	"kgraph/backend/pkg/logger"
)

// Options select how the stack is assembled
type Options struct {
	// Memory keeps the graph in process instead of Neo4j
	Memory bool
	// ArtifactsDir enables per-chunk artifacts when set
	ArtifactsDir string
	// ServiceName labels traces and metrics
	ServiceName string
}

// App is the assembled ingestion stack shared by the server and the CLI
type App struct {
	Config       *config.Config
	Store        graph.Store
	Repository   *graph.Repository // nil with Options.Memory
	LLM          *adapter.LLMAdapter
	Embedder     resolver.Embedder
	Resolver     *resolver.Resolver
	Builder      *relationship.Builder
	Tracker      *salience.Tracker
	Orchestrator *ingest.Orchestrator
	Artifacts    *ingest.ArtifactWriter
	Metrics      *metrics.Collector

	logger  *zap.Logger
	closers []func(context.Context) error
}

// New connects to the configured services and wires every component. On
// failure everything opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	log := logger.Named("app")
	if opts.ServiceName == "" {
		opts.ServiceName = constants.ServiceName
	}

	a := &App{
		Config:  cfg,
		Metrics: metrics.NewCollector(constants.MetricsNamespace),
		logger:  log,
	}

	shutdown, err := telemetry.Init(ctx, log, telemetry.Config{
		Enabled:     cfg.OtelEnabled,
		ServiceName: opts.ServiceName,
		Environment: cfg.Env,
		Exporter:    cfg.OtelExporter,
		Endpoint:    cfg.OtelEndpoint,
		SampleRatio: cfg.OtelSampleRatio,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdown)

	if opts.Memory {
		a.Store = graph.NewMemoryStore()
		log.Info("Using in-memory graph store")
	} else {
		driver, err := graph.Connect(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword, constants.Neo4jConnectTimeout)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		repo := graph.NewRepository(driver, cfg.Neo4jDatabase)
		a.Repository = repo
		a.Store = repo
		a.closers = append(a.closers, func(context.Context) error { return repo.Close() })
		log.Info("Connected to Neo4j", zap.String("uri", cfg.Neo4jURI))
	}

	var locker relationship.Locker = relationship.NewLocalLocker()
	if cfg.RedisAddr != "" {
		rl, err := relationship.NewRedisLocker(ctx, cfg.RedisAddr, cfg.Tuning.Ingest.CallTimeout)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		locker = rl
		a.closers = append(a.closers, func(context.Context) error { return rl.Close() })
		log.Info("Using Redis pair locks", zap.String("addr", cfg.RedisAddr))
	}

	tuning := cfg.Tuning
	a.LLM = adapter.NewLLMAdapter(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.ModelID)
	// The orchestrator retries whole calls, so the adapter only absorbs one blip
	a.LLM.SetRetries(1, tuning.Ingest.RetryBackoff)
	a.Embedder = adapter.NewBreakerEmbedder(
		adapter.NewEmbedder(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.EmbeddingModel),
		adapter.DefaultBreakerConfig("embedding"),
	)

	a.Resolver = resolver.New(a.Store, a.Embedder, tuning.Resolver, a.Metrics)
	a.Builder = relationship.NewBuilder(a.Store, a.Embedder, locker, tuning.Notes, a.Metrics)
	a.Tracker = salience.NewTracker(a.Store, tuning.Salience, a.Metrics)

	if opts.ArtifactsDir != "" {
		w, err := ingest.NewArtifactWriter(opts.ArtifactsDir)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.Artifacts = w
	}

	orch, err := ingest.New(ingest.Deps{
		Store:     a.Store,
		Resolver:  a.Resolver,
		Builder:   a.Builder,
		Tracker:   a.Tracker,
		Cleaner:   transcript.NewCleaner(tuning.Ingest.MaxChunkChars),
		Extractor: adapter.NewExtractor(a.LLM),
		Proposer:  adapter.NewProposer(a.LLM),
		Judge:     ingest.ScoreJudge{MinScore: tuning.Resolver.MergeScore},
		Embedder:  a.Embedder,
		Artifacts: a.Artifacts,
		Metrics:   a.Metrics,
	}, tuning.Ingest)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Orchestrator = orch
	return a, nil
}

// Close releases connections in reverse order of opening
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if len(errs) > 0 {
		a.logger.Warn("Errors while closing", zap.Errors("errors", errs))
	}
	return errors.Join(errs...)
}
