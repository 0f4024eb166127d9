package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kgraph/backend/internal/graph"
	"kgraph/backend/internal/metrics"
	"kgraph/backend/internal/relationship"
	"kgraph/backend/internal/resolver"
	"kgraph/backend/internal/salience"
	"kgraph/backend/pkg/config"
	apperrors "kgraph/backend/pkg/errors"
	"kgraph/backend/pkg/logger"
)

var tracer = otel.Tracer("kgraph/ingest")

// Lifetime of notes a proposal attaches without naming one
const defaultNoteLifetime = relationship.LifetimeMonth

// Deps are the collaborators of the orchestrator. Embedder, Judge and
// Artifacts are optional.
type Deps struct {
	Store     graph.Store
	Resolver  *resolver.Resolver
	Builder   *relationship.Builder
	Tracker   *salience.Tracker
	Cleaner   Cleaner
	Extractor Extractor
	Proposer  Proposer
	Judge     MergeJudge
	Embedder  resolver.Embedder
	Artifacts *ArtifactWriter
	Metrics   *metrics.Collector
}

// Orchestrator runs conversations through the chunk pipeline. Chunks run
// one after another; only relationship pairs inside a chunk run in parallel.
type Orchestrator struct {
	deps   Deps
	cfg    config.IngestTuning
	logger *zap.Logger
	now    func() time.Time
}

// New creates an orchestrator
func New(deps Deps, cfg config.IngestTuning) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, apperrors.NewConfigMissingRequired("ingest store")
	case deps.Resolver == nil:
		return nil, apperrors.NewConfigMissingRequired("ingest resolver")
	case deps.Builder == nil:
		return nil, apperrors.NewConfigMissingRequired("ingest relationship builder")
	case deps.Tracker == nil:
		return nil, apperrors.NewConfigMissingRequired("ingest salience tracker")
	case deps.Cleaner == nil:
		return nil, apperrors.NewConfigMissingRequired("ingest cleaner")
	case deps.Extractor == nil:
		return nil, apperrors.NewConfigMissingRequired("ingest extractor")
	case deps.Proposer == nil:
		return nil, apperrors.NewConfigMissingRequired("ingest proposer")
	}
	if deps.Judge == nil {
		deps.Judge = ScoreJudge{MinScore: 0.9}
	}
	if cfg.PairConcurrency < 1 {
		cfg.PairConcurrency = 1
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("ingest"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// IngestConversation processes the chunks of one conversation in order. A
// failed chunk is recorded and the next one still runs.
func (o *Orchestrator) IngestConversation(ctx context.Context, ownerID, conversationID string, chunks []string) ConversationResult {
	ctx, span := tracer.Start(ctx, "ingest.Conversation", trace.WithAttributes(
		attribute.String("owner_id", ownerID),
		attribute.String("conversation_id", conversationID),
		attribute.Int("chunks", len(chunks)),
	))
	defer span.End()

	start := time.Now()
	result := ConversationResult{
		ID:      conversationID,
		OwnerID: ownerID,
		Chunks:  make([]ChunkResult, 0, len(chunks)),
	}

	for i, text := range chunks {
		if ctx.Err() != nil {
			result.Chunks = append(result.Chunks, ChunkResult{
				ConversationID: conversationID,
				Index:          i,
				FailedPhase:    PhaseClean,
				Error:          ctx.Err().Error(),
				Timings:        Timings{},
			})
			continue
		}
		chunk := o.ProcessChunk(ctx, ownerID, Chunk{ConversationID: conversationID, Index: i, Text: text})
		result.Chunks = append(result.Chunks, chunk)
	}

	result.Aggregate()
	result.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("succeeded", result.Succeeded),
		attribute.Int("failed", result.Failed),
	)
	if result.Failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d chunks failed", result.Failed))
	}

	o.logger.Info("Conversation ingested",
		zap.String("owner_id", ownerID),
		zap.String("conversation_id", conversationID),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("entities", result.Entities),
		zap.Int("relationships", result.Relationships),
		zap.Duration("duration", result.Duration),
	)
	if o.deps.Artifacts != nil {
		if err := o.deps.Artifacts.WriteConversation(result); err != nil {
			o.logger.Warn("Failed to write conversation artifact", zap.Error(err))
		}
	}
	return result
}

// chunkState carries what one phase hands to the next
type chunkState struct {
	ownerID   string
	chunk     Chunk
	text      string
	mentions  []graph.CandidateMention
	sourceKey string
	entities  []Entity
	entityErr []string
	pairs     []PairResult
	edgeKeys  []string
	mentioned int
}

// touched returns every node key the chunk created, merged or connected
func (s *chunkState) touched() []string {
	keys := make([]string, 0, len(s.entities)+2*len(s.pairs))
	for _, e := range s.entities {
		keys = append(keys, e.Key)
	}
	for _, p := range s.pairs {
		if p.Edge != nil {
			keys = append(keys, p.Edge.FromKey, p.Edge.ToKey)
		}
	}
	return salience.Dedupe(keys)
}

// ProcessChunk runs the five phases over one chunk. The first failing phase
// stops the chunk; its error and the timings so far are kept on the result.
func (o *Orchestrator) ProcessChunk(ctx context.Context, ownerID string, chunk Chunk) ChunkResult {
	ctx, span := tracer.Start(ctx, "ingest.Chunk", trace.WithAttributes(
		attribute.String("owner_id", ownerID),
		attribute.String("conversation_id", chunk.ConversationID),
		attribute.Int("index", chunk.Index),
	))
	defer span.End()

	start := time.Now()
	state := &chunkState{ownerID: ownerID, chunk: chunk, text: chunk.Text}
	result := ChunkResult{
		ConversationID: chunk.ConversationID,
		Index:          chunk.Index,
		Timings:        Timings{},
	}

	steps := []struct {
		phase Phase
		run   func(context.Context, *chunkState) error
	}{
		{PhaseClean, o.clean},
		{PhaseExtract, o.extract},
		{PhaseCreateSourceNode, o.createSourceNode},
		{PhaseBuildRelationships, o.buildRelationships},
		{PhaseLinkMentions, o.linkMentions},
	}

	var failure error
	for _, step := range steps {
		phaseStart := time.Now()
		err := step.run(ctx, state)
		elapsed := time.Since(phaseStart)
		result.Timings[step.phase] = elapsed
		o.deps.Metrics.RecordPhase(string(step.phase), elapsed)
		if err != nil {
			failure = err
			result.FailedPhase = step.phase
			result.Error = err.Error()
			break
		}
	}

	result.SourceKey = state.sourceKey
	result.Entities = state.entities
	result.EntityErrors = state.entityErr
	result.Pairs = state.pairs
	result.Mentions = state.mentioned
	for _, p := range state.pairs {
		if p.Edge != nil {
			result.Relationships++
		}
	}
	result.Succeeded = failure == nil
	result.Duration = time.Since(start)

	if failure != nil {
		span.RecordError(failure)
		span.SetStatus(codes.Error, failure.Error())
		o.deps.Metrics.RecordChunk("failed")
		o.logger.Error("Chunk failed",
			zap.String("owner_id", ownerID),
			zap.String("conversation_id", chunk.ConversationID),
			zap.Int("index", chunk.Index),
			zap.String("phase", string(result.FailedPhase)),
			zap.Error(failure),
		)
	} else {
		o.deps.Metrics.RecordChunk("succeeded")
		o.logger.Info("Chunk processed",
			zap.String("owner_id", ownerID),
			zap.String("conversation_id", chunk.ConversationID),
			zap.Int("index", chunk.Index),
			zap.Int("entities", len(result.Entities)),
			zap.Int("relationships", result.Relationships),
			zap.Int("mentions", result.Mentions),
			zap.Duration("duration", result.Duration),
		)
	}

	if o.deps.Artifacts != nil {
		if err := o.deps.Artifacts.WriteChunk(result); err != nil {
			o.logger.Warn("Failed to write chunk artifact", zap.Error(err))
		}
	}
	return result
}

// ============================================================================
// Phases
// ============================================================================

func (o *Orchestrator) clean(ctx context.Context, s *chunkState) error {
	return o.call(ctx, "clean", func(ctx context.Context) error {
		cleaned, err := o.deps.Cleaner.Clean(ctx, s.text)
		if err != nil {
			return err
		}
		s.text = cleaned
		return nil
	})
}

func (o *Orchestrator) extract(ctx context.Context, s *chunkState) error {
	if strings.TrimSpace(s.text) == "" {
		s.mentions = nil
		return nil
	}
	return o.call(ctx, "extract", func(ctx context.Context) error {
		mentions, err := o.deps.Extractor.Extract(ctx, s.text)
		if err != nil {
			return err
		}
		s.mentions = mentions
		return nil
	})
}

func (o *Orchestrator) createSourceNode(ctx context.Context, s *chunkState) error {
	label := fmt.Sprintf("%s#%d", s.chunk.ConversationID, s.chunk.Index)
	node, err := graph.NewNode(s.ownerID, graph.KindSource, label, s.text, s.chunk.ConversationID, o.now())
	if err != nil {
		return err
	}
	return o.call(ctx, "create_source_node", func(ctx context.Context) error {
		saved, _, err := o.deps.Store.UpsertNode(ctx, node)
		if err != nil {
			return err
		}
		s.sourceKey = saved.Key
		return nil
	})
}

func (o *Orchestrator) buildRelationships(ctx context.Context, s *chunkState) error {
	if err := o.resolveEntities(ctx, s); err != nil {
		return err
	}
	if len(s.entities) < 2 {
		return nil
	}

	var proposals []Proposal
	err := o.call(ctx, "propose", func(ctx context.Context) error {
		var err error
		proposals, err = o.deps.Proposer.Propose(ctx, s.text, s.entities)
		return err
	})
	if err != nil {
		return err
	}

	lookup := entityLookup(s.entities)
	s.pairs = make([]PairResult, len(proposals))

	// Pairs are independent: one failing never cancels the others, so the
	// goroutines record their error and return nil
	var g errgroup.Group
	g.SetLimit(o.cfg.PairConcurrency)
	for i, p := range proposals {
		idx := i
		proposal := p
		g.Go(func() error {
			s.pairs[idx] = o.buildPair(ctx, s, lookup, proposal)
			return nil
		})
	}
	_ = g.Wait()

	for _, p := range s.pairs {
		if p.Edge != nil {
			s.edgeKeys = append(s.edgeKeys, p.Edge.Key)
		}
	}
	return nil
}

// resolveEntities resolves each mention in order, so a later mention can
// merge into a node an earlier one just created. A mention rejected on its
// own merits is recorded and skipped; a store or service failure that
// outlived its retries fails the chunk.
func (o *Orchestrator) resolveEntities(ctx context.Context, s *chunkState) error {
	seen := make(map[string]bool)
	for _, m := range s.mentions {
		entity, err := o.resolveOne(ctx, s, m)
		if err != nil {
			if apperrors.IsFatal(err) || apperrors.IsRetryable(err) || apperrors.IsErrorType(err, apperrors.ErrorTypeContext) {
				return fmt.Errorf("resolve %q: %w", m.Name, err)
			}
			s.entityErr = append(s.entityErr, fmt.Sprintf("%s: %v", m.Name, err))
			continue
		}
		if seen[entity.Key] {
			continue
		}
		seen[entity.Key] = true
		s.entities = append(s.entities, entity)
	}
	return nil
}

func (o *Orchestrator) resolveOne(ctx context.Context, s *chunkState, m graph.CandidateMention) (Entity, error) {
	var res *resolver.Resolution
	err := o.call(ctx, "resolve", func(ctx context.Context) error {
		var err error
		res, err = o.deps.Resolver.Resolve(ctx, s.ownerID, m)
		return err
	})
	if err != nil {
		return Entity{}, err
	}

	if key, merge := o.deps.Judge.Decide(m, res); merge {
		var node *graph.Node
		err := o.call(ctx, "get_node", func(ctx context.Context) error {
			var err error
			node, err = o.deps.Store.GetNode(ctx, s.ownerID, key)
			return err
		})
		if err != nil {
			return Entity{}, err
		}
		tier := string(resolver.TierExact)
		if top, ok := res.Top(); ok && !res.Exact {
			tier = string(top.Tier)
		}
		return Entity{Key: node.Key, Name: node.DisplayLabel, Kind: node.Kind, Tier: tier}, nil
	}

	node, err := graph.NewNode(s.ownerID, m.Kind, m.Name, m.Description, s.sourceKey, o.now())
	if err != nil {
		return Entity{}, err
	}
	if o.deps.Embedder != nil {
		err := o.call(ctx, "embed_node", func(ctx context.Context) error {
			vector, err := o.deps.Embedder.Embed(ctx, node.EmbeddingText())
			if err != nil {
				return err
			}
			node.Embedding = vector
			return nil
		})
		if err != nil {
			// The node is still useful to the exact and fuzzy tiers
			o.logger.Warn("Node stored without embedding",
				zap.String("owner_id", s.ownerID),
				zap.String("name", node.DisplayLabel),
				zap.Error(err),
			)
		}
	}

	var saved *graph.Node
	var created bool
	err = o.call(ctx, "upsert_node", func(ctx context.Context) error {
		var err error
		saved, created, err = o.deps.Store.UpsertNode(ctx, node)
		return err
	})
	if err != nil {
		return Entity{}, err
	}
	return Entity{Key: saved.Key, Name: saved.DisplayLabel, Kind: saved.Kind, Created: created, Tier: string(resolver.TierNone)}, nil
}

// buildPair creates the proposed relationship or, when it already exists,
// updates it. Errors are reported on the result, never returned.
func (o *Orchestrator) buildPair(ctx context.Context, s *chunkState, lookup map[string]string, p Proposal) PairResult {
	result := PairResult{From: p.From, To: p.To}
	fromKey, okFrom := lookup[graph.Normalize(p.From)]
	toKey, okTo := lookup[graph.Normalize(p.To)]
	if !okFrom || !okTo {
		result.Error = fmt.Sprintf("unknown entity in proposal %q -> %q", p.From, p.To)
		return result
	}

	props := relationship.RelationshipProps{
		Descriptor: p.Descriptor,
		Attitude:   p.Attitude,
		Proximity:  p.Proximity,
		Confidence: p.Confidence,
		Provenance: s.sourceKey,
	}

	var ref graph.EdgeRef
	err := o.call(ctx, "create_relationship", func(ctx context.Context) error {
		var err error
		ref, err = o.deps.Builder.CreateRelationship(ctx, s.ownerID, fromKey, toKey, props)
		return err
	})
	if apperrors.IsErrorType(err, apperrors.ErrorTypeDuplicate) {
		req := relationship.UpdateRequest{
			Descriptor: &props.Descriptor,
			Attitude:   &props.Attitude,
			Proximity:  &props.Proximity,
			Confidence: &props.Confidence,
		}
		err = o.call(ctx, "update_relationship", func(ctx context.Context) error {
			var err error
			ref, _, err = o.deps.Builder.UpdateRelationship(ctx, s.ownerID, fromKey, toKey, req)
			return err
		})
		result.Updated = err == nil
	}
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Edge = &ref

	if note := strings.TrimSpace(p.Note); note != "" {
		lifetime := p.Lifetime
		if lifetime == "" {
			lifetime = defaultNoteLifetime
		}
		err := o.call(ctx, "add_note", func(ctx context.Context) error {
			_, err := o.deps.Builder.AddNote(ctx, s.ownerID, fromKey, toKey, note, s.sourceKey, lifetime)
			return err
		})
		if err != nil {
			// The relationship itself stands
			o.logger.Warn("Failed to attach note",
				zap.String("owner_id", s.ownerID),
				zap.String("edge", ref.Key),
				zap.Error(err),
			)
		}
	}
	return result
}

func (o *Orchestrator) linkMentions(ctx context.Context, s *chunkState) error {
	keys := s.touched()
	if len(keys) == 0 {
		return nil
	}
	err := o.call(ctx, "link_mentions", func(ctx context.Context) error {
		n, err := o.deps.Store.LinkMentions(ctx, s.ownerID, s.sourceKey, keys)
		if err != nil {
			return err
		}
		s.mentioned = n
		return nil
	})
	if err != nil {
		return err
	}

	// Being mentioned is an access of every touched node and edge
	touch := append(append([]string{}, keys...), s.edgeKeys...)
	err = o.call(ctx, "touch", func(ctx context.Context) error {
		_, err := o.deps.Tracker.TouchBatch(ctx, s.ownerID, touch)
		return err
	})
	if err != nil && !apperrors.IsErrorType(err, apperrors.ErrorTypePartial) {
		return err
	}
	return nil
}

// ============================================================================
// Calls
// ============================================================================

// call runs fn with the per-call timeout. External service errors are
// retried with linear backoff; anything else is returned at once.
func (o *Orchestrator) call(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= o.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt) * o.cfg.RetryBackoff
			o.logger.Warn("Retrying call",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return apperrors.NewContextTimeout(op, o.cfg.CallTimeout, ctx.Err())
			case <-time.After(wait):
			}
		}

		err = o.callOnce(ctx, op, fn)
		if err == nil || !apperrors.IsRetryable(err) {
			return err
		}
	}
	return err
}

func (o *Orchestrator) callOnce(ctx context.Context, op string, fn func(context.Context) error) error {
	callCtx := ctx
	if o.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.cfg.CallTimeout)
		defer cancel()
	}
	err := fn(callCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !apperrors.IsErrorType(err, apperrors.ErrorTypeContext) {
		return apperrors.NewContextTimeout(op, o.cfg.CallTimeout, err)
	}
	return err
}

// entityLookup indexes entities by normalized name and by key
func entityLookup(entities []Entity) map[string]string {
	lookup := make(map[string]string, 2*len(entities))
	for _, e := range entities {
		lookup[graph.Normalize(e.Name)] = e.Key
	}
	for _, e := range entities {
		lookup[graph.Normalize(e.Key)] = e.Key
	}
	return lookup
}
