package resolver

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"kgraph/backend/internal/graph"
	"kgraph/backend/internal/metrics"
	"kgraph/backend/pkg/config"
	apperrors "kgraph/backend/pkg/errors"
	"kgraph/backend/pkg/logger"
	"kgraph/backend/pkg/validation"
)

var tracer = otel.Tracer("kgraph/resolver")

// Tier names the matching strategy that produced a match
type Tier string

const (
	TierExact     Tier = "exact"
	TierFuzzy     Tier = "fuzzy"
	TierEmbedding Tier = "embedding"
	TierNone      Tier = "none"
)

// Fuzzy matches are never trusted as much as an exact one
const maxFuzzyScore = 0.95

// Match is one entry of the ranked shortlist
type Match struct {
	Key      string  `json:"key"`
	Label    string  `json:"label"`
	Tier     Tier    `json:"tier"`
	Score    float64 `json:"score"`
	Distance int     `json:"distance,omitempty"`
}

// Resolution is the outcome of resolving one candidate mention. MatchedKey
// is set only when an exact match exists; otherwise the caller decides
// between the alternates and a new node.
type Resolution struct {
	MatchedKey string  `json:"matched_key,omitempty"`
	Confidence float64 `json:"confidence"`
	Exact      bool    `json:"exact"`
	Alternates []Match `json:"alternates"`
}

// Top returns the highest-ranked match, if any
func (r *Resolution) Top() (Match, bool) {
	if r == nil || len(r.Alternates) == 0 {
		return Match{}, false
	}
	return r.Alternates[0], true
}

// Embedder maps text to a vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Resolver matches candidate mentions to existing nodes. It only reads
// from the store.
type Resolver struct {
	store    graph.Store
	embedder Embedder
	cfg      config.ResolverTuning
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// New creates a resolver. embedder may be nil, which disables the
// embedding tier.
func New(store graph.Store, embedder Embedder, cfg config.ResolverTuning, collector *metrics.Collector) *Resolver {
	return &Resolver{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		metrics:  collector,
		logger:   logger.Named("resolver"),
	}
}

// Resolve runs the exact, fuzzy and embedding tiers for one candidate and
// returns a ranked, deduplicated shortlist.
func (r *Resolver) Resolve(ctx context.Context, ownerID string, candidate graph.CandidateMention) (res *Resolution, err error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, apperrors.NewValidation("owner_id", "cannot be empty")
	}
	if strings.TrimSpace(candidate.Name) == "" {
		return nil, apperrors.NewValidation("name", "cannot be empty")
	}
	if err := validation.Struct("candidate", candidate); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "resolver.Resolve",
		trace.WithAttributes(
			attribute.String("owner_id", ownerID),
			attribute.String("kind", string(candidate.Kind)),
		),
	)
	start := time.Now()
	tier := TierNone
	defer func() {
		duration := time.Since(start)
		r.metrics.RecordResolution(string(tier), duration)
		span.SetAttributes(
			attribute.String("tier", string(tier)),
			attribute.Int64("duration_ms", duration.Milliseconds()),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Float64("confidence", res.Confidence),
				attribute.Int("alternates", len(res.Alternates)),
			)
		}
		span.End()
	}()

	// Tier 1: exact
	exact, err := r.store.FindExact(ctx, ownerID, candidate.Kind, candidate.Name)
	if err != nil {
		return nil, asExternal("find_exact", err)
	}
	if exact != nil {
		tier = TierExact
		return &Resolution{
			MatchedKey: exact.Key,
			Confidence: 1.0,
			Exact:      true,
			Alternates: []Match{{Key: exact.Key, Label: exact.DisplayLabel, Tier: TierExact, Score: 1.0}},
		}, nil
	}

	// Tier 2: fuzzy
	fuzzy, err := r.store.FindFuzzy(ctx, ownerID, candidate.Kind, candidate.Name, r.cfg.MaxDistance, r.cfg.FuzzyLimit)
	if err != nil {
		return nil, asExternal("find_fuzzy", err)
	}
	fuzzyMatches := make([]Match, 0, len(fuzzy))
	for _, fm := range fuzzy {
		fuzzyMatches = append(fuzzyMatches, Match{
			Key:      fm.Node.Key,
			Label:    fm.Node.DisplayLabel,
			Tier:     TierFuzzy,
			Score:    FuzzyScore(candidate.Name, fm.Node.DisplayLabel, fm.Distance),
			Distance: fm.Distance,
		})
	}

	// Tier 3: embedding
	embeddingMatches, err := r.embeddingTier(ctx, ownerID, candidate)
	if err != nil {
		return nil, err
	}

	alternates := Merge(r.cfg.CandidateLimit, fuzzyMatches, embeddingMatches)
	res = &Resolution{Alternates: alternates}
	if top, ok := res.Top(); ok {
		res.Confidence = top.Score
		tier = top.Tier
	}

	r.logger.Debug("Resolved candidate",
		zap.String("owner_id", ownerID),
		zap.String("kind", string(candidate.Kind)),
		zap.String("tier", string(tier)),
		zap.Int("alternates", len(alternates)),
	)
	return res, nil
}

// embeddingTier returns nothing when the embedder is absent or fails: the
// exact and fuzzy tiers still stand. Store failures are surfaced.
func (r *Resolver) embeddingTier(ctx context.Context, ownerID string, candidate graph.CandidateMention) ([]Match, error) {
	if r.embedder == nil {
		return nil, nil
	}
	vector, err := r.embedder.Embed(ctx, DescriptiveText(candidate))
	if err != nil {
		r.logger.Warn("Embedding tier skipped",
			zap.String("owner_id", ownerID),
			zap.String("kind", string(candidate.Kind)),
			zap.Error(err),
		)
		return nil, nil
	}

	scored, err := r.store.FindBySimilarity(ctx, ownerID, candidate.Kind, vector, r.cfg.SimilarityThreshold, r.cfg.EmbeddingLimit)
	if err != nil {
		return nil, asExternal("find_by_similarity", err)
	}
	matches := make([]Match, 0, len(scored))
	for _, s := range scored {
		matches = append(matches, Match{
			Key:   s.Node.Key,
			Label: s.Node.DisplayLabel,
			Tier:  TierEmbedding,
			Score: s.Score,
		})
	}
	return matches, nil
}

// Outcome is the per-candidate result of ResolveAll
type Outcome struct {
	Candidate  graph.CandidateMention
	Resolution *Resolution
	Err        error
}

// ResolveAll resolves every candidate in order. A failure is recorded on its
// own outcome and never stops the others.
func (r *Resolver) ResolveAll(ctx context.Context, ownerID string, candidates []graph.CandidateMention) []Outcome {
	outcomes := make([]Outcome, 0, len(candidates))
	for _, c := range candidates {
		res, err := r.Resolve(ctx, ownerID, c)
		outcomes = append(outcomes, Outcome{Candidate: c, Resolution: res, Err: err})
	}
	return outcomes
}

// Merge unions tier results by key. Earlier lists win, so a node found by
// several tiers keeps the rank and score of its highest-priority tier. The
// result is capped at limit.
func Merge(limit int, tiers ...[]Match) []Match {
	seen := make(map[string]bool)
	merged := make([]Match, 0)
	for _, matches := range tiers {
		for _, m := range matches {
			if seen[m.Key] {
				continue
			}
			seen[m.Key] = true
			merged = append(merged, m)
		}
	}
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// FuzzyScore turns an edit distance into a confidence in [0, 0.95]
func FuzzyScore(name, label string, distance int) float64 {
	longest := utf8.RuneCountInString(strings.TrimSpace(name))
	if l := utf8.RuneCountInString(strings.TrimSpace(label)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 0
	}
	score := 1 - float64(distance)/float64(longest)
	if score < 0 {
		return 0
	}
	if score > maxFuzzyScore {
		return maxFuzzyScore
	}
	return score
}

// DescriptiveText is what the embedding tier embeds for a candidate
func DescriptiveText(c graph.CandidateMention) string {
	parts := []string{strings.TrimSpace(c.Name)}
	if d := strings.TrimSpace(c.Description); d != "" {
		parts = append(parts, d)
	}
	if ctx := strings.TrimSpace(c.Context); ctx != "" {
		parts = append(parts, ctx)
	}
	return strings.Join(parts, ". ")
}

func asExternal(op string, err error) error {
	if _, ok := err.(interface{ Kind() apperrors.ErrorType }); ok {
		return err
	}
	return apperrors.NewExternalService("graph store", op, err)
}
