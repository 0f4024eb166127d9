package salience

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"kgraph/backend/internal/graph"
	"kgraph/backend/internal/metrics"
	"kgraph/backend/pkg/config"
	apperrors "kgraph/backend/pkg/errors"
	"kgraph/backend/pkg/logger"
)

// Tracker records access events on nodes and edges. It only ever raises
// salience; lowering it is the job of Sweep, which runs out of band.
type Tracker struct {
	store   graph.Store
	boost   float64
	policy  graph.DecayPolicy
	metrics *metrics.Collector
	logger  *zap.Logger
	now     func() time.Time
}

// NewTracker creates a tracker with the boost and decay policy from cfg
func NewTracker(store graph.Store, cfg config.SalienceTuning, collector *metrics.Collector) *Tracker {
	return &Tracker{
		store: store,
		boost: cfg.Boost,
		policy: graph.DecayPolicy{
			HalfLife:     cfg.HalfLife,
			Floor:        cfg.Floor,
			ArchiveAfter: cfg.ArchiveAfter,
			ArchiveBelow: cfg.ArchiveBelow,
		},
		metrics: collector,
		logger:  logger.Named("salience"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (t *Tracker) update() graph.AccessUpdate {
	return graph.AccessUpdate{Boost: t.boost, Now: t.now()}
}

// Touch records one access of a node or edge
func (t *Tracker) Touch(ctx context.Context, ownerID, key string) (graph.AccessStats, error) {
	if strings.TrimSpace(ownerID) == "" {
		return graph.AccessStats{}, apperrors.NewValidation("owner_id", "cannot be empty")
	}
	if strings.TrimSpace(key) == "" {
		return graph.AccessStats{}, apperrors.NewValidation("key", "cannot be empty")
	}

	stats, err := t.store.IncrementAccess(ctx, ownerID, key, t.update())
	if err != nil {
		return graph.AccessStats{}, err
	}
	t.metrics.RecordAccess(target(stats), 1)
	return stats, nil
}

// TouchBatch records one access of each distinct key in a single store
// call. The arithmetic per key is the same as Touch. Keys that match nothing
// come back in a partial failure alongside the stats of the rest.
func (t *Tracker) TouchBatch(ctx context.Context, ownerID string, keys []string) ([]graph.AccessStats, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, apperrors.NewValidation("owner_id", "cannot be empty")
	}
	unique := Dedupe(keys)
	if len(unique) == 0 {
		return []graph.AccessStats{}, nil
	}

	stats, err := t.store.BatchIncrementAccess(ctx, ownerID, unique, t.update())
	for _, s := range stats {
		t.metrics.RecordAccess(target(s), 1)
	}
	if err != nil {
		t.logger.Warn("Batch access incomplete",
			zap.String("owner_id", ownerID),
			zap.Int("requested", len(unique)),
			zap.Int("applied", len(stats)),
			zap.Error(err),
		)
	}
	return stats, err
}

// Sweep applies the decay policy to the owner's graph
func (t *Tracker) Sweep(ctx context.Context, ownerID string) (graph.DecayReport, error) {
	if strings.TrimSpace(ownerID) == "" {
		return graph.DecayReport{}, apperrors.NewValidation("owner_id", "cannot be empty")
	}
	if t.policy.HalfLife <= 0 {
		return graph.DecayReport{}, apperrors.NewConfigValidationFailed("salience.half_life", "must be positive")
	}
	return t.store.DecaySweep(ctx, ownerID, t.policy, t.now())
}

// Dedupe drops empty and repeated keys, keeping first-seen order
func Dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

func target(s graph.AccessStats) string {
	if s.IsEdge {
		return "edge"
	}
	return "node"
}
