package graph

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "kgraph/backend/pkg/errors"
	"kgraph/backend/pkg/logger"
)

// MemoryStore is an in-process Store. Every mutation runs under one mutex,
// which gives it the same atomicity the Neo4j repository gets from a
// single Cypher statement.
type MemoryStore struct {
	mu       sync.Mutex
	nodes    map[string]*Node
	edges    map[string]*Edge
	mentions map[string]map[string]struct{}
	logger   *zap.Logger
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:    make(map[string]*Node),
		edges:    make(map[string]*Edge),
		mentions: make(map[string]map[string]struct{}),
		logger:   logger.Get(),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) ownedNode(ownerID, key string) (*Node, bool) {
	n, ok := s.nodes[key]
	if !ok || n.OwnerID != ownerID {
		return nil, false
	}
	return n, true
}

func (s *MemoryStore) ownedEdge(ownerID, key string) (*Edge, bool) {
	e, ok := s.edges[key]
	if !ok || e.OwnerID != ownerID {
		return nil, false
	}
	return e, true
}

// sortedNodes returns the owner's nodes of a kind ordered by key
func (s *MemoryStore) sortedNodes(ownerID string, kind Kind) []*Node {
	out := make([]*Node, 0)
	for _, n := range s.nodes {
		if n.OwnerID == ownerID && n.Kind == kind {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (s *MemoryStore) FindExact(ctx context.Context, ownerID string, kind Kind, name string) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	canonical := Normalize(name)
	trimmed := strings.TrimSpace(name)
	for _, n := range s.sortedNodes(ownerID, kind) {
		if n.CanonicalLabel == canonical || strings.EqualFold(n.DisplayLabel, trimmed) {
			return cloneNode(n), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) FindFuzzy(ctx context.Context, ownerID string, kind Kind, name string, maxDistance, limit int) ([]FuzzyMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	pool := make([]Node, 0)
	for _, n := range s.sortedNodes(ownerID, kind) {
		pool = append(pool, *cloneNode(n))
	}
	s.mu.Unlock()

	return rankFuzzy(name, pool, maxDistance, limit), nil
}

func (s *MemoryStore) FindBySimilarity(ctx context.Context, ownerID string, kind Kind, vector []float32, threshold float64, limit int) ([]ScoredNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	scored := make([]ScoredNode, 0)
	for _, n := range s.sortedNodes(ownerID, kind) {
		if len(n.Embedding) == 0 {
			continue
		}
		score := CosineSimilarity(vector, n.Embedding)
		if score >= threshold {
			scored = append(scored, ScoredNode{Node: *cloneNode(n), Score: score})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func (s *MemoryStore) GetNode(ctx context.Context, ownerID, key string) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.ownedNode(ownerID, key)
	if !ok {
		return nil, apperrors.NewNotFound("node", key)
	}
	return cloneNode(n), nil
}

func (s *MemoryStore) UpsertNode(ctx context.Context, node *Node) (*Node, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if node == nil || node.Key == "" || node.OwnerID == "" {
		return nil, false, apperrors.NewValidation("node", "key and owner_id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := node.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if existing, ok := s.nodes[node.Key]; ok {
		if existing.OwnerID != node.OwnerID {
			return nil, false, apperrors.NewValidation("owner_id", "cannot change after creation")
		}
		existing.DisplayLabel = node.DisplayLabel
		if node.Description != "" {
			existing.Description = node.Description
		}
		existing.Confidence = node.Confidence
		existing.Provenance = node.Provenance
		if node.Embedding != nil {
			existing.Embedding = append([]float32(nil), node.Embedding...)
		}
		existing.UpdatedAt = now
		return cloneNode(existing), false, nil
	}

	created := cloneNode(node)
	created.IsSelf = false
	if created.State == "" {
		created.SalienceState = FreshSalience()
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = now
	}
	created.UpdatedAt = now
	s.nodes[created.Key] = created
	return cloneNode(created), true, nil
}

func (s *MemoryStore) SetSelf(ctx context.Context, ownerID, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.ownedNode(ownerID, key)
	if !ok {
		return apperrors.NewNotFound("node", key)
	}
	if target.Kind != KindPerson {
		return apperrors.NewValidation("self", "only a Person can represent the owner")
	}
	for _, n := range s.nodes {
		if n.OwnerID == ownerID {
			n.IsSelf = false
		}
	}
	target.IsSelf = true
	return nil
}

func (s *MemoryStore) findEdge(ownerID, fromKey, toKey string, edgeType EdgeType) *Edge {
	for _, e := range s.edges {
		if e.OwnerID == ownerID && e.FromKey == fromKey && e.ToKey == toKey && e.Type == edgeType {
			return e
		}
	}
	return nil
}

func (s *MemoryStore) GetEdge(ctx context.Context, ownerID, fromKey, toKey string, edgeType EdgeType) (*Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.findEdge(ownerID, fromKey, toKey, edgeType); e != nil {
		return cloneEdge(e), nil
	}
	return nil, nil
}

func (s *MemoryStore) CreateEdge(ctx context.Context, edge *Edge) (*Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if edge == nil || edge.Key == "" || edge.OwnerID == "" {
		return nil, apperrors.NewValidation("edge", "key and owner_id are required")
	}
	if !edge.Type.IsSemantic() {
		return nil, apperrors.NewValidation("type", "not a relationship type: "+string(edge.Type))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ownedNode(edge.OwnerID, edge.FromKey); !ok {
		return nil, apperrors.NewNotFound("node", edge.FromKey)
	}
	if _, ok := s.ownedNode(edge.OwnerID, edge.ToKey); !ok {
		return nil, apperrors.NewNotFound("node", edge.ToKey)
	}
	if s.findEdge(edge.OwnerID, edge.FromKey, edge.ToKey, edge.Type) != nil {
		return nil, apperrors.NewDuplicateRelationship(string(edge.Type), edge.FromKey, edge.ToKey)
	}

	created := cloneEdge(edge)
	if created.State == "" {
		created.SalienceState = FreshSalience()
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = time.Now().UTC()
	}
	if created.UpdatedAt.IsZero() {
		created.UpdatedAt = created.CreatedAt
	}
	s.edges[created.Key] = created
	return cloneEdge(created), nil
}

func (s *MemoryStore) UpdateEdge(ctx context.Context, edge *Edge) (*Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if edge == nil {
		return nil, apperrors.NewValidation("edge", "cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.ownedEdge(edge.OwnerID, edge.Key)
	if !ok {
		return nil, apperrors.NewNotFound("relationship", edge.Key)
	}
	existing.Descriptor = edge.Descriptor
	existing.Attitude = edge.Attitude
	existing.Proximity = edge.Proximity
	existing.SemanticSignature = append([]float32(nil), edge.SemanticSignature...)
	existing.Notes = append([]Note(nil), edge.Notes...)
	existing.NotesSignature = append([]float32(nil), edge.NotesSignature...)
	existing.Confidence = edge.Confidence
	existing.Provenance = edge.Provenance
	existing.UpdatedAt = edge.UpdatedAt
	if existing.UpdatedAt.IsZero() {
		existing.UpdatedAt = time.Now().UTC()
	}
	return cloneEdge(existing), nil
}

func (s *MemoryStore) LinkMentions(ctx context.Context, ownerID, sourceKey string, targetKeys []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ownedNode(ownerID, sourceKey); !ok {
		return 0, apperrors.NewNotFound("source", sourceKey)
	}
	linked, ok := s.mentions[sourceKey]
	if !ok {
		linked = make(map[string]struct{})
		s.mentions[sourceKey] = linked
	}
	count := 0
	for _, key := range targetKeys {
		if _, ok := s.ownedNode(ownerID, key); !ok {
			s.logger.Debug("Skipping mention of unknown node",
				zap.String("owner_id", ownerID),
				zap.String("key", key),
			)
			continue
		}
		linked[key] = struct{}{}
		count++
	}
	return count, nil
}

// Mentions returns the keys a source node mentions, sorted
func (s *MemoryStore) Mentions(sourceKey string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.mentions[sourceKey]))
	for k := range s.mentions[sourceKey] {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CountNodes returns how many nodes of a kind the owner has
func (s *MemoryStore) CountNodes(ownerID string, kind Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sortedNodes(ownerID, kind))
}

func (s *MemoryStore) IncrementAccess(ctx context.Context, ownerID, key string, upd AccessUpdate) (AccessStats, error) {
	stats, err := s.BatchIncrementAccess(ctx, ownerID, []string{key}, upd)
	if len(stats) == 0 {
		if err == nil || apperrors.IsErrorType(err, apperrors.ErrorTypePartial) {
			return AccessStats{}, apperrors.NewNotFound("node or relationship", key)
		}
		return AccessStats{}, err
	}
	return stats[0], nil
}

func (s *MemoryStore) BatchIncrementAccess(ctx context.Context, ownerID string, keys []string, upd AccessUpdate) ([]AccessStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make([]AccessStats, 0, len(keys))
	failed := make(map[string]error)
	for _, key := range keys {
		if n, ok := s.ownedNode(ownerID, key); ok {
			n.SalienceState = ApplyAccess(n.SalienceState, upd)
			stats = append(stats, AccessStats{Key: key, SalienceState: cloneSalience(n.SalienceState)})
			continue
		}
		if e, ok := s.ownedEdge(ownerID, key); ok {
			e.SalienceState = ApplyAccess(e.SalienceState, upd)
			stats = append(stats, AccessStats{Key: key, IsEdge: true, SalienceState: cloneSalience(e.SalienceState)})
			continue
		}
		failed[key] = apperrors.NewNotFound("node or relationship", key)
	}
	if len(failed) > 0 {
		return stats, apperrors.NewPartialFailure("increment access", len(stats), failed)
	}
	return stats, nil
}

func (s *MemoryStore) DecaySweep(ctx context.Context, ownerID string, policy DecayPolicy, now time.Time) (DecayReport, error) {
	if err := ctx.Err(); err != nil {
		return DecayReport{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var report DecayReport
	apply := func(st *SalienceState, createdAt time.Time) {
		report.Scanned++
		next, changed, archived := policy.ApplyDecay(*st, createdAt, now)
		if changed {
			report.Decayed++
		}
		if archived {
			report.Archived++
		}
		*st = next
	}
	for _, n := range s.nodes {
		if n.OwnerID == ownerID && n.State != StateArchived {
			apply(&n.SalienceState, n.CreatedAt)
		}
	}
	for _, e := range s.edges {
		if e.OwnerID == ownerID && e.State != StateArchived {
			apply(&e.SalienceState, e.CreatedAt)
		}
	}
	return report, nil
}

func cloneSalience(s SalienceState) SalienceState {
	if s.LastAccessedAt != nil {
		t := *s.LastAccessedAt
		s.LastAccessedAt = &t
	}
	return s
}

func cloneNode(n *Node) *Node {
	c := *n
	c.Embedding = append([]float32(nil), n.Embedding...)
	c.SalienceState = cloneSalience(n.SalienceState)
	return &c
}

func cloneEdge(e *Edge) *Edge {
	c := *e
	c.SemanticSignature = append([]float32(nil), e.SemanticSignature...)
	c.NotesSignature = append([]float32(nil), e.NotesSignature...)
	c.Notes = append([]Note(nil), e.Notes...)
	c.SalienceState = cloneSalience(e.SalienceState)
	return &c
}
