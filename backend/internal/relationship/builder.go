package relationship

import (
	"context"
	"errors"
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

var tracer = otel.Tracer("kgraph/relationship")

// Edge metric outcomes
const (
	OutcomeCreated   = "created"
	OutcomeUpdated   = "updated"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
)

// Embedder maps text to a vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// RelationshipProps are the descriptive properties of a semantic edge
type RelationshipProps struct {
	Descriptor string  `json:"descriptor" validate:"notblank,max=200"`
	Attitude   int     `json:"attitude" validate:"min=1,max=5"`
	Proximity  int     `json:"proximity" validate:"min=1,max=5"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
	Provenance string  `json:"provenance,omitempty" validate:"max=500"`
}

// UpdateRequest carries the fields to change; nil fields are kept
type UpdateRequest struct {
	Descriptor *string  `json:"descriptor,omitempty"`
	Attitude   *int     `json:"attitude,omitempty"`
	Proximity  *int     `json:"proximity,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Builder creates and maintains typed relationships between resolved nodes
type Builder struct {
	store    graph.Store
	embedder Embedder
	locker   Locker
	notes    config.NotesTuning
	metrics  *metrics.Collector
	logger   *zap.Logger
	now      func() time.Time
}

// NewBuilder creates a builder. A nil locker falls back to in-process
// locks. Every edge needs a signature, so a builder without an embedder
// refuses to create or update edges.
func NewBuilder(store graph.Store, embedder Embedder, locker Locker, notes config.NotesTuning, collector *metrics.Collector) *Builder {
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Builder{
		store:    store,
		embedder: embedder,
		locker:   locker,
		notes:    notes,
		metrics:  collector,
		logger:   logger.Named("relationship_builder"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// endpoints loads both nodes and derives the edge type from their kinds
func (b *Builder) endpoints(ctx context.Context, ownerID, fromKey, toKey string) (graph.EdgeType, error) {
	if strings.TrimSpace(ownerID) == "" {
		return "", apperrors.NewValidation("owner_id", "cannot be empty")
	}
	if fromKey == "" || toKey == "" {
		return "", apperrors.NewValidation("endpoints", "from and to keys are required")
	}
	if fromKey == toKey {
		return "", apperrors.NewValidation("endpoints", "a node cannot relate to itself")
	}
	from, err := b.store.GetNode(ctx, ownerID, fromKey)
	if err != nil {
		return "", err
	}
	to, err := b.store.GetNode(ctx, ownerID, toKey)
	if err != nil {
		return "", err
	}
	return graph.EdgeTypeFor(from.Kind, to.Kind)
}

func (b *Builder) signature(ctx context.Context, text string) ([]float32, error) {
	if b.embedder == nil {
		return nil, apperrors.NewConfigMissingRequired("relationship embedder")
	}
	vector, err := b.embedder.Embed(ctx, text)
	if err != nil {
		if _, ok := err.(interface{ Kind() apperrors.ErrorType }); ok {
			return nil, err
		}
		return nil, apperrors.NewExternalService("embedding", "embed", err)
	}
	if len(vector) == 0 {
		return nil, apperrors.NewExternalService("embedding", "embed", errors.New("empty vector"))
	}
	return vector, nil
}

func (b *Builder) startSpan(ctx context.Context, name, ownerID, fromKey, toKey string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("owner_id", ownerID),
		attribute.String("from_key", fromKey),
		attribute.String("to_key", toKey),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CreateRelationship creates the edge between an ordered pair. Its type
// follows from the endpoint kinds. An existing edge of that type is a
// duplicate; callers use UpdateRelationship instead.
func (b *Builder) CreateRelationship(ctx context.Context, ownerID, fromKey, toKey string, props RelationshipProps) (ref graph.EdgeRef, err error) {
	ctx, span := b.startSpan(ctx, "relationship.Create", ownerID, fromKey, toKey)
	defer func() { endSpan(span, err) }()

	if err := validation.Struct("relationship", props); err != nil {
		return graph.EdgeRef{}, err
	}
	edgeType, err := b.endpoints(ctx, ownerID, fromKey, toKey)
	if err != nil {
		return graph.EdgeRef{}, err
	}
	span.SetAttributes(attribute.String("type", string(edgeType)))

	unlock, err := b.locker.Lock(ctx, PairKey(ownerID, fromKey, toKey, edgeType))
	if err != nil {
		return graph.EdgeRef{}, err
	}
	defer unlock()

	existing, err := b.store.GetEdge(ctx, ownerID, fromKey, toKey, edgeType)
	if err != nil {
		b.metrics.RecordEdge(string(edgeType), OutcomeFailed)
		return graph.EdgeRef{}, err
	}
	if existing != nil {
		b.metrics.RecordEdge(string(edgeType), OutcomeDuplicate)
		return graph.EdgeRef{}, apperrors.NewDuplicateRelationship(string(edgeType), fromKey, toKey)
	}

	phrase, err := Phrase(edgeType, props.Descriptor, props.Attitude, props.Proximity)
	if err != nil {
		return graph.EdgeRef{}, err
	}
	signature, err := b.signature(ctx, phrase)
	if err != nil {
		b.metrics.RecordEdge(string(edgeType), OutcomeFailed)
		return graph.EdgeRef{}, err
	}

	now := b.now()
	edge := &graph.Edge{
		Key:               graph.DeriveEdgeKey(ownerID, fromKey, toKey, edgeType),
		OwnerID:           ownerID,
		FromKey:           fromKey,
		ToKey:             toKey,
		Type:              edgeType,
		Descriptor:        strings.TrimSpace(props.Descriptor),
		Attitude:          props.Attitude,
		Proximity:         props.Proximity,
		SemanticSignature: signature,
		Confidence:        props.Confidence,
		Provenance:        props.Provenance,
		SalienceState:     graph.FreshSalience(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	created, err := b.store.CreateEdge(ctx, edge)
	if err != nil {
		outcome := OutcomeFailed
		if apperrors.IsErrorType(err, apperrors.ErrorTypeDuplicate) {
			outcome = OutcomeDuplicate
		}
		b.metrics.RecordEdge(string(edgeType), outcome)
		return graph.EdgeRef{}, err
	}

	b.metrics.RecordEdge(string(edgeType), OutcomeCreated)
	b.logger.Debug("Relationship created",
		zap.String("owner_id", ownerID),
		zap.String("type", string(edgeType)),
		zap.String("phrase", phrase),
	)
	return created.Ref(), nil
}

// UpdateRelationship changes an existing edge. The semantic signature is
// regenerated only when the descriptor, attitude or proximity actually
// changed; the returned flag says whether it was.
func (b *Builder) UpdateRelationship(ctx context.Context, ownerID, fromKey, toKey string, req UpdateRequest) (ref graph.EdgeRef, regenerated bool, err error) {
	ctx, span := b.startSpan(ctx, "relationship.Update", ownerID, fromKey, toKey)
	defer func() {
		span.SetAttributes(attribute.Bool("regenerated", regenerated))
		endSpan(span, err)
	}()

	if req.Descriptor != nil && strings.TrimSpace(*req.Descriptor) == "" {
		return graph.EdgeRef{}, false, apperrors.NewValidation("descriptor", "cannot be empty")
	}
	if req.Attitude != nil {
		if err := ValidateScale("attitude", *req.Attitude); err != nil {
			return graph.EdgeRef{}, false, err
		}
	}
	if req.Proximity != nil {
		if err := ValidateScale("proximity", *req.Proximity); err != nil {
			return graph.EdgeRef{}, false, err
		}
	}
	if req.Confidence != nil && (*req.Confidence < 0 || *req.Confidence > 1) {
		return graph.EdgeRef{}, false, apperrors.NewValidation("confidence", "must be between 0 and 1")
	}

	edgeType, err := b.endpoints(ctx, ownerID, fromKey, toKey)
	if err != nil {
		return graph.EdgeRef{}, false, err
	}
	unlock, err := b.locker.Lock(ctx, PairKey(ownerID, fromKey, toKey, edgeType))
	if err != nil {
		return graph.EdgeRef{}, false, err
	}
	defer unlock()

	edge, err := b.store.GetEdge(ctx, ownerID, fromKey, toKey, edgeType)
	if err != nil {
		return graph.EdgeRef{}, false, err
	}
	if edge == nil {
		return graph.EdgeRef{}, false, apperrors.NewNotFound("relationship", graph.DeriveEdgeKey(ownerID, fromKey, toKey, edgeType))
	}

	changed := false
	if req.Descriptor != nil {
		if d := strings.TrimSpace(*req.Descriptor); d != edge.Descriptor {
			edge.Descriptor = d
			changed = true
		}
	}
	if req.Attitude != nil && *req.Attitude != edge.Attitude {
		edge.Attitude = *req.Attitude
		changed = true
	}
	if req.Proximity != nil && *req.Proximity != edge.Proximity {
		edge.Proximity = *req.Proximity
		changed = true
	}
	if req.Confidence != nil {
		edge.Confidence = *req.Confidence
	}

	if changed {
		phrase, err := Phrase(edgeType, edge.Descriptor, edge.Attitude, edge.Proximity)
		if err != nil {
			return graph.EdgeRef{}, false, err
		}
		signature, err := b.signature(ctx, phrase)
		if err != nil {
			return graph.EdgeRef{}, false, err
		}
		edge.SemanticSignature = signature
		regenerated = true
	}
	edge.UpdatedAt = b.now()

	updated, err := b.store.UpdateEdge(ctx, edge)
	if err != nil {
		b.metrics.RecordEdge(string(edgeType), OutcomeFailed)
		return graph.EdgeRef{}, false, err
	}
	b.metrics.RecordEdge(string(edgeType), OutcomeUpdated)
	return updated.Ref(), regenerated, nil
}

// AddNote appends a note to an existing edge and regenerates the notes
// signature. Expired notes are pruned first, then the oldest, to stay
// within the note limit.
func (b *Builder) AddNote(ctx context.Context, ownerID, fromKey, toKey, text, author string, lifetime Lifetime) (ref graph.EdgeRef, err error) {
	ctx, span := b.startSpan(ctx, "relationship.AddNote", ownerID, fromKey, toKey)
	defer func() { endSpan(span, err) }()

	content := strings.TrimSpace(text)
	if content == "" {
		return graph.EdgeRef{}, apperrors.NewValidation("note", "cannot be empty")
	}
	if b.notes.MaxNoteChars > 0 && utf8.RuneCountInString(content) > b.notes.MaxNoteChars {
		return graph.EdgeRef{}, apperrors.NewValidation("note", "longer than the note limit")
	}
	if _, err := lifetime.Duration(); err != nil {
		return graph.EdgeRef{}, err
	}

	edgeType, err := b.endpoints(ctx, ownerID, fromKey, toKey)
	if err != nil {
		return graph.EdgeRef{}, err
	}
	unlock, err := b.locker.Lock(ctx, PairKey(ownerID, fromKey, toKey, edgeType))
	if err != nil {
		return graph.EdgeRef{}, err
	}
	defer unlock()

	edge, err := b.store.GetEdge(ctx, ownerID, fromKey, toKey, edgeType)
	if err != nil {
		return graph.EdgeRef{}, err
	}
	if edge == nil {
		return graph.EdgeRef{}, apperrors.NewNotFound("relationship", graph.DeriveEdgeKey(ownerID, fromKey, toKey, edgeType))
	}

	now := b.now()
	note := graph.Note{Content: content, Author: author, CreatedAt: now}
	note.ExpiresAt, _ = lifetime.ExpiresAt(now)
	edge.Notes = AppendNote(edge.Notes, note, b.notes.MaxNotes, now)

	signature, err := b.signature(ctx, NotesText(edge.Notes, b.notes.SignatureChars))
	if err != nil {
		return graph.EdgeRef{}, err
	}
	edge.NotesSignature = signature
	edge.UpdatedAt = now

	updated, err := b.store.UpdateEdge(ctx, edge)
	if err != nil {
		return graph.EdgeRef{}, err
	}
	b.metrics.RecordNote()
	return updated.Ref(), nil
}
