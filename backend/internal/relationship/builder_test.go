package relationship

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kgraph/backend/internal/graph"
	"kgraph/backend/pkg/config"
	apperrors "kgraph/backend/pkg/errors"
)

// Mock embedder that records the texts it was asked to embed
type mockEmbedder struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.texts = append(m.texts, text)
	return []float32{float32(len(text)), 1, 0}, nil
}

func (m *mockEmbedder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.texts)
}

func (m *mockEmbedder) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.texts[len(m.texts)-1]
}

type fixture struct {
	store    *graph.MemoryStore
	embedder *mockEmbedder
	builder  *Builder
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := graph.NewMemoryStore()
	emb := &mockEmbedder{}
	b := NewBuilder(store, emb, nil, config.DefaultTuning().Notes, nil)
	f := &fixture{store: store, embedder: emb, builder: b, now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	b.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) node(t *testing.T, kind graph.Kind, name string) *graph.Node {
	t.Helper()
	n, err := graph.NewNode("owner", kind, name, "", "test", f.now)
	require.NoError(t, err)
	saved, _, err := f.store.UpsertNode(context.Background(), n)
	require.NoError(t, err)
	return saved
}

func props(descriptor string, attitude, proximity int) RelationshipProps {
	return RelationshipProps{Descriptor: descriptor, Attitude: attitude, Proximity: proximity, Confidence: 0.8, Provenance: "chunk-1"}
}

func TestCreateRelationship_TypeFromKinds(t *testing.T) {
	f := newFixture(t)
	alice := f.node(t, graph.KindPerson, "Alice")
	physics := f.node(t, graph.KindConcept, "Physics")

	ref, err := f.builder.CreateRelationship(context.Background(), "owner", alice.Key, physics.Key, props("studies", 5, 5))
	require.NoError(t, err)
	assert.Equal(t, graph.EdgeEngagesWith, ref.Type)
	assert.Equal(t, graph.DeriveEdgeKey("owner", alice.Key, physics.Key, graph.EdgeEngagesWith), ref.Key)

	edge, err := f.store.GetEdge(context.Background(), "owner", alice.Key, physics.Key, graph.EdgeEngagesWith)
	require.NoError(t, err)
	require.NotNil(t, edge)
	assert.NotEmpty(t, edge.SemanticSignature)
	assert.Equal(t, "studies passionate expert", f.embedder.last())

	// Fresh salience, same as a new node
	assert.Equal(t, graph.DefaultSalience, edge.Salience)
	assert.Equal(t, graph.StateCandidate, edge.State)
	assert.Zero(t, edge.AccessCount)
	assert.Zero(t, edge.RecallFrequency)
}

func TestCreateRelationship_DuplicateRejected(t *testing.T) {
	f := newFixture(t)
	a := f.node(t, graph.KindPerson, "Alice")
	b := f.node(t, graph.KindPerson, "Bob")

	_, err := f.builder.CreateRelationship(context.Background(), "owner", a.Key, b.Key, props("friend", 4, 3))
	require.NoError(t, err)

	_, err = f.builder.CreateRelationship(context.Background(), "owner", a.Key, b.Key, props("colleague", 3, 2))
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeDuplicate))

	// The reverse direction is a different ordered pair
	_, err = f.builder.CreateRelationship(context.Background(), "owner", b.Key, a.Key, props("friend", 4, 3))
	assert.NoError(t, err)
}

func TestCreateRelationship_ConcurrentSamePair(t *testing.T) {
	f := newFixture(t)
	a := f.node(t, graph.KindEntity, "Acme")
	b := f.node(t, graph.KindEntity, "Globex")

	var created, duplicates int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.builder.CreateRelationship(context.Background(), "owner", a.Key, b.Key, props("competes with", 2, 3))
			switch {
			case err == nil:
				atomic.AddInt32(&created, 1)
			case apperrors.IsErrorType(err, apperrors.ErrorTypeDuplicate):
				atomic.AddInt32(&duplicates, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created)
	assert.Equal(t, int32(9), duplicates)
}

func TestCreateRelationship_UnsupportedPair(t *testing.T) {
	f := newFixture(t)
	physics := f.node(t, graph.KindConcept, "Physics")
	alice := f.node(t, graph.KindPerson, "Alice")

	_, err := f.builder.CreateRelationship(context.Background(), "owner", physics.Key, alice.Key, props("studied by", 3, 3))
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeUnsupportedPair))
}

func TestCreateRelationship_Validation(t *testing.T) {
	f := newFixture(t)
	a := f.node(t, graph.KindPerson, "Alice")
	b := f.node(t, graph.KindPerson, "Bob")

	cases := []RelationshipProps{
		props("friend", 0, 3),
		props("friend", 3, 6),
		props("  ", 3, 3),
		{Descriptor: "friend", Attitude: 3, Proximity: 3, Confidence: 1.5},
	}
	for _, p := range cases {
		_, err := f.builder.CreateRelationship(context.Background(), "owner", a.Key, b.Key, p)
		assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation), "%+v", p)
	}
	assert.Zero(t, f.embedder.count())
}

func TestCreateRelationship_MissingEndpoint(t *testing.T) {
	f := newFixture(t)
	a := f.node(t, graph.KindPerson, "Alice")

	_, err := f.builder.CreateRelationship(context.Background(), "owner", a.Key, "missing", props("friend", 3, 3))
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeNotFound))

	// Nodes of another owner are invisible
	_, err = f.builder.CreateRelationship(context.Background(), "intruder", a.Key, a.Key, props("friend", 3, 3))
	assert.Error(t, err)
}

func TestCreateRelationship_EmbeddingFailureIsExternal(t *testing.T) {
	f := newFixture(t)
	a := f.node(t, graph.KindPerson, "Alice")
	b := f.node(t, graph.KindPerson, "Bob")
	f.embedder.err = errors.New("provider down")

	_, err := f.builder.CreateRelationship(context.Background(), "owner", a.Key, b.Key, props("friend", 3, 3))
	assert.True(t, apperrors.IsRetryable(err))

	edge, err := f.store.GetEdge(context.Background(), "owner", a.Key, b.Key, graph.EdgeKnows)
	require.NoError(t, err)
	assert.Nil(t, edge)
}

func TestCreateRelationship_RequiresEmbedder(t *testing.T) {
	f := newFixture(t)
	a := f.node(t, graph.KindPerson, "Alice")
	b := f.node(t, graph.KindPerson, "Bob")
	f.builder.embedder = nil

	_, err := f.builder.CreateRelationship(context.Background(), "owner", a.Key, b.Key, props("friend", 3, 3))
	assert.True(t, apperrors.IsFatal(err))

	edge, err := f.store.GetEdge(context.Background(), "owner", a.Key, b.Key, graph.EdgeKnows)
	require.NoError(t, err)
	assert.Nil(t, edge)
}

func TestCreateRelationship_SignatureStored(t *testing.T) {
	f := newFixture(t)
	a := f.node(t, graph.KindPerson, "Alice")
	b := f.node(t, graph.KindPerson, "Bob")

	_, err := f.builder.CreateRelationship(context.Background(), "owner", a.Key, b.Key, props("friend", 3, 3))
	require.NoError(t, err)

	edge, err := f.store.GetEdge(context.Background(), "owner", a.Key, b.Key, graph.EdgeKnows)
	require.NoError(t, err)
	require.NotNil(t, edge)
	assert.NotEmpty(t, edge.SemanticSignature)
}

func TestUpdateRelationship_RegeneratesOnlyOnChange(t *testing.T) {
	f := newFixture(t)
	a := f.node(t, graph.KindPerson, "Alice")
	acme := f.node(t, graph.KindEntity, "Acme")

	_, err := f.builder.CreateRelationship(context.Background(), "owner", a.Key, acme.Key, props("works at", 4, 4))
	require.NoError(t, err)
	calls := f.embedder.count()

	// Confidence alone never touches the signature
	confidence := 0.95
	f.now = f.now.Add(time.Hour)
	_, regenerated, err := f.builder.UpdateRelationship(context.Background(), "owner", a.Key, acme.Key, UpdateRequest{Confidence: &confidence})
	require.NoError(t, err)
	assert.False(t, regenerated)
	assert.Equal(t, calls, f.embedder.count())

	edge, _ := f.store.GetEdge(context.Background(), "owner", a.Key, acme.Key, graph.EdgeAssociatedWith)
	assert.Equal(t, 0.95, edge.Confidence)
	assert.Equal(t, f.now, edge.UpdatedAt)

	// Same values count as no change
	same := 4
	_, regenerated, err = f.builder.UpdateRelationship(context.Background(), "owner", a.Key, acme.Key, UpdateRequest{Attitude: &same})
	require.NoError(t, err)
	assert.False(t, regenerated)

	descriptor := "founded"
	proximity := 5
	_, regenerated, err = f.builder.UpdateRelationship(context.Background(), "owner", a.Key, acme.Key, UpdateRequest{Descriptor: &descriptor, Proximity: &proximity})
	require.NoError(t, err)
	assert.True(t, regenerated)
	assert.Equal(t, "founded favorable central", f.embedder.last())
}

func TestUpdateRelationship_Missing(t *testing.T) {
	f := newFixture(t)
	a := f.node(t, graph.KindPerson, "Alice")
	b := f.node(t, graph.KindPerson, "Bob")

	attitude := 3
	_, _, err := f.builder.UpdateRelationship(context.Background(), "owner", a.Key, b.Key, UpdateRequest{Attitude: &attitude})
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeNotFound))

	bad := 9
	_, _, err = f.builder.UpdateRelationship(context.Background(), "owner", a.Key, b.Key, UpdateRequest{Attitude: &bad})
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation))
}

func TestAddNote(t *testing.T) {
	f := newFixture(t)
	a := f.node(t, graph.KindPerson, "Alice")
	b := f.node(t, graph.KindPerson, "Bob")
	_, err := f.builder.CreateRelationship(context.Background(), "owner", a.Key, b.Key, props("sibling", 5, 5))
	require.NoError(t, err)

	_, err = f.builder.AddNote(context.Background(), "owner", a.Key, b.Key, "visited in May", "ingest", LifetimeWeek)
	require.NoError(t, err)

	edge, _ := f.store.GetEdge(context.Background(), "owner", a.Key, b.Key, graph.EdgeKnows)
	require.Len(t, edge.Notes, 1)
	assert.Equal(t, "visited in May", edge.Notes[0].Content)
	require.NotNil(t, edge.Notes[0].ExpiresAt)
	assert.Equal(t, f.now.Add(7*24*time.Hour), *edge.Notes[0].ExpiresAt)
	assert.NotEmpty(t, edge.NotesSignature)
	assert.Equal(t, "visited in May", f.embedder.last())
}

func TestAddNote_PrunesExpiredThenOldest(t *testing.T) {
	f := newFixture(t)
	a := f.node(t, graph.KindConcept, "Go")
	b := f.node(t, graph.KindConcept, "Concurrency")
	_, err := f.builder.CreateRelationship(context.Background(), "owner", a.Key, b.Key, props("enables", 4, 5))
	require.NoError(t, err)

	_, err = f.builder.AddNote(context.Background(), "owner", a.Key, b.Key, "short lived", "", LifetimeWeek)
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		f.now = f.now.Add(24 * time.Hour)
		_, err = f.builder.AddNote(context.Background(), "owner", a.Key, b.Key, strings.Repeat("x", i+1), "", LifetimeForever)
		require.NoError(t, err)
	}

	edge, _ := f.store.GetEdge(context.Background(), "owner", a.Key, b.Key, graph.EdgeRelatedTo)
	require.Len(t, edge.Notes, 20)
	for _, n := range edge.Notes {
		assert.NotEqual(t, "short lived", n.Content)
	}
	assert.Equal(t, strings.Repeat("x", 6), edge.Notes[0].Content)
	assert.Equal(t, strings.Repeat("x", 25), edge.Notes[19].Content)
	assert.LessOrEqual(t, len([]rune(f.embedder.last())), 1000)
}

func TestAddNote_Validation(t *testing.T) {
	f := newFixture(t)
	a := f.node(t, graph.KindPerson, "Alice")
	b := f.node(t, graph.KindPerson, "Bob")

	_, err := f.builder.AddNote(context.Background(), "owner", a.Key, b.Key, "", "", LifetimeWeek)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation))

	_, err = f.builder.AddNote(context.Background(), "owner", a.Key, b.Key, strings.Repeat("y", 501), "", LifetimeWeek)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation))

	_, err = f.builder.AddNote(context.Background(), "owner", a.Key, b.Key, "fine", "", Lifetime("decade"))
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation))

	_, err = f.builder.AddNote(context.Background(), "owner", a.Key, b.Key, "fine", "", LifetimeYear)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeNotFound))
}
