package salience

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kgraph/backend/internal/graph"
	"kgraph/backend/pkg/config"
	apperrors "kgraph/backend/pkg/errors"
)

func newTracker(t *testing.T) (*Tracker, *graph.MemoryStore, time.Time) {
	t.Helper()
	store := graph.NewMemoryStore()
	tr := NewTracker(store, config.DefaultTuning().Salience, nil)
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	return tr, store, now
}

func addNode(t *testing.T, store *graph.MemoryStore, name string, created time.Time) *graph.Node {
	t.Helper()
	n, err := graph.NewNode("owner", graph.KindConcept, name, "", "", created)
	require.NoError(t, err)
	saved, _, err := store.UpsertNode(context.Background(), n)
	require.NoError(t, err)
	return saved
}

func TestTouch_StateProgression(t *testing.T) {
	tr, store, now := newTracker(t)
	n := addNode(t, store, "Graphs", now)

	stats, err := tr.Touch(context.Background(), "owner", n.Key)
	require.NoError(t, err)
	assert.Equal(t, graph.StateActive, stats.State)
	assert.Equal(t, int64(1), stats.AccessCount)
	assert.Equal(t, int64(1), stats.RecallFrequency)
	assert.InDelta(t, 0.575, stats.Salience, 1e-9)
	require.NotNil(t, stats.LastAccessedAt)
	assert.Equal(t, now, *stats.LastAccessedAt)

	for i := 0; i < 9; i++ {
		stats, err = tr.Touch(context.Background(), "owner", n.Key)
		require.NoError(t, err)
	}
	assert.Equal(t, graph.StateCore, stats.State)
	assert.Equal(t, 1.0, stats.Salience, "salience is capped")
}

func TestTouch_NeverDecreasesSalience(t *testing.T) {
	tr, store, now := newTracker(t)
	n := addNode(t, store, "Graphs", now)

	prev := n.Salience
	for i := 0; i < 15; i++ {
		stats, err := tr.Touch(context.Background(), "owner", n.Key)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, stats.Salience, prev)
		prev = stats.Salience
	}
}

func TestTouchBatch_MatchesSingle(t *testing.T) {
	trA, storeA, now := newTracker(t)
	trB, storeB, _ := newTracker(t)
	a := addNode(t, storeA, "Graphs", now)
	addNode(t, storeB, "Graphs", now)

	for i := 0; i < 3; i++ {
		_, err := trA.Touch(context.Background(), "owner", a.Key)
		require.NoError(t, err)
		_, err = trB.TouchBatch(context.Background(), "owner", []string{a.Key})
		require.NoError(t, err)
	}

	gotA, _ := storeA.GetNode(context.Background(), "owner", a.Key)
	gotB, _ := storeB.GetNode(context.Background(), "owner", a.Key)
	assert.Equal(t, gotA.SalienceState, gotB.SalienceState)
}

func TestTouchBatch_CollapsesDuplicates(t *testing.T) {
	tr, store, now := newTracker(t)
	a := addNode(t, store, "Graphs", now)
	b := addNode(t, store, "Trees", now)

	stats, err := tr.TouchBatch(context.Background(), "owner", []string{a.Key, b.Key, a.Key, ""})
	require.NoError(t, err)
	require.Len(t, stats, 2)
	for _, s := range stats {
		assert.Equal(t, int64(1), s.AccessCount)
	}
}

func TestTouchBatch_PartialFailure(t *testing.T) {
	tr, store, now := newTracker(t)
	a := addNode(t, store, "Graphs", now)

	stats, err := tr.TouchBatch(context.Background(), "owner", []string{a.Key, "missing"})
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypePartial))
	require.Len(t, stats, 1)
	assert.Equal(t, a.Key, stats[0].Key)
}

func TestTouch_ConcurrentCountsAreExact(t *testing.T) {
	tr, store, now := newTracker(t)
	a := addNode(t, store, "Graphs", now)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = tr.Touch(context.Background(), "owner", a.Key)
			} else {
				_, _ = tr.TouchBatch(context.Background(), "owner", []string{a.Key})
			}
		}(i)
	}
	wg.Wait()

	got, _ := store.GetNode(context.Background(), "owner", a.Key)
	assert.Equal(t, int64(50), got.AccessCount)
	assert.Equal(t, int64(50), got.RecallFrequency)
}

func TestTouch_Validation(t *testing.T) {
	tr, _, _ := newTracker(t)

	_, err := tr.Touch(context.Background(), "", "k")
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation))

	_, err = tr.Touch(context.Background(), "owner", "missing")
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeNotFound))

	stats, err := tr.TouchBatch(context.Background(), "owner", nil)
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestSweep_DecaysAndArchives(t *testing.T) {
	tr, store, now := newTracker(t)
	stale := addNode(t, store, "Stale", now.Add(-365*24*time.Hour))
	fresh := addNode(t, store, "Fresh", now)

	report, err := tr.Sweep(context.Background(), "owner")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Decayed)
	assert.Equal(t, 1, report.Archived)

	got, _ := store.GetNode(context.Background(), "owner", stale.Key)
	assert.Equal(t, graph.StateArchived, got.State)
	assert.Greater(t, got.DecayGradient, 0.0)

	got, _ = store.GetNode(context.Background(), "owner", fresh.Key)
	assert.Equal(t, graph.DefaultSalience, got.Salience)

	// An access revives an archived item
	stats, err := tr.Touch(context.Background(), "owner", stale.Key)
	require.NoError(t, err)
	assert.Equal(t, graph.StateActive, stats.State)
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, Dedupe([]string{"a", "", "b", "a"}))
	assert.Empty(t, Dedupe(nil))
}
