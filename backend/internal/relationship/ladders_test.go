package relationship

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kgraph/backend/internal/graph"
	apperrors "kgraph/backend/pkg/errors"
)

func TestEveryEdgeTypeHasALadder(t *testing.T) {
	for _, edgeType := range graph.SemanticEdgeTypes() {
		l, ok := LadderFor(edgeType)
		require.True(t, ok, edgeType)
		for i := 0; i < 5; i++ {
			assert.NotEmpty(t, l.Attitude[i])
			assert.NotEmpty(t, l.Proximity[i])
		}
	}
	_, ok := LadderFor(graph.EdgeMentions)
	assert.False(t, ok)
}

func TestPhrase(t *testing.T) {
	p, err := Phrase(graph.EdgeKnows, " met at work ", 1, 5)
	require.NoError(t, err)
	assert.Equal(t, "met at work hostile intimate-knowledge", p)

	p, err = Phrase(graph.EdgeKnows, "", 3, 1)
	require.NoError(t, err)
	assert.Equal(t, "neutral stranger", p)

	_, err = Phrase(graph.EdgeKnows, "x", 6, 1)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation))
}

func TestAppendNote(t *testing.T) {
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	notes := []graph.Note{
		{Content: "expired", CreatedAt: now.Add(-48 * time.Hour), ExpiresAt: &past},
		{Content: "old", CreatedAt: now.Add(-24 * time.Hour)},
	}

	out := AppendNote(notes, graph.Note{Content: "new", CreatedAt: now}, 2, now)
	require.Len(t, out, 2)
	assert.Equal(t, "old", out[0].Content)
	assert.Equal(t, "new", out[1].Content)
	assert.Len(t, notes, 2, "input untouched")

	out = AppendNote(out, graph.Note{Content: "newer", CreatedAt: now.Add(time.Minute)}, 2, now)
	assert.Equal(t, []string{"new", "newer"}, []string{out[0].Content, out[1].Content})
}

func TestNotesText(t *testing.T) {
	notes := []graph.Note{{Content: "héllo"}, {Content: "world"}}
	assert.Equal(t, "héllo\nworld", NotesText(notes, 0))
	assert.Equal(t, "hél", NotesText(notes, 3))
}

func TestLifetime(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	at, err := LifetimeMonth.ExpiresAt(now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*24*time.Hour), *at)

	at, err = LifetimeForever.ExpiresAt(now)
	require.NoError(t, err)
	assert.Nil(t, at)

	_, err = Lifetime("").Duration()
	assert.Error(t, err)
}

func TestLocalLocker_MutualExclusion(t *testing.T) {
	l := NewLocalLocker()
	var mu sync.Mutex
	inside, maxInside := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "pair")
			require.NoError(t, err)
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside)
	assert.Zero(t, l.held())
}

func TestLocalLocker_DistinctKeysDoNotBlock(t *testing.T) {
	l := NewLocalLocker()
	unlockA, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestLocalLocker_ContextCancel(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "pair")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "pair")
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeContext))

	unlock()
	unlock()
	assert.Zero(t, l.held())
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if testing.Short() || addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	l, err := NewRedisLocker(context.Background(), addr, 5*time.Second)
	require.NoError(t, err)
	defer l.Close()

	key := "test|" + time.Now().Format(time.RFC3339Nano)
	unlock, err := l.Lock(context.Background(), key)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, key)
	assert.Error(t, err)

	unlock()
	unlock2, err := l.Lock(context.Background(), key)
	require.NoError(t, err)
	unlock2()
}
