package relationship

import (
	"sort"
	"strings"
	"time"

	"kgraph/backend/internal/graph"
	apperrors "kgraph/backend/pkg/errors"
)

// Lifetime is how long a note stays relevant
type Lifetime string

const (
	LifetimeWeek    Lifetime = "week"
	LifetimeMonth   Lifetime = "month"
	LifetimeYear    Lifetime = "year"
	LifetimeForever Lifetime = "forever"
)

var lifetimes = map[Lifetime]time.Duration{
	LifetimeWeek:    7 * 24 * time.Hour,
	LifetimeMonth:   30 * 24 * time.Hour,
	LifetimeYear:    365 * 24 * time.Hour,
	LifetimeForever: 0,
}

// Duration returns the lifetime length; zero means forever
func (l Lifetime) Duration() (time.Duration, error) {
	d, ok := lifetimes[l]
	if !ok {
		return 0, apperrors.NewValidation("lifetime", "must be one of week, month, year, forever")
	}
	return d, nil
}

// ExpiresAt returns the expiry of a note written at now, nil for forever
func (l Lifetime) ExpiresAt(now time.Time) (*time.Time, error) {
	d, err := l.Duration()
	if err != nil {
		return nil, err
	}
	if d == 0 {
		return nil, nil
	}
	at := now.Add(d)
	return &at, nil
}

// AppendNote adds note to notes, dropping expired notes and then the oldest
// until at most max remain. The input slice is not modified.
func AppendNote(notes []graph.Note, note graph.Note, max int, now time.Time) []graph.Note {
	kept := make([]graph.Note, 0, len(notes)+1)
	for _, n := range notes {
		if !n.Expired(now) {
			kept = append(kept, n)
		}
	}
	kept = append(kept, note)

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].CreatedAt.Before(kept[j].CreatedAt) })
	if max > 0 && len(kept) > max {
		kept = kept[len(kept)-max:]
	}
	return kept
}

// NotesText joins note contents for embedding, cut to limit runes
func NotesText(notes []graph.Note, limit int) string {
	parts := make([]string, 0, len(notes))
	for _, n := range notes {
		parts = append(parts, n.Content)
	}
	text := strings.Join(parts, "\n")
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) > limit {
		return string(runes[:limit])
	}
	return text
}
