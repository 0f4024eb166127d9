package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ArtifactWriter writes per-chunk, per-conversation and run summary JSON
// files under one directory
type ArtifactWriter struct {
	dir string
	mu  sync.Mutex
}

// NewArtifactWriter creates dir if needed
func NewArtifactWriter(dir string) (*ArtifactWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir %s: %w", dir, err)
	}
	return &ArtifactWriter{dir: dir}, nil
}

// Dir returns the output directory
func (w *ArtifactWriter) Dir() string {
	return w.dir
}

func (w *ArtifactWriter) WriteChunk(r ChunkResult) error {
	return w.write(fmt.Sprintf("chunk-%s-%d.json", safeName(r.ConversationID), r.Index), r)
}

func (w *ArtifactWriter) WriteConversation(r ConversationResult) error {
	return w.write(fmt.Sprintf("conversation-%s.json", safeName(r.ID)), r)
}

func (w *ArtifactWriter) WriteRunSummary(s RunSummary) error {
	return w.write("run-summary.json", s)
}

// write goes through a temp file so readers never see half a document
func (w *ArtifactWriter) write(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	path := filepath.Join(w.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", name, err)
	}
	return nil
}

func safeName(s string) string {
	if s == "" {
		return "unnamed"
	}
	return unsafeName.ReplaceAllString(s, "_")
}

// RunSummary totals a batch run over many conversations
type RunSummary struct {
	StartedAt       time.Time    `json:"started_at"`
	FinishedAt      time.Time    `json:"finished_at"`
	OwnerID         string       `json:"owner_id"`
	Conversations   int          `json:"conversations"`
	ChunksSucceeded int          `json:"chunks_succeeded"`
	ChunksFailed    int          `json:"chunks_failed"`
	Entities        int          `json:"entities"`
	Relationships   int          `json:"relationships"`
	Failures        []RunFailure `json:"failures"`
}

// RunFailure locates one failed chunk within a run
type RunFailure struct {
	ConversationID string `json:"conversation_id"`
	ChunkError
}

// Summarize totals conversation results
func Summarize(ownerID string, startedAt, finishedAt time.Time, results []ConversationResult) RunSummary {
	s := RunSummary{
		StartedAt:     startedAt,
		FinishedAt:    finishedAt,
		OwnerID:       ownerID,
		Conversations: len(results),
		Failures:      make([]RunFailure, 0),
	}
	for _, r := range results {
		s.ChunksSucceeded += r.Succeeded
		s.ChunksFailed += r.Failed
		s.Entities += r.Entities
		s.Relationships += r.Relationships
		for _, e := range r.Errors {
			s.Failures = append(s.Failures, RunFailure{ConversationID: r.ID, ChunkError: e})
		}
	}
	return s
}
