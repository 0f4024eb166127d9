package ingest

import (
	"context"
	"time"

	"kgraph/backend/internal/graph"
	"kgraph/backend/internal/relationship"
	"kgraph/backend/internal/resolver"
)

// Phase names one step of the per-chunk pipeline
type Phase string

const (
	PhaseClean              Phase = "clean"
	PhaseExtract            Phase = "extract"
	PhaseCreateSourceNode   Phase = "create_source_node"
	PhaseBuildRelationships Phase = "build_relationships"
	PhaseLinkMentions       Phase = "link_mentions"
)

// Phases lists the pipeline in execution order
var Phases = []Phase{
	PhaseClean,
	PhaseExtract,
	PhaseCreateSourceNode,
	PhaseBuildRelationships,
	PhaseLinkMentions,
}

// Cleaner normalizes raw transcript text. It must be pure and idempotent.
type Cleaner interface {
	Clean(ctx context.Context, text string) (string, error)
}

// Extractor finds candidate mentions in cleaned text
type Extractor interface {
	Extract(ctx context.Context, text string) ([]graph.CandidateMention, error)
}

// Proposer decides which pairs of resolved entities to connect
type Proposer interface {
	Propose(ctx context.Context, text string, entities []Entity) ([]Proposal, error)
}

// MergeJudge decides whether a non-exact resolution merges into an existing
// node. It returns the key to merge into, or false to create a new node.
type MergeJudge interface {
	Decide(candidate graph.CandidateMention, res *resolver.Resolution) (string, bool)
}

// Entity is a node the chunk resolved or created
type Entity struct {
	Key     string     `json:"key"`
	Name    string     `json:"name"`
	Kind    graph.Kind `json:"kind"`
	Created bool       `json:"created"`
	Tier    string     `json:"tier,omitempty"`
}

// Proposal asks for a relationship between two entities. From and To name
// entities by display name or key.
type Proposal struct {
	From       string                `json:"from"`
	To         string                `json:"to"`
	Descriptor string                `json:"descriptor"`
	Attitude   int                   `json:"attitude"`
	Proximity  int                   `json:"proximity"`
	Confidence float64               `json:"confidence"`
	Note       string                `json:"note,omitempty"`
	Lifetime   relationship.Lifetime `json:"lifetime,omitempty"`
}

// Chunk is one slice of a conversation
type Chunk struct {
	ConversationID string `json:"conversation_id"`
	Index          int    `json:"index"`
	Text           string `json:"text"`
}

// PairResult is the outcome of one proposed relationship
type PairResult struct {
	From    string         `json:"from"`
	To      string         `json:"to"`
	Edge    *graph.EdgeRef `json:"edge,omitempty"`
	Updated bool           `json:"updated,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Timings records how long each phase ran
type Timings map[Phase]time.Duration

// ChunkResult is the record of processing one chunk. A failed chunk keeps
// the timings of the phases that ran and the error of the one that failed.
type ChunkResult struct {
	ConversationID string        `json:"conversation_id"`
	Index          int           `json:"index"`
	Succeeded      bool          `json:"succeeded"`
	FailedPhase    Phase         `json:"failed_phase,omitempty"`
	Error          string        `json:"error,omitempty"`
	SourceKey      string        `json:"source_key,omitempty"`
	Entities       []Entity      `json:"entities,omitempty"`
	EntityErrors   []string      `json:"entity_errors,omitempty"`
	Pairs          []PairResult  `json:"pairs,omitempty"`
	Relationships  int           `json:"relationships"`
	Mentions       int           `json:"mentions"`
	Timings        Timings       `json:"timings_ns"`
	Duration       time.Duration `json:"duration_ns"`
}

// ChunkError identifies a failed chunk in the conversation aggregate
type ChunkError struct {
	Index   int    `json:"index"`
	Phase   Phase  `json:"phase"`
	Message string `json:"message"`
}

// ConversationResult aggregates the chunks of one conversation. Entity and
// relationship counts cover successful chunks only.
type ConversationResult struct {
	ID            string        `json:"id"`
	OwnerID       string        `json:"owner_id"`
	Chunks        []ChunkResult `json:"chunks"`
	Succeeded     int           `json:"succeeded"`
	Failed        int           `json:"failed"`
	Entities      int           `json:"entities"`
	Relationships int           `json:"relationships"`
	Errors        []ChunkError  `json:"errors"`
	Duration      time.Duration `json:"duration_ns"`
}

// Aggregate recomputes the conversation totals from its chunks
func (c *ConversationResult) Aggregate() {
	c.Succeeded, c.Failed, c.Entities, c.Relationships = 0, 0, 0, 0
	c.Errors = make([]ChunkError, 0)
	for _, ch := range c.Chunks {
		if !ch.Succeeded {
			c.Failed++
			c.Errors = append(c.Errors, ChunkError{Index: ch.Index, Phase: ch.FailedPhase, Message: ch.Error})
			continue
		}
		c.Succeeded++
		c.Entities += len(ch.Entities)
		c.Relationships += ch.Relationships
	}
}
