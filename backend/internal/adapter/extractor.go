package adapter

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"kgraph/backend/internal/graph"
	"kgraph/backend/internal/ingest"
	"kgraph/backend/internal/relationship"
	"kgraph/backend/pkg/logger"
)

// Generator is the slice of LLMAdapter the extractor and proposer need
type Generator interface {
	GenerateInto(ctx context.Context, systemPrompt, userMsg string, tool Tool, out interface{}) error
}

// ============================================================================
// Mention Extraction
// ============================================================================

const extractPrompt = `You read a conversation transcript and list the people, concepts and named entities it mentions.
Kinds:
- Person: a specific human, named or clearly identified ("my sister").
- Concept: an idea, activity, topic or skill (pottery, machine learning).
- Entity: an organization, place, product or other named thing.
Use the most specific name the transcript gives. Keep descriptions to one sentence and
only state what the transcript says. Record each thing once. Call record_mentions.`

var mentionsTool = Tool{
	Type: "function",
	Function: FunctionDefinition{
		Name:        "record_mentions",
		Description: "Record the mentions found in the transcript",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"mentions": map[string]interface{}{
					"type": "array",
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"name":        map[string]interface{}{"type": "string"},
							"kind":        map[string]interface{}{"type": "string", "enum": []string{"Person", "Concept", "Entity"}},
							"description": map[string]interface{}{"type": "string"},
							"excerpt":     map[string]interface{}{"type": "string", "description": "Verbatim text where it is mentioned"},
						},
						"required": []string{"name", "kind"},
					},
				},
			},
			"required": []string{"mentions"},
		},
	},
}

type extractedMention struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
	Excerpt     string `json:"excerpt"`
}

// Extractor finds candidate mentions with an LLM
type Extractor struct {
	llm    Generator
	logger *zap.Logger
}

func NewExtractor(llm Generator) *Extractor {
	return &Extractor{llm: llm, logger: logger.Named("extractor")}
}

func (e *Extractor) Extract(ctx context.Context, text string) ([]graph.CandidateMention, error) {
	var out struct {
		Mentions []extractedMention `json:"mentions"`
	}
	if err := e.llm.GenerateInto(ctx, extractPrompt, text, mentionsTool, &out); err != nil {
		return nil, err
	}

	mentions := make([]graph.CandidateMention, 0, len(out.Mentions))
	for _, m := range out.Mentions {
		kind, err := graph.ParseKind(m.Kind)
		if err != nil || !extractable(kind) {
			e.logger.Debug("Skipping mention with unusable kind",
				zap.String("name", m.Name),
				zap.String("kind", m.Kind),
			)
			continue
		}
		mentions = append(mentions, graph.CandidateMention{
			Name:        strings.TrimSpace(m.Name),
			Description: strings.TrimSpace(m.Description),
			Context:     strings.TrimSpace(m.Excerpt),
			Kind:        kind,
			Span:        locate(text, m.Excerpt, m.Name),
		})
	}
	return mentions, nil
}

func extractable(kind graph.Kind) bool {
	return kind == graph.KindPerson || kind == graph.KindConcept || kind == graph.KindEntity
}

// locate finds the byte span of the excerpt, or of the name, in text
func locate(text string, needles ...string) graph.Span {
	lower := strings.ToLower(text)
	for _, n := range needles {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if i := strings.Index(text, n); i >= 0 {
			return graph.Span{Start: i, End: i + len(n)}
		}
		// Lowercasing keeps byte offsets for ASCII text only
		if len(lower) == len(text) {
			if i := strings.Index(lower, strings.ToLower(n)); i >= 0 {
				return graph.Span{Start: i, End: i + len(n)}
			}
		}
	}
	return graph.Span{}
}

// ============================================================================
// Relationship Proposals
// ============================================================================

const proposePrompt = `You read a conversation transcript and a list of entities found in it.
Propose the relationships the transcript supports between pairs of those entities, from the
first to the second. For each give:
- descriptor: a short verb phrase ("sister of", "studies", "works at").
- attitude: 1 (hostile) to 5 (warm), how the first regards the second.
- proximity: 1 (distant) to 5 (close), how closely they are tied.
- confidence: 0 to 1.
- note: optional, one sentence of context worth remembering.
- lifetime: how long the note stays relevant, one of week, month, year, forever.
Only use entity names from the list. Call record_relationships.`

var relationshipsTool = Tool{
	Type: "function",
	Function: FunctionDefinition{
		Name:        "record_relationships",
		Description: "Record proposed relationships between listed entities",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"relationships": map[string]interface{}{
					"type": "array",
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"from":       map[string]interface{}{"type": "string"},
							"to":         map[string]interface{}{"type": "string"},
							"descriptor": map[string]interface{}{"type": "string"},
							"attitude":   map[string]interface{}{"type": "integer", "minimum": relationship.MinScale, "maximum": relationship.MaxScale},
							"proximity":  map[string]interface{}{"type": "integer", "minimum": relationship.MinScale, "maximum": relationship.MaxScale},
							"confidence": map[string]interface{}{"type": "number"},
							"note":       map[string]interface{}{"type": "string"},
							"lifetime":   map[string]interface{}{"type": "string", "enum": []string{"week", "month", "year", "forever"}},
						},
						"required": []string{"from", "to", "descriptor", "attitude", "proximity"},
					},
				},
			},
			"required": []string{"relationships"},
		},
	},
}

// Proposer asks an LLM which resolved entities to connect
type Proposer struct {
	llm    Generator
	logger *zap.Logger
}

func NewProposer(llm Generator) *Proposer {
	return &Proposer{llm: llm, logger: logger.Named("proposer")}
}

func (p *Proposer) Propose(ctx context.Context, text string, entities []ingest.Entity) ([]ingest.Proposal, error) {
	if len(entities) < 2 {
		return nil, nil
	}

	var b strings.Builder
	b.WriteString("Entities:\n")
	for _, e := range entities {
		fmt.Fprintf(&b, "- %s (%s)\n", e.Name, e.Kind)
	}
	b.WriteString("\nTranscript:\n")
	b.WriteString(text)

	var out struct {
		Relationships []ingest.Proposal `json:"relationships"`
	}
	if err := p.llm.GenerateInto(ctx, proposePrompt, b.String(), relationshipsTool, &out); err != nil {
		return nil, err
	}

	proposals := make([]ingest.Proposal, 0, len(out.Relationships))
	for _, prop := range out.Relationships {
		if strings.EqualFold(strings.TrimSpace(prop.From), strings.TrimSpace(prop.To)) {
			continue
		}
		if prop.Confidence <= 0 || prop.Confidence > 1 {
			prop.Confidence = 0.7
		}
		prop.Attitude = clampScale(prop.Attitude)
		prop.Proximity = clampScale(prop.Proximity)
		proposals = append(proposals, prop)
	}
	p.logger.Debug("Relationships proposed",
		zap.Int("entities", len(entities)),
		zap.Int("proposals", len(proposals)),
	)
	return proposals, nil
}

func clampScale(v int) int {
	if v < relationship.MinScale {
		return relationship.MinScale
	}
	if v > relationship.MaxScale {
		return relationship.MaxScale
	}
	return v
}
