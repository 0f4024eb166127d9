package graph

import (
	"encoding/json"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// ============================================================================
// Helper Functions
// ============================================================================

func getStringFromRecord(record *neo4j.Record, key string) string {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return ""
	}
	if str, ok := val.(string); ok {
		return str
	}
	return ""
}

func getInt64FromRecord(record *neo4j.Record, key string) int64 {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return 0
	}
	if i, ok := val.(int64); ok {
		return i
	}
	if i, ok := val.(int); ok {
		return int64(i)
	}
	return 0
}

func getFloat64FromRecord(record *neo4j.Record, key string) float64 {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return 0.0
	}
	if f, ok := val.(float64); ok {
		return f
	}
	if i, ok := val.(int64); ok {
		return float64(i)
	}
	return 0.0
}

func getBoolFromRecord(record *neo4j.Record, key string) bool {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return false
	}
	b, _ := val.(bool)
	return b
}

func getPropsFromRecord(record *neo4j.Record, key string) map[string]any {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return nil
	}
	switch v := val.(type) {
	case neo4j.Node:
		return v.Props
	case neo4j.Relationship:
		return v.Props
	case map[string]any:
		return v
	}
	return nil
}

func getStringFromMap(m map[string]any, key, defaultValue string) string {
	val, ok := m[key]
	if !ok || val == nil {
		return defaultValue
	}
	if str, ok := val.(string); ok {
		return str
	}
	return defaultValue
}

func getFloat64FromMap(m map[string]any, key string, defaultValue float64) float64 {
	val, ok := m[key]
	if !ok || val == nil {
		return defaultValue
	}
	if f, ok := val.(float64); ok {
		return f
	}
	if i, ok := val.(int64); ok {
		return float64(i)
	}
	return defaultValue
}

func getInt64FromMap(m map[string]any, key string) int64 {
	val, ok := m[key]
	if !ok || val == nil {
		return 0
	}
	if i, ok := val.(int64); ok {
		return i
	}
	if f, ok := val.(float64); ok {
		return int64(f)
	}
	return 0
}

func getBoolFromMap(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

// Neo4j datetime values come back as time.Time
func getTimeFromMap(m map[string]any, key string) time.Time {
	val, ok := m[key]
	if !ok || val == nil {
		return time.Time{}
	}
	switch t := val.(type) {
	case time.Time:
		return t
	case neo4j.LocalDateTime:
		return t.Time()
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err == nil {
			return parsed
		}
	}
	return time.Time{}
}

func getTimePtrFromMap(m map[string]any, key string) *time.Time {
	t := getTimeFromMap(m, key)
	if t.IsZero() {
		return nil
	}
	return &t
}

// Vectors are stored as lists of floats
func getVectorFromMap(m map[string]any, key string) []float32 {
	val, ok := m[key]
	if !ok || val == nil {
		return nil
	}
	switch list := val.(type) {
	case []any:
		out := make([]float32, 0, len(list))
		for _, v := range list {
			switch f := v.(type) {
			case float64:
				out = append(out, float32(f))
			case int64:
				out = append(out, float32(f))
			}
		}
		return out
	case []float64:
		out := make([]float32, len(list))
		for i, f := range list {
			out[i] = float32(f)
		}
		return out
	}
	return nil
}

// Notes are nested objects, which Neo4j cannot store as a property, so they
// travel as a JSON string.
func encodeNotes(notes []Note) string {
	if len(notes) == 0 {
		return "[]"
	}
	data, err := json.Marshal(notes)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeNotes(raw string) []Note {
	if raw == "" {
		return nil
	}
	var notes []Note
	if err := json.Unmarshal([]byte(raw), &notes); err != nil {
		return nil
	}
	return notes
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func salienceFromMap(m map[string]any) SalienceState {
	state := LifecycleState(getStringFromMap(m, "lifecycle_state", string(StateCandidate)))
	return SalienceState{
		Salience:        getFloat64FromMap(m, "salience", DefaultSalience),
		State:           state,
		AccessCount:     getInt64FromMap(m, "access_count"),
		RecallFrequency: getInt64FromMap(m, "recall_frequency"),
		LastAccessedAt:  getTimePtrFromMap(m, "last_accessed_at"),
		DecayGradient:   getFloat64FromMap(m, "decay_gradient", 0),
	}
}

func nodeFromProps(props map[string]any) *Node {
	if props == nil {
		return nil
	}
	return &Node{
		Key:            getStringFromMap(props, "key", ""),
		OwnerID:        getStringFromMap(props, "owner_id", ""),
		Kind:           Kind(getStringFromMap(props, "kind", "")),
		CanonicalLabel: getStringFromMap(props, "canonical_label", ""),
		DisplayLabel:   getStringFromMap(props, "display_label", ""),
		Description:    getStringFromMap(props, "description", ""),
		Confidence:     getFloat64FromMap(props, "confidence", 0),
		Provenance:     getStringFromMap(props, "provenance", ""),
		Embedding:      getVectorFromMap(props, "embedding"),
		IsSelf:         getBoolFromMap(props, "is_self"),
		SalienceState:  salienceFromMap(props),
		CreatedAt:      getTimeFromMap(props, "created_at"),
		UpdatedAt:      getTimeFromMap(props, "updated_at"),
	}
}

func edgeFromProps(props map[string]any, fromKey, toKey string, edgeType EdgeType) *Edge {
	if props == nil {
		return nil
	}
	return &Edge{
		Key:               getStringFromMap(props, "key", ""),
		OwnerID:           getStringFromMap(props, "owner_id", ""),
		FromKey:           fromKey,
		ToKey:             toKey,
		Type:              edgeType,
		Descriptor:        getStringFromMap(props, "descriptor", ""),
		Attitude:          int(getInt64FromMap(props, "attitude")),
		Proximity:         int(getInt64FromMap(props, "proximity")),
		SemanticSignature: getVectorFromMap(props, "semantic_signature"),
		Notes:             decodeNotes(getStringFromMap(props, "notes_json", "")),
		NotesSignature:    getVectorFromMap(props, "notes_signature"),
		Confidence:        getFloat64FromMap(props, "confidence", 0),
		Provenance:        getStringFromMap(props, "provenance", ""),
		SalienceState:     salienceFromMap(props),
		CreatedAt:         getTimeFromMap(props, "created_at"),
		UpdatedAt:         getTimeFromMap(props, "updated_at"),
	}
}
