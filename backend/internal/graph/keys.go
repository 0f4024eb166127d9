package graph

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ============================================================================
// Key Derivation
// ============================================================================

// keyNamespace scopes every derived key; changing it re-keys the whole graph.
var keyNamespace = uuid.MustParse("6f1c7a4e-2b0d-5c8e-9a61-3d4f2e7b9c10")

var whitespaceRe = regexp.MustCompile(`\s+`)

// Normalize produces the canonical identity string of a label
func Normalize(label string) string {
	// Lowercase, trim, remove extra spaces
	label = strings.ToLower(strings.TrimSpace(label))
	label = whitespaceRe.ReplaceAllString(label, " ")
	// Trailing punctuation never distinguishes two mentions
	label = strings.TrimRight(label, ".,!?;:")
	return strings.TrimSpace(label)
}

// DeriveKey returns the stable key of a node. Re-processing the same mention
// for the same owner always yields the same key.
func DeriveKey(ownerID string, kind Kind, name string) string {
	identity := ownerID + "\x00" + string(kind) + "\x00" + Normalize(name)
	return uuid.NewSHA1(keyNamespace, []byte(identity)).String()
}

// DeriveEdgeKey returns the stable key of the edge of a given type between an
// ordered pair. There is at most one such edge, so the key is unique.
func DeriveEdgeKey(ownerID, fromKey, toKey string, edgeType EdgeType) string {
	identity := ownerID + "\x00" + fromKey + "\x00" + string(edgeType) + "\x00" + toKey
	return uuid.NewSHA1(keyNamespace, []byte(identity)).String()
}

// NewSourceKey returns a fresh key for a Source node. Sources are never
// merged: every chunk is a distinct event.
func NewSourceKey() string {
	return uuid.New().String()
}
