package relationship

import (
	"strings"

	"kgraph/backend/internal/graph"
	apperrors "kgraph/backend/pkg/errors"
)

// Scale bounds shared by attitude and proximity
const (
	MinScale = 1
	MaxScale = 5
)

// Ladder maps the 1-5 attitude and proximity scales of one edge type to words
type Ladder struct {
	Attitude  [5]string
	Proximity [5]string
}

var ladders = map[graph.EdgeType]Ladder{
	graph.EdgeKnows: {
		Attitude:  [5]string{"hostile", "wary", "neutral", "friendly", "close"},
		Proximity: [5]string{"stranger", "acquaintance", "familiar", "well-known", "intimate-knowledge"},
	},
	graph.EdgeEngagesWith: {
		Attitude:  [5]string{"averse", "skeptical", "indifferent", "interested", "passionate"},
		Proximity: [5]string{"unaware", "aware", "familiar", "practiced", "expert"},
	},
	graph.EdgeAssociatedWith: {
		Attitude:  [5]string{"hostile", "wary", "neutral", "favorable", "devoted"},
		Proximity: [5]string{"unconnected", "peripheral", "involved", "invested", "central"},
	},
	graph.EdgeRelatedTo: {
		Attitude:  [5]string{"contradicts", "in-tension", "neutral", "complements", "reinforces"},
		Proximity: [5]string{"distant", "tangential", "adjacent", "overlapping", "inseparable"},
	},
	graph.EdgeAppliesTo: {
		Attitude:  [5]string{"hinders", "limits", "neutral", "supports", "enables"},
		Proximity: [5]string{"marginal", "occasional", "relevant", "substantial", "foundational"},
	},
	graph.EdgeConnectedTo: {
		Attitude:  [5]string{"adversarial", "competitive", "neutral", "cooperative", "allied"},
		Proximity: [5]string{"remote", "loose", "linked", "tightly-linked", "integrated"},
	},
}

// LadderFor returns the word ladder of a semantic edge type
func LadderFor(edgeType graph.EdgeType) (Ladder, bool) {
	l, ok := ladders[edgeType]
	return l, ok
}

// ValidateScale checks a 1-5 scale value
func ValidateScale(field string, v int) error {
	if v < MinScale || v > MaxScale {
		return apperrors.NewValidation(field, "must be between 1 and 5")
	}
	return nil
}

// Phrase is the text a relationship's semantic signature is embedded from
func Phrase(edgeType graph.EdgeType, descriptor string, attitude, proximity int) (string, error) {
	l, ok := LadderFor(edgeType)
	if !ok {
		return "", apperrors.NewValidation("type", "no word ladder for "+string(edgeType))
	}
	if err := ValidateScale("attitude", attitude); err != nil {
		return "", err
	}
	if err := ValidateScale("proximity", proximity); err != nil {
		return "", err
	}
	parts := make([]string, 0, 3)
	if d := strings.TrimSpace(descriptor); d != "" {
		parts = append(parts, d)
	}
	parts = append(parts, l.Attitude[attitude-1], l.Proximity[proximity-1])
	return strings.Join(parts, " "), nil
}
