package consensus

import (
	"fmt"
	"strings"

	"arbiter/internal/fixedpoint"
)

// Diversity scores in ppt, keyed by the number of distinct model families
// present. A single-family ensemble shares failure modes and scores low; the
// score saturates once three independent families participate.
const (
	diversityNone   int64 = 0
	diversitySingle int64 = 100
	diversityPair   int64 = 500
	diversityFull   int64 = 1000
)

// Class weight bounds in ppt: a model family's static baseline-reliability
// weight must stay in [1.0, 2.0].
const (
	MinClassWeight int64 = 1000
	MaxClassWeight int64 = 2000
)

// Weighter derives per-agent weight multipliers from model-family identity
// and ensemble composition.
type Weighter struct {
	classWeights map[string]int64
}

// NewWeighter validates the per-family class weight table. Every weight must
// lie in [MinClassWeight, MaxClassWeight]; out-of-range entries are a
// configuration error, not something to clamp.
func NewWeighter(classWeights map[string]int64) (*Weighter, error) {
	table := make(map[string]int64, len(classWeights))
	for family, w := range classWeights {
		key := normalizeFamily(family)
		if key == "" {
			continue
		}
		if w < MinClassWeight || w > MaxClassWeight {
			return nil, fmt.Errorf("%w: class weight %d for family %q outside [%d,%d]",
				ErrInvalidTrustValue, w, family, MinClassWeight, MaxClassWeight)
		}
		table[key] = w
	}
	return &Weighter{classWeights: table}, nil
}

// ClassWeight returns the static per-family weight, defaulting to 1.0 for
// families missing from the table.
func (w *Weighter) ClassWeight(family string) int64 {
	if w == nil {
		return MinClassWeight
	}
	if v, ok := w.classWeights[normalizeFamily(family)]; ok {
		return v
	}
	return MinClassWeight
}

// DiversityScore maps the set of participating model families to an
// ensemble-level multiplier. Monotone in the distinct-family count and
// saturating at three: heterogeneous ensembles always outscore homogeneous
// ones of equal size.
func DiversityScore(families []string) int64 {
	distinct := make(map[string]struct{}, len(families))
	for _, f := range families {
		key := normalizeFamily(f)
		if key == "" {
			continue
		}
		distinct[key] = struct{}{}
	}
	switch len(distinct) {
	case 0:
		return diversityNone
	case 1:
		return diversitySingle
	case 2:
		return diversityPair
	default:
		return diversityFull
	}
}

// AgentWeight combines trust, ensemble diversity and the family class weight
// into the agent's voting weight. Each step truncates toward zero.
func (w *Weighter) AgentWeight(trust, diversity int64, family string) int64 {
	return fixedpoint.Mul(fixedpoint.Mul(trust, diversity), w.ClassWeight(family))
}

func normalizeFamily(family string) string {
	return strings.ToLower(strings.TrimSpace(family))
}
