package dma

import (
	"fmt"
	"math"

	"github.com/ciris-ai/ciris-core"
)

// AttributeWeights tunes IdentityVariance's per-attribute contribution.
// Missing keys default to weight 1, so an empty map means equal weighting
// across every attribute present on either side of the diff.
type AttributeWeights map[string]float64

// IdentityVariance computes a normalized weighted attribute-diff between
// identity nodes: for every
// attribute key present on either the stored identity root or the
// proposed node, compute a per-attribute distance in [0,1] (numeric
// attributes: normalized absolute difference against the larger
// magnitude; any other type: 0 if equal, 1 if not), weight it, and return
// the weighted mean. A result above 0.20 means the proposed change
// exceeds the 20% variance threshold and must be forced through DEFER.
func IdentityVariance(stored, proposed *ciris.GraphNode, weights AttributeWeights) float64 {
	keys := map[string]struct{}{}
	var storedAttrs, proposedAttrs map[string]interface{}
	if stored != nil {
		storedAttrs = stored.Attributes
	}
	if proposed != nil {
		proposedAttrs = proposed.Attributes
	}
	for k := range storedAttrs {
		keys[k] = struct{}{}
	}
	for k := range proposedAttrs {
		keys[k] = struct{}{}
	}
	if len(keys) == 0 {
		return 0
	}

	var weightedSum, weightTotal float64
	for k := range keys {
		w := 1.0
		if weights != nil {
			if custom, ok := weights[k]; ok {
				w = custom
			}
		}
		d := attributeDistance(storedAttrs[k], proposedAttrs[k])
		weightedSum += w * d
		weightTotal += w
	}
	if weightTotal == 0 {
		return 0
	}
	return weightedSum / weightTotal
}

// attributeDistance returns a value in [0,1]: 0 means identical, 1 means
// maximally different. Numeric attributes use a normalized absolute
// difference; anything else is an equality check.
func attributeDistance(a, b interface{}) float64 {
	af, aOK := toFloat(a)
	bf, bOK := toFloat(b)
	if aOK && bOK {
		mag := math.Max(math.Abs(af), math.Abs(bf))
		if mag == 0 {
			return 0
		}
		d := math.Abs(af-bf) / mag
		if d > 1 {
			d = 1
		}
		return d
	}
	if fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b) {
		return 0
	}
	return 1
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
