package dma

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ciris-ai/ciris-core"
)

func TestIdentityVarianceIdenticalAttributesIsZero(t *testing.T) {
	stored := &ciris.GraphNode{Attributes: map[string]interface{}{"trust": 0.8, "name": "ciris"}}
	proposed := &ciris.GraphNode{Attributes: map[string]interface{}{"trust": 0.8, "name": "ciris"}}
	assert.Equal(t, 0.0, IdentityVariance(stored, proposed, nil))
}

func TestIdentityVarianceNumericDiffIsNormalized(t *testing.T) {
	stored := &ciris.GraphNode{Attributes: map[string]interface{}{"trust": 1.0}}
	proposed := &ciris.GraphNode{Attributes: map[string]interface{}{"trust": 0.5}}
	assert.InDelta(t, 0.5, IdentityVariance(stored, proposed, nil), 0.001)
}

func TestIdentityVarianceExceedsThresholdFlagsOverride(t *testing.T) {
	stored := &ciris.GraphNode{Attributes: map[string]interface{}{"trust": 1.0, "name": "ciris"}}
	proposed := &ciris.GraphNode{Attributes: map[string]interface{}{"trust": 0.2, "name": "someone else"}}
	v := IdentityVariance(stored, proposed, nil)
	assert.Greater(t, v, 0.20)
}

func TestIdentityVarianceWeightsSkewContribution(t *testing.T) {
	stored := &ciris.GraphNode{Attributes: map[string]interface{}{"a": 1.0, "b": 1.0}}
	proposed := &ciris.GraphNode{Attributes: map[string]interface{}{"a": 0.0, "b": 1.0}}

	equal := IdentityVariance(stored, proposed, nil)
	weighted := IdentityVariance(stored, proposed, AttributeWeights{"a": 0.01, "b": 1})
	assert.Less(t, weighted, equal)
}
