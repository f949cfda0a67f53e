package dma

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciris-ai/ciris-core"
)

func TestConscienceOverridesOnLowCoherence(t *testing.T) {
	c := &Conscience{
		Faculties: []Faculty{
			CoherenceFaculty{Threshold: 0.60, Score: func(DMAResult, []DMAResult) float64 { return 0.1 }},
		},
		CoherenceThreshold: 0.60,
	}
	thought := &ciris.Thought{Content: "hi"}
	verdict := c.Evaluate(context.Background(), thought, DMAResult{Action: ciris.ActionSpeak, Rationale: "because"}, nil)
	require.True(t, verdict.Overridden)
	assert.NotEmpty(t, verdict.OverrideReason)
	assert.Equal(t, 0.1, verdict.Coherence)
}

func TestConscienceDoesNotOverrideWithinThresholds(t *testing.T) {
	c := &Conscience{
		Faculties: []Faculty{
			EntropyFaculty{Threshold: 0.40, Score: func(DMAResult, []DMAResult) float64 { return 0.1 }},
			CoherenceFaculty{Threshold: 0.60, Score: func(DMAResult, []DMAResult) float64 { return 0.9 }},
			OptimizationVetoFaculty{},
			EpistemicHumilityFaculty{},
		},
	}
	thought := &ciris.Thought{Content: "hi"}
	verdict := c.Evaluate(context.Background(), thought, DMAResult{Action: ciris.ActionSpeak, Rationale: "because it answers the question"}, nil)
	assert.False(t, verdict.Overridden)
}

func TestOptimizationVetoOverridesOnUpstreamRejection(t *testing.T) {
	c := &Conscience{Faculties: []Faculty{OptimizationVetoFaculty{}}}
	thought := &ciris.Thought{Content: "hi"}
	upstream := []DMAResult{{DMAName: "pdma", Rejected: true, Reason: "violates do-no-harm"}}
	verdict := c.Evaluate(context.Background(), thought, DMAResult{Action: ciris.ActionSpeak, Rationale: "x"}, upstream)
	require.True(t, verdict.Overridden)
	assert.Contains(t, verdict.OverrideReason, "pdma")
}

func TestEpistemicHumilityOverridesOnMissingRationale(t *testing.T) {
	c := &Conscience{Faculties: []Faculty{EpistemicHumilityFaculty{}}}
	thought := &ciris.Thought{Content: "hi"}
	verdict := c.Evaluate(context.Background(), thought, DMAResult{Action: ciris.ActionSpeak}, nil)
	require.True(t, verdict.Overridden)
}
