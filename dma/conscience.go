package dma

import (
	"context"

	"github.com/ciris-ai/ciris-core"
)

// Faculty is one epistemic check the Conscience runs against a selected
// action. It never mutates state; it only scores and annotates.
type Faculty interface {
	Name() string
	Check(ctx context.Context, thought *ciris.Thought, selected DMAResult, upstream []DMAResult) FacultyResult
}

// FacultyResult is a single faculty's verdict.
type FacultyResult struct {
	Score     float64
	Insights  []string
	Reconsider bool
	Reason    string
}

// ConscienceVerdict is the Conscience's combined output for one
// ActionSelectionDMA result.
type ConscienceVerdict struct {
	Entropy        float64
	Coherence      float64
	Overridden     bool
	OverrideReason string
	Insights       []string
}

// Conscience runs the four epistemic faculties — Entropy, Coherence,
// OptimizationVeto, EpistemicHumility — against a selected action and
// decides whether it should be reconsidered.
type Conscience struct {
	Faculties          []Faculty
	EntropyThreshold   float64
	CoherenceThreshold float64
}

// NewConscience builds the standard four-faculty Conscience from a
// DMAConfig's thresholds.
func NewConscience(cfg ciris.DMAConfig) *Conscience {
	entropyThreshold := cfg.ConscienceEntropyThreshold
	if entropyThreshold <= 0 {
		entropyThreshold = 0.40
	}
	coherenceThreshold := cfg.ConscienceCoherenceThresh
	if coherenceThreshold <= 0 {
		coherenceThreshold = 0.60
	}
	return &Conscience{
		Faculties: []Faculty{
			EntropyFaculty{Threshold: entropyThreshold},
			CoherenceFaculty{Threshold: coherenceThreshold},
			OptimizationVetoFaculty{},
			EpistemicHumilityFaculty{},
		},
		EntropyThreshold:   entropyThreshold,
		CoherenceThreshold: coherenceThreshold,
	}
}

// Evaluate runs every faculty and combines their verdicts. Any faculty
// voting Reconsider overrides the selection; their reasons are joined.
func (c *Conscience) Evaluate(ctx context.Context, thought *ciris.Thought, selected DMAResult, upstream []DMAResult) ConscienceVerdict {
	verdict := ConscienceVerdict{}
	var reasons []string

	for _, f := range c.Faculties {
		r := f.Check(ctx, thought, selected, upstream)
		verdict.Insights = append(verdict.Insights, r.Insights...)

		switch f.(type) {
		case EntropyFaculty:
			verdict.Entropy = r.Score
		case CoherenceFaculty:
			verdict.Coherence = r.Score
		}

		if r.Reconsider {
			verdict.Overridden = true
			reasons = append(reasons, f.Name()+": "+r.Reason)
		}
	}

	if verdict.Overridden {
		verdict.OverrideReason = joinReasons(reasons)
	}
	return verdict
}

func joinReasons(reasons []string) string {
	out := ""
	for i, r := range reasons {
		if i > 0 {
			out += "; "
		}
		out += r
	}
	return out
}

// EntropyFaculty scores how chaotic/unpredictable the selected action's
// rationale reads relative to the upstream evaluations; a score above
// Threshold (default 0.40) asks for reconsideration.
type EntropyFaculty struct {
	Threshold float64
	// Score, when set, overrides the heuristic below — used by tests and
	// by callers wiring a real epistemic model in as a DMA provider.
	Score func(selected DMAResult, upstream []DMAResult) float64
}

func (EntropyFaculty) Name() string { return "entropy" }

func (f EntropyFaculty) Check(ctx context.Context, thought *ciris.Thought, selected DMAResult, upstream []DMAResult) FacultyResult {
	var score float64
	if f.Score != nil {
		score = f.Score(selected, upstream)
	} else {
		score = heuristicEntropy(selected, upstream)
	}
	if score > f.Threshold {
		return FacultyResult{
			Score:      score,
			Reconsider: true,
			Reason:     "entropy score exceeds threshold",
			Insights:   []string{"high entropy in selected action rationale"},
		}
	}
	return FacultyResult{Score: score}
}

// CoherenceFaculty scores how well the selected action's rationale is
// supported by the upstream PDMA/CSDMA/DSDMA evaluations; a score below
// Threshold (default 0.60) asks for reconsideration.
type CoherenceFaculty struct {
	Threshold float64
	Score     func(selected DMAResult, upstream []DMAResult) float64
}

func (CoherenceFaculty) Name() string { return "coherence" }

func (f CoherenceFaculty) Check(ctx context.Context, thought *ciris.Thought, selected DMAResult, upstream []DMAResult) FacultyResult {
	var score float64
	if f.Score != nil {
		score = f.Score(selected, upstream)
	} else {
		score = heuristicCoherence(selected, upstream)
	}
	if score < f.Threshold {
		return FacultyResult{
			Score:      score,
			Reconsider: true,
			Reason:     "coherence score below threshold",
			Insights:   []string{"selected action weakly supported by upstream evaluations"},
		}
	}
	return FacultyResult{Score: score}
}

// OptimizationVetoFaculty rejects an action that any upstream DMA flagged
// as Rejected outright — e.g. PDMA's principled rejection — regardless of
// what ActionSelectionDMA chose.
type OptimizationVetoFaculty struct{}

func (OptimizationVetoFaculty) Name() string { return "optimization_veto" }

func (OptimizationVetoFaculty) Check(ctx context.Context, thought *ciris.Thought, selected DMAResult, upstream []DMAResult) FacultyResult {
	for _, u := range upstream {
		if u.Rejected {
			return FacultyResult{
				Reconsider: true,
				Reason:     "upstream DMA " + u.DMAName + " rejected: " + u.Reason,
				Insights:   []string{"optimization veto: " + u.DMAName + " rejected the evaluated thought"},
			}
		}
	}
	return FacultyResult{}
}

// EpistemicHumilityFaculty asks for reconsideration when the selected
// action carries no rationale at all — a selection with nothing to show
// its reasoning is itself a red flag regardless of score thresholds.
type EpistemicHumilityFaculty struct{}

func (EpistemicHumilityFaculty) Name() string { return "epistemic_humility" }

func (EpistemicHumilityFaculty) Check(ctx context.Context, thought *ciris.Thought, selected DMAResult, upstream []DMAResult) FacultyResult {
	if selected.Rationale == "" {
		return FacultyResult{
			Reconsider: true,
			Reason:     "selected action has no stated rationale",
			Insights:   []string{"epistemic humility: action selected without rationale"},
		}
	}
	return FacultyResult{}
}

// heuristicEntropy and heuristicCoherence give every faculty a usable
// default score without requiring a wired epistemic model: they read the
// spread and average of the upstream DMA scores, the same inputs a real
// model would condition on.
func heuristicEntropy(selected DMAResult, upstream []DMAResult) float64 {
	if len(upstream) == 0 {
		return 0
	}
	var min, max float64
	min, max = 1, 0
	for _, u := range upstream {
		if u.Score < min {
			min = u.Score
		}
		if u.Score > max {
			max = u.Score
		}
	}
	return max - min
}

func heuristicCoherence(selected DMAResult, upstream []DMAResult) float64 {
	if len(upstream) == 0 {
		return 1
	}
	var sum float64
	for _, u := range upstream {
		sum += u.Score
	}
	return sum / float64(len(upstream))
}
