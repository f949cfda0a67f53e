package dma

import (
	"context"
	"sync"
	"time"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/clock"
)

// Pipeline runs the full DMA + Conscience evaluation for a single Thought.
// It holds no mutable state across calls: every dependency a round needs
// (the DMA set, the Conscience, the clock, the thresholds) is either
// injected at construction or passed in per call; nothing lives in
// package-level state.
type Pipeline struct {
	PDMA       DMA
	CSDMA      DMA
	DSDMA      DMA
	Selector   ActionSelector
	Conscience *Conscience

	Clock          clock.Clock
	Timeout        time.Duration
	RetryLimit     int
	MaxConcurrency int

	Logger ciris.Logger
}

// NewPipeline builds a Pipeline from a DMAConfig, defaulting
// MaxConcurrency to 3 — exactly the PDMA/CSDMA/DSDMA fan-out width, so
// the semaphore is sized to the step group it gates rather than some
// unrelated constant.
func NewPipeline(pdma, csdma, dsda DMA, selector ActionSelector, conscience *Conscience, cl clock.Clock, cfg ciris.DMAConfig, logger ciris.Logger) *Pipeline {
	if logger == nil {
		logger = ciris.NoOpLogger{}
	}
	timeout := time.Duration(cfg.TimeoutSeconds * float64(time.Second))
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retryLimit := cfg.RetryLimit
	if retryLimit <= 0 {
		retryLimit = 3
	}
	return &Pipeline{
		PDMA:           pdma,
		CSDMA:          csdma,
		DSDMA:          dsda,
		Selector:       selector,
		Conscience:     conscience,
		Clock:          cl,
		Timeout:        timeout,
		RetryLimit:     retryLimit,
		MaxConcurrency: 3,
		Logger:         logger,
	}
}

// Run executes the full pipeline for thought, honoring the thought-depth
// guardrail and returning the final action plus epistemic data. It never
// returns an error: every failure mode synthesizes a DEFER (or, for the
// depth guard, TASK_COMPLETE) result instead, since a Thought can never be
// silently dropped.
func (p *Pipeline) Run(ctx context.Context, thought *ciris.Thought, maxThoughtDepth int) PipelineResult {
	if maxThoughtDepth > 0 && thought.RoundNumber > maxThoughtDepth {
		return PipelineResult{
			Action:    ciris.ActionTaskComplete,
			Rationale: "depth-cap",
			GuardName: "depth-cap",
			Epistemic: ciris.EpistemicData{Insights: []string{"thought exceeded max depth, forced to completion"}},
		}
	}

	upstream := p.runUpstream(ctx, thought)

	first, err := p.Selector.SelectAction(ctx, thought, upstream, nil)
	if err != nil {
		return deferResult(err.Error())
	}

	epistemic := ciris.EpistemicData{}
	verdict := p.Conscience.Evaluate(ctx, thought, first, upstream)
	epistemic.Entropy = verdict.Entropy
	epistemic.Coherence = verdict.Coherence

	final := first
	if verdict.Overridden {
		epistemic.Overridden = true
		epistemic.OverrideReason = verdict.OverrideReason
		epistemic.Insights = append(epistemic.Insights, verdict.Insights...)

		guidance := &Guidance{
			PriorAction:    first.Action,
			OverrideReason: verdict.OverrideReason,
			Insights:       verdict.Insights,
		}
		retried, err := p.Selector.SelectAction(ctx, thought, upstream, guidance)
		if err != nil {
			return deferResult(err.Error())
		}
		final = retried

		// Step 4: the second result is taken even if the Conscience
		// disagrees again, but the disagreement is recorded.
		secondVerdict := p.Conscience.Evaluate(ctx, thought, final, upstream)
		if secondVerdict.Overridden {
			epistemic.Insights = append(epistemic.Insights, "conscience disagreed again on retry: "+secondVerdict.OverrideReason)
		}
	}

	return PipelineResult{
		Action:     final.Action,
		Parameters: final.Parameters,
		Rationale:  final.Rationale,
		Epistemic:  epistemic,
	}
}

// runUpstream fans PDMA/CSDMA/DSDMA out under a bounded semaphore: one
// goroutine per DMA, a channel sized to the result count, a WaitGroup
// gate.
func (p *Pipeline) runUpstream(ctx context.Context, thought *ciris.Thought) []DMAResult {
	dmas := []DMA{p.PDMA, p.CSDMA, p.DSDMA}
	sem := make(chan struct{}, p.MaxConcurrency)
	resultsCh := make(chan DMAResult, len(dmas))
	var wg sync.WaitGroup

	for _, d := range dmas {
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			result, err := evaluateWithRetry(ctx, d, thought, p.Timeout, p.RetryLimit, p.Clock)
			if err != nil {
				p.Logger.Warn("dma evaluation failed definitively, synthesizing defer", map[string]interface{}{
					"dma":   d.Name(),
					"error": err.Error(),
				})
				result = DMAResult{
					DMAName: d.Name(),
					Action:  ciris.ActionDefer,
					Reason:  err.Error(),
				}
			}
			resultsCh <- result
		}()
	}

	wg.Wait()
	close(resultsCh)

	results := make([]DMAResult, 0, len(dmas))
	for r := range resultsCh {
		results = append(results, r)
	}
	return results
}

func deferResult(reason string) PipelineResult {
	return PipelineResult{
		Action:     ciris.ActionDefer,
		Parameters: map[string]interface{}{"reason": reason},
		Rationale:  reason,
		Epistemic:  ciris.EpistemicData{Insights: []string{"action selection failed: " + reason}},
	}
}
