// Package dma implements the Decision-Making Architecture pipeline and
// Conscience: the layered evaluation a Thought goes through before an
// Action is selected: PDMA/CSDMA/DSDMA run concurrently with bounded
// parallelism, a per-DMA deadline, and classification-aware retry, then
// ActionSelectionDMA, then Conscience, with one guided retry.
package dma

import (
	"context"
	"fmt"
	"time"

	"github.com/ciris-ai/ciris-core"
)

// DMAResult is the typed evaluation a single DMA produces for a Thought.
// ActionSelectionDMA's result additionally carries Action/Parameters;
// PDMA/CSDMA/DSDMA leave those empty and speak only through Score/Insights.
type DMAResult struct {
	DMAName    string
	Score      float64
	Insights   []string
	Rejected   bool
	Reason     string
	Action     ciris.Action
	Parameters map[string]interface{}
	Rationale  string
}

// DMA evaluates a Thought and returns a typed result. PDMA, CSDMA and DSDMA
// implement this directly; ActionSelectionDMA implements ActionSelector
// instead since it additionally consumes the other three's results.
type DMA interface {
	Name() string
	Evaluate(ctx context.Context, thought *ciris.Thought) (DMAResult, error)
}

// ActionSelector is ActionSelectionDMA's shape: it consumes the upstream
// PDMA/CSDMA/DSDMA evaluations (plus, on a guided retry, the override
// reason and accumulated insights) and selects exactly one action.
type ActionSelector interface {
	SelectAction(ctx context.Context, thought *ciris.Thought, upstream []DMAResult, guidance *Guidance) (DMAResult, error)
}

// Guidance is the context a Conscience override hands back into the one
// permitted re-invocation of ActionSelectionDMA.
type Guidance struct {
	PriorAction    ciris.Action
	OverrideReason string
	Insights       []string
}

// PipelineResult is everything a Processor round needs after the pipeline
// runs: the final action/parameters to dispatch, and the epistemic data to
// attach to the Thought's context for its children.
type PipelineResult struct {
	Action     ciris.Action
	Parameters map[string]interface{}
	Rationale  string
	Epistemic  ciris.EpistemicData
	GuardName  string // non-empty when a hard guard (not the DMA pipeline) decided the action
}

// retryableErr classifies a DMA evaluation failure as worth retrying.
// DMAs run arbitrary (often LLM-backed) evaluators, so the same
// transient/timeout classification the Bus uses applies here.
func retryableErr(err error) bool {
	return ciris.IsTransient(err)
}

// evaluateWithRetry runs one DMA under a deadline, retrying retryable
// failures up to limit attempts. A definitive failure (non-retryable, or
// retries exhausted) never panics or drops the thought: the caller
// synthesizes a DEFER result from the returned error.
func evaluateWithRetry(ctx context.Context, d DMA, thought *ciris.Thought, timeout time.Duration, limit int, cl clockLike) (DMAResult, error) {
	if limit <= 0 {
		limit = 1
	}
	var lastErr error
	for attempt := 1; attempt <= limit; attempt++ {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		result, err := d.Evaluate(dctx, thought)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if dctx.Err() == context.DeadlineExceeded {
			lastErr = ciris.NewFrameworkError(fmt.Sprintf("dma.%s.evaluate", d.Name()), ciris.KindTransient, context.DeadlineExceeded)
		}
		if !retryableErr(lastErr) {
			break
		}
		if attempt < limit {
			cl.Sleep(backoff(attempt))
		}
	}
	return DMAResult{}, lastErr
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 200 * time.Millisecond
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}

// clockLike is the minimal surface evaluateWithRetry needs; satisfied by
// clock.Clock, kept narrow here to avoid an import cycle concern and to
// make the retry loop trivially unit-testable with a stub.
type clockLike interface {
	Sleep(d time.Duration)
}
