package handlers

import (
	"context"
	"fmt"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/audit"
	"github.com/ciris-ai/ciris-core/dma"
)

type ponderParams struct {
	Guidance string `json:"guidance"`
}

// ponderHandler increments ponder_count and enqueues a follow-up STANDARD
// thought. The depth cap itself is enforced by
// dma.Pipeline.Run's guardrail the next time this chain's thought is
// processed, not here — a ponder never has to know the configured limit.
type ponderHandler struct{ r *Registry }

func (h *ponderHandler) Handle(ctx context.Context, task *ciris.Task, thought *ciris.Thought, result dma.PipelineResult) error {
	var p ponderParams
	_ = decodeParams("handlers.ponder", result.Parameters, &p)

	thought.PonderCount++

	content := thought.Content
	if p.Guidance != "" {
		content = fmt.Sprintf("%s\n\nguidance from prior ponder: %s", thought.Content, p.Guidance)
	}

	follow, err := h.r.followUp(ctx, thought, ciris.ThoughtStandard, content, ciris.ThoughtContext{})
	if err != nil {
		return err
	}
	follow.PonderCount = thought.PonderCount
	if err := h.r.Store.SaveThought(ctx, follow); err != nil {
		return fmt.Errorf("handlers.ponder: persist carried ponder count: %w", err)
	}

	h.r.audit(ctx, audit.EventHandlerInvoked, "handler.ponder", thought, map[string]interface{}{
		"ponder_count": thought.PonderCount,
	})

	complete(thought, h.r.Clock)
	return nil
}
