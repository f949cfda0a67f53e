package handlers

import (
	"context"
	"fmt"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/audit"
	"github.com/ciris-ai/ciris-core/dma"
)

type recallParams struct {
	NodeID string           `json:"node_id"`
	Scope  ciris.GraphScope `json:"scope"`
}

// recallHandler reads a node through the Memory bus and decapsulates any
// secret-bearing content for the RECALL action's context before handing
// it to a follow-up thought.
type recallHandler struct{ r *Registry }

func (h *recallHandler) Handle(ctx context.Context, task *ciris.Task, thought *ciris.Thought, result dma.PipelineResult) error {
	var p recallParams
	if err := decodeParams("handlers.recall", result.Parameters, &p); err != nil {
		return err
	}
	if p.NodeID == "" {
		return ciris.NewFrameworkError("handlers.recall", ciris.KindValidation, fmt.Errorf("empty node_id"))
	}
	if p.Scope == "" {
		p.Scope = ciris.ScopeLocal
	}

	node, err := h.r.Buses.Memory.GetNode(ctx, p.NodeID, p.Scope)
	if err != nil {
		return fmt.Errorf("handlers.recall: get node: %w", err)
	}

	if content, ok := node.Attributes["content"].(string); ok && content != "" {
		decapsulated, err := h.r.Buses.Filter.Decapsulate(ctx, content, ciris.ActionRecall, map[string]interface{}{
			"task_id": task.TaskID, "node_id": node.ID,
		})
		if err != nil {
			return fmt.Errorf("handlers.recall: decapsulate: %w", err)
		}
		node.Attributes["content"] = decapsulated
	}

	h.r.audit(ctx, audit.EventHandlerInvoked, "handler.recall", thought, map[string]interface{}{
		"node_id": node.ID, "scope": node.Scope,
	})

	content := fmt.Sprintf("recalled node %s from scope %s", node.ID, node.Scope)
	extra := map[string]interface{}{"node": node}
	if _, err := h.r.followUp(ctx, thought, ciris.ThoughtFollowUp, content, ciris.ThoughtContext{Extra: extra}); err != nil {
		return err
	}

	complete(thought, h.r.Clock)
	return nil
}
