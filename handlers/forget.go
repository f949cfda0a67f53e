package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/audit"
	"github.com/ciris-ai/ciris-core/dma"
)

type forgetParams struct {
	NodeID string           `json:"node_id"`
	Scope  ciris.GraphScope `json:"scope"`
	Reason string           `json:"reason"`
}

// forgetHandler deletes a node through the Memory bus.
// IDENTITY-scope deletions go through the same variance-and-authorization
// guard as MEMORIZE, treating the deletion as a proposal to revert the
// node to an empty state.
type forgetHandler struct{ r *Registry }

func (h *forgetHandler) Handle(ctx context.Context, task *ciris.Task, thought *ciris.Thought, result dma.PipelineResult) error {
	var p forgetParams
	if err := decodeParams("handlers.forget", result.Parameters, &p); err != nil {
		return err
	}
	if p.NodeID == "" {
		return ciris.NewFrameworkError("handlers.forget", ciris.KindValidation, fmt.Errorf("empty node_id"))
	}
	if p.Scope == "" {
		p.Scope = ciris.ScopeLocal
	}

	if p.Scope == ciris.ScopeIdentity {
		empty := &ciris.GraphNode{ID: p.NodeID, Scope: ciris.ScopeIdentity, Attributes: map[string]interface{}{}}
		if err := h.r.guardIdentityWrite(ctx, task, thought, empty); err != nil {
			if errors.Is(err, ciris.ErrVarianceExceeded) {
				return h.r.deferIdentityWrite(ctx, task, thought, p.NodeID, err)
			}
			return err
		}
	}

	if err := h.r.Buses.Memory.DeleteNode(ctx, p.NodeID, p.Scope); err != nil {
		return fmt.Errorf("handlers.forget: delete node: %w", err)
	}

	h.r.audit(ctx, audit.EventHandlerInvoked, "handler.forget", thought, map[string]interface{}{
		"node_id": p.NodeID, "scope": p.Scope, "reason": p.Reason,
	})

	content := fmt.Sprintf("forgot node %s from scope %s", p.NodeID, p.Scope)
	if _, err := h.r.followUp(ctx, thought, ciris.ThoughtFollowUp, content, ciris.ThoughtContext{}); err != nil {
		return err
	}

	complete(thought, h.r.Clock)
	return nil
}
