package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/audit"
	"github.com/ciris-ai/ciris-core/dma"
)

type memorizeParams struct {
	NodeID     string                 `json:"node_id"`
	NodeType   ciris.GraphNodeType    `json:"node_type"`
	Scope      ciris.GraphScope       `json:"scope"`
	Attributes map[string]interface{} `json:"attributes"`
}

// memorizeHandler writes a node through the Memory bus.
// Content-bearing attributes are encapsulated by the Filter bus before the
// write reaches storage; IDENTITY-scope writes additionally require
// WiseAuthority sign-off on every write, and a variance above the
// configured limit is deferred rather than written.
type memorizeHandler struct{ r *Registry }

func (h *memorizeHandler) Handle(ctx context.Context, task *ciris.Task, thought *ciris.Thought, result dma.PipelineResult) error {
	var p memorizeParams
	if err := decodeParams("handlers.memorize", result.Parameters, &p); err != nil {
		return err
	}
	if p.NodeID == "" {
		return ciris.NewFrameworkError("handlers.memorize", ciris.KindValidation, fmt.Errorf("empty node_id"))
	}
	if p.Scope == "" {
		p.Scope = ciris.ScopeLocal
	}
	if p.Attributes == nil {
		p.Attributes = map[string]interface{}{}
	}

	node := &ciris.GraphNode{ID: p.NodeID, Type: p.NodeType, Scope: p.Scope, Attributes: p.Attributes}

	if content, ok := node.Attributes["content"].(string); ok && content != "" {
		encapsulated, refs, err := h.r.Buses.Filter.Encapsulate(ctx, content, map[string]interface{}{
			"task_id": task.TaskID, "node_id": node.ID,
		})
		if err != nil {
			return fmt.Errorf("handlers.memorize: encapsulate: %w", err)
		}
		node.Attributes["content"] = encapsulated
		if len(refs) > 0 {
			node.Attributes["secret_refs"] = refs
		}
	}

	if node.Scope == ciris.ScopeIdentity {
		if err := h.r.guardIdentityWrite(ctx, task, thought, node); err != nil {
			if errors.Is(err, ciris.ErrVarianceExceeded) {
				return h.r.deferIdentityWrite(ctx, task, thought, node.ID, err)
			}
			return err
		}
	}

	if err := h.r.Buses.Memory.PutNode(ctx, node); err != nil {
		return fmt.Errorf("handlers.memorize: put node: %w", err)
	}

	h.r.audit(ctx, audit.EventHandlerInvoked, "handler.memorize", thought, map[string]interface{}{
		"node_id": node.ID, "scope": node.Scope,
	})

	content := fmt.Sprintf("memorized node %s in scope %s", node.ID, node.Scope)
	if _, err := h.r.followUp(ctx, thought, ciris.ThoughtFollowUp, content, ciris.ThoughtContext{}); err != nil {
		return err
	}

	complete(thought, h.r.Clock)
	return nil
}

// guardIdentityWrite protects the identity root. Every IDENTITY-scope
// write needs WiseAuthority authorization, and a proposed change whose
// variance against the stored node exceeds the configured limit never
// lands directly, authorized or not — it surfaces as ErrVarianceExceeded
// so the handler forces it through the DEFER path instead. A missing
// stored node (first write) is treated as zero variance.
func (r *Registry) guardIdentityWrite(ctx context.Context, task *ciris.Task, thought *ciris.Thought, proposed *ciris.GraphNode) error {
	limit := r.DMACfg.IdentityVarianceLimit
	if limit <= 0 {
		limit = 0.20
	}

	stored, err := r.Buses.Memory.GetNode(ctx, proposed.ID, ciris.ScopeIdentity)
	if err != nil && !ciris.IsNotFound(err) {
		return fmt.Errorf("handlers: fetch identity node for variance check: %w", err)
	}

	variance := 0.0
	if stored != nil {
		weights := dma.AttributeWeights(r.DMACfg.IdentityAttributeWeights)
		variance = dma.IdentityVariance(stored, proposed, weights)
	}

	guidance, err := r.Buses.WiseAuthority.RequestGuidance(ctx, map[string]interface{}{
		"task_id": task.TaskID, "node_id": proposed.ID, "variance": variance, "limit": limit,
	})
	if err != nil || !guidance.Authorized {
		r.audit(ctx, audit.EventGuardrailTrip, "handler.identity_guard", thought, map[string]interface{}{
			"node_id": proposed.ID, "variance": variance, "limit": limit,
		})
		return ciris.NewFrameworkError("handlers.identity_guard", ciris.KindSecurityViolation,
			fmt.Errorf("identity write to %s without authorization: %w", proposed.ID, ciris.ErrSignatureInvalid))
	}
	r.audit(ctx, audit.EventWiseAuthority, "handler.identity_guard", thought, map[string]interface{}{
		"node_id": proposed.ID, "variance": variance, "reviewer_id": guidance.ReviewerID,
	})

	if variance > limit {
		r.audit(ctx, audit.EventGuardrailTrip, "handler.identity_guard", thought, map[string]interface{}{
			"node_id": proposed.ID, "variance": variance, "limit": limit,
		})
		return ciris.NewFrameworkError("handlers.identity_guard", ciris.KindSecurityViolation,
			fmt.Errorf("identity variance %.2f exceeds limit %.2f: %w", variance, limit, ciris.ErrVarianceExceeded))
	}
	return nil
}

// deferIdentityWrite parks an over-variance identity write: the task is
// handed to the Wise Authority as a deferral and both task and thought go
// DEFERRED, with nothing written.
func (r *Registry) deferIdentityWrite(ctx context.Context, task *ciris.Task, thought *ciris.Thought, nodeID string, cause error) error {
	if err := r.Buses.WiseAuthority.SubmitDeferral(ctx, task.TaskID, cause.Error()); err != nil {
		r.Logger.Warn("wise authority deferral submission failed", map[string]interface{}{
			"task_id": task.TaskID, "error": err.Error(),
		})
	}

	task.Status = ciris.TaskDeferred
	task.UpdatedAt = r.Clock.Now()
	if err := r.Store.SaveTask(ctx, task); err != nil {
		return err
	}

	r.audit(ctx, audit.EventHandlerInvoked, "handler.identity_guard", thought, map[string]interface{}{
		"task_id": task.TaskID, "node_id": nodeID, "deferred": true, "reason": cause.Error(),
	})

	thought.Status = ciris.ThoughtDeferred
	thought.UpdatedAt = r.Clock.Now()
	return nil
}
