package handlers

import (
	"context"
	"encoding/base64"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/audit"
	"github.com/ciris-ai/ciris-core/dma"
)

type taskCompleteParams struct {
	Summary string                 `json:"summary"`
	Detail  map[string]interface{} `json:"detail"`
}

// taskCompleteHandler transitions the Task to COMPLETED, records the
// outcome, and signs it for downstream accountability.
// Like REJECT and DEFER, it ends the reasoning chain without enqueuing a
// follow-up thought.
type taskCompleteHandler struct{ r *Registry }

func (h *taskCompleteHandler) Handle(ctx context.Context, task *ciris.Task, thought *ciris.Thought, result dma.PipelineResult) error {
	var p taskCompleteParams
	_ = decodeParams("handlers.task_complete", result.Parameters, &p)
	if p.Summary == "" {
		p.Summary = firstNonEmpty(result.Rationale, "task complete")
	}

	task.Status = ciris.TaskCompleted
	task.UpdatedAt = h.r.Clock.Now()
	task.Outcome = &ciris.TaskOutcome{
		Summary: p.Summary,
		Action:  ciris.ActionTaskComplete,
		Detail:  p.Detail,
	}

	payload := map[string]interface{}{"task_id": task.TaskID, "summary": p.Summary}
	if h.r.Chain != nil {
		sig, signerID, err := h.r.Chain.SignTask(ctx, task.TaskID, p.Summary)
		if err != nil {
			h.r.Logger.Warn("task completion signing failed", map[string]interface{}{
				"task_id": task.TaskID, "error": err.Error(),
			})
		} else {
			payload["signature"] = base64.StdEncoding.EncodeToString(sig)
			payload["signer_id"] = signerID
		}
	}

	if err := h.r.Store.SaveTask(ctx, task); err != nil {
		return err
	}

	h.r.audit(ctx, audit.EventTaskCompleted, "handler.task_complete", thought, payload)

	complete(thought, h.r.Clock)
	return nil
}
