package handlers

import (
	"context"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/audit"
	"github.com/ciris-ai/ciris-core/dma"
)

type rejectParams struct {
	Reason string `json:"reason"`
}

// rejectHandler terminates the Task as FAILED with a human-readable
// reason. No follow-up thought is created: the Task's
// reasoning chain ends here.
type rejectHandler struct{ r *Registry }

func (h *rejectHandler) Handle(ctx context.Context, task *ciris.Task, thought *ciris.Thought, result dma.PipelineResult) error {
	var p rejectParams
	if err := decodeParams("handlers.reject", result.Parameters, &p); err != nil {
		return err
	}
	if p.Reason == "" {
		p.Reason = result.Rationale
	}
	if p.Reason == "" {
		p.Reason = "rejected"
	}

	task.Status = ciris.TaskFailed
	task.UpdatedAt = h.r.Clock.Now()
	task.Outcome = &ciris.TaskOutcome{
		Summary: p.Reason,
		Action:  ciris.ActionReject,
	}
	if err := h.r.Store.SaveTask(ctx, task); err != nil {
		return err
	}

	h.r.audit(ctx, audit.EventHandlerInvoked, "handler.reject", thought, map[string]interface{}{
		"task_id": task.TaskID, "reason": p.Reason,
	})

	complete(thought, h.r.Clock)
	return nil
}
