package handlers

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/audit"
	"github.com/ciris-ai/ciris-core/dma"
)

type deferParams struct {
	Reason            string `json:"reason"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// deferHandler transitions the Task to DEFERRED, files a deferral with
// the WiseAuthority bus, and — when the caller asked for one — schedules
// a future retrigger.
type deferHandler struct{ r *Registry }

func (h *deferHandler) Handle(ctx context.Context, task *ciris.Task, thought *ciris.Thought, result dma.PipelineResult) error {
	var p deferParams
	_ = decodeParams("handlers.defer", result.Parameters, &p)
	if p.Reason == "" {
		p.Reason = firstNonEmpty(result.Rationale, "deferred for review")
	}

	if err := h.r.Buses.WiseAuthority.SubmitDeferral(ctx, task.TaskID, p.Reason); err != nil {
		h.r.Logger.Warn("wise authority deferral submission failed", map[string]interface{}{
			"task_id": task.TaskID, "error": err.Error(),
		})
	}
	h.r.audit(ctx, audit.EventWiseAuthority, "handler.defer", thought, map[string]interface{}{
		"task_id": task.TaskID, "reason": p.Reason,
	})

	task.Status = ciris.TaskDeferred
	task.UpdatedAt = h.r.Clock.Now()
	if err := h.r.Store.SaveTask(ctx, task); err != nil {
		return err
	}

	if p.RetryAfterSeconds > 0 {
		now := h.r.Clock.Now()
		sched := &ciris.ScheduledTask{
			ID:              uuid.New().String(),
			GoalDescription: "resume deferred task " + task.TaskID,
			Status:          ciris.ScheduledPending,
			TriggerPrompt:   task.Description,
			OriginThoughtID: thought.ThoughtID,
			NextTriggerAt:   now.Add(time.Duration(p.RetryAfterSeconds) * time.Second),
		}
		if err := h.r.Store.UpsertScheduledTask(ctx, sched); err != nil {
			h.r.Logger.Warn("schedule deferred retrigger failed", map[string]interface{}{
				"task_id": task.TaskID, "error": err.Error(),
			})
		}
	}

	h.r.audit(ctx, audit.EventHandlerInvoked, "handler.defer", thought, map[string]interface{}{
		"task_id": task.TaskID,
	})

	complete(thought, h.r.Clock)
	return nil
}
