package handlers

import (
	"context"
	"fmt"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/audit"
	"github.com/ciris-ai/ciris-core/dma"
)

type toolParams struct {
	Name   string                 `json:"name"`
	Params map[string]interface{} `json:"params"`
}

// toolHandler invokes a named tool via the Tool bus and feeds the result
// into a follow-up thought's context.
type toolHandler struct{ r *Registry }

func (h *toolHandler) Handle(ctx context.Context, task *ciris.Task, thought *ciris.Thought, result dma.PipelineResult) error {
	var p toolParams
	if err := decodeParams("handlers.tool", result.Parameters, &p); err != nil {
		return err
	}
	if p.Name == "" {
		return ciris.NewFrameworkError("handlers.tool", ciris.KindValidation, fmt.Errorf("empty tool name"))
	}

	toolResult, err := h.r.Buses.Tool.ExecuteTool(ctx, p.Name, p.Params)
	if err != nil {
		return fmt.Errorf("handlers.tool: execute %s: %w", p.Name, err)
	}

	h.r.audit(ctx, audit.EventHandlerInvoked, "handler.tool", thought, map[string]interface{}{
		"tool": p.Name, "success": toolResult.Success,
	})

	content := fmt.Sprintf("tool %s returned success=%v", p.Name, toolResult.Success)
	if toolResult.Error != "" {
		content = fmt.Sprintf("tool %s failed: %s", p.Name, toolResult.Error)
	}
	if _, err := h.r.followUp(ctx, thought, ciris.ThoughtFollowUp, content,
		ciris.ThoughtContext{ToolResult: toolResult.Output}); err != nil {
		return err
	}

	complete(thought, h.r.Clock)
	return nil
}
