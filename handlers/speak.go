package handlers

import (
	"context"
	"fmt"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/audit"
	"github.com/ciris-ai/ciris-core/dma"
)

type speakParams struct {
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
}

// speakHandler delivers content to a channel via the Communication bus.
// A delivery failure with no fallback provider is critical: it requests
// graceful shutdown rather
// than silently dropping the reply.
type speakHandler struct{ r *Registry }

func (h *speakHandler) Handle(ctx context.Context, task *ciris.Task, thought *ciris.Thought, result dma.PipelineResult) error {
	var p speakParams
	if err := decodeParams("handlers.speak", result.Parameters, &p); err != nil {
		return err
	}
	p.ChannelID = firstNonEmpty(p.ChannelID, thought.Context.ChannelID)
	if p.Content == "" {
		return ciris.NewFrameworkError("handlers.speak", ciris.KindValidation, fmt.Errorf("empty content"))
	}
	if p.ChannelID == "" {
		return ciris.NewFrameworkError("handlers.speak", ciris.KindValidation, fmt.Errorf("no channel to speak on"))
	}

	content, err := h.r.Buses.Filter.Decapsulate(ctx, p.Content, ciris.ActionSpeak, map[string]interface{}{"channel_id": p.ChannelID})
	if err != nil {
		h.r.Logger.Warn("filter decapsulate failed, speaking original content", map[string]interface{}{
			"thought_id": thought.ThoughtID, "error": err.Error(),
		})
		content = p.Content
	}

	delivered, sendErr := h.r.Buses.Communication.SendMessage(ctx, p.ChannelID, content)
	if sendErr != nil || !delivered {
		h.r.audit(ctx, audit.EventGuardrailTrip, "handler.speak", thought, map[string]interface{}{
			"reason": "communication delivery failed", "channel_id": p.ChannelID,
		})
		if h.r.Shutdown != nil {
			if serr := h.r.Shutdown.RequestShutdown(ctx, "no communication provider could deliver a user-addressed response"); serr != nil {
				h.r.Logger.Error("shutdown request failed", map[string]interface{}{"error": serr.Error()})
			}
		}
		if sendErr == nil {
			sendErr = fmt.Errorf("communication provider declined delivery")
		}
		return ciris.NewFrameworkError("handlers.speak", ciris.KindFatal, sendErr)
	}

	h.r.audit(ctx, audit.EventHandlerInvoked, "handler.speak", thought, map[string]interface{}{
		"channel_id": p.ChannelID,
	})

	if _, err := h.r.followUp(ctx, thought, ciris.ThoughtObservation,
		fmt.Sprintf("delivered reply to channel %s", p.ChannelID),
		ciris.ThoughtContext{ChannelID: p.ChannelID}); err != nil {
		return err
	}

	complete(thought, h.r.Clock)
	return nil
}
