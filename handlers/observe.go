package handlers

import (
	"context"
	"fmt"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/audit"
	"github.com/ciris-ai/ciris-core/dma"
)

type observeParams struct {
	ChannelID string `json:"channel_id"`
	Limit     int    `json:"limit"`
}

// observeHandler pulls recent channel history via the Communication bus
// and records it as the context a follow-up thought reasons over.
type observeHandler struct{ r *Registry }

func (h *observeHandler) Handle(ctx context.Context, task *ciris.Task, thought *ciris.Thought, result dma.PipelineResult) error {
	var p observeParams
	if err := decodeParams("handlers.observe", result.Parameters, &p); err != nil {
		return err
	}
	p.ChannelID = firstNonEmpty(p.ChannelID, thought.Context.ChannelID)
	if p.Limit <= 0 {
		p.Limit = 10
	}
	if p.ChannelID == "" {
		return ciris.NewFrameworkError("handlers.observe", ciris.KindValidation, fmt.Errorf("no channel to observe"))
	}

	messages, err := h.r.Buses.Communication.FetchMessages(ctx, p.ChannelID, p.Limit)
	if err != nil {
		return fmt.Errorf("handlers.observe: fetch messages: %w", err)
	}

	h.r.audit(ctx, audit.EventHandlerInvoked, "handler.observe", thought, map[string]interface{}{
		"channel_id": p.ChannelID, "message_count": len(messages),
	})

	content := fmt.Sprintf("observed %d message(s) in channel %s", len(messages), p.ChannelID)
	extra := map[string]interface{}{"messages": messages}
	if _, err := h.r.followUp(ctx, thought, ciris.ThoughtObservation, content,
		ciris.ThoughtContext{ChannelID: p.ChannelID, Extra: extra}); err != nil {
		return err
	}

	complete(thought, h.r.Clock)
	return nil
}
