// Package handlers implements the ten action handlers: the only
// code that turns a DMA pipeline's selected Action into an external
// effect. Every handler shares the same shape — decode typed parameters,
// decapsulate any secret references through the bus, perform the action
// exclusively through a typed bus (never a direct provider reference),
// append an audit entry, advance the Thought/Task, and
// create a follow-up Thought when the action isn't terminal for the Task.
//
// Registry depends on persistence/bus/audit/clock/dma directly but never
// on the processor package: Dispatch's signature structurally satisfies
// processor.Dispatcher so the dependency graph stays processor→handlers,
// never the reverse.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/audit"
	"github.com/ciris-ai/ciris-core/bus"
	"github.com/ciris-ai/ciris-core/clock"
	"github.com/ciris-ai/ciris-core/dma"
	"github.com/ciris-ai/ciris-core/persistence"
)

// Handler executes one selected action for a Thought/Task pair.
type Handler interface {
	Handle(ctx context.Context, task *ciris.Task, thought *ciris.Thought, result dma.PipelineResult) error
}

// ShutdownRequester lets a handler ask the processor to begin graceful
// shutdown when a user-addressed response cannot be delivered by any
// provider. The composition root wires this to Processor.Stop; handlers never
// import processor directly.
type ShutdownRequester interface {
	RequestShutdown(ctx context.Context, reason string) error
}

// Registry dispatches a selected action to its handler. Every dependency
// is an explicit constructor argument; there are no package-level
// globals anywhere in this core.
type Registry struct {
	Store    *persistence.Store
	Buses    *bus.Buses
	Chain    *audit.Chain
	Clock    clock.Clock
	ProcCfg  ciris.ProcessorConfig
	DMACfg   ciris.DMAConfig
	Shutdown ShutdownRequester
	Logger   ciris.Logger

	handlers map[ciris.Action]Handler
}

// New builds a Registry with all ten handlers wired.
func New(store *persistence.Store, buses *bus.Buses, chain *audit.Chain, cl clock.Clock, procCfg ciris.ProcessorConfig, dmaCfg ciris.DMAConfig, shutdown ShutdownRequester, logger ciris.Logger) *Registry {
	if logger == nil {
		logger = ciris.NoOpLogger{}
	}
	r := &Registry{
		Store:    store,
		Buses:    buses,
		Chain:    chain,
		Clock:    cl,
		ProcCfg:  procCfg,
		DMACfg:   dmaCfg,
		Shutdown: shutdown,
		Logger:   logger,
	}
	r.handlers = map[ciris.Action]Handler{
		ciris.ActionSpeak:        &speakHandler{r},
		ciris.ActionObserve:      &observeHandler{r},
		ciris.ActionTool:         &toolHandler{r},
		ciris.ActionReject:       &rejectHandler{r},
		ciris.ActionPonder:       &ponderHandler{r},
		ciris.ActionDefer:        &deferHandler{r},
		ciris.ActionMemorize:     &memorizeHandler{r},
		ciris.ActionRecall:       &recallHandler{r},
		ciris.ActionForget:       &forgetHandler{r},
		ciris.ActionTaskComplete: &taskCompleteHandler{r},
	}
	return r
}

// Dispatch looks up the handler registered for result.Action and runs it.
// It structurally satisfies processor.Dispatcher.
func (r *Registry) Dispatch(ctx context.Context, task *ciris.Task, thought *ciris.Thought, result dma.PipelineResult) error {
	h, ok := r.handlers[result.Action]
	if !ok {
		return ciris.NewFrameworkError("handlers.Dispatch", ciris.KindValidation, fmt.Errorf("no handler registered for action %q", result.Action))
	}
	return h.Handle(ctx, task, thought, result)
}

// decodeParams round-trips result.Parameters (a generic map, since the
// ActionSelectionDMA's LLM output is only schema-typed as "object") into
// a typed struct through JSON, surfacing a Validation failure when the
// shape doesn't match.
func decodeParams(op string, params map[string]interface{}, out interface{}) error {
	if params == nil {
		params = map[string]interface{}{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return ciris.NewFrameworkError(op, ciris.KindValidation, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return ciris.NewFrameworkError(op, ciris.KindValidation, err)
	}
	return nil
}

// audit appends an entry and only logs (never fails) on an append error;
// a handler's own work has already happened by the time it audits, so a
// logging sink hiccup shouldn't undo it.
func (r *Registry) audit(ctx context.Context, eventType audit.EventType, actorID string, thought *ciris.Thought, payload map[string]interface{}) {
	if _, err := r.Chain.Append(ctx, eventType, actorID, thought.ThoughtID, payload); err != nil {
		r.Logger.Warn("audit append failed", map[string]interface{}{
			"event":      string(eventType),
			"thought_id": thought.ThoughtID,
			"error":      err.Error(),
		})
	}
}

// followUp creates, saves, and audits a new Thought one round deeper than
// parent. Channel/correlation context is inherited from parent unless the
// caller supplies its own.
func (r *Registry) followUp(ctx context.Context, parent *ciris.Thought, ttype ciris.ThoughtType, content string, tctx ciris.ThoughtContext) (*ciris.Thought, error) {
	if tctx.ChannelID == "" {
		tctx.ChannelID = parent.Context.ChannelID
	}
	if tctx.CorrelationID == "" {
		tctx.CorrelationID = parent.Context.CorrelationID
	}
	now := r.Clock.Now()
	th := &ciris.Thought{
		ThoughtID:       uuid.New().String(),
		SourceTaskID:    parent.SourceTaskID,
		ThoughtType:     ttype,
		Status:          ciris.ThoughtPending,
		RoundNumber:     parent.RoundNumber + 1,
		Content:         content,
		Context:         tctx,
		ParentThoughtID: parent.ThoughtID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.Store.SaveThought(ctx, th); err != nil {
		return nil, fmt.Errorf("handlers: save follow-up thought: %w", err)
	}
	r.audit(ctx, audit.EventThoughtCreated, "handler", th, map[string]interface{}{
		"parent_thought_id": parent.ThoughtID,
		"thought_type":      string(ttype),
	})
	return th, nil
}

// complete marks thought COMPLETED; called by every handler that finishes
// its work without error (a returned error instead lets the processor
// mark the thought FAILED).
func complete(thought *ciris.Thought, cl clock.Clock) {
	thought.Status = ciris.ThoughtCompleted
	thought.UpdatedAt = cl.Now()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
