package dma

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/bus"
)

// llmEvalResponse is the structured shape every evaluative DMA asks the
// LLM bus for: a score in [0,1], optional rejection, supporting insights.
type llmEvalResponse struct {
	Score    float64  `json:"score"`
	Rejected bool     `json:"rejected"`
	Reason   string   `json:"reason"`
	Insights []string `json:"insights"`
}

var evalSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"score":    map[string]interface{}{"type": "number"},
		"rejected": map[string]interface{}{"type": "boolean"},
		"reason":   map[string]interface{}{"type": "string"},
		"insights": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
	},
	"required": []string{"score", "rejected"},
}

// PDMA evaluates a Thought against ethical principles, via the LLM bus,
// and may reject it outright.
type PDMA struct {
	Bus   *bus.LLMBus
	Model string
}

func (PDMA) Name() string { return "pdma" }

func (d PDMA) Evaluate(ctx context.Context, thought *ciris.Thought) (DMAResult, error) {
	return evaluateViaLLM(ctx, d.Bus, d.Model, "pdma",
		"Evaluate the following thought against core ethical principles (do no harm, honesty, fairness, respect for autonomy). Reject if it clearly violates one.",
		thought)
}

// CSDMA scores plausibility/consistency: whether the thought's proposed
// content makes ordinary common sense given its context.
type CSDMA struct {
	Bus   *bus.LLMBus
	Model string
}

func (CSDMA) Name() string { return "csdma" }

func (d CSDMA) Evaluate(ctx context.Context, thought *ciris.Thought) (DMAResult, error) {
	return evaluateViaLLM(ctx, d.Bus, d.Model, "csdma",
		"Evaluate the plausibility and internal consistency of the following thought. Score how well it holds together as ordinary common sense.",
		thought)
}

// DSDMA evaluates alignment with a named, pluggable domain (e.g.
// "customer_support", "moderation"); DomainName and DomainRules are
// supplied by the operator.
type DSDMA struct {
	Bus         *bus.LLMBus
	Model       string
	DomainName  string
	DomainRules string
}

func (d DSDMA) Name() string { return "dsdma" }

func (d DSDMA) Evaluate(ctx context.Context, thought *ciris.Thought) (DMAResult, error) {
	prompt := fmt.Sprintf("Evaluate alignment of the following thought with the %q domain. Domain rules: %s", d.DomainName, d.DomainRules)
	return evaluateViaLLM(ctx, d.Bus, d.Model, "dsdma", prompt, thought)
}

func evaluateViaLLM(ctx context.Context, llmBus *bus.LLMBus, model, name, systemPrompt string, thought *ciris.Thought) (DMAResult, error) {
	messages := []bus.LLMMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: thought.Content},
	}
	resp, err := llmBus.GenerateStructured(ctx, model, messages, evalSchema)
	if err != nil {
		return DMAResult{}, err
	}
	var parsed llmEvalResponse
	if err := json.Unmarshal(resp.RawJSON, &parsed); err != nil {
		return DMAResult{}, ciris.NewFrameworkError(name+".parse", ciris.KindValidation, err)
	}
	return DMAResult{
		DMAName:  name,
		Score:    parsed.Score,
		Insights: parsed.Insights,
		Rejected: parsed.Rejected,
		Reason:   parsed.Reason,
	}, nil
}

// actionSelectionResponse is the structured shape ActionSelectionDMA asks
// the LLM bus for: exactly one action plus its typed parameters.
type actionSelectionResponse struct {
	Action     string                 `json:"action"`
	Parameters map[string]interface{} `json:"parameters"`
	Rationale  string                 `json:"rationale"`
}

var actionSelectionSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"action":     map[string]interface{}{"type": "string", "enum": allActionNames()},
		"parameters": map[string]interface{}{"type": "object"},
		"rationale":  map[string]interface{}{"type": "string"},
	},
	"required": []string{"action", "rationale"},
}

func allActionNames() []string {
	return []string{
		string(ciris.ActionSpeak), string(ciris.ActionObserve), string(ciris.ActionTool),
		string(ciris.ActionReject), string(ciris.ActionPonder), string(ciris.ActionDefer),
		string(ciris.ActionMemorize), string(ciris.ActionRecall), string(ciris.ActionForget),
		string(ciris.ActionTaskComplete),
	}
}

// LLMActionSelectionDMA consumes PDMA/CSDMA/DSDMA's evaluations (and, on
// a guided retry, the Conscience's override reason and insights) and
// selects exactly one action from the closed ten-action set.
type LLMActionSelectionDMA struct {
	Bus   *bus.LLMBus
	Model string
}

func (d LLMActionSelectionDMA) SelectAction(ctx context.Context, thought *ciris.Thought, upstream []DMAResult, guidance *Guidance) (DMAResult, error) {
	system := "Given the following thought and the upstream evaluations (principled, common-sense, and domain-specific), select exactly one action from the closed action set and give typed parameters plus a rationale."
	summary := summarizeUpstream(upstream)
	userContent := thought.Content + "\n\nUpstream evaluations:\n" + summary
	if guidance != nil {
		userContent += fmt.Sprintf("\n\nThe conscience overrode your prior selection of %s: %s. Accumulated insights: %v. Reconsider.", guidance.PriorAction, guidance.OverrideReason, guidance.Insights)
	}

	messages := []bus.LLMMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: userContent},
	}
	resp, err := d.Bus.GenerateStructured(ctx, d.Model, messages, actionSelectionSchema)
	if err != nil {
		return DMAResult{}, err
	}
	var parsed actionSelectionResponse
	if err := json.Unmarshal(resp.RawJSON, &parsed); err != nil {
		return DMAResult{}, ciris.NewFrameworkError("action_selection.parse", ciris.KindValidation, err)
	}
	return DMAResult{
		DMAName:    "action_selection",
		Action:     ciris.Action(parsed.Action),
		Parameters: parsed.Parameters,
		Rationale:  parsed.Rationale,
	}, nil
}

func summarizeUpstream(upstream []DMAResult) string {
	out := ""
	for _, u := range upstream {
		out += fmt.Sprintf("- %s: score=%.2f rejected=%v reason=%q\n", u.DMAName, u.Score, u.Rejected, u.Reason)
	}
	return out
}
