package bus

import "context"

// LLMBus dispatches generate_structured calls to a registered LLM
// provider. DMAs call through this bus, never an LLM client directly, so
// swapping providers or adding a fallback model never touches DMA code.
type LLMBus struct {
	Bus
	Policy RetryPolicy
}

// NewLLMBus builds an LLMBus.
func NewLLMBus(b Bus) *LLMBus {
	return &LLMBus{Bus: b, Policy: DefaultHTTPLikePolicy()}
}

func (lb *LLMBus) GenerateStructured(ctx context.Context, model string, messages []LLMMessage, responseSchema map[string]interface{}) (StructuredResponse, error) {
	var result StructuredResponse
	err := dispatch(ctx, lb.Bus, "llm.generate_structured", lb.Policy, func(ctx context.Context, p interface{}) error {
		provider, ok := p.(LLMProvider)
		if !ok {
			return &NoProviderError{Capability: "llm.generate_structured"}
		}
		r, err := provider.GenerateStructured(ctx, model, messages, responseSchema)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}
