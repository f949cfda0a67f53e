package bus

import (
	"context"

	"github.com/ciris-ai/ciris-core"
)

// FilterBus encapsulates outbound content (replacing secret material with
// SecretRefs) and decapsulates it back for a specific action type and
// context: secrets are encapsulated automatically on store and
// decapsulated context-aware on recall.
type FilterBus struct {
	Bus
	Policy RetryPolicy
}

// NewFilterBus builds a FilterBus.
func NewFilterBus(b Bus) *FilterBus {
	return &FilterBus{Bus: b, Policy: FileLikePolicy()}
}

func (fb *FilterBus) Encapsulate(ctx context.Context, content string, actionContext map[string]interface{}) (string, []SecretRef, error) {
	var outContent string
	var refs []SecretRef
	err := dispatch(ctx, fb.Bus, "filter.encapsulate", fb.Policy, func(ctx context.Context, p interface{}) error {
		provider, ok := p.(FilterProvider)
		if !ok {
			return &NoProviderError{Capability: "filter.encapsulate"}
		}
		c, r, err := provider.Encapsulate(ctx, content, actionContext)
		if err != nil {
			return err
		}
		outContent, refs = c, r
		return nil
	})
	return outContent, refs, err
}

func (fb *FilterBus) Decapsulate(ctx context.Context, content string, actionType ciris.Action, actionContext map[string]interface{}) (string, error) {
	var outContent string
	err := dispatch(ctx, fb.Bus, "filter.decapsulate", fb.Policy, func(ctx context.Context, p interface{}) error {
		provider, ok := p.(FilterProvider)
		if !ok {
			return &NoProviderError{Capability: "filter.decapsulate"}
		}
		c, err := provider.Decapsulate(ctx, content, actionType, actionContext)
		if err != nil {
			return err
		}
		outContent = c
		return nil
	})
	return outContent, err
}
