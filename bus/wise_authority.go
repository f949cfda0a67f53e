package bus

import "context"

// WiseAuthorityBus carries DEFER escalations and guidance requests to a
// registered human-or-policy reviewer.
type WiseAuthorityBus struct {
	Bus
	Policy RetryPolicy
}

// NewWiseAuthorityBus builds a WiseAuthorityBus.
func NewWiseAuthorityBus(b Bus) *WiseAuthorityBus {
	return &WiseAuthorityBus{Bus: b, Policy: DefaultHTTPLikePolicy()}
}

func (wb *WiseAuthorityBus) RequestGuidance(ctx context.Context, guidanceContext map[string]interface{}) (GuidanceResult, error) {
	var result GuidanceResult
	err := dispatch(ctx, wb.Bus, "wise_authority.request_guidance", wb.Policy, func(ctx context.Context, p interface{}) error {
		provider, ok := p.(WiseAuthorityProvider)
		if !ok {
			return &NoProviderError{Capability: "wise_authority.request_guidance"}
		}
		r, err := provider.RequestGuidance(ctx, guidanceContext)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

func (wb *WiseAuthorityBus) SubmitDeferral(ctx context.Context, taskID, reason string) error {
	return dispatch(ctx, wb.Bus, "wise_authority.submit_deferral", wb.Policy, func(ctx context.Context, p interface{}) error {
		provider, ok := p.(WiseAuthorityProvider)
		if !ok {
			return &NoProviderError{Capability: "wise_authority.submit_deferral"}
		}
		return provider.SubmitDeferral(ctx, taskID, reason)
	})
}
