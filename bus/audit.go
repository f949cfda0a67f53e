package bus

import "context"

// AuditBus lets a handler route log(event) to any registered audit
// sink beyond the core's own chain. The composition root
// registers the Chain itself as the default/only provider; an operator
// wanting a second, non-authoritative audit export registers another.
type AuditBus struct {
	Bus
	Policy RetryPolicy
}

// NewAuditBus builds an AuditBus.
func NewAuditBus(b Bus) *AuditBus {
	return &AuditBus{Bus: b, Policy: FileLikePolicy()}
}

func (ab *AuditBus) Log(ctx context.Context, eventType string, actorID, targetID string, payload map[string]interface{}) error {
	return dispatch(ctx, ab.Bus, "audit.log", ab.Policy, func(ctx context.Context, p interface{}) error {
		provider, ok := p.(AuditProvider)
		if !ok {
			return &NoProviderError{Capability: "audit.log"}
		}
		return provider.Log(ctx, eventType, actorID, targetID, payload)
	})
}
