package bus

import "context"

// CommunicationBus fans SPEAK/fetch requests out to registered
// CommunicationProvider adapters (chat platforms, HTTP, CLI).
type CommunicationBus struct {
	Bus
	Policy RetryPolicy
}

// NewCommunicationBus builds a CommunicationBus over the shared dispatch
// engine with the HTTP-like retry policy network-backed adapters need.
func NewCommunicationBus(b Bus) *CommunicationBus {
	return &CommunicationBus{Bus: b, Policy: DefaultHTTPLikePolicy()}
}

// SendMessage delivers content to channelID via the highest-priority
// healthy provider, falling back on failure.
func (cb *CommunicationBus) SendMessage(ctx context.Context, channelID, content string) (bool, error) {
	var delivered bool
	err := dispatch(ctx, cb.Bus, "communication.send_message", cb.Policy, func(ctx context.Context, p interface{}) error {
		provider, ok := p.(CommunicationProvider)
		if !ok {
			return &NoProviderError{Capability: "communication.send_message"}
		}
		ok2, err := provider.SendMessage(ctx, channelID, content)
		if err != nil {
			return err
		}
		delivered = ok2
		return nil
	})
	return delivered, err
}

// FetchMessages reads up to limit recent messages from channelID.
func (cb *CommunicationBus) FetchMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	var out []Message
	err := dispatch(ctx, cb.Bus, "communication.fetch_messages", cb.Policy, func(ctx context.Context, p interface{}) error {
		provider, ok := p.(CommunicationProvider)
		if !ok {
			return &NoProviderError{Capability: "communication.fetch_messages"}
		}
		msgs, err := provider.FetchMessages(ctx, channelID, limit)
		if err != nil {
			return err
		}
		out = msgs
		return nil
	})
	return out, err
}
