package bus

import "context"

// ToolBus dispatches TOOL action invocations to registered ToolProvider
// adapters.
type ToolBus struct {
	Bus
	Policy RetryPolicy
}

// NewToolBus builds a ToolBus.
func NewToolBus(b Bus) *ToolBus {
	return &ToolBus{Bus: b, Policy: DefaultHTTPLikePolicy()}
}

// ListTools aggregates tool descriptors from every registered provider of
// the tool.list capability (unlike other bus operations, this one does
// not stop at the first success: a TOOL handler needs the full catalog).
func (tb *ToolBus) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	services, err := tb.Registry.Select(ctx, "tool.list")
	if err != nil {
		return nil, err
	}
	var out []ToolDescriptor
	var lastErr error
	found := false
	for _, svc := range services {
		p, ok := tb.Registry.Provider(svc.ServiceID)
		if !ok {
			continue
		}
		provider, ok := p.(ToolProvider)
		if !ok {
			continue
		}
		err := tb.Registry.Execute(ctx, svc.ServiceID, func(ctx context.Context) error {
			tools, err := provider.ListTools(ctx)
			if err != nil {
				return err
			}
			out = append(out, tools...)
			return nil
		})
		if err != nil {
			lastErr = err
			continue
		}
		found = true
	}
	if !found && len(out) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, &NoProviderError{Capability: "tool.list"}
	}
	return out, nil
}

// ExecuteTool invokes name with params via the highest-priority provider
// that advertises tool.execute, falling back to the next on failure.
func (tb *ToolBus) ExecuteTool(ctx context.Context, name string, params map[string]interface{}) (ToolResult, error) {
	var result ToolResult
	err := dispatch(ctx, tb.Bus, "tool.execute", tb.Policy, func(ctx context.Context, p interface{}) error {
		provider, ok := p.(ToolProvider)
		if !ok {
			return &NoProviderError{Capability: "tool.execute"}
		}
		r, err := provider.ExecuteTool(ctx, name, params)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}
