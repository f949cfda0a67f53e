package bus

import "context"

// RuntimeControlBus exposes the operator control surface — processor
// pause/resume/step and adapter load/unload — to whatever transport an
// adapter chooses to expose it over (CLI, HTTP, gRPC); the core itself
// only ever calls through this bus.
type RuntimeControlBus struct {
	Bus
	Policy RetryPolicy
}

// NewRuntimeControlBus builds a RuntimeControlBus.
func NewRuntimeControlBus(b Bus) *RuntimeControlBus {
	return &RuntimeControlBus{Bus: b, Policy: RetryPolicy{MaxAttempts: 1}}
}

func (rb *RuntimeControlBus) Pause(ctx context.Context) error {
	return dispatch(ctx, rb.Bus, "runtime_control.pause", rb.Policy, func(ctx context.Context, p interface{}) error {
		provider, ok := p.(RuntimeControlProvider)
		if !ok {
			return &NoProviderError{Capability: "runtime_control.pause"}
		}
		return provider.Pause(ctx)
	})
}

func (rb *RuntimeControlBus) Resume(ctx context.Context) error {
	return dispatch(ctx, rb.Bus, "runtime_control.resume", rb.Policy, func(ctx context.Context, p interface{}) error {
		provider, ok := p.(RuntimeControlProvider)
		if !ok {
			return &NoProviderError{Capability: "runtime_control.resume"}
		}
		return provider.Resume(ctx)
	})
}

func (rb *RuntimeControlBus) Step(ctx context.Context) (int, error) {
	var count int
	err := dispatch(ctx, rb.Bus, "runtime_control.step", rb.Policy, func(ctx context.Context, p interface{}) error {
		provider, ok := p.(RuntimeControlProvider)
		if !ok {
			return &NoProviderError{Capability: "runtime_control.step"}
		}
		n, err := provider.Step(ctx)
		if err != nil {
			return err
		}
		count = n
		return nil
	})
	return count, err
}

func (rb *RuntimeControlBus) LoadAdapter(ctx context.Context, adapterType, id string, config map[string]interface{}) error {
	return dispatch(ctx, rb.Bus, "runtime_control.load_adapter", rb.Policy, func(ctx context.Context, p interface{}) error {
		provider, ok := p.(RuntimeControlProvider)
		if !ok {
			return &NoProviderError{Capability: "runtime_control.load_adapter"}
		}
		return provider.LoadAdapter(ctx, adapterType, id, config)
	})
}

func (rb *RuntimeControlBus) UnloadAdapter(ctx context.Context, id string) error {
	return dispatch(ctx, rb.Bus, "runtime_control.unload_adapter", rb.Policy, func(ctx context.Context, p interface{}) error {
		provider, ok := p.(RuntimeControlProvider)
		if !ok {
			return &NoProviderError{Capability: "runtime_control.unload_adapter"}
		}
		return provider.UnloadAdapter(ctx, id)
	})
}
