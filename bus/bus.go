// Package bus implements the Service Bus: the only path a handler has
// to an external capability. Each bus kind wraps registry.Registry.Select
// with a capability-specific retry policy and falls back to the next
// eligible provider when one fails, so handlers never hold a direct
// provider reference. Retry and circuit breaking stay orthogonal: the
// registry supplies the circuit-breaker interceptor, dispatch here
// supplies retry.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/clock"
	"github.com/ciris-ai/ciris-core/registry"
)

// RetryPolicy tunes how a capability call is retried across attempts on
// the SAME provider before dispatch moves on to the next eligible
// provider. classify decides whether an error counts as retryable;
// nil means "retry anything that isn't Permission/Validation/NotFound".
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Classify    func(error) bool
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Classify != nil {
		return p.Classify(err)
	}
	return !(ciris.IsPermission(err) || ciris.IsValidation(err) || ciris.IsNotFound(err))
}

// DefaultHTTPLikePolicy retries transient/timeout failures and never
// retries auth/permission/notfound.
func DefaultHTTPLikePolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Classify:    ciris.IsTransient,
	}
}

// FileLikePolicy retries OS-level transient failures, including the
// permission-flavored ones local file stores raise while busy.
func FileLikePolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
		Classify: func(err error) bool {
			return ciris.IsTransient(err) || ciris.IsPermission(err)
		},
	}
}

// Bus is the shared dispatch engine every typed bus (CommunicationBus,
// ToolBus, ...) embeds. It is not itself exported as a capability-neutral
// API: callers use the typed buses in this package, never Bus directly.
type Bus struct {
	Registry registry.Registry
	Clock    clock.Clock
	Logger   ciris.Logger
}

// New builds the shared dispatch engine. logger defaults to a no-op.
func New(reg registry.Registry, cl clock.Clock, logger ciris.Logger) Bus {
	if logger == nil {
		logger = ciris.NoOpLogger{}
	}
	return Bus{Registry: reg, Clock: cl, Logger: logger}
}

// NoProviderError is the typed failure returned when the registry cannot
// satisfy a capability request at all.
type NoProviderError struct {
	Capability string
}

func (e *NoProviderError) Error() string {
	return fmt.Sprintf("no provider available for capability %q", e.Capability)
}
func (e *NoProviderError) Unwrap() error { return ciris.ErrNoProvider }

// dispatch selects providers of capability in priority order and invokes
// call against each until one succeeds, retrying per-provider per policy
// and falling back to the next provider on exhausted retries or a
// non-retryable failure that doesn't disqualify the whole request.
func dispatch(ctx context.Context, b Bus, capability string, policy RetryPolicy, call func(ctx context.Context, provider interface{}) error) error {
	services, err := b.Registry.Select(ctx, capability)
	if err != nil {
		return fmt.Errorf("bus: select %s: %w", capability, err)
	}
	if len(services) == 0 {
		return &NoProviderError{Capability: capability}
	}

	var lastErr error
	for _, svc := range services {
		provider, ok := b.Registry.Provider(svc.ServiceID)
		if !ok {
			continue
		}
		err := retryOnProvider(ctx, b, svc.ServiceID, policy, func(ctx context.Context) error {
			return call(ctx, provider)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		b.Logger.Warn("bus provider call failed, trying next provider", map[string]interface{}{
			"capability": capability,
			"service_id": svc.ServiceID,
			"error":      err.Error(),
		})
	}
	return lastErr
}

func retryOnProvider(ctx context.Context, b Bus, serviceID string, policy RetryPolicy, fn func(context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := policy.BaseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	maxDelay := policy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := b.Registry.Execute(ctx, serviceID, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !policy.retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		wait := delay * time.Duration(1<<(attempt-1))
		if wait > maxDelay {
			wait = maxDelay
		}
		timer := b.Clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C():
		}
	}
	return lastErr
}
