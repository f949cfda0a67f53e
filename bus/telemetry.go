package bus

import (
	"context"
	"time"
)

// TelemetryBus emits spans and metrics for completed operations. The
// composition root's default provider wraps OpenTelemetry's
// otel.Tracer/otel.Meter (see cmd/ciris); handlers never import otel
// directly.
type TelemetryBus struct {
	Bus
	Policy RetryPolicy
}

// NewTelemetryBus builds a TelemetryBus. Telemetry failures never block
// the reasoning loop, so each provider gets a single attempt with no
// retry (dispatch still moves on to the next registered provider after a
// failure); losing a span is preferable to stalling a round waiting on a
// retry.
func NewTelemetryBus(b Bus) *TelemetryBus {
	return &TelemetryBus{Bus: b, Policy: RetryPolicy{MaxAttempts: 1}}
}

func (tb *TelemetryBus) RecordSpan(ctx context.Context, name string, attrs map[string]interface{}, duration time.Duration, spanErr error) {
	_ = dispatch(ctx, tb.Bus, "telemetry.span", tb.Policy, func(ctx context.Context, p interface{}) error {
		provider, ok := p.(TelemetryProvider)
		if !ok {
			return &NoProviderError{Capability: "telemetry.span"}
		}
		provider.RecordSpan(ctx, name, attrs, duration, spanErr)
		return nil
	})
}

func (tb *TelemetryBus) RecordMetric(ctx context.Context, name string, value float64, tags map[string]string) {
	_ = dispatch(ctx, tb.Bus, "telemetry.metric", tb.Policy, func(ctx context.Context, p interface{}) error {
		provider, ok := p.(TelemetryProvider)
		if !ok {
			return &NoProviderError{Capability: "telemetry.metric"}
		}
		provider.RecordMetric(ctx, name, value, tags)
		return nil
	})
}
