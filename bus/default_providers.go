package bus

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ciris-ai/ciris-core/audit"
)

// ChainAuditProvider adapts the core's own hash-chained audit.Chain to
// the AuditProvider interface, so the composition root can register it
// as the Audit bus's default (and usually only) provider without the
// chain needing to know about buses at all.
type ChainAuditProvider struct {
	Chain *audit.Chain
}

func NewChainAuditProvider(chain *audit.Chain) *ChainAuditProvider {
	return &ChainAuditProvider{Chain: chain}
}

func (p *ChainAuditProvider) Log(ctx context.Context, eventType string, actorID, targetID string, payload map[string]interface{}) error {
	_, err := p.Chain.Append(ctx, audit.EventType(eventType), actorID, targetID, payload)
	return err
}

// OtelTelemetryProvider adapts an OpenTelemetry tracer/meter pair to
// the TelemetryProvider interface.
type OtelTelemetryProvider struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
}

func NewOtelTelemetryProvider(tracer trace.Tracer, meter metric.Meter) *OtelTelemetryProvider {
	return &OtelTelemetryProvider{
		Tracer:     tracer,
		Meter:      meter,
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func (p *OtelTelemetryProvider) RecordSpan(ctx context.Context, name string, attrs map[string]interface{}, duration time.Duration, spanErr error) {
	_, span := p.Tracer.Start(ctx, name)
	defer span.End()

	kv := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kv = append(kv, attribute.String(k, toString(v)))
	}
	span.SetAttributes(kv...)
	span.SetAttributes(attribute.Int64("duration_ms", duration.Milliseconds()))

	if spanErr != nil {
		span.RecordError(spanErr)
		span.SetStatus(codes.Error, spanErr.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
}

func (p *OtelTelemetryProvider) RecordMetric(ctx context.Context, name string, value float64, tags map[string]string) {
	kv := make([]attribute.KeyValue, 0, len(tags))
	for k, v := range tags {
		kv = append(kv, attribute.String(k, v))
	}

	c, ok := p.counters[name]
	if !ok {
		var err error
		c, err = p.Meter.Float64Counter(name)
		if err != nil {
			return
		}
		p.counters[name] = c
	}
	c.Add(ctx, value, metric.WithAttributes(kv...))
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
