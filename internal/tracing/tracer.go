// Package tracing wires the engine's rule/condition/action dispatch
// into OpenTelemetry spans (spec §9 component O). The teacher carries
// no OpenTelemetry code at all, so this package is grounded instead on
// betrace-hq-betrace's observability/otel.go (the only OTel producer
// in the retrieval pack): a process-wide TracerProvider built from
// go.opentelemetry.io/otel/sdk/trace, set as the global provider via
// otel.SetTracerProvider, with spans started from the package-level
// tracer. Where betrace dials a real OTLP/gRPC exporter
// (otlptracegrpc), this package exports to a local sink instead — the
// OTLP collector stack is an external deployment concern outside
// SPEC_FULL's scope, and wiring a new gRPC dependency for it isn't
// grounded in anything the engine itself needs.
package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// SpanRecord is a flattened view of a completed span, handed to a Sink
// after export. It carries enough to bridge into the engine's own
// audit trace bus without callers depending on the SDK's
// trace.ReadOnlySpan directly.
type SpanRecord struct {
	Name       string
	TraceID    string
	SpanID     string
	ParentID   string
	StartedAt  int64 // unix nanos
	EndedAt    int64 // unix nanos
	Attributes map[string]string
	StatusCode string
	StatusMsg  string
}

// Sink receives completed spans as they are exported.
type Sink func(SpanRecord)

// sinkExporter adapts a Sink to sdktrace.SpanExporter.
type sinkExporter struct {
	sink Sink
}

func (e *sinkExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if e.sink == nil {
		return nil
	}
	for _, s := range spans {
		attrs := make(map[string]string, len(s.Attributes()))
		for _, kv := range s.Attributes() {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}
		parent := ""
		if s.Parent().HasSpanID() {
			parent = s.Parent().SpanID().String()
		}
		e.sink(SpanRecord{
			Name:       s.Name(),
			TraceID:    s.SpanContext().TraceID().String(),
			SpanID:     s.SpanContext().SpanID().String(),
			ParentID:   parent,
			StartedAt:  s.StartTime().UnixNano(),
			EndedAt:    s.EndTime().UnixNano(),
			Attributes: attrs,
			StatusCode: s.Status().Code.String(),
			StatusMsg:  s.Status().Description,
		})
	}
	return nil
}

func (e *sinkExporter) Shutdown(ctx context.Context) error { return nil }

// Tracer wraps a process-wide OpenTelemetry TracerProvider scoped to
// the engine's own spans (rule evaluation and action execution; there
// is no condition-evaluation span).
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	mu       sync.Mutex
	stopped  bool
}

// New builds a Tracer that always-samples and exports completed spans
// to sink (pass nil to discard them, which still exercises span
// creation/propagation without a downstream consumer).
func New(ctx context.Context, serviceName string, sink Sink) (*Tracer, error) {
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, err
	}

	processor := sdktrace.NewSimpleSpanProcessor(&sinkExporter{sink: sink})
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(processor),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer("github.com/ruleforge/engine"),
	}, nil
}

// StartRuleEvaluation starts a span covering one rule's
// condition-evaluation-through-action-execution cycle.
func (t *Tracer) StartRuleEvaluation(ctx context.Context, ruleName, triggerKind string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "rule.evaluate",
		trace.WithAttributes(
			attribute.String("rule.name", ruleName),
			attribute.String("trigger.kind", triggerKind),
		),
	)
}

// StartAction starts a span covering one action's execution.
func (t *Tracer) StartAction(ctx context.Context, ruleName, actionKind string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "rule.action",
		trace.WithAttributes(
			attribute.String("rule.name", ruleName),
			attribute.String("action.kind", actionKind),
		),
	)
}

// Shutdown flushes and stops the provider. Safe to call multiple times.
func (t *Tracer) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil
	}
	t.stopped = true
	return t.provider.Shutdown(ctx)
}
