package observability

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/synapsehq/synapse/internal/agent"
	"github.com/synapsehq/synapse/pkg/models"
)

// TraceConfig configures OTLP trace export. An empty Endpoint yields a
// no-op tracer.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Endpoint is the OTLP gRPC collector, e.g. "localhost:4317".
	Endpoint string

	// SamplingRate is the recorded fraction in (0, 1]; defaults to 1.
	SamplingRate float64

	// Insecure disables TLS on the collector connection.
	Insecure bool
}

// Tracer wraps the SDK tracer with span helpers for agent operations.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer builds a tracer and its shutdown function. Exporter setup
// failures degrade to a no-op tracer rather than blocking startup.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = "synapse"
	}
	noop := func(context.Context) error { return nil }
	if config.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(config.ServiceName)}, noop
	}
	if config.SamplingRate <= 0 || config.SamplingRate > 1 {
		config.SamplingRate = 1
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(config.ServiceName)}, noop
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	sampler := sdktrace.AlwaysSample()
	if config.SamplingRate < 1 {
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{tracer: provider.Tracer(config.ServiceName)}, provider.Shutdown
}

// StartRun opens the root span for one agent run.
func (t *Tracer) StartRun(ctx context.Context, sessionID, model string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "agent.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("llm.model", model),
		))
}

// StartTool opens a span for one tool execution.
func (t *Tracer) StartTool(ctx context.Context, name, toolUseID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "tool."+name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("tool.use_id", toolUseID)))
}

// StartGeneration opens a span for one provider round trip.
func (t *Tracer) StartGeneration(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "llm.generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", provider),
			attribute.String("llm.model", model),
		))
}

// Observe subscribes span creation to bus events: one child span per
// provider round (message_start to message_end) and one per tool
// execution (tool_start to tool_end), all parented to ctx. Returns an
// unsubscribe function; spans still open when it runs are ended.
func (t *Tracer) Observe(ctx context.Context, bus *agent.EventBus, provider, model string) func() {
	var mu sync.Mutex
	genSpans := make(map[int]trace.Span)
	toolSpans := make(map[string]trace.Span)

	id := bus.SubscribeAll(func(event models.AgentEvent) {
		switch event.Type {
		case models.EventMessageStart:
			_, span := t.StartGeneration(ctx, provider, model)
			mu.Lock()
			genSpans[event.TurnIndex] = span
			mu.Unlock()

		case models.EventMessageEnd:
			mu.Lock()
			span := genSpans[event.TurnIndex]
			delete(genSpans, event.TurnIndex)
			mu.Unlock()
			if span != nil {
				EndSpan(span, nil)
			}

		case models.EventToolStart:
			if event.Tool == nil {
				return
			}
			_, span := t.StartTool(ctx, event.Tool.Name, event.Tool.ToolUseID)
			mu.Lock()
			toolSpans[event.Tool.ToolUseID] = span
			mu.Unlock()

		case models.EventToolEnd:
			if event.Tool == nil {
				return
			}
			mu.Lock()
			span := toolSpans[event.Tool.ToolUseID]
			delete(toolSpans, event.Tool.ToolUseID)
			mu.Unlock()
			if span == nil {
				return
			}
			var err error
			if event.Tool.IsError {
				err = errors.New(event.Tool.Output)
			}
			EndSpan(span, err)
		}
	})

	return func() {
		bus.Unsubscribe(id)
		mu.Lock()
		defer mu.Unlock()
		for turn, span := range genSpans {
			span.End()
			delete(genSpans, turn)
		}
		for useID, span := range toolSpans {
			span.End()
			delete(toolSpans, useID)
		}
	}
}

// EndSpan records err on span, sets the status, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
