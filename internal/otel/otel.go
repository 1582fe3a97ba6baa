// Package otel wires the agent's event-bus events into OpenTelemetry spans.
package otel

import (
	"context"
	"sync"

	eventbus "github.com/graphqlhive/agent-go/internal/eventbus"
	events "github.com/graphqlhive/agent-go/internal/events"
	reqid "github.com/graphqlhive/agent-go/internal/reqid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

// Setup configures OpenTelemetry and attaches eventbus subscribers. If
// endpoint is empty, no telemetry is configured and the returned shutdown
// function is a no-op.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithInsecure()))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	sub := &subscriber{tracer: otel.Tracer("hive-agent")}
	sub.register()

	return tp.Shutdown, nil
}

// subscriber holds in-flight spans keyed by request ID so that a Start/
// Finish event pair belonging to the same request can be joined without
// threading a span through call signatures.
type subscriber struct {
	tracer       trace.Tracer
	captureSpans sync.Map // rid -> trace.Span
}

func (s *subscriber) register() {
	eventbus.Subscribe(func(ctx context.Context, e events.CaptureStart) {
		rid, _ := reqid.FromContext(ctx)
		_, span := s.tracer.Start(ctx, "usage.capture")
		span.SetAttributes(
			attribute.String("graphql.operation.name", e.OperationName),
			attribute.String("graphql.client.name", e.ClientName),
			attribute.String("graphql.client.version", e.ClientVersion),
		)
		s.captureSpans.Store(rid, span)
	})

	eventbus.Subscribe(func(ctx context.Context, e events.CaptureFinish) {
		rid, _ := reqid.FromContext(ctx)
		v, ok := s.captureSpans.LoadAndDelete(rid)
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(attribute.Bool("usage.sampled", e.Sampled))
		span.End()
	})

	eventbus.Subscribe(func(ctx context.Context, e events.FlushStart) {
		_, span := s.tracer.Start(ctx, "usage.flush")
		span.SetAttributes(
			attribute.String("usage.flush.reason", e.Reason),
			attribute.Int("usage.flush.execution_count", e.ExecutionCount),
		)
		span.End()
	})

	eventbus.Subscribe(func(ctx context.Context, e events.ReportTransmitFinish) {
		_, span := s.tracer.Start(ctx, "usage.transmit")
		span.SetAttributes(
			attribute.Int("usage.transmit.attempt", e.Attempt),
			attribute.Int("http.status_code", e.Status),
		)
		if e.Err != nil {
			span.RecordError(e.Err)
		}
		span.End()
	})

	eventbus.Subscribe(func(ctx context.Context, e events.PollCycle) {
		_, span := s.tracer.Start(ctx, "registry.poll")
		span.SetAttributes(
			attribute.Bool("registry.poll.changed", e.Changed),
			attribute.Int("http.status_code", e.Status),
		)
		if e.Err != nil {
			span.RecordError(e.Err)
		}
		span.End()
	})
}
