// Package telemetry wires OpenTelemetry tracing and metrics for the
// gateway. Instruments is nil-safe: every recording method is a no-op
// on a nil receiver, so components accept an optional *Instruments
// without guarding each call.
package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const scopeName = "github.com/nugget/aichemy-agent"

// Attribute keys shared by spans and metrics.
var (
	AttrEvent    = attribute.Key("session.event")
	AttrFrom     = attribute.Key("session.from")
	AttrTo       = attribute.Key("session.to")
	AttrIgnored  = attribute.Key("session.ignored")
	AttrThreadID = attribute.Key("session.thread_id")
	AttrEndpoint = attribute.Key("endpoint.name")
	AttrStatus   = attribute.Key("endpoint.status")
	AttrFunction = attribute.Key("tool.function")
)

// Instruments holds the tracer and metric instruments used across the
// gateway.
type Instruments struct {
	Tracer trace.Tracer

	Transitions      metric.Int64Counter
	EndpointCalls    metric.Int64Counter
	EndpointDuration metric.Float64Histogram
	ToolCalls        metric.Int64Counter
}

// Init sets up trace and metric providers with OTLP HTTP exporters and
// installs them globally. Exporter configuration comes from the
// standard OTEL_EXPORTER_OTLP_* environment variables. The returned
// shutdown function flushes both providers.
func Init(ctx context.Context, serviceName string) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	inst, err := NewInstruments(tp, mp)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	return inst, shutdown, nil
}

// NewInstruments creates the gateway's instruments from explicit
// providers.
func NewInstruments(tp trace.TracerProvider, mp metric.MeterProvider) (*Instruments, error) {
	meter := mp.Meter(scopeName)

	transitions, err := meter.Int64Counter("session.transitions",
		metric.WithDescription("State machine events handled"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}

	endpointCalls, err := meter.Int64Counter("endpoint.calls",
		metric.WithDescription("Serving endpoint invocations"),
		metric.WithUnit("{call}"))
	if err != nil {
		return nil, err
	}

	endpointDuration, err := meter.Float64Histogram("endpoint.duration",
		metric.WithDescription("Serving endpoint call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	toolCalls, err := meter.Int64Counter("agent.tool_calls",
		metric.WithDescription("Tool invocation records parsed from agent replies"),
		metric.WithUnit("{call}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:           tp.Tracer(scopeName),
		Transitions:      transitions,
		EndpointCalls:    endpointCalls,
		EndpointDuration: endpointDuration,
		ToolCalls:        toolCalls,
	}, nil
}

// StartSpan starts a span. On a nil receiver it returns ctx and a
// non-recording span.
func (i *Instruments) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if i == nil || i.Tracer == nil {
		return ctx, noop.Span{}
	}
	return i.Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordTransition counts one handled state machine event.
func (i *Instruments) RecordTransition(ctx context.Context, event, from, to string, ignored bool) {
	if i == nil {
		return
	}
	i.Transitions.Add(ctx, 1, metric.WithAttributes(
		AttrEvent.String(event),
		AttrFrom.String(from),
		AttrTo.String(to),
		AttrIgnored.Bool(ignored),
	))
}

// RecordEndpoint records the outcome of one endpoint call and marks
// span as failed when err is non-nil.
func (i *Instruments) RecordEndpoint(ctx context.Context, span trace.Span, endpoint string, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(AttrStatus.String(status))
	if i == nil {
		return
	}
	i.EndpointCalls.Add(ctx, 1, metric.WithAttributes(
		AttrEndpoint.String(endpoint),
		AttrStatus.String(status),
	))
	i.EndpointDuration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(
		AttrEndpoint.String(endpoint),
	))
}

// RecordToolCall counts one parsed tool invocation record.
func (i *Instruments) RecordToolCall(ctx context.Context, function string) {
	if i == nil {
		return
	}
	i.ToolCalls.Add(ctx, 1, metric.WithAttributes(AttrFunction.String(function)))
}
