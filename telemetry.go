package fleetconn

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Span is a minimal tracing span abstraction, grounded on the teacher's
// core.Span interface.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// Telemetry is the optional observability hook the Coordinator invokes on
// every state transition and component outcome. Non-goals exclude GUI and
// reporting *layers*, not this ambient concern.
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// NoOpTelemetry discards everything. It is the default.
type NoOpTelemetry struct{}

func (NoOpTelemetry) StartSpan(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noOpSpan{}
}
func (NoOpTelemetry) RecordMetric(string, float64, map[string]string) {}

type noOpSpan struct{}

func (noOpSpan) End()                             {}
func (noOpSpan) SetAttribute(string, interface{}) {}
func (noOpSpan) RecordError(error)                {}

// otelSpan adapts an OpenTelemetry span to the Span interface.
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", value)))
}

func (s *otelSpan) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}

// OTelTelemetry implements Telemetry using OpenTelemetry traces. Metrics
// are routed to the appropriate instrument kind by name heuristic, mirroring
// the teacher's RecordMetric convention.
type OTelTelemetry struct {
	tracer trace.Tracer
	meter  metric.Meter
	tp     *sdktrace.TracerProvider

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
}

// NewOTelTelemetry creates a telemetry provider exporting traces over
// OTLP/gRPC to endpoint. An empty endpoint selects the stdout exporter,
// convenient for local development.
func NewOTelTelemetry(ctx context.Context, serviceName, endpoint string) (*OTelTelemetry, error) {
	var exporter sdktrace.SpanExporter
	var err error

	if endpoint == "" {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	} else {
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	}
	if err != nil {
		return nil, fmt.Errorf("fleetconn: create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)

	meterName := "fleetconn"
	if serviceName != "" {
		meterName = serviceName
	}

	return &OTelTelemetry{
		tracer:     tp.Tracer(meterName),
		meter:      otel.GetMeterProvider().Meter(meterName),
		tp:         tp,
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}, nil
}

func (o *OTelTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, span := o.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric routes by name heuristic: names containing duration/latency
// go to a histogram, everything else is a monotonic counter.
func (o *OTelTelemetry) RecordMetric(name string, value float64, labels map[string]string) {
	var attrs []attribute.KeyValue
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	ctx := context.Background()

	if strings.Contains(name, "duration") || strings.Contains(name, "latency") {
		h := o.histogramFor(name)
		if h != nil {
			h.Record(ctx, value, metric.WithAttributes(attrs...))
		}
		return
	}
	c := o.counterFor(name)
	if c != nil {
		c.Add(ctx, value, metric.WithAttributes(attrs...))
	}
}

func (o *OTelTelemetry) counterFor(name string) metric.Float64Counter {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.counters[name]; ok {
		return c
	}
	c, err := o.meter.Float64Counter(name)
	if err != nil {
		return nil
	}
	o.counters[name] = c
	return c
}

func (o *OTelTelemetry) histogramFor(name string) metric.Float64Histogram {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := o.histograms[name]; ok {
		return h
	}
	h, err := o.meter.Float64Histogram(name)
	if err != nil {
		return nil
	}
	o.histograms[name] = h
	return h
}

// Shutdown flushes and releases exporter resources.
func (o *OTelTelemetry) Shutdown(ctx context.Context) error {
	return o.tp.Shutdown(ctx)
}

var _ Telemetry = NoOpTelemetry{}
var _ Telemetry = (*OTelTelemetry)(nil)

func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
