// Package telemetry wires OpenTelemetry tracing and metrics for the engine.
// When disabled every instrument is a no-op, so callers never check whether
// telemetry is on.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/Iron-Ham/laneway/internal/config"
)

const (
	// ScopeName is the instrumentation scope for engine spans and metrics.
	ScopeName = "laneway"
	// TraceFile receives exported spans under the state directory.
	TraceFile = "traces.jsonl"
)

// Span attribute keys.
var (
	AttrTaskID    = attribute.Key("laneway.task.id")
	AttrSubtaskID = attribute.Key("laneway.subtask.id")
	AttrAgentID   = attribute.Key("laneway.agent.id")
	AttrRole      = attribute.Key("laneway.role")
	AttrState     = attribute.Key("laneway.state")
)

// Provider bundles the tracer and meter used by the engine.
type Provider struct {
	Tracer  trace.Tracer
	Meter   metric.Meter
	Metrics *Metrics

	// reader is set when real providers are installed so tests can collect.
	reader   *sdkmetric.ManualReader
	shutdown func(context.Context) error
}

// Init sets up telemetry. Spans are written as JSON lines to
// <stateDir>/traces.jsonl with the stdout exporter; "none" keeps real
// providers but discards spans. A disabled config returns no-op providers.
func Init(ctx context.Context, cfg config.TelemetryConfig, stateDir string) (*Provider, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = ScopeName
	}
	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", name)))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, closer, err := createExporter(cfg.Exporter, stateDir)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)

	meter := mp.Meter(ScopeName)
	metrics, err := NewMetrics(meter)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = closer.Close()
		return nil, err
	}

	return &Provider{
		Tracer:  tp.Tracer(ScopeName),
		Meter:   meter,
		Metrics: metrics,
		reader:  reader,
		shutdown: func(ctx context.Context) error {
			tErr := tp.Shutdown(ctx)
			mErr := mp.Shutdown(ctx)
			cErr := closer.Close()
			if tErr != nil {
				return tErr
			}
			if mErr != nil {
				return mErr
			}
			return cErr
		},
	}, nil
}

// Noop returns a provider whose instruments record nothing.
func Noop() *Provider {
	meter := noop.NewMeterProvider().Meter(ScopeName)
	// The noop meter never fails to create instruments.
	metrics, _ := NewMetrics(meter)
	return &Provider{
		Tracer:   nooptrace.NewTracerProvider().Tracer(ScopeName),
		Meter:    meter,
		Metrics:  metrics,
		shutdown: func(context.Context) error { return nil },
	}
}

// Shutdown flushes pending spans and releases the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// StartSpan starts an internal span with the given attributes.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if p == nil {
		return Noop().StartSpan(ctx, name, attrs...)
	}
	return p.Tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func createExporter(kind, stateDir string) (sdktrace.SpanExporter, io.Closer, error) {
	switch kind {
	case "stdout", "":
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(filepath.Join(stateDir, TraceFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, err
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(f))
		if err != nil {
			_ = f.Close()
			return nil, nil, err
		}
		return exp, f, nil
	case "none":
		return discardExporter{}, nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown exporter: %s (supported: stdout, none)", kind)
	}
}

// discardExporter drops every span.
type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
