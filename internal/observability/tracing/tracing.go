// Package tracing is a thin wrapper around OpenTelemetry so the engine can open
// one span per task execution without importing the SDK directly.
//
// Until Init succeeds, the global no-op provider is used and spans cost nothing.
package tracing

import (
	"context"
	"io"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "taskmgr"

var (
	mu       sync.Mutex
	provider *sdktrace.TracerProvider
	outFile  *os.File
)

// Init installs a stdout exporter as the global provider. outputFile empty means os.Stdout.
// Calling Init again replaces the previous provider.
func Init(serviceName, serviceVersion, outputFile string) error {
	var w io.Writer = os.Stdout
	var f *os.File
	if outputFile != "" {
		var err error
		f, err = os.OpenFile(outputFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		w = f
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		if f != nil {
			_ = f.Close()
		}
		return err
	}
	if err := InitWithExporter(serviceName, serviceVersion, exporter); err != nil {
		if f != nil {
			_ = f.Close()
		}
		return err
	}
	mu.Lock()
	outFile = f
	mu.Unlock()
	return nil
}

// InitWithExporter installs any SDK exporter (tests use an in-memory one).
func InitWithExporter(serviceName, serviceVersion string, exporter sdktrace.SpanExporter) error {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
		),
	)
	if err != nil {
		return err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	)

	mu.Lock()
	prev, prevFile := provider, outFile
	provider, outFile = tp, nil
	mu.Unlock()
	otel.SetTracerProvider(tp)

	if prev != nil {
		_ = prev.Shutdown(context.Background())
	}
	if prevFile != nil {
		_ = prevFile.Close()
	}
	return nil
}

// Shutdown flushes and removes the installed provider, if any.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	tp, f := provider, outFile
	provider, outFile = nil, nil
	mu.Unlock()

	var err error
	if tp != nil {
		err = tp.Shutdown(ctx)
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
	}
	if f != nil {
		_ = f.Close()
	}
	return err
}

// Span wraps trace.Span.
type Span struct {
	span trace.Span
}

// StartSpan starts an internal span under ctx.
func StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, *Span) {
	kv := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kv = append(kv, attribute.String(k, v))
	}
	ctx, span := otel.Tracer(instrumentation).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(kv...),
	)
	return ctx, &Span{span: span}
}

// End records err (if any) as the span status and ends the span.
func (s *Span) End(err error) {
	if s == nil || s.span == nil {
		return
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}
