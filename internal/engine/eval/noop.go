package eval

import (
	"context"
	"io"

	"go.trai.ch/loom/internal/core/ports"
)

// Default no-op implementations used when the caller does not wire logging or
// telemetry. The real adapters live outside the engine.

type nopLogger struct{}

func (nopLogger) Info(string) {}
func (nopLogger) Warn(string) {}
func (nopLogger) Error(error) {}

type nopTracer struct{}

func (nopTracer) Start(ctx context.Context, _ string, _ ...ports.SpanOption) (context.Context, ports.Span) {
	return ctx, nopSpan{}
}
func (nopTracer) EmitPlan(context.Context, []string) {}

type nopSpan struct{}

func (nopSpan) End()                     {}
func (nopSpan) RecordError(error)        {}
func (nopSpan) SetAttribute(string, any) {}

type nopTelemetry struct{}

func (nopTelemetry) Record(ctx context.Context, _ string) (context.Context, ports.Vertex) {
	return ctx, nopVertex{}
}
func (nopTelemetry) Close() error { return nil }

type nopVertex struct{}

func (nopVertex) Stdout() io.Writer { return io.Discard }
func (nopVertex) Stderr() io.Writer { return io.Discard }
func (nopVertex) Cached()           {}
func (nopVertex) Complete(error)    {}
