package ports

import (
	"context"
	"io"
)

//go:generate go run go.uber.org/mock/mockgen -source=telemetry.go -destination=mocks/mock_telemetry.go -package=mocks

// Tracer is the entry point for creating build-level spans.
type Tracer interface {
	// Start creates a new span.
	Start(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span)
	// EmitPlan signals that a set of top-level keys is planned for
	// evaluation.
	EmitPlan(ctx context.Context, keys []string)
}

// Span represents a unit of work.
type Span interface {
	// End completes the span.
	End()
	// RecordError records an error for the span.
	RecordError(err error)
	// SetAttribute adds a key-value pair to the span.
	SetAttribute(key string, value any)
}

// SpanConfig holds configuration for a starting span.
type SpanConfig struct {
	// Placeholder to support the option pattern.
}

// SpanOption is a functional option for configuring a span.
type SpanOption func(*SpanConfig)

// Telemetry records per-node build progress. One vertex is recorded per node
// evaluation; repeated recordings for the same name refer to the same vertex.
type Telemetry interface {
	// Record starts (or resumes) recording the vertex with the given name.
	Record(ctx context.Context, name string) (context.Context, Vertex)
	// Close flushes and closes the recording session.
	Close() error
}

// Vertex is one recorded unit of progress.
type Vertex interface {
	// Stdout returns a writer capturing the vertex's standard output.
	Stdout() io.Writer
	// Stderr returns a writer capturing the vertex's error output.
	Stderr() io.Writer
	// Cached marks the vertex as satisfied from cache.
	Cached()
	// Complete marks the vertex as finished, successfully or with an error.
	Complete(err error)
}

type vertexContextKey struct{}

// ContextWithVertex attaches a vertex to the context so that nested work
// (for example a spawned command) can stream output to it.
func ContextWithVertex(ctx context.Context, v Vertex) context.Context {
	return context.WithValue(ctx, vertexContextKey{}, v)
}

// VertexFromContext returns the vertex attached to the context, if any.
func VertexFromContext(ctx context.Context) (Vertex, bool) {
	v, ok := ctx.Value(vertexContextKey{}).(Vertex)
	return v, ok
}
