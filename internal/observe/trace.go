package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/echopanel"

// Tracer returns the EchoPanel tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span. The caller must End it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

type sessionKey struct{}

// StartSession starts the long-lived span of one live session and tags ctx
// with the session id so that [Logger] reports it.
func StartSession(ctx context.Context, sessionID, provider string) (context.Context, trace.Span) {
	ctx = context.WithValue(ctx, sessionKey{}, sessionID)
	return StartSpan(ctx, "session.live",
		trace.WithAttributes(Attr("session_id", sessionID), Attr("provider", provider)))
}

// SessionID returns the session id ctx was tagged with by [StartSession].
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// Logger returns the default logger enriched with the session id and the
// trace and span ids found in ctx.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := SessionID(ctx); id != "" {
		l = l.With(slog.String("session_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
