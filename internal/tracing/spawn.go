// Package tracing emits deterministic spans for processes spawned inside a
// workspace runtime.
package tracing

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpawnSpan traces one spawned process from start to exit.
type SpawnSpan struct {
	span    trace.Span
	started time.Time
}

// StartSpawn opens a span for a process about to be spawned. Arguments are
// redacted before they reach the span.
func StartSpawn(ctx context.Context, command string, args []string, dir string) (context.Context, *SpawnSpan) {
	if ctx == nil {
		ctx = context.Background()
	}

	spanCtx, span := tracerFor(ctx).Start(
		ctx,
		"runtime.spawn",
		trace.WithAttributes(
			attribute.String("command", strings.TrimSpace(command)),
			attribute.String("args_redacted", strings.Join(RedactArgs(args), " ")),
			attribute.String("dir", strings.TrimSpace(dir)),
		),
	)
	return spanCtx, &SpawnSpan{span: span, started: time.Now()}
}

// tracerFor resolves the tracer from the active span's provider so spawn
// spans nest under whatever pipeline created the context.
func tracerFor(ctx context.Context) trace.Tracer {
	if parent := trace.SpanFromContext(ctx); parent.SpanContext().IsValid() {
		return parent.TracerProvider().Tracer("nebula/tracing")
	}
	return otel.Tracer("nebula/tracing")
}

// End closes the span with the process outcome.
func (s *SpawnSpan) End(exitCode int, err error) {
	if s == nil || s.span == nil {
		return
	}

	s.span.SetAttributes(
		attribute.Int("exit_code", exitCode),
		attribute.Int64("duration_ms", time.Since(s.started).Milliseconds()),
	)
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else if exitCode != 0 {
		s.span.SetStatus(codes.Error, "process exited non-zero")
	} else {
		s.span.SetStatus(codes.Ok, "process completed")
	}
	s.span.End()
}

// FormatCommand returns a deterministic command preview for traces and logs.
func FormatCommand(command string, args []string) string {
	parts := append([]string{strings.TrimSpace(command)}, args...)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return strings.Join(out, " ")
}

// RedactArgs masks credential-bearing argument values before they are
// logged or attached to spans.
func RedactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false

	for _, arg := range args {
		if maskNext {
			redacted = append(redacted, "<redacted>")
			maskNext = false
			continue
		}

		trimmed := strings.TrimSpace(arg)
		if strings.Contains(trimmed, "=") {
			parts := strings.SplitN(trimmed, "=", 2)
			if len(parts) == 2 && isSensitiveToken(strings.ToLower(parts[0])) {
				redacted = append(redacted, parts[0]+"=<redacted>")
				continue
			}
		}

		lower := strings.ToLower(trimmed)
		if isSensitiveToken(lower) {
			maskNext = true
			redacted = append(redacted, trimmed)
			continue
		}

		redacted = append(redacted, trimmed)
	}

	return redacted
}

func isSensitiveToken(value string) bool {
	sensitiveSubstrings := []string{
		"token",
		"password",
		"passwd",
		"secret",
		"api-key",
		"apikey",
		"auth",
		"bearer",
	}
	for _, candidate := range sensitiveSubstrings {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}
