package invariants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InvariantPhaseTransitionLegal requires workspace phases to follow the deterministic lifecycle.
	InvariantPhaseTransitionLegal = "phase_transition_legal"
	// InvariantInstallRetryCeiling requires the install fallback to run at most once per session.
	InvariantInstallRetryCeiling = "install_retry_ceiling"
	// InvariantSyncBatchAtomic requires fingerprints to change only after a fully written batch.
	InvariantSyncBatchAtomic = "sync_batch_atomic"
	// InvariantPortActivationStable requires the active port to change only by explicit selection.
	InvariantPortActivationStable = "port_activation_stable"
)

const (
	// SeverityWarn is used for non-fatal invariant violations.
	SeverityWarn = "warn"
	// SeverityError is used for fatal invariant violations.
	SeverityError = "error"
)

var invariantChecksEnabled atomic.Bool

func init() {
	invariantChecksEnabled.Store(true)
}

// ViolationDetails captures invariant violation context for telemetry events.
type ViolationDetails struct {
	WhatInvariant string
	WhereDetected string
	WhyViolated   string
	StackTrace    string
	Additional    map[string]string
}

// SetEnabled globally enables or disables invariant checks.
func SetEnabled(enabled bool) {
	invariantChecksEnabled.Store(enabled)
}

// Enabled reports whether invariant checks are currently enabled.
func Enabled() bool {
	return invariantChecksEnabled.Load()
}

// InvariantViolation emits an invariant.violation telemetry event on the active span.
// If the context has no active span, a short synthetic span is created for observability.
func InvariantViolation(
	ctx context.Context,
	invariantName string,
	severity string,
	details ViolationDetails,
) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	invariantName = strings.TrimSpace(invariantName)
	if invariantName == "" {
		invariantName = "unknown_invariant"
	}
	severity = normalizeSeverity(severity)

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", invariantName),
		attribute.String("severity", severity),
		attribute.String("what_invariant", strings.TrimSpace(details.WhatInvariant)),
		attribute.String("where_detected", strings.TrimSpace(details.WhereDetected)),
		attribute.String("why_violated", strings.TrimSpace(details.WhyViolated)),
	}
	if stack := strings.TrimSpace(details.StackTrace); stack != "" {
		attrs = append(attrs, attribute.String("stack_trace", stack))
	}

	if len(details.Additional) > 0 {
		keys := make([]string, 0, len(details.Additional))
		for key := range details.Additional {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := strings.TrimSpace(details.Additional[key])
			if value == "" {
				continue
			}
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	span := trace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}

	tracedCtx, temporarySpan := otel.Tracer("nebula/invariants").Start(ctx, "invariant.violation")
	defer temporarySpan.End()
	temporarySpan.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
	_ = tracedCtx
}

// CheckPhaseTransitionLegal validates the phase_transition_legal invariant.
func CheckPhaseTransitionLegal(
	ctx context.Context,
	whereDetected string,
	fromPhase string,
	toPhase string,
	legal bool,
) bool {
	if legal {
		return true
	}
	InvariantViolation(ctx, InvariantPhaseTransitionLegal, SeverityError, ViolationDetails{
		WhatInvariant: "workspace phase transition is legal",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("illegal transition from=%s to=%s", fromPhase, toPhase),
		Additional: map[string]string{
			"from_phase": strings.TrimSpace(fromPhase),
			"to_phase":   strings.TrimSpace(toPhase),
		},
	})
	return false
}

// CheckInstallRetryCeiling validates the install_retry_ceiling invariant.
func CheckInstallRetryCeiling(ctx context.Context, whereDetected string, attempts, maxAllowed int) bool {
	if maxAllowed <= 0 || attempts <= maxAllowed {
		return true
	}
	InvariantViolation(ctx, InvariantInstallRetryCeiling, SeverityError, ViolationDetails{
		WhatInvariant: "install attempts remain within initial plus one fallback",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("attempts=%d exceeded max_allowed=%d", attempts, maxAllowed),
		Additional: map[string]string{
			"attempts":    fmt.Sprintf("%d", attempts),
			"max_allowed": fmt.Sprintf("%d", maxAllowed),
		},
	})
	return false
}

// CheckSyncBatchAtomic validates the sync_batch_atomic invariant.
func CheckSyncBatchAtomic(ctx context.Context, whereDetected string, batchAtomic bool, why string) bool {
	if batchAtomic {
		return true
	}
	InvariantViolation(ctx, InvariantSyncBatchAtomic, SeverityError, ViolationDetails{
		WhatInvariant: "fingerprints advance only after every write in the batch succeeds",
		WhereDetected: whereDetected,
		WhyViolated:   firstNonEmpty(why, "fingerprints updated for a partially written batch"),
	})
	return false
}

// CheckPortActivationStable validates the port_activation_stable invariant.
func CheckPortActivationStable(
	ctx context.Context,
	whereDetected string,
	activePort int,
	announcedPort int,
	stolen bool,
) bool {
	if !stolen {
		return true
	}
	InvariantViolation(ctx, InvariantPortActivationStable, SeverityWarn, ViolationDetails{
		WhatInvariant: "a later port announcement never steals activation",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("announcement of port %d displaced active port %d", announcedPort, activePort),
		Additional: map[string]string{
			"active_port":    fmt.Sprintf("%d", activePort),
			"announced_port": fmt.Sprintf("%d", announcedPort),
		},
	})
	return false
}

func normalizeSeverity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case SeverityWarn:
		return SeverityWarn
	case SeverityError:
		return SeverityError
	default:
		return SeverityError
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
