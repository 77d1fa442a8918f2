// Package telemetry wires the workbench into an OTLP trace collector.
// Init is best-effort: when no collector is reachable, spans degrade to a
// console exporter so phase transitions and invariant events stay visible
// during local development.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	// ServiceName is the canonical telemetry service name.
	ServiceName = "nebula-workbench"
	// DefaultEnvironment is used when no environment variable is configured.
	DefaultEnvironment = "dev"
	// DefaultEndpoint targets a collector on the developer's machine.
	DefaultEndpoint = "http://localhost:4318"
	// BatchTimeout configures batch span processor flush interval.
	BatchTimeout = 5 * time.Second
	// BatchSize configures batch span processor max export batch size.
	BatchSize = 512
)

// ServiceVersion is set at build time via ldflags when available.
var ServiceVersion = "dev"

// exporterFactory builds the span exporter for a resolved endpoint; tests
// swap it to capture endpoints and inject failures.
var exporterFactory = newOTLPExporter

var (
	endpointOverrideMu sync.RWMutex
	endpointOverride   string
)

// Init installs the global tracer provider: OTLP HTTP exporter, workbench
// resource attributes, batch processing. The returned function flushes and
// shuts the provider down; it is safe to call more than once.
func Init(ctx context.Context) (func(), error) {
	endpoint := resolveEndpoint()
	exporter := buildExporter(ctx, endpoint)

	res, err := newResource(ctx)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(
			exporter,
			sdktrace.WithBatchTimeout(BatchTimeout),
			sdktrace.WithMaxExportBatchSize(BatchSize),
		),
	)
	otel.SetTracerProvider(provider)

	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), BatchTimeout)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				otel.Handle(err)
			}
		})
	}
	return shutdown, nil
}

// buildExporter falls back to the console exporter rather than failing Init;
// the CLI must keep working with no collector running.
func buildExporter(ctx context.Context, endpoint string) sdktrace.SpanExporter {
	exporter, err := exporterFactory(ctx, endpoint)
	if err != nil {
		fmt.Fprintf(
			os.Stderr,
			"warning: OTLP exporter unavailable for %s (%v); falling back to console exporter\n",
			endpoint,
			err,
		)
		return &stderrSpanExporter{out: os.Stderr}
	}
	return exporter
}

func newOTLPExporter(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	if certPath := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_CERTIFICATE")); certPath != "" {
		tlsConfig, err := collectorTLS(certPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsConfig))
	}
	return otlptracehttp.New(ctx, opts...)
}

func newResource(ctx context.Context) (*resource.Resource, error) {
	res, err := resource.New(
		ctx,
		resource.WithAttributes(
			attribute.String("service.name", ServiceName),
			attribute.String("service.version", resolveServiceVersion()),
			attribute.String("environment", resolveEnvironment()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}
	return res, nil
}

// resolveEndpoint picks the collector endpoint by precedence: process-local
// override, OTEL_EXPORTER_OTLP_ENDPOINT, the workspace config files, then
// the local collector default.
func resolveEndpoint() string {
	endpointOverrideMu.RLock()
	override := strings.TrimSpace(endpointOverride)
	endpointOverrideMu.RUnlock()
	if override != "" {
		return override
	}

	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		return endpoint
	}
	if endpoint := endpointFromWorkspaceConfig(); endpoint != "" {
		return endpoint
	}
	return DefaultEndpoint
}

type telemetrySection struct {
	Telemetry struct {
		Endpoint string `toml:"endpoint"`
	} `toml:"telemetry"`
}

// endpointFromWorkspaceConfig reads the [telemetry] table of the same
// config files the rest of the CLI uses; the project-local file overrides
// the home one.
func endpointFromWorkspaceConfig() string {
	candidate := ""
	for _, path := range workspaceConfigPaths() {
		var decoded telemetrySection
		if _, err := toml.DecodeFile(path, &decoded); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(os.Stderr, "warning: unable to read telemetry endpoint from %s: %v\n", path, err)
			}
			continue
		}
		if value := strings.TrimSpace(decoded.Telemetry.Endpoint); value != "" {
			candidate = value
		}
	}
	return candidate
}

func workspaceConfigPaths() []string {
	paths := make([]string, 0, 2)
	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(homeDir, ".nebula", "config.toml"))
	}
	if workDir, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(workDir, ".nebula", "config.toml"))
	}
	return paths
}

func resolveEnvironment() string {
	for _, key := range []string{"NEBULA_ENV", "ENVIRONMENT", "ENV"} {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return strings.ToLower(value)
		}
	}
	return DefaultEnvironment
}

func resolveServiceVersion() string {
	if version := strings.TrimSpace(ServiceVersion); version != "" {
		return version
	}
	return "dev"
}

// SetEndpointOverride sets a process-local endpoint override; it wins over
// environment and config file resolution.
func SetEndpointOverride(endpoint string) {
	endpointOverrideMu.Lock()
	defer endpointOverrideMu.Unlock()
	endpointOverride = strings.TrimSpace(endpoint)
}

func collectorTLS(certPath string) (*tls.Config, error) {
	// #nosec G304 -- certificate path comes from OTEL_EXPORTER_OTLP_CERTIFICATE.
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read collector certificate %q: %w", certPath, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		return nil, fmt.Errorf("parse collector certificate %q: no certificates found", certPath)
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}, nil
}

// stderrSpanExporter is the degraded-mode exporter: one line per span plus
// one per span event, written synchronously.
type stderrSpanExporter struct {
	out io.Writer
}

func (e *stderrSpanExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	if e == nil || e.out == nil {
		return nil
	}
	for _, span := range spans {
		duration := span.EndTime().Sub(span.StartTime()).Round(time.Millisecond)
		if _, err := fmt.Fprintf(e.out, "[SPAN] %s %s %v\n", span.Name(), duration, span.Status().Code); err != nil {
			return err
		}
		for _, event := range span.Events() {
			if _, err := fmt.Fprintf(e.out, "  [EVENT] %s\n", event.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *stderrSpanExporter) Shutdown(_ context.Context) error {
	return nil
}

func setExporterFactoryForTest(factory func(context.Context, string) (sdktrace.SpanExporter, error)) func() {
	previous := exporterFactory
	exporterFactory = factory
	return func() {
		exporterFactory = previous
	}
}

func setEndpointOverrideForTest(value string) func() {
	endpointOverrideMu.RLock()
	previous := endpointOverride
	endpointOverrideMu.RUnlock()
	SetEndpointOverride(value)
	return func() {
		SetEndpointOverride(previous)
	}
}
