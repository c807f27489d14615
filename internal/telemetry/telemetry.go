// Package telemetry optionally exports OpenTelemetry spans around the
// RequestQueue's LLM calls, per config.TelemetryConfig. Disabled by
// default; the gateway otherwise logs through log/slog exclusively, per
// spec's ambient-stack carry-over (no non-goal names tracing out of
// scope, it is just never required to function).
//
// Grounded on the teacher's own OTel OTLP export hook in cmd/gateway.go
// (initOTelExporter, gated by the "otel" build tag there); this package
// gives that hook a permanent, always-compiled home instead of a build
// tag, since this gateway has no managed/standalone mode split to gate it
// on.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/marrow-labs/homegate/internal/config"
)

// Provider owns the process-wide TracerProvider lifecycle. A nil *Provider
// is valid and yields a no-op Tracer, so callers never need to branch on
// whether telemetry is enabled.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// Noop returns a Provider whose Tracer produces spans nobody exports.
func Noop() *Provider {
	return &Provider{tracer: otel.Tracer("homegate")}
}

// Start builds a Provider from cfg. If cfg.Enabled is false, it returns
// Noop() rather than an error, since the caller always wants a usable
// Provider back.
func Start(ctx context.Context, cfg config.TelemetryConfig) (*Provider, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}
	name := cfg.ServiceName
	if name == "" {
		name = "homegate"
	}

	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("telemetry: exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(name)))
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	slog.Info("telemetry: otel exporter started", "endpoint", cfg.Endpoint, "service", name)

	return &Provider{tp: tp, tracer: tp.Tracer("homegate")}, nil
}

// Tracer returns the span-starting Tracer; safe to call on a nil Provider.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer("homegate")
	}
	return p.tracer
}

// Shutdown flushes and stops the exporter, if one was started.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.tp.Shutdown(shutdownCtx)
}
