// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider owns the engine's tracer and meter providers and the counters
// a Dispatcher reports through. Metrics are always collected; tracing only
// exports when Config.Exporter names a real destination.
type Provider struct {
	tp      *sdktrace.TracerProvider
	mp      *sdkmetric.MeterProvider
	promExp *prometheus.Exporter

	Metrics *Metrics
	tracer  trace.Tracer
}

// NewProvider builds the tracer/meter providers described by cfg. The
// returned Provider's MetricsHandler always serves Prometheus text format;
// traces are exported per cfg.Exporter, or created and discarded when it is
// "none" (the default) so StepSpan remains safe to call unconditionally.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("merging resource: %w", err)
	}

	sampler := samplerFor(cfg.SampleRatio)

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(res),
	}

	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	if exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	promExp, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(promExp))
	otel.SetMeterProvider(mp)

	metrics, err := newMetrics(mp)
	if err != nil {
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	return &Provider{
		tp:      tp,
		mp:      mp,
		promExp: promExp,
		Metrics: metrics,
		tracer:  tp.Tracer("github.com/rhythmrun/engine"),
	}, nil
}

func samplerFor(ratio float64) sdktrace.Sampler {
	switch {
	case ratio <= 0:
		return sdktrace.NeverSample()
	case ratio >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.TraceIDRatioBased(ratio)
	}
}

func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case "otlp-http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
}

// MetricsHandler serves Prometheus text-format metrics; a worker daemon
// mounts this at /metrics.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes and closes the tracer and meter providers. Safe to call
// on a nil Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down tracer provider: %w", err)
	}
	if err := p.mp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down meter provider: %w", err)
	}
	return nil
}

// MetricsOrNil returns p.Metrics, or nil if p itself is nil. Metrics' own
// methods are nil-safe, so callers can chain this unconditionally:
// obs.MetricsOrNil().RecordClaim(...).
func (p *Provider) MetricsOrNil() *Metrics {
	if p == nil {
		return nil
	}
	return p.Metrics
}

// StepSpan starts a "workflow.step" span tagged with execution_id, returning
// the derived context and a function that sets the final status attribute
// and ends the span. Safe to call on a nil Provider: it returns ctx
// unchanged and a no-op end function.
func (p *Provider) StepSpan(ctx context.Context, executionID string) (context.Context, func(status string)) {
	if p == nil {
		return ctx, func(string) {}
	}
	ctx, span := p.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("execution_id", executionID),
	))
	return ctx, func(status string) {
		span.SetAttributes(attribute.String("status", status))
		if status == "failed" {
			span.SetStatus(codes.Error, "workflow step failed")
		}
		span.End()
	}
}
