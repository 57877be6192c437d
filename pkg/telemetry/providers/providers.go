// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package providers assembles the meter and tracer providers from the
// configured exporters.
package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/stacklok/authbridge/pkg/telemetry/providers/otlp"
	"github.com/stacklok/authbridge/pkg/telemetry/providers/prometheus"
)

const shutdownTimeout = 5 * time.Second

// Config selects the exporters.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// OTLP is used when TracingEnabled or MetricsEnabled is set.
	OTLP           otlp.Config
	TracingEnabled bool
	MetricsEnabled bool

	// Prometheus /metrics exposition.
	EnablePrometheusMetricsPath bool
	IncludeRuntimeMetrics       bool
}

func (c Config) otlpMetrics() bool { return c.MetricsEnabled && c.OTLP.Endpoint != "" }
func (c Config) otlpTraces() bool  { return c.TracingEnabled && c.OTLP.Endpoint != "" }

// CompositeProvider bundles the providers and their shutdown hooks.
type CompositeProvider struct {
	tracerProvider    trace.TracerProvider
	meterProvider     metric.MeterProvider
	prometheusHandler http.Handler
	shutdownFuncs     []func(context.Context) error
}

// NewCompositeProvider creates the providers for config. With nothing
// enabled both providers are no-ops and there is no Prometheus handler.
func NewCompositeProvider(ctx context.Context, config Config, logger *slog.Logger) (*CompositeProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	composite := &CompositeProvider{
		tracerProvider: tracenoop.NewTracerProvider(),
		meterProvider:  noop.NewMeterProvider(),
	}
	if !config.otlpMetrics() && !config.otlpTraces() && !config.EnablePrometheusMetricsPath {
		logger.Info("no telemetry configured, using no-op providers")
		return composite, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry resource: %w", err)
	}

	if err := composite.buildMeterProvider(ctx, config, res); err != nil {
		return nil, err
	}
	if config.otlpTraces() {
		tp, err := otlp.NewTracerProvider(ctx, config.OTLP, res)
		if err != nil {
			_ = composite.Shutdown(ctx)
			return nil, err
		}
		composite.tracerProvider = tp
		composite.shutdownFuncs = append(composite.shutdownFuncs, tp.Shutdown)
	}

	logger.Info("telemetry providers created",
		"otlp_metrics", config.otlpMetrics(),
		"otlp_traces", config.otlpTraces(),
		"prometheus", config.EnablePrometheusMetricsPath)
	return composite, nil
}

func (p *CompositeProvider) buildMeterProvider(ctx context.Context, config Config, res *resource.Resource) error {
	var readers []sdkmetric.Reader

	if config.EnablePrometheusMetricsPath {
		reader, handler, err := prometheus.NewReader(prometheus.Config{
			EnableMetricsPath:     true,
			IncludeRuntimeMetrics: config.IncludeRuntimeMetrics,
		})
		if err != nil {
			return fmt.Errorf("failed to create prometheus reader: %w", err)
		}
		readers = append(readers, reader)
		p.prometheusHandler = handler
	}

	if config.otlpMetrics() {
		reader, err := otlp.NewMetricReader(ctx, config.OTLP)
		if err != nil {
			return fmt.Errorf("failed to create OTLP metric reader: %w", err)
		}
		readers = append(readers, reader)
	}

	if len(readers) == 0 {
		return nil
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, reader := range readers {
		opts = append(opts, sdkmetric.WithReader(reader))
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	p.meterProvider = mp
	p.shutdownFuncs = append(p.shutdownFuncs, mp.Shutdown)
	return nil
}

// TracerProvider returns the tracer provider.
func (p *CompositeProvider) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// MeterProvider returns the meter provider.
func (p *CompositeProvider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// PrometheusHandler returns the /metrics handler, or nil when disabled.
func (p *CompositeProvider) PrometheusHandler() http.Handler {
	return p.prometheusHandler
}

// Shutdown flushes and stops every provider.
func (p *CompositeProvider) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var errs []error
	for _, shutdown := range p.shutdownFuncs {
		if err := shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdownFuncs = nil
	return errors.Join(errs...)
}
