// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry wires OpenTelemetry metrics and tracing into the server:
// Prometheus exposition, optional OTLP export and the HTTP middleware.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/authbridge/pkg/telemetry/providers"
	"github.com/stacklok/authbridge/pkg/telemetry/providers/otlp"
)

// Config holds the telemetry configuration.
type Config struct {
	// ServiceName is reported as service.name.
	ServiceName string `json:"service_name" yaml:"service_name" mapstructure:"service_name"`

	// ServiceVersion is reported as service.version.
	ServiceVersion string `json:"service_version" yaml:"service_version" mapstructure:"service_version"`

	// Endpoint is the OTLP/HTTP collector, e.g. "otel-collector:4318".
	Endpoint string `json:"endpoint" yaml:"endpoint" mapstructure:"endpoint"`

	// Headers are sent with every OTLP export.
	Headers map[string]string `json:"headers" yaml:"headers" mapstructure:"headers"`

	// Insecure exports over plain HTTP.
	Insecure bool `json:"insecure" yaml:"insecure" mapstructure:"insecure"`

	// TracingEnabled exports traces to Endpoint.
	TracingEnabled bool `json:"tracing_enabled" yaml:"tracing_enabled" mapstructure:"tracing_enabled"`

	// MetricsEnabled exports metrics to Endpoint. Independent of the Prometheus path.
	MetricsEnabled bool `json:"metrics_enabled" yaml:"metrics_enabled" mapstructure:"metrics_enabled"`

	// SamplingRate is the trace sampling ratio (0.0-1.0).
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate" mapstructure:"sampling_rate"`

	// EnablePrometheusMetricsPath serves /metrics.
	EnablePrometheusMetricsPath bool `json:"enable_prometheus_metrics_path" yaml:"enable_prometheus_metrics_path" mapstructure:"enable_prometheus_metrics_path"`

	// IncludeRuntimeMetrics adds go_* and process_* series to /metrics.
	IncludeRuntimeMetrics bool `json:"include_runtime_metrics" yaml:"include_runtime_metrics" mapstructure:"include_runtime_metrics"`
}

// DefaultConfig returns the default telemetry configuration: Prometheus on, OTLP off.
func DefaultConfig() Config {
	return Config{
		ServiceName:                 "authbridge",
		ServiceVersion:              "dev",
		SamplingRate:                0.05,
		Headers:                     map[string]string{},
		EnablePrometheusMetricsPath: true,
		IncludeRuntimeMetrics:       true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Endpoint != "" && !c.TracingEnabled && !c.MetricsEnabled {
		return errors.New("OTLP endpoint is configured but both tracing and metrics are disabled; " +
			"either enable tracing or metrics, or remove the endpoint")
	}
	if (c.TracingEnabled || c.MetricsEnabled) && c.Endpoint == "" {
		return errors.New("OTLP tracing or metrics are enabled but no endpoint is configured")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling rate %v must be between 0 and 1", c.SamplingRate)
	}
	return nil
}

// Provider owns the process-wide meter and tracer providers.
type Provider struct {
	tracerProvider    trace.TracerProvider
	meterProvider     metric.MeterProvider
	prometheusHandler http.Handler
	shutdown          func(context.Context) error
}

// NewProvider builds the providers for config and installs them as the
// OpenTelemetry globals together with the W3C trace context propagator.
func NewProvider(ctx context.Context, config Config, logger *slog.Logger) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	composite, err := providers.NewCompositeProvider(ctx, providers.Config{
		ServiceName:    config.ServiceName,
		ServiceVersion: config.ServiceVersion,
		OTLP: otlp.Config{
			Endpoint:     config.Endpoint,
			Headers:      config.Headers,
			Insecure:     config.Insecure,
			SamplingRate: config.SamplingRate,
		},
		TracingEnabled:              config.TracingEnabled,
		MetricsEnabled:              config.MetricsEnabled,
		EnablePrometheusMetricsPath: config.EnablePrometheusMetricsPath,
		IncludeRuntimeMetrics:       config.IncludeRuntimeMetrics,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry providers: %w", err)
	}

	otel.SetTracerProvider(composite.TracerProvider())
	otel.SetMeterProvider(composite.MeterProvider())
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		tracerProvider:    composite.TracerProvider(),
		meterProvider:     composite.MeterProvider(),
		prometheusHandler: composite.PrometheusHandler(),
		shutdown:          composite.Shutdown,
	}, nil
}

// Middleware returns the HTTP instrumentation middleware.
func (p *Provider) Middleware() func(http.Handler) http.Handler {
	return NewHTTPMiddleware(p.tracerProvider, p.meterProvider)
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown != nil {
		return p.shutdown(ctx)
	}
	return nil
}

// TracerProvider returns the tracer provider.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// MeterProvider returns the meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// PrometheusHandler returns the /metrics handler, or nil when disabled.
func (p *Provider) PrometheusHandler() http.Handler {
	return p.prometheusHandler
}
