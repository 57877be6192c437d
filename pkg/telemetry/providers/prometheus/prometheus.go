// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package prometheus exposes the OpenTelemetry meter provider in the
// Prometheus text exposition format.
package prometheus

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Config configures the Prometheus reader.
type Config struct {
	// EnableMetricsPath must be set; the reader is only useful with a handler to scrape.
	EnableMetricsPath bool

	// IncludeRuntimeMetrics registers the Go runtime and process collectors.
	IncludeRuntimeMetrics bool
}

// NewReader creates an OpenTelemetry metric reader backed by a dedicated
// Prometheus registry, and the handler serving that registry.
func NewReader(config Config) (sdkmetric.Reader, http.Handler, error) {
	if !config.EnableMetricsPath {
		return nil, nil, errors.New("prometheus reader requires EnableMetricsPath")
	}

	registry := prometheus.NewRegistry()
	if config.IncludeRuntimeMetrics {
		if err := registry.Register(collectors.NewGoCollector()); err != nil {
			return nil, nil, fmt.Errorf("failed to register go collector: %w", err)
		}
		if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
			return nil, nil, fmt.Errorf("failed to register process collector: %w", err)
		}
	}

	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		Registry:          registry,
		EnableOpenMetrics: true,
	})
	return exporter, handler, nil
}
