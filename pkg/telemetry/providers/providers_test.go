// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/stacklok/authbridge/pkg/telemetry/providers/otlp"
)

func TestNewCompositeProvider_NoOp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// An endpoint alone enables nothing.
	p, err := NewCompositeProvider(ctx, Config{
		ServiceName: "authbridge",
		OTLP:        otlp.Config{Endpoint: "localhost:4318"},
	}, nil)
	require.NoError(t, err)

	assert.IsType(t, noop.MeterProvider{}, p.MeterProvider())
	assert.IsType(t, tracenoop.TracerProvider{}, p.TracerProvider())
	assert.Nil(t, p.PrometheusHandler())
	assert.NoError(t, p.Shutdown(ctx))
}

func TestNewCompositeProvider_Prometheus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	p, err := NewCompositeProvider(ctx, Config{
		ServiceName:                 "authbridge",
		ServiceVersion:              "test",
		EnablePrometheusMetricsPath: true,
	}, nil)
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(ctx) }()

	require.IsType(t, &sdkmetric.MeterProvider{}, p.MeterProvider())
	require.NotNil(t, p.PrometheusHandler())

	counter, err := p.MeterProvider().Meter("test").Int64Counter("authbridge_provider_test")
	require.NoError(t, err)
	counter.Add(ctx, 1)

	rec := httptest.NewRecorder()
	p.PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "authbridge_provider_test")
}

func TestNewCompositeProvider_OTLP(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	p, err := NewCompositeProvider(ctx, Config{
		ServiceName:    "authbridge",
		ServiceVersion: "test",
		OTLP:           otlp.Config{Endpoint: "localhost:4318", Insecure: true, SamplingRate: 0.5},
		TracingEnabled: true,
	}, nil)
	require.NoError(t, err)

	assert.IsType(t, &sdktrace.TracerProvider{}, p.TracerProvider())
	assert.IsType(t, noop.MeterProvider{}, p.MeterProvider(), "metrics export was not enabled")
	assert.Nil(t, p.PrometheusHandler())
	assert.NoError(t, p.Shutdown(ctx))
}

func TestNewCompositeProvider_InvalidSamplingRate(t *testing.T) {
	t.Parallel()

	_, err := NewCompositeProvider(context.Background(), Config{
		OTLP:           otlp.Config{Endpoint: "localhost:4318", SamplingRate: 2},
		TracingEnabled: true,
	}, nil)
	require.Error(t, err)
}
