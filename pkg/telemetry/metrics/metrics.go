// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package metrics defines the OpenTelemetry instruments recorded by the
// identity resolver and the consent gate.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/stacklok/authbridge"

// Result values for identity resolutions.
const (
	ResultResolved = "resolved"
	ResultCached   = "cached"
	ResultRejected = "rejected"
)

// Outcome values for consent decisions.
const (
	OutcomeGranted = "granted"
	OutcomeDenied  = "denied"
	OutcomeUnknown = "unknown_auth_state"
)

// Metrics holds the instruments. A nil *Metrics records nothing.
type Metrics struct {
	resolutions metric.Int64Counter
	decisions   metric.Int64Counter
}

// New creates the instruments on the given meter provider.
// A nil provider yields no-op instruments.
func New(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	meter := provider.Meter(instrumentationName)

	resolutions, err := meter.Int64Counter(
		"authbridge_identity_resolutions",
		metric.WithDescription("Number of identity resolutions by source kind and result"),
		metric.WithUnit("{resolution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolutions counter: %w", err)
	}

	decisions, err := meter.Int64Counter(
		"authbridge_consent_decisions",
		metric.WithDescription("Number of processed consent decisions by outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}

	return &Metrics{
		resolutions: resolutions,
		decisions:   decisions,
	}, nil
}

// RecordResolution counts one identity resolution.
func (m *Metrics) RecordResolution(ctx context.Context, source, result string) {
	if m == nil {
		return
	}
	m.resolutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("result", result),
	))
}

// RecordDecision counts one consent decision.
func (m *Metrics) RecordDecision(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
