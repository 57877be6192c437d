// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package otlp builds OTLP/HTTP exporters for metrics and traces.
package otlp

import (
	"errors"
	"fmt"
)

// Config holds the collector connection settings.
type Config struct {
	// Endpoint is the collector host and port, e.g. "localhost:4318".
	Endpoint string

	// Headers are sent with every export request.
	Headers map[string]string

	// Insecure exports over plain HTTP.
	Insecure bool

	// SamplingRate is the trace ratio in [0, 1].
	SamplingRate float64
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("OTLP endpoint is required")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling rate %v must be between 0 and 1", c.SamplingRate)
	}
	return nil
}
