// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger configures the process-wide slog logger for authbridge.
//
// Components never log through this package directly. They receive a
// *slog.Logger at construction; use [For] to derive one for a component.
// The formatted helpers exist for the command-line entry points only.
package logger

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-core/env"
	"github.com/stacklok/toolhive-core/logging"
)

// singleton is the package-level logger created by Initialize.
var singleton atomic.Pointer[slog.Logger]

func init() {
	// Set a default logger so callers that skip Initialize() don't panic.
	singleton.Store(logging.New())
}

// Get returns the underlying *slog.Logger for injection into structs.
func Get() *slog.Logger {
	return singleton.Load()
}

// For returns a logger tagged with the given component name.
func For(component string) *slog.Logger {
	return Get().With("component", component)
}

// Debugf logs a message at debug level using the singleton logger.
func Debugf(msg string, args ...any) {
	Get().Debug(fmt.Sprintf(msg, args...))
}

// Infof logs a message at info level using the singleton logger.
func Infof(msg string, args ...any) {
	Get().Info(fmt.Sprintf(msg, args...))
}

// Warnf logs a message at warning level using the singleton logger.
func Warnf(msg string, args ...any) {
	Get().Warn(fmt.Sprintf(msg, args...))
}

// Errorf logs a message at error level using the singleton logger.
func Errorf(msg string, args ...any) {
	Get().Error(fmt.Sprintf(msg, args...))
}

// Initialize creates and configures the appropriate logger.
// If the UNSTRUCTURED_LOGS env var is set to true, it will output plain text.
// Otherwise it will create a standard structured JSON logger.
func Initialize() {
	InitializeWithEnv(&env.OSReader{})
}

// InitializeWithEnv creates and configures the appropriate logger with a custom environment reader.
// This allows for dependency injection of environment variable access for testing.
func InitializeWithEnv(envReader env.Reader) {
	var opts []logging.Option

	if unstructuredLogsWithEnv(envReader) {
		opts = append(opts, logging.WithFormat(logging.FormatText))
	}

	if viper.GetBool("debug") {
		opts = append(opts, logging.WithLevel(slog.LevelDebug))
	}

	l := logging.New(opts...)
	singleton.Store(l)
	slog.SetDefault(l)
}

func unstructuredLogsWithEnv(envReader env.Reader) bool {
	unstructuredLogs, err := strconv.ParseBool(envReader.Getenv("UNSTRUCTURED_LOGS"))
	if err != nil {
		// at this point if the error is not nil, the env var wasn't set, or is ""
		// which means we just default to outputting unstructured logs.
		return true
	}
	return unstructuredLogs
}
