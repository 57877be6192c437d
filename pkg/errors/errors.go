// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the typed errors that authbridge surfaces to its host.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types
const (
	// ErrInvalidArgument is returned when an invalid argument is provided
	ErrInvalidArgument = "invalid_argument"

	// ErrAuthenticationRequired is returned when no recognized upstream
	// authentication signal is present on a request
	ErrAuthenticationRequired = "authentication_required"

	// ErrUnknownAuthState is returned when a consent decision references an
	// auth state that has no pending authorization request
	ErrUnknownAuthState = "unknown_auth_state"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewInvalidArgumentError creates a new invalid argument error
func NewInvalidArgumentError(message string, cause error) *Error {
	return NewError(ErrInvalidArgument, message, cause)
}

// NewAuthenticationRequiredError creates a new authentication required error
func NewAuthenticationRequiredError(message string, cause error) *Error {
	return NewError(ErrAuthenticationRequired, message, cause)
}

// NewUnknownAuthStateError creates a new unknown auth state error
func NewUnknownAuthStateError(message string, cause error) *Error {
	return NewError(ErrUnknownAuthState, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// IsInvalidArgument checks if the error is an invalid argument error
func IsInvalidArgument(err error) bool {
	return hasType(err, ErrInvalidArgument)
}

// IsAuthenticationRequired checks if the error is an authentication required error
func IsAuthenticationRequired(err error) bool {
	return hasType(err, ErrAuthenticationRequired)
}

// IsUnknownAuthState checks if the error is an unknown auth state error
func IsUnknownAuthState(err error) bool {
	return hasType(err, ErrUnknownAuthState)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return hasType(err, ErrInternal)
}

func hasType(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// HTTPStatus maps an error to the status code the host should answer with.
// Untyped errors map to 500.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Type {
	case ErrInvalidArgument, ErrUnknownAuthState:
		return http.StatusBadRequest
	case ErrAuthenticationRequired:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
