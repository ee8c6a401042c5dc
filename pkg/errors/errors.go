// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the error taxonomy of the CoAP client.
//
// Synthetic failures delivered to response callbacks always wrap one of the
// sentinels below, so callers can match them with errors.Is.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest indicates a request without connection, path or callback.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNoFreeSlot indicates every exchange slot of a client is busy or
	// still within its exchange lifetime.
	ErrNoFreeSlot = errors.New("no free request slot")

	// ErrNoClientSlot indicates the client registry is full.
	ErrNoClientSlot = errors.New("no free client slot")

	// ErrTargetBusy indicates an attempt to change the socket or peer of a
	// client while one of its exchanges is in flight.
	ErrTargetBusy = errors.New("client target busy")

	// ErrTimeout indicates retransmissions were exhausted without a response.
	ErrTimeout = errors.New("exchange timed out")

	// ErrCanceled indicates the exchange was canceled by the application.
	ErrCanceled = errors.New("exchange canceled")

	// ErrReset indicates the peer answered with a RESET message.
	ErrReset = errors.New("exchange reset by peer")

	// ErrIO indicates the socket carrying the exchange failed.
	ErrIO = errors.New("transport failure")

	// ErrDispatcherRunning indicates a second dispatcher started on the
	// same registry.
	ErrDispatcherRunning = errors.New("dispatcher already running")
)

// RequestError wraps an error with the request it belongs to.
type RequestError struct {
	Op     string // Operation that failed
	Method string // CoAP method
	Path   string // URI path
	Err    error  // Underlying error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Op, e.Method, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// New creates a new RequestError.
func New(op, method, path string, err error) error {
	if err == nil {
		return nil
	}
	return &RequestError{
		Op:     op,
		Method: method,
		Path:   path,
		Err:    err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
