// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/gorilla/websocket"
)

var (
	// ErrChannel is the sentinel matched by ChannelError.
	ErrChannel = errors.New("channel unavailable")
	// ErrExecution is the sentinel wrapped by ExecutionError.
	ErrExecution = errors.New("execution failed")
)

type (
	// ChannelError reports a failure to establish or handshake the
	// channel to a warm container, after retries were exhausted.
	ChannelError struct {
		Addr     string
		Attempts int
		Err      error
	}

	// ExecutionError reports a remote failure during a call. It is never
	// retried; the call may have had side effects.
	ExecutionError struct {
		Message    string
		StderrTail string
	}
)

// Error implements the error interface.
func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel to %s unavailable after %d attempts: %v", e.Addr, e.Attempts, e.Err)
}

// Unwrap exposes the underlying dial or handshake error.
func (e *ChannelError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrChannel
}

// Is matches ErrChannel.
func (e *ChannelError) Is(target error) bool { return target == ErrChannel }

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	if e.StderrTail != "" {
		return fmt.Sprintf("execution failed: %s\n--- stderr tail ---\n%s", e.Message, e.StderrTail)
	}
	return fmt.Sprintf("execution failed: %s", e.Message)
}

// Unwrap returns ErrExecution so callers can use errors.Is.
func (e *ExecutionError) Unwrap() error { return ErrExecution }

// IsBenignTeardown reports whether an error is expected cleanup fallout from
// caller cancellation or an orderly connection close, as opposed to a real
// failure. Benign teardown is logged, never surfaced as an execution error.
func IsBenignTeardown(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
