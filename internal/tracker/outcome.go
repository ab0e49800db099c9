package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Sentinel failures surfaced through Outcome.Err.
var (
	// ErrIncompleteStream reports a stream that closed before a completion or error event.
	ErrIncompleteStream = errors.New("stream ended without a definitive result")
	// ErrMissingResult reports a completion event without a usable result locator.
	ErrMissingResult = errors.New("completion event is missing its result")
	// ErrCanceled is returned by Wait when the session was canceled before a terminal outcome.
	ErrCanceled = errors.New("tracking canceled")
)

const defaultBackendReason = "an error occurred during video generation"

// TransportError wraps a failure to open or read the event stream.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// BackendError is an explicit error event reported by the backend.
type BackendError struct {
	Message string
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return defaultBackendReason
	}
	return e.Message
}

// Outcome is the single terminal result of a session.
type Outcome struct {
	Success bool `json:"success"`
	// Result is the result locator (e.g. the video URL) on success.
	Result string `json:"result,omitempty"`
	// Payload is the full completion event payload on success.
	Payload map[string]any `json:"payload,omitempty"`
	// Reason is a displayable failure message.
	Reason string `json:"reason,omitempty"`
	Err    error  `json:"-"`
}

func succeeded(result string, payload map[string]any) Outcome {
	return Outcome{Success: true, Result: result, Payload: payload}
}

func failed(err error) Outcome {
	return Outcome{Reason: err.Error(), Err: err}
}

// Observer receives session notifications. Calls arrive from the session's
// own goroutine, in order, and never after the session is canceled.
type Observer interface {
	StatusChanged(v StatusVector)
	Terminated(o Outcome)
}

// ObserverFuncs adapts plain functions to Observer; nil fields are skipped.
type ObserverFuncs struct {
	OnStatusChange func(StatusVector)
	OnTerminal     func(Outcome)
}

// StatusChanged implements Observer.
func (f ObserverFuncs) StatusChanged(v StatusVector) {
	if f.OnStatusChange != nil {
		f.OnStatusChange(v)
	}
}

// Terminated implements Observer.
func (f ObserverFuncs) Terminated(o Outcome) {
	if f.OnTerminal != nil {
		f.OnTerminal(o)
	}
}

// Source opens the event stream for a session.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (io.ReadCloser, error)

// Open implements Source.
func (f SourceFunc) Open(ctx context.Context) (io.ReadCloser, error) {
	return f(ctx)
}

// ReaderSource wraps an already open stream.
func ReaderSource(rc io.ReadCloser) Source {
	return SourceFunc(func(context.Context) (io.ReadCloser, error) {
		if rc == nil {
			return nil, errors.New("stream is nil")
		}
		return rc, nil
	})
}
