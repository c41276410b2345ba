package crawler

import (
	"errors"
	"fmt"
)

// Error taxonomy. None of these are fatal to the process; each degrades to a
// dropped unit of work plus a counter.
var (
	ErrDuplicate         = errors.New("duplicate request")
	ErrCapacity          = errors.New("queue at capacity")
	ErrTransport         = errors.New("transport error")
	ErrTimeout           = fmt.Errorf("fetch timeout: %w", ErrTransport)
	ErrMalformedRequest  = errors.New("malformed request")
	ErrMalformedWorkUnit = errors.New("malformed work unit")
	ErrQueueFull         = errors.New("queue full")
	ErrQueueClosed       = errors.New("queue closed")
)

// StatusError reports a response whose status is not accepted downstream.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.StatusCode, e.URL)
}

// MiddlewareFault wraps an error that no exception hook absorbed.
type MiddlewareFault struct {
	Stage string
	Err   error
}

func (e *MiddlewareFault) Error() string {
	return fmt.Sprintf("middleware fault in %s: %v", e.Stage, e.Err)
}

func (e *MiddlewareFault) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a transport or timeout failure.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}
