package batcher

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is returned by Submit when the key's buffer is full.
	// The request was not queued; resubmitting later is up to the caller.
	ErrCapacityExceeded = errors.New("batch buffer capacity exceeded")

	// ErrManagerClosed is returned by Submit after Close, and resolves every
	// request still buffered when Close runs.
	ErrManagerClosed = errors.New("batch manager closed")

	// ErrMissingResponse marks a request whose id was absent from the
	// mapped batch response.
	ErrMissingResponse = errors.New("no response for request in batch")

	// errBufferRetired is returned by a buffer evicted from the registry
	errBufferRetired = errors.New("batch buffer retired")
)

// TransportError is the failure of a whole batched call. Every request of
// the batch resolves to the same TransportError.
type TransportError struct {
	Key string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("batch send for key %q failed: %v", e.Key, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ApplicationError is a per-request failure reported inside an otherwise
// successful batch response.
type ApplicationError struct {
	ID  string
	Err error
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("request %s failed: %v", e.ID, e.Err)
}

func (e *ApplicationError) Unwrap() error {
	return e.Err
}
