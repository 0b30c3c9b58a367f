package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrRangeUnsupported means the server ignored or rejected a range request. The worker
	// recovers by restarting from byte zero; it never reaches callers.
	ErrRangeUnsupported = errors.New("server does not support range requests")

	// ErrInterrupted is returned by a Reporter when the worker no longer owns the record
	// (pause, cancel or shutdown). The worker stops without marking the transfer failed.
	ErrInterrupted = errors.New("transfer interrupted")

	// ErrReadTimeout is the cause recorded when no bytes arrive within the read timeout.
	ErrReadTimeout = errors.New("read timeout")
)

// TransportError represents connection failures, timeouts and non-success HTTP statuses.
type TransportError struct {
	Operation  string // The phase that failed (e.g., "connect", "read")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Err        error  // Underlying error, if any
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport error during %s: unexpected HTTP status %d", e.Operation, e.StatusCode)
	}

	return fmt.Sprintf("transport error during %s: %v", e.Operation, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// FileError represents a failure writing the partial file on disk.
type FileError struct {
	Path string // The file that failed
	Op   string // The file operation (e.g., "open", "write", "sync")
	Err  error  // Underlying error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("file error during %s of '%s': %v", e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}
