package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout means no prompt arrived within the command's bound.
	ErrTimeout = errors.New("timed out waiting for prompt")
	// ErrBusy means the command queue is full.
	ErrBusy = errors.New("session busy")
	// ErrDisconnected means the session is not open.
	ErrDisconnected = errors.New("session disconnected")
	// ErrInterrupted means the command was aborted by interrupt or reset.
	ErrInterrupted = errors.New("command interrupted")
	// ErrCancelled means the caller's context ended while the command ran.
	ErrCancelled = errors.New("command cancelled")
	// ErrUploadFailed is matched by every *UploadError.
	ErrUploadFailed = errors.New("upload failed")
	// ErrAlreadyConnected is returned by Connect on a live session.
	ErrAlreadyConnected = errors.New("session already connected")
	// ErrProtocolDesync means the device printed something the REPL
	// conventions cannot explain.
	ErrProtocolDesync = errors.New("protocol desync")
	// ErrCloseDeclined is returned when ConfirmBeforeClose says no.
	ErrCloseDeclined = errors.New("close declined")
)

// TimeoutError carries the output captured before the deadline passed.
type TimeoutError struct {
	Kind   Kind
	After  time.Duration
	Output string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no prompt after %v", e.Kind, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// DesyncError names the line that could not be classified.
type DesyncError struct {
	Line string
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("protocol desync: unexpected %q", e.Line)
}

func (e *DesyncError) Is(target error) bool { return target == ErrProtocolDesync }

// UploadError reports a failed transfer with the progress made so far.
// Closed is false when the close of the device-side handle could not be
// confirmed, in which case a partial file may remain on the board.
type UploadError struct {
	Dest        string
	Transferred int64
	Total       int64
	Closed      bool
	Cause       error
}

func (e *UploadError) Error() string {
	msg := fmt.Sprintf("upload %s failed after %d/%d bytes: %v", e.Dest, e.Transferred, e.Total, e.Cause)
	if !e.Closed {
		msg += " (file handle not confirmed closed)"
	}
	return msg
}

func (e *UploadError) Is(target error) bool { return target == ErrUploadFailed }

func (e *UploadError) Unwrap() error { return e.Cause }

// disconnectedError wraps the transport failure that ended the session so
// callers can match both ErrDisconnected and the cause.
type disconnectedError struct {
	cause error
}

func (e *disconnectedError) Error() string {
	if e.cause == nil {
		return ErrDisconnected.Error()
	}
	return fmt.Sprintf("%v: %v", ErrDisconnected, e.cause)
}

func (e *disconnectedError) Is(target error) bool { return target == ErrDisconnected }

func (e *disconnectedError) Unwrap() error { return e.cause }

func disconnected(cause error) error {
	if cause == nil {
		return ErrDisconnected
	}
	return &disconnectedError{cause: cause}
}
