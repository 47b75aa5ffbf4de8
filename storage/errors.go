package storage

import (
	"errors"
	"os"
	"syscall"
)

// ErrOriginalNotFound is returned when no original with the requested
// id has been stored.
var ErrOriginalNotFound = errors.New("original not found")

// ErrUnsupportedImage is returned when uploaded bytes do not decode as
// one of the supported source formats.
var ErrUnsupportedImage = errors.New("unsupported or undecodable image")

// Error is an I/O failure from the storage layer, classified so callers
// can decide whether the operation is worth retrying on a later
// request.
type Error struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a storage error that a later
// request may succeed on. Permission and quota failures are fatal;
// everything else I/O-ish is assumed temporary.
func IsRetryable(err error) bool {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Retryable
	}
	return false
}

// classify wraps an I/O error with its retry classification.
func classify(op string, err error) *Error {
	retryable := true
	if os.IsPermission(err) || errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EROFS) {
		retryable = false
	}
	return &Error{Op: op, Retryable: retryable, Err: err}
}
