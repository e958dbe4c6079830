package resilience

import (
	"context"
	"errors"
	"os"
	"syscall"
)

// PermanentError marks an error as not worth retrying.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError wraps err; nil stays nil.
func NewPermanentError(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// TransientError marks an error as retryable even if its cause looks permanent.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err; nil stays nil.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsPermanentError reports whether err should not be retried. Explicit
// wrappers win, then context errors and filesystem errors that a retry
// cannot fix. Anything else is assumed transient.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var permErr *PermanentError
	if errors.As(err, &permErr) {
		return true
	}
	var transErr *TransientError
	if errors.As(err, &transErr) {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return isPermanentErrno(pathErr.Err)
	}
	return isPermanentErrno(err)
}

func isPermanentErrno(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EACCES, syscall.EPERM, syscall.ENOENT, syscall.ENOTDIR, syscall.EROFS, syscall.ENOSPC:
		return true
	}
	return false
}

// IsTransientError reports whether err is non-nil and retryable.
func IsTransientError(err error) bool {
	return err != nil && !IsPermanentError(err)
}
