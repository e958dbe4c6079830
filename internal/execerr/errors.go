// Package execerr defines the coded errors surfaced by the execution subsystem.
//
// Every failure that crosses a component boundary (preflight, lifecycle,
// crash handling) is converted into an *Error carrying a Code, so the HTTP
// layer and dashboard can render distinct remediation guidance.
package execerr

import (
	"errors"
	"fmt"
)

// Code identifies a class of execution failure.
type Code string

const (
	CodeNone                   Code = ""
	CodeToolNotFound           Code = "TOOL_NOT_FOUND"
	CodeProjectNotInitialized  Code = "PROJECT_NOT_INITIALIZED"
	CodePromptGenerationFailed Code = "PROMPT_GENERATION_FAILED"
	CodeAlreadyRunning         Code = "ALREADY_RUNNING"
	CodeNotRunning             Code = "NOT_RUNNING"
	CodePhaseNotFound          Code = "PHASE_NOT_FOUND"
	CodeSpawnFailed            Code = "SPAWN_FAILED"
	CodeProcessCrashed         Code = "PROCESS_CRASHED"
	CodeHeartbeatLost          Code = "HEARTBEAT_LOST"
	CodeExecutionTimeout       Code = "EXECUTION_TIMEOUT"
	CodeStateConflict          Code = "STATE_CONFLICT"
	CodeInvalidTransition      Code = "INVALID_TRANSITION"
	CodeNotResumable           Code = "NOT_RESUMABLE"
	CodeInvalidRequest         Code = "INVALID_REQUEST"
	CodeForbiddenOrigin        Code = "FORBIDDEN_ORIGIN"
	CodeInternal               Code = "INTERNAL_ERROR"
)

// Error is a coded execution error. Message is suitable for direct display.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "execution error"
	}
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Code, so errors.Is(err, New(code, ""))
// works as a code check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a coded error.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error. Returns nil for a
// nil err.
func Wrap(code Code, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of the first *Error in err's chain, CodeInternal for
// uncoded errors, and CodeNone for nil.
func CodeOf(err error) Code {
	if err == nil {
		return CodeNone
	}
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns the display message for err.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
