package shell

import (
	"errors"
	"fmt"
	"strings"
)

// WorkerError is a failed read from an OutputStream.
// Code is nil when the failure happened before the backend reported a code, e.g. a broken connection.
type WorkerError struct {
	Code  *int64
	Cause error

	worker Worker
}

func (e *WorkerError) Error() string {
	switch {
	case e.Code != nil && e.Cause != nil:
		return fmt.Sprintf("execution failed with code %d: %s", *e.Code, e.Cause)
	case e.Code != nil:
		return fmt.Sprintf("execution failed with code %d", *e.Code)
	case e.Cause != nil:
		return fmt.Sprintf("execution failed: %s", e.Cause)
	default:
		return "execution failed"
	}
}

func (e *WorkerError) Unwrap() error { return e.Cause }

// Worker returns the worker whose output failed.
func (e *WorkerError) Worker() Worker { return e.worker }

// ScriptError is a failed script, as seen by the caller.
type ScriptError struct {
	// Script is the text of the stage that failed.
	Script string
	// Output is whatever output was collected before the failure.
	Output string
	// Message is the worker's diagnostic, such as the tail of stderr or a remote error message.
	Message string

	Err *WorkerError
}

func (e *ScriptError) Error() string {
	details := e.Message
	if strings.TrimSpace(details) == "" {
		details = e.Output
	}
	return fmt.Sprintf("\n%s\n\n%s\n\nError:\n%s", NumberLines(e.Script), e.Err, details)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// Code returns the error code of the failure, if the backend reported one.
func (e *ScriptError) Code() (int64, bool) {
	if e.Err == nil || e.Err.Code == nil {
		return 0, false
	}
	return *e.Err.Code, true
}

// ErrorCode extracts the backend error code from err, if it carries one.
func ErrorCode(err error) (int64, bool) {
	var werr *WorkerError
	if errors.As(err, &werr) && werr.Code != nil {
		return *werr.Code, true
	}
	return 0, false
}

// NumberLines prefixes every line of s with its zero-based line number.
func NumberLines(s string) string {
	lines := strings.Split(s, "\n")
	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d: %s", i, line)
	}
	return b.String()
}
