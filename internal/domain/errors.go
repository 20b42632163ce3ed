package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// ValidationError aggregates request validation issues. It is terminal:
// a request that fails validation is never admitted.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "validation failed"
	}
	return "validation failed: " + strings.Join(e.Issues, "; ")
}

func (e *ValidationError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ValidationError) Addf(format string, args ...any) {
	e.Add(fmt.Sprintf(format, args...))
}

func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// ResourceExhaustedError is attached to an admission as a warning when the
// queue is deeper than its soft limit. The request is still admitted.
type ResourceExhaustedError struct {
	QueueDepth int
	SoftLimit  int
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("queue depth %d exceeds soft limit %d", e.QueueDepth, e.SoftLimit)
}

// TimeoutError marks an execution that exceeded its wall-clock limit.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return "execution timed out"
}

// AdapterError wraps a non-zero exit or launch failure of a framework adapter.
type AdapterError struct {
	FrameworkID string
	ExitCode    int
	StderrTail  string
	Err         error
}

func (e *AdapterError) Error() string {
	msg := fmt.Sprintf("adapter %s failed", e.FrameworkID)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" with exit code %d", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if tail := strings.TrimSpace(e.StderrTail); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func (e *AdapterError) Unwrap() error { return e.Err }

// TransportError reports a push client or bus subscriber that was dropped
// from the fan-out set.
type TransportError struct {
	Channel  string
	ClientID string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s subscriber %s: %v", e.Channel, e.ClientID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
