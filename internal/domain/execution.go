package domain

import (
	"time"
)

type ExecutionStatus string

const (
	StatusQueued    ExecutionStatus = "queued"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

type ExecutionOptions struct {
	Headless    *bool             `json:"headless,omitempty"`
	WorkerCount int               `json:"workerCount,omitempty"`
	AIEnabled   bool              `json:"aiEnabled,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
}

type ExecutionRequest struct {
	ID            string           `json:"id,omitempty"`
	FrameworkID   string           `json:"frameworkId"`
	TestSelectors []string         `json:"testSelectors"`
	Options       ExecutionOptions `json:"options"`
	Project       string           `json:"project,omitempty"`
	Branch        string           `json:"branch,omitempty"`
	SubmittedAt   time.Time        `json:"submittedAt"`
}

type ExecutionResult struct {
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
	OutputTail string `json:"outputTail,omitempty"`
}

// ExecutionHandle is the externally visible state of one request. Values
// handed out by the queue are copies.
type ExecutionHandle struct {
	ID            string           `json:"executionId"`
	FrameworkID   string           `json:"frameworkId"`
	TestSelectors []string         `json:"testSelectors"`
	Project       string           `json:"project,omitempty"`
	Branch        string           `json:"branch,omitempty"`
	PoolName      string           `json:"poolName,omitempty"`
	Status        ExecutionStatus  `json:"status"`
	QueuePosition int              `json:"queuePosition,omitempty"`
	SubmittedAt   time.Time        `json:"submittedAt"`
	StartedAt     *time.Time       `json:"startedAt,omitempty"`
	EndedAt       *time.Time       `json:"endedAt,omitempty"`
	Error         string           `json:"error,omitempty"`
	Result        *ExecutionResult `json:"result,omitempty"`
}

func (h ExecutionHandle) Clone() ExecutionHandle {
	out := h
	out.TestSelectors = append([]string(nil), h.TestSelectors...)
	if h.StartedAt != nil {
		t := *h.StartedAt
		out.StartedAt = &t
	}
	if h.EndedAt != nil {
		t := *h.EndedAt
		out.EndedAt = &t
	}
	if h.Result != nil {
		r := *h.Result
		out.Result = &r
	}
	return out
}

// Transition is emitted once per status change of a handle. Seq increases
// monotonically across the whole queue.
type Transition struct {
	Seq    uint64          `json:"seq"`
	From   ExecutionStatus `json:"from,omitempty"`
	To     ExecutionStatus `json:"to"`
	At     time.Time       `json:"at"`
	Handle ExecutionHandle `json:"execution"`
}

// EventType maps the transition target onto the event log vocabulary.
func (t Transition) EventType() EventType {
	switch t.To {
	case StatusQueued:
		return EventExecutionQueued
	case StatusRunning:
		return EventExecutionStarted
	case StatusCompleted:
		return EventExecutionCompleted
	case StatusFailed:
		return EventExecutionFailed
	default:
		return EventExecutionCancelled
	}
}

type ExecutionSummary struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Queued    int `json:"queued"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
