package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Payload is the typed data carried by an Event. Known event types decode
// into a concrete struct; anything else is kept verbatim as OpaquePayload.
type Payload interface {
	// Text is the human readable rendering used for embeddings and packs.
	Text() string
}

type ExecutionPayload struct {
	ExecutionID   string          `json:"executionId"`
	FrameworkID   string          `json:"frameworkId"`
	Status        ExecutionStatus `json:"status"`
	From          ExecutionStatus `json:"from,omitempty"`
	TestSelectors []string        `json:"testSelectors,omitempty"`
	QueuePosition int             `json:"queuePosition,omitempty"`
	ExitCode      int             `json:"exitCode,omitempty"`
	DurationMs    int64           `json:"durationMs,omitempty"`
	Error         string          `json:"error,omitempty"`
}

func (p ExecutionPayload) Text() string {
	s := fmt.Sprintf("execution %s (%s) %s", p.ExecutionID, p.FrameworkID, p.Status)
	if len(p.TestSelectors) > 0 {
		s += " selectors: " + strings.Join(p.TestSelectors, ", ")
	}
	if p.Error != "" {
		s += " error: " + p.Error
	}
	return s
}

type TestFailurePayload struct {
	TestName    string `json:"testName"`
	File        string `json:"file,omitempty"`
	Message     string `json:"message"`
	Stack       string `json:"stack,omitempty"`
	FrameworkID string `json:"frameworkId,omitempty"`
	ExecutionID string `json:"executionId,omitempty"`
}

func (p TestFailurePayload) Text() string {
	s := "test failed: " + p.TestName
	if p.File != "" {
		s += " (" + p.File + ")"
	}
	return s + ": " + p.Message
}

type CodeChangePayload struct {
	Commit  string   `json:"commit"`
	Author  string   `json:"author,omitempty"`
	Files   []string `json:"files,omitempty"`
	Summary string   `json:"summary"`
}

func (p CodeChangePayload) Text() string {
	s := "code change " + p.Commit + ": " + p.Summary
	if len(p.Files) > 0 {
		s += " files: " + strings.Join(p.Files, ", ")
	}
	return s
}

type AgentActionPayload struct {
	Agent   string `json:"agent"`
	Action  string `json:"action"`
	Summary string `json:"summary,omitempty"`
	Outcome string `json:"outcome,omitempty"`
}

func (p AgentActionPayload) Text() string {
	s := fmt.Sprintf("agent %s %s", p.Agent, p.Action)
	if p.Summary != "" {
		s += ": " + p.Summary
	}
	if p.Outcome != "" {
		s += " -> " + p.Outcome
	}
	return s
}

type PolicyPayload struct {
	PolicyID string `json:"policyId"`
	Version  int    `json:"version"`
	Change   string `json:"change"`
}

func (p PolicyPayload) Text() string {
	return fmt.Sprintf("policy %s v%d %s", p.PolicyID, p.Version, p.Change)
}

type CIPayload struct {
	Pipeline string `json:"pipeline"`
	RunID    string `json:"runId"`
	Status   string `json:"status"`
	URL      string `json:"url,omitempty"`
}

func (p CIPayload) Text() string {
	return fmt.Sprintf("ci %s run %s %s", p.Pipeline, p.RunID, p.Status)
}

// OpaquePayload preserves data of event types without a typed schema.
type OpaquePayload struct {
	Raw json.RawMessage
}

func (p OpaquePayload) Text() string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, p.Raw); err != nil {
		return string(p.Raw)
	}
	return buf.String()
}

func (p OpaquePayload) MarshalJSON() ([]byte, error) {
	if len(bytes.TrimSpace(p.Raw)) == 0 {
		return []byte("{}"), nil
	}
	return p.Raw, nil
}

// DecodePayload decodes raw data according to the event type. Data that
// does not match the typed schema for a known type is preserved as
// OpaquePayload rather than dropped.
func DecodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("data for %s is not valid JSON", t)
	}

	var typed Payload
	switch t {
	case EventExecutionQueued, EventExecutionStarted, EventExecutionCompleted, EventExecutionFailed, EventExecutionCancelled:
		typed = decodeStrict[ExecutionPayload](raw)
	case EventTestFailure:
		typed = decodeStrict[TestFailurePayload](raw)
	case EventCodeChange:
		typed = decodeStrict[CodeChangePayload](raw)
	case EventAgentAction:
		typed = decodeStrict[AgentActionPayload](raw)
	case EventPolicyUpdated:
		typed = decodeStrict[PolicyPayload](raw)
	case EventCIRun:
		typed = decodeStrict[CIPayload](raw)
	}
	if typed != nil {
		return typed, nil
	}
	return OpaquePayload{Raw: append(json.RawMessage(nil), raw...)}, nil
}

func decodeStrict[T Payload](raw []byte) Payload {
	var v T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	return v
}
