package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

type EventType string

const (
	EventExecutionQueued    EventType = "TestExecutionQueued"
	EventExecutionStarted   EventType = "TestExecutionStarted"
	EventExecutionCompleted EventType = "TestExecutionCompleted"
	EventExecutionFailed    EventType = "TestExecutionFailed"
	EventExecutionCancelled EventType = "TestExecutionCancelled"
	EventTestFailure        EventType = "TestFailure"
	EventCodeChange         EventType = "CodeChange"
	EventAgentAction        EventType = "AgentAction"
	EventPolicyUpdated      EventType = "PolicyUpdated"
	EventCIRun              EventType = "CIRun"
)

const (
	DefaultBranch = "main"
	MaxImportance = 5
	maxTags       = 64
	maxTagLength  = 128
)

var eventTypePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.:-]{0,127}$`)

// Event is one immutable entry of the context event log.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	Project    string    `json:"project"`
	Branch     string    `json:"branch"`
	Data       Payload   `json:"data"`
	Importance float64   `json:"importance"`
	Tags       []string  `json:"tags"`
	Source     string    `json:"source,omitempty"`
	ParentID   string    `json:"parentId,omitempty"`
	RelatedIDs []string  `json:"relatedIds,omitempty"`
	Checksum   string    `json:"checksum,omitempty"`
}

func (e *Event) UnmarshalJSON(b []byte) error {
	type alias Event
	aux := struct {
		*alias
		Data json.RawMessage `json:"data"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	payload, err := DecodePayload(e.Type, aux.Data)
	if err != nil {
		return err
	}
	e.Data = payload
	return nil
}

// Normalize fills defaults and puts the event in canonical form: UTC
// timestamp, default branch, lowercased de-duplicated sorted tags.
func (e *Event) Normalize(now time.Time) {
	e.ID = strings.TrimSpace(e.ID)
	e.Type = EventType(strings.TrimSpace(string(e.Type)))
	e.Project = strings.TrimSpace(e.Project)
	e.Branch = strings.TrimSpace(e.Branch)
	if e.Branch == "" {
		e.Branch = DefaultBranch
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Source = strings.TrimSpace(e.Source)
	e.ParentID = strings.TrimSpace(e.ParentID)
	e.Tags = normalizeSet(e.Tags, true)
	e.RelatedIDs = normalizeSet(e.RelatedIDs, false)
	if e.Data == nil {
		e.Data, _ = DecodePayload(e.Type, nil)
	}
}

func (e Event) Validate() error {
	issues := &ValidationError{}
	if !eventTypePattern.MatchString(string(e.Type)) {
		issues.Addf("type %q is invalid", e.Type)
	}
	if e.Project == "" {
		issues.Add("project is required")
	}
	if !(e.Importance >= 0 && e.Importance <= MaxImportance) {
		issues.Addf("importance must be between 0 and %d", MaxImportance)
	}
	if e.Timestamp.IsZero() {
		issues.Add("timestamp is required")
	}
	if len(e.Tags) > maxTags {
		issues.Addf("at most %d tags are allowed", maxTags)
	}
	for _, tag := range e.Tags {
		if len(tag) > maxTagLength {
			issues.Addf("tag %q exceeds %d characters", tag, maxTagLength)
		}
	}
	return issues.OrNil()
}

func (e Event) HasTag(tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Text renders the event for embedding and context packs.
func (e Event) Text() string {
	var b strings.Builder
	b.WriteString(string(e.Type))
	b.WriteString(" [")
	b.WriteString(e.Project)
	b.WriteString("@")
	b.WriteString(e.Branch)
	b.WriteString("]")
	if len(e.Tags) > 0 {
		b.WriteString(" #")
		b.WriteString(strings.Join(e.Tags, " #"))
	}
	if e.Data != nil {
		if text := e.Data.Text(); text != "" {
			b.WriteString(" ")
			b.WriteString(text)
		}
	}
	return b.String()
}

// CanonicalData returns the payload as JSON with object keys sorted.
func (e Event) CanonicalData() (json.RawMessage, error) {
	if e.Data == nil {
		return json.RawMessage("{}"), nil
	}
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}
	return canonicalJSON(raw)
}

// ComputeChecksum returns the hex SHA-256 over the canonical serialization
// of the event. The id and any previous checksum are excluded, so two
// submissions of the same content collapse to one row.
func (e Event) ComputeChecksum() (string, error) {
	type checksumInput struct {
		Type       EventType       `json:"type"`
		Timestamp  string          `json:"timestamp"`
		Project    string          `json:"project"`
		Branch     string          `json:"branch"`
		Data       json.RawMessage `json:"data"`
		Importance float64         `json:"importance"`
		Tags       []string        `json:"tags"`
		Source     string          `json:"source"`
		ParentID   string          `json:"parent_id"`
		RelatedIDs []string        `json:"related_ids"`
	}

	data, err := e.CanonicalData()
	if err != nil {
		return "", err
	}
	in := checksumInput{
		Type:       e.Type,
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
		Project:    e.Project,
		Branch:     e.Branch,
		Data:       data,
		Importance: e.Importance,
		Tags:       normalizeSet(e.Tags, true),
		Source:     e.Source,
		ParentID:   e.ParentID,
		RelatedIDs: normalizeSet(e.RelatedIDs, false),
	}
	blob, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal checksum input: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalJSON(raw []byte) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode data: %w", err)
	}
	return out, nil
}

func normalizeSet(in []string, lower bool) []string {
	if len(in) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if lower {
			v = strings.ToLower(v)
		}
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
