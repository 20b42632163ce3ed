package domain

import "time"

type Citation struct {
	EventID   string    `json:"eventId"`
	Checksum  string    `json:"checksum,omitempty"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type ScoreBreakdown struct {
	Pinned     float64 `json:"pinned"`
	Importance float64 `json:"importance"`
	Semantic   float64 `json:"semantic"`
	Recency    float64 `json:"recency"`
}

type PackItem struct {
	EventID    string         `json:"eventId"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	Tags       []string       `json:"tags"`
	Content    string         `json:"content"`
	Tokens     int            `json:"tokens"`
	Score      float64        `json:"score"`
	Components ScoreBreakdown `json:"components"`
	Pinned     bool           `json:"pinned"`
	Citation   Citation       `json:"citation"`
}

// ContextPack is the token-bounded, deterministically ordered result of a
// retrieval. PackID identifies the exact inputs and output ordering.
type ContextPack struct {
	PackID         string     `json:"packId"`
	PolicyID       string     `json:"policyId"`
	PolicyVersion  int        `json:"policyVersion"`
	Items          []PackItem `json:"items"`
	TotalTokens    int        `json:"totalTokens"`
	BudgetTokens   int        `json:"budgetTokens"`
	Citations      []Citation `json:"citations"`
	CandidateCount int        `json:"candidateCount"`
	Degraded       bool       `json:"degraded"`
	// Omitted lists always-include events that did not fit the budget.
	Omitted []string  `json:"omitted,omitempty"`
	AsOf    time.Time `json:"asOf"`
}
