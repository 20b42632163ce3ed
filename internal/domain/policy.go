package domain

import (
	"strings"
	"time"
)

type PolicyWeights struct {
	Pinned     float64 `json:"pinned" yaml:"pinned"`
	Importance float64 `json:"importance" yaml:"importance"`
	Semantic   float64 `json:"semantic" yaml:"semantic"`
	Recency    float64 `json:"recency" yaml:"recency"`
	// RecencyLambda is the decay rate per hour of age.
	RecencyLambda float64 `json:"recencyLambda" yaml:"recencyLambda"`
}

type PolicyFilters struct {
	Types   []EventType `json:"types,omitempty" yaml:"types,omitempty"`
	TagsAny []string    `json:"tagsAny,omitempty" yaml:"tagsAny,omitempty"`
	TagsAll []string    `json:"tagsAll,omitempty" yaml:"tagsAll,omitempty"`
	// Window bounds candidate age relative to the retrieval reference time.
	Window Duration `json:"window,omitempty" yaml:"window,omitempty"`
}

// Policy parameterizes retrieval. Version increases on every update.
type Policy struct {
	ID             string        `json:"id" yaml:"id"`
	Version        int           `json:"version" yaml:"version"`
	Name           string        `json:"name,omitempty" yaml:"name,omitempty"`
	Description    string        `json:"description,omitempty" yaml:"description,omitempty"`
	Weights        PolicyWeights `json:"weights" yaml:"weights"`
	AlwaysInclude  []string      `json:"alwaysInclude,omitempty" yaml:"alwaysInclude,omitempty"`
	Filters        PolicyFilters `json:"filters" yaml:"filters"`
	BudgetTokens   int           `json:"budgetTokens,omitempty" yaml:"budgetTokens,omitempty"`
	CandidateLimit int           `json:"candidateLimit,omitempty" yaml:"candidateLimit,omitempty"`
	UpdatedAt      time.Time     `json:"updatedAt" yaml:"-"`
}

func (p Policy) Validate() error {
	issues := &ValidationError{}
	if strings.TrimSpace(p.ID) == "" {
		issues.Add("id is required")
	}
	w := p.Weights
	if w.Pinned < 0 || w.Importance < 0 || w.Semantic < 0 || w.Recency < 0 {
		issues.Add("weights must be >= 0")
	}
	if w.Pinned+w.Importance+w.Semantic+w.Recency == 0 {
		issues.Add("at least one weight must be positive")
	}
	if w.RecencyLambda < 0 {
		issues.Add("weights.recencyLambda must be >= 0")
	}
	if p.BudgetTokens < 0 {
		issues.Add("budgetTokens must be >= 0")
	}
	if p.CandidateLimit < 0 {
		issues.Add("candidateLimit must be >= 0")
	}
	if p.Filters.Window < 0 {
		issues.Add("filters.window must be >= 0")
	}
	return issues.OrNil()
}

// RetrieveQuery carries the caller supplied retrieval inputs.
type RetrieveQuery struct {
	Project string   `json:"project"`
	Branch  string   `json:"branch,omitempty"`
	Query   string   `json:"query,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	// AsOf fixes the recency reference time. When nil the newest candidate
	// timestamp is used so results do not depend on the wall clock.
	AsOf *time.Time `json:"asOf,omitempty"`
}
