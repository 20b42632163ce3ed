package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/qaflow-labs/qaflow-go/internal/domain"
	"github.com/qaflow-labs/qaflow-go/internal/eventlog"
)

const DefaultCandidateLimit = 500

type EventSource interface {
	Query(ctx context.Context, f eventlog.Filter) ([]domain.Event, error)
}

// SemanticScorer returns query similarity in [-1, 1] per event id. Ids it
// cannot score are left out.
type SemanticScorer interface {
	Similarities(ctx context.Context, query string, ids []string) (map[string]float64, error)
}

type Engine struct {
	policies      *Store
	events        EventSource
	semantic      SemanticScorer
	defaultBudget int
	logger        *slog.Logger
}

// NewEngine wires the engine. semantic may be nil, in which case packs
// for non-empty queries are marked degraded.
func NewEngine(policies *Store, events EventSource, semantic SemanticScorer, defaultBudget int, logger *slog.Logger) (*Engine, error) {
	if policies == nil {
		return nil, errors.New("policy store is required")
	}
	if events == nil {
		return nil, errors.New("event source is required")
	}
	if defaultBudget <= 0 {
		return nil, errors.New("default token budget must be > 0")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		policies:      policies,
		events:        events,
		semantic:      semantic,
		defaultBudget: defaultBudget,
		logger:        logger,
	}, nil
}

type candidate struct {
	event      domain.Event
	pinned     bool
	components domain.ScoreBreakdown
	score      float64
}

// Retrieve builds a context pack for q under policyID. budget <= 0 falls
// back to the policy budget, then to the engine default.
func (e *Engine) Retrieve(ctx context.Context, policyID string, q domain.RetrieveQuery, budget int) (domain.ContextPack, error) {
	if strings.TrimSpace(policyID) == "" {
		policyID = DefaultPolicyID
	}
	p, err := e.policies.Get(policyID)
	if err != nil {
		return domain.ContextPack{}, err
	}
	q = normalizeQuery(q)
	issues := &domain.ValidationError{}
	if q.Project == "" {
		issues.Add("project is required")
	}
	if budget < 0 {
		issues.Add("tokenBudget must be >= 0")
	}
	if err := issues.OrNil(); err != nil {
		return domain.ContextPack{}, err
	}
	if budget == 0 {
		budget = p.BudgetTokens
	}
	if budget <= 0 {
		budget = e.defaultBudget
	}

	events, err := e.candidates(ctx, p, q)
	if err != nil {
		return domain.ContextPack{}, err
	}
	ref := referenceTime(q, events)
	events = withinWindow(events, p, ref)

	pinnedTags := normalizeTags(p.AlwaysInclude)
	cands := make([]candidate, len(events))
	ids := make([]string, len(events))
	for i, ev := range events {
		cands[i] = candidate{event: ev, pinned: hasAnyTag(ev, pinnedTags)}
		ids[i] = ev.ID
	}

	sims, degraded := e.similarities(ctx, q.Query, ids)
	w := p.Weights
	for i := range cands {
		c := &cands[i]
		if c.pinned {
			c.components.Pinned = w.Pinned
		}
		c.components.Importance = w.Importance * c.event.Importance / domain.MaxImportance
		c.components.Semantic = w.Semantic * math.Max(0, sims[c.event.ID])
		ageHours := math.Max(0, ref.Sub(c.event.Timestamp).Hours())
		c.components.Recency = w.Recency * math.Exp(-w.RecencyLambda*ageHours)
		c.score = c.components.Pinned + c.components.Importance + c.components.Semantic + c.components.Recency
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].pinned != cands[j].pinned {
			return cands[i].pinned
		}
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].event.ID < cands[j].event.ID
	})

	out := packItems(cands, budget)
	out.PolicyID = p.ID
	out.PolicyVersion = p.Version
	out.CandidateCount = len(cands)
	out.Degraded = degraded
	out.AsOf = ref
	out.PackID = packID(p, q, budget, out.Items)
	return out, nil
}

// candidates returns the filtered events plus every event carrying an
// always-include tag, de-duplicated and newest first.
func (e *Engine) candidates(ctx context.Context, p domain.Policy, q domain.RetrieveQuery) ([]domain.Event, error) {
	limit := p.CandidateLimit
	if limit <= 0 {
		limit = DefaultCandidateLimit
	}
	var until time.Time
	if q.AsOf != nil {
		until = *q.AsOf
	}
	base := eventlog.Filter{
		Project: q.Project,
		Branch:  q.Branch,
		Types:   p.Filters.Types,
		TagsAny: p.Filters.TagsAny,
		TagsAll: p.Filters.TagsAll,
		Until:   until,
		Limit:   limit,
	}
	if p.Filters.Window > 0 && q.AsOf != nil {
		base.Since = q.AsOf.Add(-p.Filters.Window.Std())
	}
	filtered, err := e.events.Query(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	if len(q.Tags) > 0 {
		kept := filtered[:0]
		for _, ev := range filtered {
			if hasAnyTag(ev, q.Tags) {
				kept = append(kept, ev)
			}
		}
		filtered = kept
	}

	var pinned []domain.Event
	if tags := normalizeTags(p.AlwaysInclude); len(tags) > 0 {
		pinned, err = e.events.Query(ctx, eventlog.Filter{
			Project: q.Project,
			Branch:  q.Branch,
			TagsAny: tags,
			Until:   until,
			Limit:   limit,
		})
		if err != nil {
			return nil, fmt.Errorf("query always-include events: %w", err)
		}
	}

	seen := make(map[string]struct{}, len(filtered)+len(pinned))
	out := make([]domain.Event, 0, len(filtered)+len(pinned))
	for _, group := range [][]domain.Event{pinned, filtered} {
		for _, ev := range group {
			if _, ok := seen[ev.ID]; ok {
				continue
			}
			seen[ev.ID] = struct{}{}
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// similarities returns nil and degraded=false when there is no query text.
func (e *Engine) similarities(ctx context.Context, query string, ids []string) (map[string]float64, bool) {
	if query == "" || len(ids) == 0 {
		return nil, false
	}
	if e.semantic == nil {
		return nil, true
	}
	sims, err := e.semantic.Similarities(ctx, query, ids)
	if err != nil {
		e.logger.Warn("semantic ranking unavailable", "error", err)
		return nil, true
	}
	return sims, false
}

// packItems adds always-include candidates first, skipping any that do not
// fit, then the rest in rank order until the next one would exceed budget.
func packItems(cands []candidate, budget int) domain.ContextPack {
	out := domain.ContextPack{
		BudgetTokens: budget,
		Items:        []domain.PackItem{},
		Citations:    []domain.Citation{},
	}
	for _, c := range cands {
		content := c.event.Text()
		tokens := EstimateTokens(content)
		if out.TotalTokens+tokens > budget {
			if c.pinned {
				out.Omitted = append(out.Omitted, c.event.ID)
				continue
			}
			break
		}
		citation := domain.Citation{
			EventID:   c.event.ID,
			Checksum:  c.event.Checksum,
			Type:      c.event.Type,
			Timestamp: c.event.Timestamp,
		}
		out.Items = append(out.Items, domain.PackItem{
			EventID:    c.event.ID,
			Type:       c.event.Type,
			Timestamp:  c.event.Timestamp,
			Tags:       append([]string{}, c.event.Tags...),
			Content:    content,
			Tokens:     tokens,
			Score:      c.score,
			Components: c.components,
			Pinned:     c.pinned,
			Citation:   citation,
		})
		out.Citations = append(out.Citations, citation)
		out.TotalTokens += tokens
	}
	return out
}

func packID(p domain.Policy, q domain.RetrieveQuery, budget int, items []domain.PackItem) string {
	type packKey struct {
		PolicyID string   `json:"policy_id"`
		Version  int      `json:"version"`
		Project  string   `json:"project"`
		Branch   string   `json:"branch"`
		Query    string   `json:"query"`
		Tags     []string `json:"tags"`
		AsOf     string   `json:"as_of"`
		Budget   int      `json:"budget"`
		Items    []string `json:"items"`
	}
	key := packKey{
		PolicyID: p.ID,
		Version:  p.Version,
		Project:  q.Project,
		Branch:   q.Branch,
		Query:    q.Query,
		Tags:     q.Tags,
		Budget:   budget,
		Items:    make([]string, len(items)),
	}
	if q.AsOf != nil {
		key.AsOf = q.AsOf.UTC().Format(time.RFC3339Nano)
	}
	for i, it := range items {
		key.Items[i] = it.EventID
	}
	blob, _ := json.Marshal(key)
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

func referenceTime(q domain.RetrieveQuery, events []domain.Event) time.Time {
	if q.AsOf != nil {
		return q.AsOf.UTC()
	}
	var ref time.Time
	for _, ev := range events {
		if ev.Timestamp.After(ref) {
			ref = ev.Timestamp
		}
	}
	return ref.UTC()
}

// withinWindow applies the policy window when it could not be pushed into
// the query. Always-include events are exempt.
func withinWindow(events []domain.Event, p domain.Policy, ref time.Time) []domain.Event {
	if p.Filters.Window <= 0 || ref.IsZero() {
		return events
	}
	since := ref.Add(-p.Filters.Window.Std())
	pinned := normalizeTags(p.AlwaysInclude)
	out := events[:0]
	for _, ev := range events {
		if !ev.Timestamp.Before(since) || hasAnyTag(ev, pinned) {
			out = append(out, ev)
		}
	}
	return out
}

func normalizeQuery(q domain.RetrieveQuery) domain.RetrieveQuery {
	q.Project = strings.TrimSpace(q.Project)
	q.Branch = strings.TrimSpace(q.Branch)
	q.Query = strings.TrimSpace(q.Query)
	q.Tags = normalizeTags(q.Tags)
	if q.AsOf != nil {
		t := q.AsOf.UTC()
		q.AsOf = &t
	}
	return q
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func hasAnyTag(ev domain.Event, tags []string) bool {
	for _, t := range tags {
		if ev.HasTag(t) {
			return true
		}
	}
	return false
}
