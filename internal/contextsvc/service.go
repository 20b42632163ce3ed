// Package contextsvc is the context memory facade: it records events,
// keeps their embeddings indexed and serves context packs.
//
// A failing embedder or index never fails ingestion or retrieval. Events
// are always persisted first; embedding is best effort and is caught up
// later by the backfill loop. Retrieval falls back to ranking without the
// semantic component and marks the pack degraded.
package contextsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qaflow-labs/qaflow-go/internal/domain"
	"github.com/qaflow-labs/qaflow-go/internal/embedding"
	"github.com/qaflow-labs/qaflow-go/internal/eventlog"
	"github.com/qaflow-labs/qaflow-go/internal/policy"
	"github.com/qaflow-labs/qaflow-go/internal/vectorindex"
)

var ErrSemanticUnavailable = errors.New("semantic ranking unavailable")

type Service struct {
	log      *eventlog.Log
	index    *vectorindex.Index
	embedder embedding.Embedder
	policies *policy.Store
	engine   *policy.Engine
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	semanticUp atomic.Bool
	// backfillMu serializes backfill passes; cursor is the last seq below
	// which every row is settled and indexed.
	backfillMu sync.Mutex
	cursor     int64

	statsMu        sync.Mutex
	retrievals     int64
	retrievalTotal time.Duration
}

type Health struct {
	EventCount        int64   `json:"eventCount"`
	IndexSize         int     `json:"indexSize"`
	AvgRetrievalMs    float64 `json:"avgRetrievalMs"`
	Retrievals        int64   `json:"retrievals"`
	SemanticAvailable bool    `json:"semanticAvailable"`
	StoreReachable    bool    `json:"storeReachable"`
}

// BatchResult is the per-item outcome of IngestBatch.
type BatchResult struct {
	ID           string `json:"id,omitempty"`
	Deduplicated bool   `json:"deduplicated"`
	Error        string `json:"error,omitempty"`
}

// New wires the service. embedder may be nil, which disables semantic
// ranking.
func New(log *eventlog.Log, index *vectorindex.Index, embedder embedding.Embedder, policies *policy.Store, cfg Config, logger *slog.Logger) (*Service, error) {
	if log == nil {
		return nil, errors.New("event log is required")
	}
	if index == nil {
		return nil, errors.New("vector index is required")
	}
	if policies == nil {
		return nil, errors.New("policy store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		log:      log,
		index:    index,
		embedder: embedder,
		policies: policies,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
	s.semanticUp.Store(embedder != nil)
	engine, err := policy.NewEngine(policies, log, s, cfg.DefaultBudget, logger)
	if err != nil {
		return nil, err
	}
	s.engine = engine
	return s, nil
}

func (s *Service) Policies() *policy.Store { return s.policies }

// IngestEvent persists e and indexes its embedding. Only a persistence
// failure is returned.
func (s *Service) IngestEvent(ctx context.Context, e domain.Event) (eventlog.IngestResult, error) {
	e.Normalize(s.now())
	res, err := s.log.Ingest(ctx, e)
	if err != nil {
		return eventlog.IngestResult{}, err
	}
	e.ID = res.ID
	e.Checksum = res.Checksum
	if err := s.embed(ctx, e); err != nil {
		s.logger.Warn("event stored without embedding", "event_id", res.ID, "error", err)
	}
	return res, nil
}

// IngestBatch ingests each event independently. One bad item does not
// stop the others.
func (s *Service) IngestBatch(ctx context.Context, events []domain.Event) []BatchResult {
	out := make([]BatchResult, len(events))
	for i, e := range events {
		res, err := s.IngestEvent(ctx, e)
		if err != nil {
			out[i] = BatchResult{ID: e.ID, Error: err.Error()}
			continue
		}
		out[i] = BatchResult{ID: res.ID, Deduplicated: res.Deduplicated}
	}
	return out
}

func (s *Service) QueryEvents(ctx context.Context, f eventlog.Filter) ([]domain.Event, error) {
	return s.log.Query(ctx, f)
}

func (s *Service) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	return s.log.Get(ctx, id)
}

// RetrieveContext builds a context pack. A down embedder or index only
// degrades the ranking.
func (s *Service) RetrieveContext(ctx context.Context, policyID string, q domain.RetrieveQuery, budget int) (domain.ContextPack, error) {
	start := time.Now()
	pack, err := s.engine.Retrieve(ctx, policyID, q, budget)
	elapsed := time.Since(start)
	if err != nil {
		return domain.ContextPack{}, err
	}
	s.statsMu.Lock()
	s.retrievals++
	s.retrievalTotal += elapsed
	s.statsMu.Unlock()
	s.logger.Debug("context retrieved",
		"policy_id", pack.PolicyID,
		"items", len(pack.Items),
		"tokens", pack.TotalTokens,
		"degraded", pack.Degraded,
		"duration_ms", elapsed.Milliseconds(),
	)
	return pack, nil
}

// Similarities embeds query and scores ids against the index.
func (s *Service) Similarities(ctx context.Context, query string, ids []string) (map[string]float64, error) {
	if s.embedder == nil {
		return nil, ErrSemanticUnavailable
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.semanticUp.Store(false)
		return nil, fmt.Errorf("embed query: %w", err)
	}
	s.semanticUp.Store(true)
	return s.index.Similarities(vec, ids)
}

// RecordPolicyChange stores a PolicyUpdated event. It is installed as the
// policy store's change hook.
func (s *Service) RecordPolicyChange(ctx context.Context, p domain.Policy, change string) {
	_, err := s.IngestEvent(ctx, domain.Event{
		Type:       domain.EventPolicyUpdated,
		Timestamp:  p.UpdatedAt,
		Project:    s.cfg.DefaultProject,
		Importance: 2,
		Tags:       []string{"policy", "policy:" + p.ID},
		Source:     "policy-store",
		Data:       domain.PolicyPayload{PolicyID: p.ID, Version: p.Version, Change: change},
	})
	if err != nil {
		s.logger.Error("policy change not recorded", "policy_id", p.ID, "version", p.Version, "error", err)
	}
}

func (s *Service) Health(ctx context.Context) Health {
	h := Health{
		IndexSize:         s.index.Len(),
		SemanticAvailable: s.semanticUp.Load(),
	}
	if n, err := s.log.Count(ctx); err == nil {
		h.EventCount = n
		h.StoreReachable = true
	} else {
		s.logger.Warn("event count failed", "error", err)
	}
	s.statsMu.Lock()
	h.Retrievals = s.retrievals
	if s.retrievals > 0 {
		h.AvgRetrievalMs = float64(s.retrievalTotal.Microseconds()) / float64(s.retrievals) / 1000
	}
	s.statsMu.Unlock()
	return h
}

func (s *Service) embed(ctx context.Context, e domain.Event) error {
	if s.embedder == nil {
		return ErrSemanticUnavailable
	}
	model := s.embedder.Model()
	if s.index.Has(e.ID, e.Checksum, model) {
		return nil
	}
	vec, err := s.embedder.Embed(ctx, e.Text())
	if err != nil {
		s.semanticUp.Store(false)
		return fmt.Errorf("embed: %w", err)
	}
	s.semanticUp.Store(true)
	return s.index.Index(e.ID, vec, vectorindex.Attributes{
		Checksum:  e.Checksum,
		Model:     model,
		Project:   e.Project,
		Branch:    e.Branch,
		Type:      e.Type,
		Tags:      e.Tags,
		Timestamp: e.Timestamp,
	})
}
