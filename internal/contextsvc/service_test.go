package contextsvc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qaflow-labs/qaflow-go/internal/domain"
	"github.com/qaflow-labs/qaflow-go/internal/embedding"
	"github.com/qaflow-labs/qaflow-go/internal/eventlog"
	"github.com/qaflow-labs/qaflow-go/internal/platform/sqlite"
	"github.com/qaflow-labs/qaflow-go/internal/policy"
	"github.com/qaflow-labs/qaflow-go/internal/vectorindex"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type flakyEmbedder struct {
	inner embedding.Embedder
	down  atomic.Bool
	calls atomic.Int32
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	if f.down.Load() {
		return nil, embedding.ErrUnavailable
	}
	return f.inner.Embed(ctx, text)
}

func (f *flakyEmbedder) Model() string   { return f.inner.Model() }
func (f *flakyEmbedder) Dimensions() int { return f.inner.Dimensions() }

type fixture struct {
	svc      *Service
	log      *eventlog.Log
	index    *vectorindex.Index
	embedder *flakyEmbedder
	snapshot string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := sqlite.Open(ctx, sqlite.Config{Path: sqlite.Memory, BusyTimeout: time.Second})
	if err != nil {
		t.Fatalf("sqlite.Open() err=%v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	log, err := eventlog.New(db, eventlog.SQLite, logger)
	if err != nil {
		t.Fatalf("eventlog.New() err=%v", err)
	}
	if err := log.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() err=%v", err)
	}
	snap := filepath.Join(t.TempDir(), "index.snap")
	index, err := vectorindex.New(vectorindex.Config{Dimensions: 64, Compression: vectorindex.CompressionZstd}, vectorindex.FileStore{Path: snap}, logger)
	if err != nil {
		t.Fatalf("vectorindex.New() err=%v", err)
	}
	emb := &flakyEmbedder{inner: embedding.NewHashing(64)}
	svc, err := New(log, index, emb, policy.NewStore(nil), Config{RetentionDays: 7, DefaultBudget: 500, BackfillBatch: 2, DefaultProject: "shop"}, logger)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	svc.now = func() time.Time { return now }
	return &fixture{svc: svc, log: log, index: index, embedder: emb, snapshot: snap}
}

func failure(name, message string, age time.Duration, tags ...string) domain.Event {
	return domain.Event{
		Type:       domain.EventTestFailure,
		Timestamp:  now.Add(-age),
		Project:    "shop",
		Importance: 3,
		Tags:       tags,
		Data:       domain.TestFailurePayload{TestName: name, Message: message},
	}
}

func TestIngestEvent_IndexesOnceAndDeduplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.IngestEvent(ctx, failure("login", "session cookie missing", time.Hour))
	if err != nil {
		t.Fatalf("IngestEvent() err=%v", err)
	}
	second, err := f.svc.IngestEvent(ctx, failure("login", "session cookie missing", time.Hour))
	if err != nil {
		t.Fatalf("IngestEvent(dup) err=%v", err)
	}
	if !second.Deduplicated || second.ID != first.ID {
		t.Fatalf("IngestEvent(dup)=%+v, want deduplicated", second)
	}
	if f.index.Len() != 1 || f.embedder.calls.Load() != 1 {
		t.Fatalf("index=%d embed calls=%d, want 1 and 1", f.index.Len(), f.embedder.calls.Load())
	}
}

func TestIngestEvent_SurvivesEmbedderOutageAndBackfills(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.embedder.down.Store(true)

	for i, name := range []string{"a", "b", "c"} {
		if _, err := f.svc.IngestEvent(ctx, failure(name, "boom", time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("IngestEvent() err=%v", err)
		}
	}
	if f.index.Len() != 0 {
		t.Fatalf("index=%d while embedder down", f.index.Len())
	}
	h := f.svc.Health(ctx)
	if h.EventCount != 3 || h.SemanticAvailable {
		t.Fatalf("Health()=%+v", h)
	}

	if _, err := f.svc.Backfill(ctx); err == nil {
		t.Fatalf("Backfill() with embedder down err=nil")
	}
	f.embedder.down.Store(false)
	n, err := f.svc.Backfill(ctx)
	if err != nil || n != 3 || f.index.Len() != 3 {
		t.Fatalf("Backfill()=%d,%v index=%d", n, err, f.index.Len())
	}
	if n, _ := f.svc.Backfill(ctx); n != 0 {
		t.Fatalf("second Backfill()=%d, want 0", n)
	}
	if !f.svc.Health(ctx).SemanticAvailable {
		t.Fatalf("semantic still unavailable after recovery")
	}
}

func TestBackfill_RescansUnsettledRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.cfg.BackfillLag = time.Hour

	var ids []string
	for i, name := range []string{"a", "b", "c"} {
		res, err := f.svc.IngestEvent(ctx, failure(name, "boom", time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("IngestEvent() err=%v", err)
		}
		ids = append(ids, res.ID)
	}

	// A row that only became visible after later rows were scanned looks
	// like this: stored, newer than the lag, and missing from the index.
	f.index.Remove(ids[0])
	n, err := f.svc.Backfill(ctx)
	if err != nil || n != 1 || f.index.Len() != 3 {
		t.Fatalf("Backfill()=%d,%v index=%d, want 1 re-indexed", n, err, f.index.Len())
	}
	if f.svc.cursor != 0 {
		t.Fatalf("cursor=%d, want 0 while rows are inside the lag", f.svc.cursor)
	}

	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if n, err := f.svc.Backfill(ctx); err != nil || n != 0 {
		t.Fatalf("Backfill()=%d,%v want 0", n, err)
	}
	if f.svc.cursor == 0 {
		t.Fatalf("cursor did not advance over settled rows")
	}
}

func TestRetrieveContext_SemanticThenDegraded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := domain.Policy{
		ID:            "triage",
		Weights:       domain.PolicyWeights{Pinned: 10, Importance: 0.1, Semantic: 5, Recency: 0.1, RecencyLambda: 0.01},
		AlwaysInclude: []string{"runbook"},
	}
	if _, err := f.svc.Policies().Put(ctx, p); err != nil {
		t.Fatalf("Put() err=%v", err)
	}
	for _, e := range []domain.Event{
		failure("checkout", "payment gateway timeout on submit", 2*time.Hour),
		failure("search", "results list empty for query", time.Minute),
		failure("runbook", "restart the stub server", 100*time.Hour, "runbook"),
	} {
		if _, err := f.svc.IngestEvent(ctx, e); err != nil {
			t.Fatalf("IngestEvent() err=%v", err)
		}
	}

	q := domain.RetrieveQuery{Project: "shop", Query: "payment gateway timeout"}
	pack, err := f.svc.RetrieveContext(ctx, "triage", q, 0)
	if err != nil {
		t.Fatalf("RetrieveContext() err=%v", err)
	}
	if pack.Degraded || len(pack.Items) != 3 || !pack.Items[0].Pinned {
		t.Fatalf("pack=%+v", pack)
	}
	if pack.Items[1].Content == "" || pack.Items[1].Components.Semantic <= pack.Items[2].Components.Semantic {
		t.Fatalf("semantic match not ranked first: %+v", pack.Items[1:])
	}
	again, _ := f.svc.RetrieveContext(ctx, "triage", q, 0)
	if again.PackID != pack.PackID {
		t.Fatalf("PackID changed between identical retrievals")
	}

	f.embedder.down.Store(true)
	degraded, err := f.svc.RetrieveContext(ctx, "triage", q, 0)
	if err != nil {
		t.Fatalf("RetrieveContext(degraded) err=%v", err)
	}
	if !degraded.Degraded || len(degraded.Items) != 3 || degraded.Items[0].EventID != pack.Items[0].EventID {
		t.Fatalf("degraded pack=%+v", degraded)
	}
	if h := f.svc.Health(ctx); h.Retrievals != 3 {
		t.Fatalf("Health().Retrievals=%d, want 3", h.Retrievals)
	}
}

func TestIngestBatch_ReportsPerItemErrors(t *testing.T) {
	f := newFixture(t)
	bad := failure("x", "y", 0)
	bad.Project = ""
	res := f.svc.IngestBatch(context.Background(), []domain.Event{failure("ok", "fine", 0), bad})
	if len(res) != 2 || res[0].Error != "" || res[0].ID == "" || res[1].Error == "" {
		t.Fatalf("IngestBatch()=%+v", res)
	}
}

func TestSweep_PrunesLogAndIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old, _ := f.svc.IngestEvent(ctx, failure("old", "x", 10*24*time.Hour))
	if _, err := f.svc.IngestEvent(ctx, failure("new", "x", time.Hour)); err != nil {
		t.Fatalf("IngestEvent() err=%v", err)
	}
	n, err := f.svc.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Sweep()=%d,%v want 1", n, err)
	}
	if f.index.Len() != 1 {
		t.Fatalf("index=%d, want 1", f.index.Len())
	}
	if _, err := f.svc.GetEvent(ctx, old.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetEvent(pruned)=%v", err)
	}
}

func TestStart_ReusesSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.IngestEvent(ctx, failure("a", "x", 0)); err != nil {
		t.Fatalf("IngestEvent() err=%v", err)
	}
	if err := f.index.Save(ctx); err != nil {
		t.Fatalf("Save() err=%v", err)
	}
	calls := f.embedder.calls.Load()

	fresh, err := vectorindex.New(vectorindex.Config{Dimensions: 64}, vectorindex.FileStore{Path: f.snapshot}, nil)
	if err != nil {
		t.Fatalf("vectorindex.New() err=%v", err)
	}
	svc, err := New(f.log, fresh, f.embedder, policy.NewStore(nil), Config{DefaultBudget: 100, BackfillBatch: 10, DefaultProject: "shop"}, nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start() err=%v", err)
	}
	if fresh.Len() != 1 || f.embedder.calls.Load() != calls {
		t.Fatalf("index=%d embed calls %d -> %d, want snapshot reuse", fresh.Len(), calls, f.embedder.calls.Load())
	}
}

func TestRecordPolicyChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.Policies().SetOnChange(f.svc.RecordPolicyChange)
	if _, err := f.svc.Policies().Put(ctx, domain.Policy{ID: "p", Weights: domain.PolicyWeights{Recency: 1}}); err != nil {
		t.Fatalf("Put() err=%v", err)
	}
	events, err := f.svc.QueryEvents(ctx, eventlog.Filter{Types: []domain.EventType{domain.EventPolicyUpdated}})
	if err != nil || len(events) != 1 {
		t.Fatalf("QueryEvents()=%d,%v want 1", len(events), err)
	}
	if events[0].Project != "shop" {
		t.Fatalf("Project=%q, want the default project", events[0].Project)
	}
	payload, ok := events[0].Data.(domain.PolicyPayload)
	if !ok || payload.PolicyID != "p" || payload.Version != 1 || payload.Change != policy.ChangeCreated {
		t.Fatalf("payload=%#v", events[0].Data)
	}
}
