package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/qaflow-labs/qaflow-go/internal/contextsvc"
	"github.com/qaflow-labs/qaflow-go/internal/domain"
	"github.com/qaflow-labs/qaflow-go/internal/embedding"
	"github.com/qaflow-labs/qaflow-go/internal/eventbus"
	"github.com/qaflow-labs/qaflow-go/internal/eventlog"
	"github.com/qaflow-labs/qaflow-go/internal/execution/adapter"
	"github.com/qaflow-labs/qaflow-go/internal/execution/queue"
	"github.com/qaflow-labs/qaflow-go/internal/orchestrator"
	"github.com/qaflow-labs/qaflow-go/internal/platform/httpserver"
	"github.com/qaflow-labs/qaflow-go/internal/platform/sqlite"
	"github.com/qaflow-labs/qaflow-go/internal/policy"
	"github.com/qaflow-labs/qaflow-go/internal/push"
	"github.com/qaflow-labs/qaflow-go/internal/vectorindex"
)

// blockingAdapter runs until its context is cancelled.
type blockingAdapter struct{}

func (blockingAdapter) ID() string { return "pytest" }

func (blockingAdapter) Validate(selectors []string) []string {
	var missing []string
	for _, s := range selectors {
		if strings.Contains(s, "missing") {
			missing = append(missing, s)
		}
	}
	return missing
}

func (blockingAdapter) Execute(ctx context.Context, _ []string, _ domain.ExecutionOptions) (domain.ExecutionResult, error) {
	<-ctx.Done()
	return domain.ExecutionResult{}, ctx.Err()
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	db, err := sqlite.Open(ctx, sqlite.Config{Path: sqlite.Memory, BusyTimeout: time.Second})
	if err != nil {
		t.Fatalf("sqlite.Open() err=%v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	events, err := eventlog.New(db, eventlog.SQLite, logger)
	if err != nil {
		t.Fatalf("eventlog.New() err=%v", err)
	}
	if err := events.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() err=%v", err)
	}
	index, err := vectorindex.New(vectorindex.Config{Dimensions: 64}, nil, logger)
	if err != nil {
		t.Fatalf("vectorindex.New() err=%v", err)
	}
	policies := policy.NewStore(nil)
	svc, err := contextsvc.New(events, index, embedding.NewHashing(64), policies, contextsvc.Config{RetentionDays: 30, DefaultBudget: 2000, BackfillBatch: 50, DefaultProject: "shop"}, logger)
	if err != nil {
		t.Fatalf("contextsvc.New() err=%v", err)
	}
	policies.SetOnChange(svc.RecordPolicyChange)

	registry, err := adapter.NewRegistry(blockingAdapter{})
	if err != nil {
		t.Fatalf("NewRegistry() err=%v", err)
	}
	bus := eventbus.New(eventbus.Config{MailboxSize: 256}, logger)
	hub, err := push.NewHub(bus, push.Config{
		Channels:     []string{eventbus.ChannelExecutions, eventbus.ChannelCI},
		ReplaySize:   10,
		SendBuffer:   16,
		WriteTimeout: time.Second,
		PingInterval: time.Second,
	}, logger)
	if err != nil {
		t.Fatalf("NewHub() err=%v", err)
	}
	orch, err := orchestrator.New(
		queue.Config{MaxConcurrent: 3, Timeout: time.Minute, KillGrace: time.Second, Retention: time.Minute, SoftQueueDepth: 100, PoolName: "default"},
		orchestrator.Config{IngestRetries: 1, IngestBackoff: time.Millisecond, IngestBuffer: 256, DefaultProject: "shop"},
		registry, bus, svc, logger,
	)
	if err != nil {
		t.Fatalf("orchestrator.New() err=%v", err)
	}
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Close(closeCtx)
		hub.Close()
		bus.Close()
	})

	mux := http.NewServeMux()
	mux.Handle("/ws/", hub)
	newControlPlaneAPI(logger, orch, svc, bus, hub).register(mux)
	return httpserver.Wrap(logger, service, mux)
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, "http://example.test"+path, r)
	if r != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return out
}

func submit(t *testing.T, h http.Handler, selector string) queue.Admission {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/executions", map[string]any{
		"frameworkId":   "pytest",
		"testSelectors": []string{selector},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /executions status=%d body=%s", rec.Code, rec.Body.String())
	}
	return decode[queue.Admission](t, rec)
}

func TestExecutions_SixteenRequestsMaxThree(t *testing.T) {
	h := newTestServer(t)
	for i := 0; i < 16; i++ {
		submit(t, h, fmt.Sprintf("tests/test_%02d.py", i))
	}

	rec := do(t, h, http.MethodGet, "/executions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /executions status=%d", rec.Code)
	}
	body := decode[struct {
		Executions []domain.ExecutionHandle `json:"executions"`
		Summary    domain.ExecutionSummary  `json:"summary"`
	}](t, rec)
	if body.Summary.Running != 3 || body.Summary.Queued != 13 || body.Summary.Total != 16 {
		t.Fatalf("summary=%+v, want 3 running / 13 queued", body.Summary)
	}
	if len(body.Executions) != 16 {
		t.Fatalf("len(executions)=%d, want 16", len(body.Executions))
	}
}

func TestExecutionStatus_UnknownIs404(t *testing.T) {
	h := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/executions/nope/status", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["error"] != "execution not found" {
		t.Fatalf("error=%v, want execution not found", body["error"])
	}
}

func TestSubmit_ValidationErrors(t *testing.T) {
	h := newTestServer(t)
	cases := []struct {
		name string
		body any
		want int
	}{
		{"empty selectors", map[string]any{"frameworkId": "pytest", "testSelectors": []string{}}, http.StatusBadRequest},
		{"unknown framework", map[string]any{"frameworkId": "jest", "testSelectors": []string{"a.test.js"}}, http.StatusBadRequest},
		{"missing selector", map[string]any{"frameworkId": "pytest", "testSelectors": []string{"tests/missing.py"}}, http.StatusBadRequest},
		{"unknown field", `{"frameworkId":"pytest","testSelectors":["a.py"],"bogus":1}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/executions", tc.body)
			if rec.Code != tc.want {
				t.Fatalf("status=%d, want %d body=%s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
	summary := decode[struct {
		Summary domain.ExecutionSummary `json:"summary"`
	}](t, do(t, h, http.MethodGet, "/executions", nil)).Summary
	if summary.Total != 0 {
		t.Fatalf("invalid requests were admitted: %+v", summary)
	}
}

func TestCancel_QueuedThenConflict(t *testing.T) {
	h := newTestServer(t)
	for i := 0; i < 3; i++ {
		submit(t, h, fmt.Sprintf("tests/run_%d.py", i))
	}
	queued := submit(t, h, "tests/queued.py")
	if queued.Status != domain.StatusQueued {
		t.Fatalf("status=%s, want queued", queued.Status)
	}

	rec := do(t, h, http.MethodPost, "/executions/"+queued.ExecutionID+"/cancel", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("cancel status=%d body=%s", rec.Code, rec.Body.String())
	}
	if got := decode[domain.ExecutionHandle](t, rec).Status; got != domain.StatusCancelled {
		t.Fatalf("handle status=%s, want cancelled", got)
	}
	if rec := do(t, h, http.MethodPost, "/executions/"+queued.ExecutionID+"/cancel", nil); rec.Code != http.StatusConflict {
		t.Fatalf("second cancel status=%d, want 409", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/executions/nope/cancel", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown cancel status=%d, want 404", rec.Code)
	}
}

func TestEvents_IngestIsIdempotentAndQueryable(t *testing.T) {
	h := newTestServer(t)
	at := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	ev := map[string]any{
		"type":       "TestFailure",
		"timestamp":  at,
		"project":    "shop",
		"importance": 4,
		"tags":       []string{"checkout", "flaky"},
		"data":       map[string]any{"testName": "test_checkout", "message": "timeout"},
	}

	rec := do(t, h, http.MethodPost, "/events", []any{ev, ev, map[string]any{"type": "TestFailure"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /events status=%d body=%s", rec.Code, rec.Body.String())
	}
	results := decode[[]contextsvc.BatchResult](t, rec)
	if len(results) != 3 {
		t.Fatalf("len(results)=%d, want 3", len(results))
	}
	if results[0].Deduplicated || !results[1].Deduplicated || results[0].ID != results[1].ID {
		t.Fatalf("results=%+v, want second deduplicated onto first", results)
	}
	if results[2].Error == "" {
		t.Fatalf("invalid event accepted: %+v", results[2])
	}

	rec = do(t, h, http.MethodGet, "/events?project=shop&tags=checkout,flaky&tagsMode=all&type=TestFailure", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /events status=%d body=%s", rec.Code, rec.Body.String())
	}
	found := decode[struct {
		Events []domain.Event `json:"events"`
	}](t, rec).Events
	if len(found) != 1 || found[0].ID != results[0].ID {
		t.Fatalf("events=%+v", found)
	}

	if rec := do(t, h, http.MethodGet, "/events/"+results[0].ID, nil); rec.Code != http.StatusOK {
		t.Fatalf("GET /events/{id} status=%d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/events?tagsMode=some", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad tagsMode status=%d, want 400", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/events?since=yesterday", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad since status=%d, want 400", rec.Code)
	}
}

func TestRetrieve_PinnedFirstWithinBudget(t *testing.T) {
	h := newTestServer(t)
	now := time.Now().UTC().Truncate(time.Second)
	events := []any{
		map[string]any{"type": "TestFailure", "timestamp": now.Add(-2 * time.Hour), "project": "shop", "importance": 1, "tags": []string{"pinned"},
			"data": map[string]any{"testName": "runbook", "message": "restart the payment stub before checkout tests"}},
		map[string]any{"type": "TestFailure", "timestamp": now.Add(-time.Minute), "project": "shop", "importance": 5,
			"data": map[string]any{"testName": "test_checkout", "message": "checkout timed out"}},
		map[string]any{"type": "CodeChange", "timestamp": now, "project": "shop", "importance": 2,
			"data": map[string]any{"commit": "abc123", "files": []string{"checkout.py"}}},
	}
	if rec := do(t, h, http.MethodPost, "/events", events); rec.Code != http.StatusOK {
		t.Fatalf("POST /events status=%d body=%s", rec.Code, rec.Body.String())
	}

	req := map[string]any{
		"project":     "shop",
		"inputs":      map[string]any{"query": "checkout timeout", "asOf": now},
		"tokenBudget": 1000,
	}
	rec := do(t, h, http.MethodPost, "/retrieve", req)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /retrieve status=%d body=%s", rec.Code, rec.Body.String())
	}
	pack := decode[domain.ContextPack](t, rec)
	if len(pack.Items) != 3 || !pack.Items[0].Pinned {
		t.Fatalf("items=%+v, want pinned runbook first", pack.Items)
	}
	if pack.TotalTokens > pack.BudgetTokens || pack.PolicyID != policy.DefaultPolicyID {
		t.Fatalf("pack tokens=%d budget=%d policy=%s", pack.TotalTokens, pack.BudgetTokens, pack.PolicyID)
	}

	again := decode[domain.ContextPack](t, do(t, h, http.MethodPost, "/retrieve", req))
	if again.PackID != pack.PackID {
		t.Fatalf("packId %s != %s for identical inputs", again.PackID, pack.PackID)
	}

	req["policyId"] = "missing"
	if rec := do(t, h, http.MethodPost, "/retrieve", req); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown policy status=%d, want 404", rec.Code)
	}
}

func TestPolicies_PutBumpsVersion(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodGet, "/policies/default", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /policies/default status=%d", rec.Code)
	}
	if v := decode[domain.Policy](t, rec).Version; v != 1 {
		t.Fatalf("version=%d, want 1", v)
	}

	yamlBody := "schema: qaflow.policy.v1\nweights:\n  importance: 2\n  recency: 1\n  recencyLambda: 0.05\nalwaysInclude: [runbook]\n"
	req := httptest.NewRequest(http.MethodPut, "http://example.test/policies/default", strings.NewReader(yamlBody))
	req.Header.Set("Content-Type", "application/yaml")
	put := httptest.NewRecorder()
	h.ServeHTTP(put, req)
	if put.Code != http.StatusOK {
		t.Fatalf("PUT status=%d body=%s", put.Code, put.Body.String())
	}
	stored := decode[domain.Policy](t, put)
	if stored.Version != 2 || stored.AlwaysInclude[0] != "runbook" {
		t.Fatalf("stored=%+v", stored)
	}

	created := do(t, h, http.MethodPut, "/policies/triage", `{
		// comments are allowed
		"weights": {"importance": 1, "semantic": 3},
	}`)
	if created.Code != http.StatusOK || decode[domain.Policy](t, created).Version != 1 {
		t.Fatalf("create status=%d body=%s", created.Code, created.Body.String())
	}

	if rec := do(t, h, http.MethodPut, "/policies/triage", `{"id":"other","weights":{"importance":1}}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("mismatched id status=%d, want 400", rec.Code)
	}
	if rec := do(t, h, http.MethodPut, "/policies/triage", `{"weights":{"importance":-1}}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid weights status=%d, want 400", rec.Code)
	}
	huge := `{"weights":{"importance":1},"name":"` + strings.Repeat("x", maxPolicyBytes) + `"}`
	if rec := do(t, h, http.MethodPut, "/policies/triage", huge); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized policy status=%d, want 413", rec.Code)
	}

	list := decode[struct {
		Policies []domain.Policy `json:"policies"`
	}](t, do(t, h, http.MethodGet, "/policies", nil)).Policies
	if len(list) != 2 {
		t.Fatalf("len(policies)=%d, want 2", len(list))
	}
}

func TestHealth(t *testing.T) {
	h := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health status=%d body=%s", rec.Code, rec.Body.String())
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "ok" {
		t.Fatalf("status=%v, want ok", body["status"])
	}
	for _, key := range []string{"eventCount", "indexSize", "avgRetrievalMs", "semanticAvailable", "queue"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("health body missing %q: %v", key, body)
		}
	}
}
