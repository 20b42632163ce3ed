package main

import (
	"context"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/qaflow-labs/qaflow-go/internal/contextsvc"
	"github.com/qaflow-labs/qaflow-go/internal/domain"
	"github.com/qaflow-labs/qaflow-go/internal/eventbus"
	"github.com/qaflow-labs/qaflow-go/internal/eventlog"
	"github.com/qaflow-labs/qaflow-go/internal/execution/queue"
	"github.com/qaflow-labs/qaflow-go/internal/orchestrator"
	"github.com/qaflow-labs/qaflow-go/internal/platform/httpserver"
	"github.com/qaflow-labs/qaflow-go/internal/policy"
	"github.com/qaflow-labs/qaflow-go/internal/push"
)

const maxPolicyBytes = 256 << 10

type controlPlaneAPI struct {
	logger *slog.Logger
	orch   *orchestrator.Orchestrator
	svc    *contextsvc.Service
	bus    *eventbus.Bus
	hub    *push.Hub
}

func newControlPlaneAPI(logger *slog.Logger, orch *orchestrator.Orchestrator, svc *contextsvc.Service, bus *eventbus.Bus, hub *push.Hub) *controlPlaneAPI {
	return &controlPlaneAPI{logger: logger, orch: orch, svc: svc, bus: bus, hub: hub}
}

func (api *controlPlaneAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /executions", api.handleSubmitExecution)
	mux.HandleFunc("GET /executions", api.handleListExecutions)
	mux.HandleFunc("GET /executions/{execution_id}/status", api.handleExecutionStatus)
	mux.HandleFunc("POST /executions/{execution_id}/cancel", api.handleCancelExecution)

	mux.HandleFunc("POST /events", api.handleIngestEvents)
	mux.HandleFunc("GET /events", api.handleQueryEvents)
	mux.HandleFunc("GET /events/{event_id}", api.handleGetEvent)

	mux.HandleFunc("POST /retrieve", api.handleRetrieve)

	mux.HandleFunc("GET /policies", api.handleListPolicies)
	mux.HandleFunc("GET /policies/{policy_id}", api.handleGetPolicy)
	mux.HandleFunc("PUT /policies/{policy_id}", api.handlePutPolicy)

	mux.HandleFunc("GET /health", api.handleHealth)
}

func (api *controlPlaneAPI) handleSubmitExecution(w http.ResponseWriter, r *http.Request) {
	var req domain.ExecutionRequest
	if err := httpserver.DecodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	adm, err := api.orch.SubmitAndTrack(r.Context(), req)
	if err != nil {
		api.writeServiceError(w, r, err, "execution")
		return
	}
	httpserver.WriteJSON(w, http.StatusAccepted, adm)
}

func (api *controlPlaneAPI) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	listing := api.orch.List()
	all := make([]domain.ExecutionHandle, 0, len(listing.Running)+len(listing.Queued)+len(listing.Recent))
	all = append(all, listing.Running...)
	all = append(all, listing.Queued...)
	all = append(all, listing.Recent...)
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"executions": all,
		"summary":    listing.Summary,
	})
}

func (api *controlPlaneAPI) handleExecutionStatus(w http.ResponseWriter, r *http.Request) {
	handle, err := api.orch.Status(r.PathValue("execution_id"))
	if err != nil {
		api.writeServiceError(w, r, err, "execution")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, handle)
}

func (api *controlPlaneAPI) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("execution_id")
	if err := api.orch.Cancel(id); err != nil {
		api.writeServiceError(w, r, err, "execution")
		return
	}
	handle, err := api.orch.Status(id)
	if err != nil {
		api.writeServiceError(w, r, err, "execution")
		return
	}
	httpserver.WriteJSON(w, http.StatusAccepted, handle)
}

func (api *controlPlaneAPI) handleIngestEvents(w http.ResponseWriter, r *http.Request) {
	var events []domain.Event
	if err := httpserver.DecodeJSON(r, &events); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if len(events) == 0 {
		httpserver.WriteError(w, r, http.StatusBadRequest, "events_required")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, api.orch.RecordEvents(r.Context(), events))
}

func (api *controlPlaneAPI) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	f, err := parseEventFilter(r)
	if err != nil {
		api.writeServiceError(w, r, err, "event")
		return
	}
	events, err := api.svc.QueryEvents(r.Context(), f)
	if err != nil {
		api.writeServiceError(w, r, err, "event")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (api *controlPlaneAPI) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	e, err := api.svc.GetEvent(r.Context(), r.PathValue("event_id"))
	if err != nil {
		api.writeServiceError(w, r, err, "event")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, e)
}

type retrieveRequest struct {
	PolicyID string `json:"policyId"`
	Project  string `json:"project"`
	Branch   string `json:"branch"`
	Inputs   struct {
		Query string     `json:"query"`
		Tags  []string   `json:"tags"`
		AsOf  *time.Time `json:"asOf"`
	} `json:"inputs"`
	TokenBudget int `json:"tokenBudget"`
}

func (api *controlPlaneAPI) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := httpserver.DecodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	pack, err := api.svc.RetrieveContext(r.Context(), req.PolicyID, domain.RetrieveQuery{
		Project: req.Project,
		Branch:  req.Branch,
		Query:   req.Inputs.Query,
		Tags:    req.Inputs.Tags,
		AsOf:    req.Inputs.AsOf,
	}, req.TokenBudget)
	if err != nil {
		api.writeServiceError(w, r, err, "policy")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, pack)
}

func (api *controlPlaneAPI) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"policies": api.svc.Policies().List()})
}

func (api *controlPlaneAPI) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := api.svc.Policies().Get(r.PathValue("policy_id"))
	if err != nil {
		api.writeServiceError(w, r, err, "policy")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, p)
}

// handlePutPolicy accepts JSON (comments allowed) or YAML bodies. The path
// id wins over an id in the body.
func (api *controlPlaneAPI) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	body, err := httpserver.ReadBody(r, maxPolicyBytes)
	if errors.Is(err, httpserver.ErrBodyTooLarge) {
		httpserver.WriteError(w, r, http.StatusRequestEntityTooLarge, "policy_too_large")
		return
	}
	if err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}
	id := strings.TrimSpace(r.PathValue("policy_id"))
	name := id + ".json"
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml":
		name = id + ".yaml"
	}
	p, err := policy.ParseNamed(body, name)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			api.writeServiceError(w, r, err, "policy")
			return
		}
		httpserver.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if p.ID != id {
		httpserver.WriteError(w, r, http.StatusBadRequest, "policy id does not match path")
		return
	}
	stored, err := api.svc.Policies().Put(r.Context(), p)
	if err != nil {
		api.writeServiceError(w, r, err, "policy")
		return
	}
	api.logger.Info("policy stored", "policy_id", stored.ID, "version", stored.Version)
	httpserver.WriteJSON(w, http.StatusOK, stored)
}

func (api *controlPlaneAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	h := api.svc.Health(ctx)
	status := "ok"
	switch {
	case !h.StoreReachable:
		status = "unavailable"
	case !h.SemanticAvailable:
		status = "degraded"
	}
	code := http.StatusOK
	if !h.StoreReachable {
		code = http.StatusServiceUnavailable
	}
	httpserver.WriteJSON(w, code, map[string]any{
		"status":            status,
		"eventCount":        h.EventCount,
		"indexSize":         h.IndexSize,
		"avgRetrievalMs":    h.AvgRetrievalMs,
		"retrievals":        h.Retrievals,
		"semanticAvailable": h.SemanticAvailable,
		"queue":             api.orch.Summary(),
		"frameworks":        api.orch.Frameworks(),
		"bus":               api.bus.Metrics(),
		"push":              api.hub.Clients(),
	})
}

// writeServiceError maps domain errors onto HTTP statuses. resource names
// the thing that was not found.
func (api *controlPlaneAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error, resource string) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "validation_failed",
			"issues":     verr.Issues,
			"request_id": httpserver.RequestID(r),
		})
	case errors.Is(err, domain.ErrNotFound):
		httpserver.WriteError(w, r, http.StatusNotFound, resource+" not found")
	case errors.Is(err, domain.ErrConflict):
		httpserver.WriteError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, queue.ErrClosed):
		httpserver.WriteError(w, r, http.StatusServiceUnavailable, "shutting_down")
	case errors.Is(err, context.DeadlineExceeded):
		httpserver.WriteError(w, r, http.StatusGatewayTimeout, "timeout")
	default:
		api.logger.Error("request failed", "request_id", httpserver.RequestID(r), "path", r.URL.Path, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

// parseEventFilter reads the /events query string. Lists are comma
// separated and may also be repeated.
func parseEventFilter(r *http.Request) (eventlog.Filter, error) {
	q := r.URL.Query()
	issues := &domain.ValidationError{}
	f := eventlog.Filter{
		Project: strings.TrimSpace(q.Get("project")),
		Branch:  strings.TrimSpace(q.Get("branch")),
		IDs:     splitList(q["id"]),
	}
	for _, t := range splitList(q["type"]) {
		f.Types = append(f.Types, domain.EventType(t))
	}
	tags := splitList(q["tags"])
	switch mode := strings.ToLower(q.Get("tagsMode")); mode {
	case "", "any":
		f.TagsAny = tags
	case "all":
		f.TagsAll = tags
	default:
		issues.Addf("tagsMode %q must be any or all", mode)
	}
	for _, bound := range []struct {
		name string
		dst  *time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		raw := q.Get(bound.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			issues.Addf("%s must be RFC 3339", bound.name)
			continue
		}
		*bound.dst = t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > eventlog.MaxLimit {
			issues.Addf("limit must be between 1 and %d", eventlog.MaxLimit)
		}
		f.Limit = n
	}
	if err := issues.OrNil(); err != nil {
		return eventlog.Filter{}, err
	}
	return f, nil
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
