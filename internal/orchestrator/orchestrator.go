package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/qaflow-labs/qaflow-go/internal/contextsvc"
	"github.com/qaflow-labs/qaflow-go/internal/domain"
	"github.com/qaflow-labs/qaflow-go/internal/eventbus"
	"github.com/qaflow-labs/qaflow-go/internal/eventlog"
	"github.com/qaflow-labs/qaflow-go/internal/execution/adapter"
	"github.com/qaflow-labs/qaflow-go/internal/execution/queue"
)

// ContextRecorder is the part of the context service the orchestrator
// writes to.
type ContextRecorder interface {
	IngestEvent(ctx context.Context, e domain.Event) (eventlog.IngestResult, error)
	IngestBatch(ctx context.Context, events []domain.Event) []contextsvc.BatchResult
}

type Orchestrator struct {
	cfg      Config
	registry *adapter.Registry
	bus      *eventbus.Bus
	recorder ContextRecorder
	queue    *queue.Queue
	logger   *slog.Logger

	ingestMu  sync.RWMutex
	ingest    chan domain.Event
	closed    bool
	ingestors sync.WaitGroup
}

// New builds the orchestrator and the queue it drives.
func New(qcfg queue.Config, cfg Config, registry *adapter.Registry, bus *eventbus.Bus, recorder ContextRecorder, logger *slog.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		return nil, errors.New("adapter registry is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if recorder == nil {
		return nil, errors.New("context recorder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:      cfg,
		registry: registry,
		bus:      bus,
		recorder: recorder,
		logger:   logger,
		ingest:   make(chan domain.Event, cfg.IngestBuffer),
	}
	q, err := queue.New(qcfg, o, o, logger)
	if err != nil {
		return nil, err
	}
	o.queue = q
	o.ingestors.Add(1)
	go o.ingestLoop()
	return o, nil
}

func (o *Orchestrator) Queue() *queue.Queue { return o.queue }

func (o *Orchestrator) Frameworks() []string { return o.registry.IDs() }

// SubmitAndTrack validates req and admits it to the queue.
func (o *Orchestrator) SubmitAndTrack(ctx context.Context, req domain.ExecutionRequest) (queue.Admission, error) {
	if strings.TrimSpace(req.Project) == "" {
		req.Project = o.cfg.DefaultProject
	}
	adm, err := o.queue.Submit(ctx, req)
	if err != nil {
		return queue.Admission{}, err
	}
	if adm.Exhausted != nil {
		o.logger.Warn("execution queue above soft limit", "execution_id", adm.ExecutionID, "queue_depth", adm.Exhausted.QueueDepth, "soft_limit", adm.Exhausted.SoftLimit)
	}
	return adm, nil
}

func (o *Orchestrator) Status(id string) (domain.ExecutionHandle, error) {
	return o.queue.Status(id)
}

func (o *Orchestrator) List() queue.Listing { return o.queue.List() }

func (o *Orchestrator) Summary() domain.ExecutionSummary { return o.queue.Summary() }

func (o *Orchestrator) Cancel(id string) error { return o.queue.Cancel(id) }

// Validate implements queue.Runner.
func (o *Orchestrator) Validate(_ context.Context, req domain.ExecutionRequest) error {
	a, ok := o.registry.Get(req.FrameworkID)
	if !ok {
		return &domain.ValidationError{Issues: []string{
			fmt.Sprintf("frameworkId %q is not configured (known: %s)", req.FrameworkID, strings.Join(o.registry.IDs(), ", ")),
		}}
	}
	issues := &domain.ValidationError{}
	for _, missing := range a.Validate(req.TestSelectors) {
		issues.Addf("test selector %q does not resolve", missing)
	}
	return issues.OrNil()
}

// Run implements queue.Runner.
func (o *Orchestrator) Run(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error) {
	a, ok := o.registry.Get(req.FrameworkID)
	if !ok {
		return domain.ExecutionResult{}, fmt.Errorf("framework %q: %w", req.FrameworkID, domain.ErrNotFound)
	}
	return a.Execute(ctx, req.TestSelectors, req.Options)
}

// HandleTransition implements queue.TransitionSink. It runs on the queue's
// emitter goroutine, so transitions arrive in order.
func (o *Orchestrator) HandleTransition(t domain.Transition) {
	msg := eventbus.Message{
		Channel:   eventbus.ChannelExecutions,
		Type:      string(t.EventType()),
		Timestamp: t.At,
		Payload:   t,
	}
	if err := o.bus.Publish(msg); err != nil {
		o.logger.Warn("transition not published", "execution_id", t.Handle.ID, "to", t.To, "error", err)
	}
	o.enqueue(transitionEvent(t, o.cfg.DefaultProject))
}

// RecordEvents ingests externally reported events and forwards CI runs to
// the ci channel.
func (o *Orchestrator) RecordEvents(ctx context.Context, events []domain.Event) []contextsvc.BatchResult {
	results := o.recorder.IngestBatch(ctx, events)
	for i, e := range events {
		if e.Type != domain.EventCIRun || results[i].Error != "" || results[i].Deduplicated {
			continue
		}
		e.ID = results[i].ID
		if err := o.bus.Publish(eventbus.Message{
			ID:        e.ID,
			Channel:   eventbus.ChannelCI,
			Type:      string(e.Type),
			Timestamp: e.Timestamp,
			Payload:   e,
		}); err != nil {
			o.logger.Warn("ci event not published", "event_id", e.ID, "error", err)
		}
	}
	return results
}

// Close drains the queue, then waits for pending context writes.
func (o *Orchestrator) Close(ctx context.Context) error {
	qerr := o.queue.Close(ctx)
	o.ingestMu.Lock()
	if !o.closed {
		o.closed = true
		close(o.ingest)
	}
	o.ingestMu.Unlock()
	done := make(chan struct{})
	go func() {
		o.ingestors.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("context ingestion drain: %w", ctx.Err())
	}
	return qerr
}

func (o *Orchestrator) enqueue(e domain.Event) {
	o.ingestMu.RLock()
	defer o.ingestMu.RUnlock()
	if o.closed {
		o.logger.Warn("context event dropped after shutdown", "type", e.Type)
		return
	}
	o.ingest <- e
}

func (o *Orchestrator) ingestLoop() {
	defer o.ingestors.Done()
	for e := range o.ingest {
		o.record(e)
	}
}

func (o *Orchestrator) record(e domain.Event) {
	backoff := o.cfg.IngestBackoff
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := o.recorder.IngestEvent(ctx, e)
		cancel()
		if err == nil {
			return
		}
		var verr *domain.ValidationError
		if errors.As(err, &verr) || errors.Is(err, domain.ErrConflict) || attempt >= o.cfg.IngestRetries {
			o.logger.Error("context event not recorded", "type", e.Type, "attempts", attempt+1, "error", err)
			return
		}
		time.Sleep(backoff)
		backoff *= 2
	}
}

func transitionEvent(t domain.Transition, defaultProject string) domain.Event {
	h := t.Handle
	project := h.Project
	if project == "" {
		project = defaultProject
	}
	payload := domain.ExecutionPayload{
		ExecutionID:   h.ID,
		FrameworkID:   h.FrameworkID,
		Status:        t.To,
		From:          t.From,
		TestSelectors: h.TestSelectors,
		QueuePosition: h.QueuePosition,
		Error:         h.Error,
	}
	if h.Result != nil {
		payload.ExitCode = h.Result.ExitCode
		payload.DurationMs = h.Result.DurationMs
	}
	return domain.Event{
		Type:       t.EventType(),
		Timestamp:  t.At,
		Project:    project,
		Branch:     h.Branch,
		Importance: importance(t.To),
		Tags:       []string{"execution", "framework:" + h.FrameworkID, string(t.To)},
		Source:     "orchestrator",
		Data:       payload,
	}
}

func importance(s domain.ExecutionStatus) float64 {
	switch s {
	case domain.StatusFailed:
		return 4
	case domain.StatusCancelled:
		return 2
	case domain.StatusCompleted:
		return 1
	default:
		return 0
	}
}
