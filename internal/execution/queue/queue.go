package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qaflow-labs/qaflow-go/internal/domain"
	"github.com/qaflow-labs/qaflow-go/internal/execution/specvalidator"
)

var (
	ErrClosed          = errors.New("execution queue closed")
	ErrAlreadyTerminal = fmt.Errorf("execution already finished: %w", domain.ErrConflict)
)

// Runner validates and executes requests. Run must honor ctx cancellation;
// the queue gives it Config.KillGrace to return after ctx is done.
type Runner interface {
	Validate(ctx context.Context, req domain.ExecutionRequest) error
	Run(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error)
}

// TransitionSink receives every transition in order from a single goroutine.
type TransitionSink interface {
	HandleTransition(domain.Transition)
}

type SinkFunc func(domain.Transition)

func (f SinkFunc) HandleTransition(t domain.Transition) { f(t) }

type Admission struct {
	ExecutionID   string                 `json:"executionId"`
	Status        domain.ExecutionStatus `json:"status"`
	QueuePosition int                    `json:"queuePosition"`
	Warning       string                 `json:"warning,omitempty"`
	// Exhausted is set when Warning carries a ResourceExhaustedError.
	Exhausted *domain.ResourceExhaustedError `json:"-"`
}

type Listing struct {
	Running []domain.ExecutionHandle `json:"running"`
	Queued  []domain.ExecutionHandle `json:"queued"`
	Recent  []domain.ExecutionHandle `json:"recent"`
	Summary domain.ExecutionSummary  `json:"summary"`
}

type entry struct {
	handle          domain.ExecutionHandle
	req             domain.ExecutionRequest
	cancel          context.CancelFunc
	cancelRequested bool
	evictTimer      *time.Timer
}

type outcome struct {
	result domain.ExecutionResult
	err    error
}

type Queue struct {
	cfg    Config
	runner Runner
	sink   TransitionSink
	logger *slog.Logger
	now    func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	handles map[string]*entry
	pending []string
	running int
	closed  bool
	seq     uint64
	outbox  []domain.Transition

	lastAdmit time.Time

	signal      chan struct{}
	stopEmitter chan struct{}
	emitterDone chan struct{}
	runs        sync.WaitGroup
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New builds a queue. A sink is mandatory: a queue whose transitions reach
// nobody cannot be constructed.
func New(cfg Config, runner Runner, sink TransitionSink, logger *slog.Logger, opts ...Option) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if sink == nil {
		return nil, errors.New("transition sink is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:         cfg,
		runner:      runner,
		sink:        sink,
		logger:      logger,
		now:         time.Now,
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		handles:     make(map[string]*entry),
		signal:      make(chan struct{}, 1),
		stopEmitter: make(chan struct{}),
		emitterDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	go q.emitLoop()
	return q, nil
}

// Submit validates req and admits it. Validation failures are returned as
// *domain.ValidationError and the request is never queued.
func (q *Queue) Submit(ctx context.Context, req domain.ExecutionRequest) (Admission, error) {
	req.FrameworkID = strings.TrimSpace(req.FrameworkID)
	if err := specvalidator.ValidateExecutionRequest(req); err != nil {
		return Admission{}, err
	}
	if err := q.runner.Validate(ctx, req); err != nil {
		return Admission{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Admission{}, ErrClosed
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if _, exists := q.handles[req.ID]; exists {
		return Admission{}, fmt.Errorf("execution %s already exists: %w", req.ID, domain.ErrConflict)
	}
	// SubmittedAt is the admission time and never decreases, so it orders
	// handles exactly as pending does. Caller values are ignored.
	now := q.now().UTC()
	if now.Before(q.lastAdmit) {
		now = q.lastAdmit
	}
	q.lastAdmit = now
	req.SubmittedAt = now

	e := &entry{
		req: req,
		handle: domain.ExecutionHandle{
			ID:            req.ID,
			FrameworkID:   req.FrameworkID,
			TestSelectors: append([]string(nil), req.TestSelectors...),
			Project:       req.Project,
			Branch:        req.Branch,
			PoolName:      q.cfg.PoolName,
			Status:        domain.StatusQueued,
			SubmittedAt:   req.SubmittedAt,
		},
	}
	q.handles[req.ID] = e
	q.pending = append(q.pending, req.ID)
	q.renumberLocked()
	q.emitLocked("", e)

	q.promoteLocked()

	adm := Admission{
		ExecutionID:   e.handle.ID,
		Status:        e.handle.Status,
		QueuePosition: e.handle.QueuePosition,
	}
	if depth := len(q.pending); q.cfg.SoftQueueDepth > 0 && depth > q.cfg.SoftQueueDepth {
		adm.Exhausted = &domain.ResourceExhaustedError{QueueDepth: depth, SoftLimit: q.cfg.SoftQueueDepth}
		adm.Warning = adm.Exhausted.Error()
		q.logger.Warn("execution queue above soft depth", "queue_depth", depth, "soft_limit", q.cfg.SoftQueueDepth)
	}
	q.logger.Info("execution admitted",
		"execution_id", adm.ExecutionID,
		"framework_id", req.FrameworkID,
		"status", adm.Status,
		"queue_position", adm.QueuePosition,
	)
	return adm, nil
}

func (q *Queue) Status(id string) (domain.ExecutionHandle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.handles[id]
	if !ok {
		return domain.ExecutionHandle{}, fmt.Errorf("execution %s: %w", id, domain.ErrNotFound)
	}
	return e.handle.Clone(), nil
}

func (q *Queue) List() Listing {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := Listing{
		Running: []domain.ExecutionHandle{},
		Queued:  []domain.ExecutionHandle{},
		Recent:  []domain.ExecutionHandle{},
	}
	for _, e := range q.handles {
		h := e.handle.Clone()
		switch h.Status {
		case domain.StatusRunning:
			out.Running = append(out.Running, h)
		case domain.StatusQueued:
			out.Queued = append(out.Queued, h)
		default:
			out.Recent = append(out.Recent, h)
		}
	}
	sort.Slice(out.Running, func(i, j int) bool {
		return lessTime(out.Running[i].StartedAt, out.Running[j].StartedAt, out.Running[i].ID, out.Running[j].ID)
	})
	sort.Slice(out.Queued, func(i, j int) bool {
		return out.Queued[i].QueuePosition < out.Queued[j].QueuePosition
	})
	sort.Slice(out.Recent, func(i, j int) bool {
		// newest first
		return lessTime(out.Recent[j].EndedAt, out.Recent[i].EndedAt, out.Recent[j].ID, out.Recent[i].ID)
	})
	out.Summary = q.summaryLocked()
	return out
}

func (q *Queue) Summary() domain.ExecutionSummary {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.summaryLocked()
}

// Cancel stops a queued or running execution. A queued execution is
// cancelled immediately; a running one is signalled and reaches the
// cancelled state once its adapter returns or the kill grace expires.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.handles[id]
	if !ok {
		return fmt.Errorf("execution %s: %w", id, domain.ErrNotFound)
	}
	switch e.handle.Status {
	case domain.StatusQueued:
		q.removePendingLocked(id)
		q.finishLocked(e, domain.StatusCancelled, "", nil)
		return nil
	case domain.StatusRunning:
		if !e.cancelRequested {
			e.cancelRequested = true
			if e.cancel != nil {
				e.cancel()
			}
			q.logger.Info("execution cancel requested", "execution_id", id)
		}
		return nil
	default:
		return fmt.Errorf("execution %s is %s: %w", id, e.handle.Status, ErrAlreadyTerminal)
	}
}

// Close stops admission, cancels queued and running executions and waits
// for runners and the transition emitter to finish or ctx to expire.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	pending := q.pending
	q.pending = nil
	for _, id := range pending {
		if e, ok := q.handles[id]; ok {
			q.finishLocked(e, domain.StatusCancelled, "", nil)
		}
	}
	for _, e := range q.handles {
		if e.handle.Status == domain.StatusRunning {
			e.cancelRequested = true
		}
		if e.evictTimer != nil {
			e.evictTimer.Stop()
		}
	}
	q.mu.Unlock()
	q.baseCancel()

	runsDone := make(chan struct{})
	go func() {
		q.runs.Wait()
		close(runsDone)
	}()
	select {
	case <-runsDone:
	case <-ctx.Done():
		return fmt.Errorf("wait for executions: %w", ctx.Err())
	}

	close(q.stopEmitter)
	select {
	case <-q.emitterDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain transitions: %w", ctx.Err())
	}
}

func (q *Queue) promoteLocked() {
	for q.running < q.cfg.MaxConcurrent && len(q.pending) > 0 {
		id := q.pending[0]
		q.pending = q.pending[1:]
		e, ok := q.handles[id]
		if !ok || e.handle.Status != domain.StatusQueued {
			continue
		}
		q.startLocked(e)
	}
	q.renumberLocked()
}

func (q *Queue) startLocked(e *entry) {
	now := q.now().UTC()
	e.handle.Status = domain.StatusRunning
	e.handle.StartedAt = &now
	e.handle.QueuePosition = 0
	q.running++

	ctx, cancel := context.WithTimeout(q.baseCtx, q.cfg.Timeout)
	e.cancel = cancel
	q.emitLocked(domain.StatusQueued, e)

	q.runs.Add(1)
	go q.execute(ctx, e.handle.ID, e.req, e.cancel)
}

func (q *Queue) execute(ctx context.Context, id string, req domain.ExecutionRequest, cancel context.CancelFunc) {
	defer q.runs.Done()
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- outcome{err: fmt.Errorf("runner panic: %v", v)}
			}
		}()
		res, err := q.runner.Run(ctx, req)
		done <- outcome{result: res, err: err}
	}()

	var out outcome
	hung := false
	select {
	case out = <-done:
	case <-ctx.Done():
		// The runner has been told to stop; give it the kill grace to
		// return before the handle is failed without it.
		grace := time.NewTimer(q.cfg.KillGrace)
		select {
		case out = <-done:
		case <-grace.C:
			hung = true
		}
		grace.Stop()
	}

	q.complete(id, out, ctx.Err(), hung)
}

func (q *Queue) complete(id string, out outcome, ctxErr error, hung bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.handles[id]
	if !ok || e.handle.Status != domain.StatusRunning {
		return
	}
	q.running--

	switch {
	case e.cancelRequested:
		q.finishLocked(e, domain.StatusCancelled, "", resultPtr(out, hung))
	case errors.Is(ctxErr, context.DeadlineExceeded):
		terr := &domain.TimeoutError{After: q.cfg.Timeout}
		q.logger.Warn("execution timed out", "execution_id", id, "timeout", q.cfg.Timeout.String(), "runner_returned", !hung)
		q.finishLocked(e, domain.StatusFailed, terr.Error(), resultPtr(out, hung))
	case out.err != nil:
		q.logger.Warn("execution failed", "execution_id", id, "error", out.err)
		q.finishLocked(e, domain.StatusFailed, out.err.Error(), resultPtr(out, hung))
	default:
		q.finishLocked(e, domain.StatusCompleted, "", resultPtr(out, hung))
	}

	if !q.closed {
		q.promoteLocked()
	}
}

func resultPtr(out outcome, hung bool) *domain.ExecutionResult {
	if hung {
		return nil
	}
	var zero domain.ExecutionResult
	if out.result == zero {
		return nil
	}
	r := out.result
	return &r
}

func (q *Queue) finishLocked(e *entry, status domain.ExecutionStatus, errMsg string, result *domain.ExecutionResult) {
	from := e.handle.Status
	now := q.now().UTC()
	e.handle.Status = status
	e.handle.EndedAt = &now
	e.handle.QueuePosition = 0
	e.handle.Result = result
	if status == domain.StatusFailed {
		e.handle.Error = errMsg
	}
	e.cancel = nil
	q.emitLocked(from, e)
	q.renumberLocked()

	if !q.closed {
		id := e.handle.ID
		e.evictTimer = time.AfterFunc(q.cfg.Retention, func() { q.evict(id) })
	}
}

func (q *Queue) evict(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.handles[id]; ok && e.handle.Status.Terminal() {
		delete(q.handles, id)
	}
}

func (q *Queue) removePendingLocked(id string) {
	for i, pid := range q.pending {
		if pid == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

func (q *Queue) renumberLocked() {
	for i, id := range q.pending {
		if e, ok := q.handles[id]; ok {
			e.handle.QueuePosition = i + 1
		}
	}
}

func (q *Queue) summaryLocked() domain.ExecutionSummary {
	var s domain.ExecutionSummary
	for _, e := range q.handles {
		s.Total++
		switch e.handle.Status {
		case domain.StatusQueued:
			s.Queued++
		case domain.StatusRunning:
			s.Running++
		case domain.StatusCompleted:
			s.Completed++
		case domain.StatusFailed:
			s.Failed++
		case domain.StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

func lessTime(a, b *time.Time, aID, bID string) bool {
	switch {
	case a == nil && b == nil:
		return aID < bID
	case a == nil:
		return true
	case b == nil:
		return false
	case a.Equal(*b):
		return aID < bID
	default:
		return a.Before(*b)
	}
}
