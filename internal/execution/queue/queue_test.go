package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/qaflow-labs/qaflow-go/internal/domain"
)

type fakeRunner struct {
	mu          sync.Mutex
	gates       map[string]chan error
	validateErr error
	ignoreCtx   bool
	hang        chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{gates: make(map[string]chan error), hang: make(chan struct{})}
}

func (r *fakeRunner) gate(id string) chan error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.gates[id]
	if !ok {
		ch = make(chan error, 1)
		r.gates[id] = ch
	}
	return ch
}

func (r *fakeRunner) finish(id string, err error) { r.gate(id) <- err }

func (r *fakeRunner) Validate(ctx context.Context, req domain.ExecutionRequest) error {
	return r.validateErr
}

func (r *fakeRunner) Run(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error) {
	ch := r.gate(req.ID)
	if r.ignoreCtx {
		select {
		case err := <-ch:
			return domain.ExecutionResult{}, err
		case <-r.hang:
			return domain.ExecutionResult{}, errors.New("released")
		}
	}
	select {
	case err := <-ch:
		if err != nil {
			return domain.ExecutionResult{ExitCode: 1}, err
		}
		return domain.ExecutionResult{ExitCode: 0, DurationMs: 1}, nil
	case <-ctx.Done():
		return domain.ExecutionResult{}, ctx.Err()
	}
}

type recordingSink struct {
	mu          sync.Mutex
	transitions []domain.Transition
}

func (s *recordingSink) HandleTransition(t domain.Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, t)
}

func (s *recordingSink) forID(id string) []domain.ExecutionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ExecutionStatus
	for _, t := range s.transitions {
		if t.Handle.ID == id {
			out = append(out, t.To)
		}
	}
	return out
}

func testConfig() Config {
	return Config{
		MaxConcurrent:  3,
		Timeout:        time.Minute,
		KillGrace:      50 * time.Millisecond,
		Retention:      time.Minute,
		SoftQueueDepth: 100,
		PoolName:       "default",
	}
}

func newTestQueue(t *testing.T, cfg Config, runner *fakeRunner, sink TransitionSink, opts ...Option) *Queue {
	t.Helper()
	q, err := New(cfg, runner, sink, slog.New(slog.NewJSONHandler(io.Discard, nil)), opts...)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	t.Cleanup(func() {
		close(runner.hang)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})
	return q
}

func request(id string) domain.ExecutionRequest {
	return domain.ExecutionRequest{
		ID:            id,
		FrameworkID:   "playwright",
		TestSelectors: []string{"tests/" + id + ".spec.ts"},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func statusOf(t *testing.T, q *Queue, id string) domain.ExecutionStatus {
	t.Helper()
	h, err := q.Status(id)
	if err != nil {
		t.Fatalf("Status(%s) err=%v", id, err)
	}
	return h.Status
}

func TestNew_RequiresSink(t *testing.T) {
	if _, err := New(testConfig(), newFakeRunner(), nil, nil); err == nil {
		t.Fatalf("New(nil sink) err=nil, want error")
	}
	if _, err := New(testConfig(), nil, &recordingSink{}, nil); err == nil {
		t.Fatalf("New(nil runner) err=nil, want error")
	}
}

func TestSubmit_ConcurrencyCeiling(t *testing.T) {
	runner := newFakeRunner()
	q := newTestQueue(t, testConfig(), runner, &recordingSink{})

	for i := 0; i < 16; i++ {
		adm, err := q.Submit(context.Background(), request(fmt.Sprintf("r%02d", i)))
		if err != nil {
			t.Fatalf("Submit(%d) err=%v", i, err)
		}
		if i < 3 {
			if adm.Status != domain.StatusRunning || adm.QueuePosition != 0 {
				t.Fatalf("Submit(%d)=%s pos %d, want running pos 0", i, adm.Status, adm.QueuePosition)
			}
			continue
		}
		if adm.Status != domain.StatusQueued || adm.QueuePosition != i-2 {
			t.Fatalf("Submit(%d)=%s pos %d, want queued pos %d", i, adm.Status, adm.QueuePosition, i-2)
		}
	}

	list := q.List()
	if list.Summary.Running != 3 || list.Summary.Queued != 13 || list.Summary.Total != 16 {
		t.Fatalf("Summary=%+v, want running=3 queued=13 total=16", list.Summary)
	}
	for i, h := range list.Queued {
		if h.QueuePosition != i+1 || h.ID != fmt.Sprintf("r%02d", i+3) {
			t.Fatalf("Queued[%d]=%s pos %d, want r%02d pos %d", i, h.ID, h.QueuePosition, i+3, i+1)
		}
	}
}

func TestPromotion_FIFO(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	runner := newFakeRunner()
	q := newTestQueue(t, cfg, runner, &recordingSink{})

	for _, id := range []string{"a", "b", "c"} {
		if _, err := q.Submit(context.Background(), request(id)); err != nil {
			t.Fatalf("Submit(%s) err=%v", id, err)
		}
	}

	runner.finish("a", nil)
	waitFor(t, "b running", func() bool { return statusOf(t, q, "b") == domain.StatusRunning })
	if got := statusOf(t, q, "a"); got != domain.StatusCompleted {
		t.Fatalf("Status(a)=%s, want completed", got)
	}
	h, _ := q.Status("c")
	if h.Status != domain.StatusQueued || h.QueuePosition != 1 {
		t.Fatalf("Status(c)=%s pos %d, want queued pos 1", h.Status, h.QueuePosition)
	}

	runner.finish("b", errors.New("2 tests failed"))
	waitFor(t, "c running", func() bool { return statusOf(t, q, "c") == domain.StatusRunning })
	h, _ = q.Status("b")
	if h.Status != domain.StatusFailed || h.Error != "2 tests failed" {
		t.Fatalf("Status(b)=%s %q, want failed with error", h.Status, h.Error)
	}
}

func TestPromotion_FollowsSubmittedAt(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	runner := newFakeRunner()

	// Each reading of the clock is a minute earlier than the last.
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	var (
		clockMu sync.Mutex
		ticks   int
	)
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		ticks++
		return start.Add(-time.Duration(ticks) * time.Minute)
	}
	q := newTestQueue(t, cfg, runner, &recordingSink{}, WithClock(clock))

	claimed := map[string]time.Time{
		"blocker": {},
		"late":    start.Add(time.Hour),
		"early":   start.Add(time.Minute),
	}
	for _, id := range []string{"blocker", "late", "early"} {
		req := request(id)
		req.SubmittedAt = claimed[id]
		if _, err := q.Submit(context.Background(), req); err != nil {
			t.Fatalf("Submit(%s) err=%v", id, err)
		}
	}

	late, _ := q.Status("late")
	early, _ := q.Status("early")
	if late.SubmittedAt.Equal(claimed["late"]) || early.SubmittedAt.Equal(claimed["early"]) {
		t.Fatalf("caller submittedAt kept: late=%v early=%v", late.SubmittedAt, early.SubmittedAt)
	}
	if early.SubmittedAt.Before(late.SubmittedAt) {
		t.Fatalf("submittedAt early=%v before late=%v, but late was admitted first", early.SubmittedAt, late.SubmittedAt)
	}

	runner.finish("blocker", nil)
	waitFor(t, "late running", func() bool { return statusOf(t, q, "late") == domain.StatusRunning })
	if got := statusOf(t, q, "early"); got != domain.StatusQueued {
		t.Fatalf("Status(early)=%s, want queued", got)
	}

	list := q.List()
	if len(list.Running) != 1 || len(list.Queued) != 1 {
		t.Fatalf("List() running=%d queued=%d, want 1/1", len(list.Running), len(list.Queued))
	}
	if list.Queued[0].SubmittedAt.Before(list.Running[0].SubmittedAt) {
		t.Fatalf("queued handle submitted at %v, earlier than running handle at %v",
			list.Queued[0].SubmittedAt, list.Running[0].SubmittedAt)
	}
}

func TestConfigValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"zero concurrency": func(c *Config) { c.MaxConcurrent = 0 },
		"zero timeout":     func(c *Config) { c.Timeout = 0 },
		"negative grace":   func(c *Config) { c.KillGrace = -time.Second },
		"zero retention":   func(c *Config) { c.Retention = 0 },
		"blank pool":       func(c *Config) { c.PoolName = " " },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("Validate() err=nil, want error")
			}
		})
	}
	if err := testConfig().Validate(); err != nil {
		t.Fatalf("Validate(default) err=%v", err)
	}
}

func TestConfigFromEnv_RejectsDisabledLimits(t *testing.T) {
	t.Setenv("EXECUTION_TIMEOUT_SECONDS", "0")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("ConfigFromEnv(timeout=0) err=nil, want error")
	}
	t.Setenv("EXECUTION_TIMEOUT_SECONDS", "30")
	t.Setenv("EXECUTION_RETENTION", "0s")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("ConfigFromEnv(retention=0) err=nil, want error")
	}
	t.Setenv("EXECUTION_RETENTION", "90s")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Timeout != 30*time.Second || cfg.Retention != 90*time.Second {
		t.Fatalf("ConfigFromEnv()=%+v", cfg)
	}
}

func TestSubmit_ValidationBeforeAdmission(t *testing.T) {
	runner := newFakeRunner()
	runner.validateErr = &domain.ValidationError{Issues: []string{`selector "missing.spec.ts" does not exist`}}
	sink := &recordingSink{}
	q := newTestQueue(t, testConfig(), runner, sink)

	_, err := q.Submit(context.Background(), request("x"))
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Submit() err=%v, want ValidationError", err)
	}

	_, err = q.Submit(context.Background(), domain.ExecutionRequest{FrameworkID: "playwright"})
	if !errors.As(err, &verr) {
		t.Fatalf("Submit(no selectors) err=%v, want ValidationError", err)
	}

	if got := q.Summary().Total; got != 0 {
		t.Fatalf("Summary().Total=%d, want 0", got)
	}
	if _, err := q.Status("x"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Status(x) err=%v, want ErrNotFound", err)
	}
	if n := len(sink.forID("x")); n != 0 {
		t.Fatalf("transitions for rejected request=%d, want 0", n)
	}
}

func TestTransitions_ExactlyOneTerminal(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 2
	runner := newFakeRunner()
	sink := &recordingSink{}
	q := newTestQueue(t, cfg, runner, sink)

	ids := []string{"ok", "bad", "gone", "late"}
	for _, id := range ids {
		if _, err := q.Submit(context.Background(), request(id)); err != nil {
			t.Fatalf("Submit(%s) err=%v", id, err)
		}
	}
	if err := q.Cancel("gone"); err != nil {
		t.Fatalf("Cancel(gone) err=%v", err)
	}
	runner.finish("ok", nil)
	runner.finish("bad", errors.New("exit 1"))
	waitFor(t, "late running", func() bool { return statusOf(t, q, "late") == domain.StatusRunning })
	runner.finish("late", nil)
	waitFor(t, "late completed", func() bool { return statusOf(t, q, "late") == domain.StatusCompleted })

	want := map[string][]domain.ExecutionStatus{
		"ok":   {domain.StatusQueued, domain.StatusRunning, domain.StatusCompleted},
		"bad":  {domain.StatusQueued, domain.StatusRunning, domain.StatusFailed},
		"gone": {domain.StatusQueued, domain.StatusCancelled},
		"late": {domain.StatusQueued, domain.StatusRunning, domain.StatusCompleted},
	}
	for id, seq := range want {
		waitFor(t, "transitions for "+id, func() bool { return len(sink.forID(id)) == len(seq) })
		got := sink.forID(id)
		for i := range seq {
			if got[i] != seq[i] {
				t.Fatalf("transitions(%s)=%v, want %v", id, got, seq)
			}
		}
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i := 1; i < len(sink.transitions); i++ {
		if sink.transitions[i].Seq <= sink.transitions[i-1].Seq {
			t.Fatalf("transition seq not increasing at %d", i)
		}
	}
}

func TestTimeout_HungRunnerForceFailed(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	cfg.Timeout = 50 * time.Millisecond
	cfg.KillGrace = 50 * time.Millisecond
	runner := newFakeRunner()
	runner.ignoreCtx = true
	q := newTestQueue(t, cfg, runner, &recordingSink{})

	start := time.Now()
	if _, err := q.Submit(context.Background(), request("hang")); err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	if _, err := q.Submit(context.Background(), request("next")); err != nil {
		t.Fatalf("Submit() err=%v", err)
	}

	waitFor(t, "hang failed", func() bool { return statusOf(t, q, "hang") == domain.StatusFailed })
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("force fail took %v, want about timeout+grace", elapsed)
	}
	h, _ := q.Status("hang")
	if h.Error != "execution timed out" {
		t.Fatalf("Error=%q, want execution timed out", h.Error)
	}
	waitFor(t, "next promoted", func() bool { return statusOf(t, q, "next") != domain.StatusQueued })
}

func TestCancel(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	runner := newFakeRunner()
	q := newTestQueue(t, cfg, runner, &recordingSink{})

	for _, id := range []string{"run", "wait"} {
		if _, err := q.Submit(context.Background(), request(id)); err != nil {
			t.Fatalf("Submit(%s) err=%v", id, err)
		}
	}

	if err := q.Cancel("wait"); err != nil {
		t.Fatalf("Cancel(wait) err=%v", err)
	}
	if got := statusOf(t, q, "wait"); got != domain.StatusCancelled {
		t.Fatalf("Status(wait)=%s, want cancelled", got)
	}

	if err := q.Cancel("run"); err != nil {
		t.Fatalf("Cancel(run) err=%v", err)
	}
	waitFor(t, "run cancelled", func() bool { return statusOf(t, q, "run") == domain.StatusCancelled })

	if err := q.Cancel("run"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Cancel(terminal) err=%v, want ErrConflict", err)
	}
	if err := q.Cancel("nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Cancel(unknown) err=%v, want ErrNotFound", err)
	}
	if got := q.Summary().Running; got != 0 {
		t.Fatalf("Summary().Running=%d, want 0", got)
	}
}

func TestRetention_EvictsTerminalHandles(t *testing.T) {
	cfg := testConfig()
	cfg.Retention = 20 * time.Millisecond
	runner := newFakeRunner()
	q := newTestQueue(t, cfg, runner, &recordingSink{})

	if _, err := q.Submit(context.Background(), request("short")); err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	runner.finish("short", nil)
	waitFor(t, "eviction", func() bool {
		_, err := q.Status("short")
		return errors.Is(err, domain.ErrNotFound)
	})
}

func TestSubmit_SoftDepthWarning(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	cfg.SoftQueueDepth = 1
	q := newTestQueue(t, cfg, newFakeRunner(), &recordingSink{})

	var last Admission
	for _, id := range []string{"a", "b", "c"} {
		adm, err := q.Submit(context.Background(), request(id))
		if err != nil {
			t.Fatalf("Submit(%s) err=%v", id, err)
		}
		last = adm
	}
	if last.Status != domain.StatusQueued || last.QueuePosition != 2 {
		t.Fatalf("Submit(c)=%s pos %d, want queued pos 2", last.Status, last.QueuePosition)
	}
	if last.Exhausted == nil || last.Warning == "" {
		t.Fatalf("Submit(c) warning missing: %+v", last)
	}
}

func TestSubmit_DuplicateID(t *testing.T) {
	q := newTestQueue(t, testConfig(), newFakeRunner(), &recordingSink{})
	if _, err := q.Submit(context.Background(), request("dup")); err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	if _, err := q.Submit(context.Background(), request("dup")); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Submit(dup) err=%v, want ErrConflict", err)
	}
}

func TestClose_CancelsQueued(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	runner := newFakeRunner()
	sink := &recordingSink{}
	q, err := New(cfg, runner, sink, nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	for _, id := range []string{"a", "b"} {
		if _, err := q.Submit(context.Background(), request(id)); err != nil {
			t.Fatalf("Submit(%s) err=%v", id, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close() err=%v", err)
	}
	if got := sink.forID("b"); len(got) != 2 || got[1] != domain.StatusCancelled {
		t.Fatalf("transitions(b)=%v, want [queued cancelled]", got)
	}
	if got := sink.forID("a"); len(got) != 3 || got[2] != domain.StatusCancelled {
		t.Fatalf("transitions(a)=%v, want [queued running cancelled]", got)
	}
	if _, err := q.Submit(context.Background(), request("c")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit(after close) err=%v, want ErrClosed", err)
	}
}
