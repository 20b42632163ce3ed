package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/qaflow-labs/qaflow-go/internal/domain"
)

const outputTailBytes = 4096

// ProcessAdapter runs a framework command in its own process group inside
// the selector root.
type ProcessAdapter struct {
	def       Definition
	root      string
	killGrace time.Duration
	logger    *slog.Logger
}

func NewProcessAdapter(def Definition, root string, killGrace time.Duration, logger *slog.Logger) (*ProcessAdapter, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if def.SelectorRoot != "" {
		root = def.SelectorRoot
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("adapter %s: resolve selector root: %w", def.ID, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessAdapter{def: def, root: abs, killGrace: killGrace, logger: logger}, nil
}

// NewProcessAdapters builds one adapter per definition.
func NewProcessAdapters(defs []Definition, root string, killGrace time.Duration, logger *slog.Logger) ([]Adapter, error) {
	out := make([]Adapter, 0, len(defs))
	for _, d := range defs {
		a, err := NewProcessAdapter(d, root, killGrace, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (a *ProcessAdapter) ID() string { return a.def.ID }

func (a *ProcessAdapter) Validate(selectors []string) []string {
	var missing []string
	for _, s := range selectors {
		path, _, _ := strings.Cut(strings.TrimSpace(s), "::")
		if _, err := os.Stat(filepath.Join(a.root, filepath.FromSlash(path))); err != nil {
			missing = append(missing, s)
		}
	}
	return missing
}

func (a *ProcessAdapter) Execute(ctx context.Context, selectors []string, opts domain.ExecutionOptions) (domain.ExecutionResult, error) {
	argv := a.argv(selectors, opts)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = a.root
	cmd.Env = a.environ(opts)
	stdout := newTailBuffer(outputTailBytes)
	stderr := newTailBuffer(outputTailBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second
	configureProcess(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return domain.ExecutionResult{}, &domain.AdapterError{FrameworkID: a.def.ID, ExitCode: -1, Err: err}
	}
	a.logger.Debug("adapter process started", "framework_id", a.def.ID, "pid", cmd.Process.Pid, "argv", argv)

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var err error
	select {
	case err = <-waitErr:
	case <-ctx.Done():
		signalTerminate(cmd)
		grace := time.NewTimer(a.killGrace)
		select {
		case err = <-waitErr:
		case <-grace.C:
			signalKill(cmd)
			err = <-waitErr
		}
		grace.Stop()
		a.logger.Info("adapter process stopped", "framework_id", a.def.ID, "pid", cmd.Process.Pid, "reason", ctx.Err())
		return domain.ExecutionResult{
			ExitCode:   exitCode(err),
			DurationMs: time.Since(start).Milliseconds(),
			OutputTail: stdout.String(),
		}, ctx.Err()
	}

	res := domain.ExecutionResult{
		ExitCode:   exitCode(err),
		DurationMs: time.Since(start).Milliseconds(),
		OutputTail: stdout.String(),
	}
	if err != nil {
		return res, &domain.AdapterError{
			FrameworkID: a.def.ID,
			ExitCode:    res.ExitCode,
			StderrTail:  lastLines(stderr.String(), 5),
			Err:         err,
		}
	}
	return res, nil
}

func (a *ProcessAdapter) argv(selectors []string, opts domain.ExecutionOptions) []string {
	var out []string
	for _, arg := range a.def.Command {
		if arg == placeholderSelectors {
			out = append(out, selectors...)
			continue
		}
		out = append(out, arg)
	}
	if opts.WorkerCount > 0 {
		for _, arg := range a.def.WorkerArgs {
			out = append(out, strings.ReplaceAll(arg, placeholderWorkers, strconv.Itoa(opts.WorkerCount)))
		}
	}
	if opts.Headless != nil && !*opts.Headless {
		out = append(out, a.def.HeadedArgs...)
	}
	return out
}

func (a *ProcessAdapter) environ(opts domain.ExecutionOptions) []string {
	env := os.Environ()
	merged := make(map[string]string, len(a.def.Env)+len(opts.Env)+2)
	for k, v := range a.def.Env {
		merged[k] = v
	}
	for k, v := range opts.Env {
		merged[k] = v
	}
	if opts.Headless != nil {
		merged["HEADLESS"] = strconv.FormatBool(*opts.Headless)
	}
	if opts.AIEnabled {
		merged["QAFLOW_AI_ENABLED"] = "true"
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
