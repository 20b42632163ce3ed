// Package httpserver is the HTTP plumbing of the control plane: middleware,
// graceful serving, liveness/readiness endpoints and JSON helpers.
package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderRequestID = "X-Request-Id"

	maxBodyBytes       = 1 << 20
	maxRequestIDLength = 128
	defaultCheckWait   = 2 * time.Second
)

var ErrBodyTooLarge = errors.New("request body too large")

type Config struct {
	Service         string
	Addr            string
	ShutdownTimeout time.Duration
	ReadTimeout     time.Duration
}

// Wrap installs request ids, panic recovery and access logging, in that
// order from the outside in.
func Wrap(logger *slog.Logger, service string, next http.Handler) http.Handler {
	return requestIDMiddleware(recoverMiddleware(logger, requestLogMiddleware(logger, service, next)))
}

// Run binds cfg.Addr and serves until ctx ends, then drains in-flight
// requests for up to cfg.ShutdownTimeout. Bind errors are returned before
// anything is served.
func Run(ctx context.Context, logger *slog.Logger, cfg Config, handler http.Handler) error {
	if cfg.Service == "" {
		return errors.New("service is required")
	}
	if cfg.Addr == "" {
		return errors.New("addr is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = time.Minute
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		// Websocket sessions are long lived; writes are bounded per frame
		// by the push transport instead.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "service", cfg.Service, "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Info("http server stopped", "service", cfg.Service)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func Healthz(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"service": service,
			"status":  "ok",
		})
	}
}

// ReadinessCheck is one dependency checked by /readyz. Timeout defaults to
// two seconds.
type ReadinessCheck struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

type checkResult struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

func (c ReadinessCheck) run(ctx context.Context) checkResult {
	wait := c.Timeout
	if wait <= 0 {
		wait = defaultCheckWait
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	start := time.Now()
	res := checkResult{Name: c.Name, Status: "ok"}
	if err := c.Check(ctx); err != nil {
		res.Status = "fail"
		res.Error = err.Error()
	}
	res.DurationMs = time.Since(start).Milliseconds()
	return res
}

func ReadyzWithChecks(service string, checks ...ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := make([]checkResult, 0, len(checks))
		ready := true
		for _, check := range checks {
			res := check.run(r.Context())
			if res.Status != "ok" {
				ready = false
			}
			results = append(results, res)
		}

		status, body := http.StatusOK, "ready"
		if !ready {
			status, body = http.StatusServiceUnavailable, "not_ready"
		}
		WriteJSON(w, status, map[string]any{
			"service": service,
			"status":  body,
			"checks":  results,
		})
	}
}

func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError writes {"error": message, "request_id": ...}.
func WriteError(w http.ResponseWriter, r *http.Request, status int, message string) {
	WriteJSON(w, status, map[string]any{
		"error":      message,
		"request_id": RequestID(r),
	})
}

// DecodeJSON decodes exactly one JSON value from the request body,
// rejecting unknown fields and bodies larger than 1 MiB.
func DecodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

// ReadBody reads the whole body, failing with ErrBodyTooLarge past limit
// bytes.
func ReadBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, errors.New("empty body")
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

type ctxKeyRequestID struct{}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyRequestID{}).(string)
	return v, ok
}

// RequestID returns the id assigned by Wrap, falling back to the inbound
// header for handlers served without it.
func RequestID(r *http.Request) string {
	if id, ok := RequestIDFromContext(r.Context()); ok {
		return id
	}
	return strings.TrimSpace(r.Header.Get(HeaderRequestID))
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if id == "" || len(id) > maxRequestIDLength {
			id = strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		r.Header.Set(HeaderRequestID, id)
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID{}, id)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status   int
	bytes    int64
	wrote    bool
	hijacked bool
}

func (w *statusWriter) WriteHeader(statusCode int) {
	if !w.wrote {
		w.status = statusCode
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	w.wrote = true
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack is required by the websocket upgrader.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	conn, rw, err := hijacker.Hijack()
	if err == nil {
		w.hijacked = true
		w.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func requestLogMiddleware(logger *slog.Logger, service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		attrs := []any{
			"service", service,
			"request_id", RequestID(r),
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"bytes", sw.bytes,
			"remote_ip", remoteIP(r.RemoteAddr),
			"duration_ms", time.Since(start).Milliseconds(),
		}
		switch {
		case sw.hijacked:
			logger.Info("websocket session ended", attrs...)
		case sw.status >= 500:
			logger.Error("http request", attrs...)
		default:
			logger.Debug("http request", attrs...)
		}
	})
}

func recoverMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				logger.Error("panic recovered",
					"request_id", RequestID(r),
					"panic", v,
					"stack", string(debug.Stack()),
				)
				WriteError(w, r, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
