package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// HTTPEmbedder calls an OpenAI compatible /embeddings endpoint. After
// MaxFailures consecutive failures it stops calling for Cooldown and
// returns ErrUnavailable.
type HTTPEmbedder struct {
	endpoint string
	apiKey   string
	model    string
	dims     int
	client   *retryablehttp.Client

	mu            sync.Mutex
	maxFailures   int
	cooldown      time.Duration
	failures      int
	disabledUntil time.Time
	now           func() time.Time
}

type embeddingRequest struct {
	Model      string `json:"model"`
	Input      string `json:"input"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func NewHTTP(cfg Config, logger *slog.Logger) (*HTTPEmbedder, error) {
	if cfg.URL == "" {
		return nil, errors.New("embedding url is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("embedding model is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = logger
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}
	return &HTTPEmbedder{
		endpoint:    cfg.URL + "/embeddings",
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		dims:        cfg.Dimensions,
		client:      client,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		now:         time.Now,
	}, nil
}

func (e *HTTPEmbedder) Model() string   { return e.model }
func (e *HTTPEmbedder) Dimensions() int { return e.dims }

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if !e.allow() {
		return nil, ErrUnavailable
	}
	vec, err := e.embed(ctx, text)
	if err != nil {
		e.recordFailure()
		return nil, err
	}
	e.recordSuccess()
	return vec, nil
}

func (e *HTTPEmbedder) embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embeddingRequest{Model: e.model, Input: text, Dimensions: e.dims})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("embedding request: status %s", resp.Status)
	}
	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Data) == 0 || len(decoded.Data[0].Embedding) == 0 {
		return nil, errors.New("response missing embedding")
	}
	vec := decoded.Data[0].Embedding
	if e.dims > 0 && len(vec) != e.dims {
		return nil, fmt.Errorf("embedding has %d dimensions, want %d", len(vec), e.dims)
	}
	return vec, nil
}

func (e *HTTPEmbedder) allow() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disabledUntil.IsZero() || e.now().After(e.disabledUntil)
}

func (e *HTTPEmbedder) recordFailure() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.maxFailures <= 0 {
		return
	}
	e.failures++
	if e.failures >= e.maxFailures {
		e.disabledUntil = e.now().Add(e.cooldown)
	}
}

func (e *HTTPEmbedder) recordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = 0
	e.disabledUntil = time.Time{}
}
