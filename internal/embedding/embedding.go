// Package embedding turns event text into vectors for semantic retrieval.
package embedding

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/qaflow-labs/qaflow-go/internal/platform/env"
)

// ErrUnavailable is returned while a remote embedder is cooling down after
// repeated failures.
var ErrUnavailable = errors.New("embedder unavailable")

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Model identifies the vector space; vectors from different models are
	// never compared.
	Model() string
	Dimensions() int
}

type Config struct {
	URL         string
	APIKey      string
	Model       string
	Dimensions  int
	Timeout     time.Duration
	RetryMax    int
	MaxFailures int
	Cooldown    time.Duration
}

func ConfigFromEnv() (Config, error) {
	dims, err := env.Int("EMBEDDING_DIMENSIONS", 256)
	if err != nil {
		return Config{}, err
	}
	timeout, err := env.Duration("EMBEDDING_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	retries, err := env.Int("EMBEDDING_RETRY_MAX", 2)
	if err != nil {
		return Config{}, err
	}
	maxFailures, err := env.Int("EMBEDDING_MAX_FAILURES", 3)
	if err != nil {
		return Config{}, err
	}
	cooldown, err := env.Duration("EMBEDDING_COOLDOWN", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		URL:         strings.TrimRight(env.String("EMBEDDING_URL", ""), "/"),
		APIKey:      env.String("EMBEDDING_API_KEY", ""),
		Model:       env.String("EMBEDDING_MODEL", ""),
		Dimensions:  dims,
		Timeout:     timeout,
		RetryMax:    retries,
		MaxFailures: maxFailures,
		Cooldown:    cooldown,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Dimensions <= 0 {
		return errors.New("EMBEDDING_DIMENSIONS must be > 0")
	}
	if c.URL != "" && c.Model == "" {
		return errors.New("EMBEDDING_MODEL is required when EMBEDDING_URL is set")
	}
	if c.RetryMax < 0 || c.MaxFailures < 0 || c.Cooldown < 0 {
		return errors.New("EMBEDDING_RETRY_MAX, EMBEDDING_MAX_FAILURES and EMBEDDING_COOLDOWN must be >= 0")
	}
	return nil
}

// New returns the HTTP embedder when a URL is configured, otherwise the
// local hashing embedder.
func New(cfg Config, logger *slog.Logger) (Embedder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return NewHashing(cfg.Dimensions), nil
	}
	e, err := NewHTTP(cfg, logger)
	if err != nil {
		return nil, err
	}
	return e, nil
}
