package orchestrator

import (
	"errors"
	"time"

	"github.com/qaflow-labs/qaflow-go/internal/platform/env"
)

type Config struct {
	IngestRetries  int
	IngestBackoff  time.Duration
	IngestBuffer   int
	DefaultProject string
}

func ConfigFromEnv() (Config, error) {
	retries, err := env.Int("ORCHESTRATOR_INGEST_RETRIES", 3)
	if err != nil {
		return Config{}, err
	}
	backoff, err := env.Duration("ORCHESTRATOR_INGEST_BACKOFF", 200*time.Millisecond)
	if err != nil {
		return Config{}, err
	}
	buffer, err := env.Int("ORCHESTRATOR_INGEST_BUFFER", 1024)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		IngestRetries:  retries,
		IngestBackoff:  backoff,
		IngestBuffer:   buffer,
		DefaultProject: env.String("DEFAULT_PROJECT", "default"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.IngestRetries < 0 {
		return errors.New("ORCHESTRATOR_INGEST_RETRIES must be >= 0")
	}
	if c.IngestBackoff < 0 {
		return errors.New("ORCHESTRATOR_INGEST_BACKOFF must be >= 0")
	}
	if c.IngestBuffer < 1 {
		return errors.New("ORCHESTRATOR_INGEST_BUFFER must be >= 1")
	}
	if c.DefaultProject == "" {
		return errors.New("DEFAULT_PROJECT is required")
	}
	return nil
}
