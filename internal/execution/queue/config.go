package queue

import (
	"errors"
	"strings"
	"time"

	"github.com/qaflow-labs/qaflow-go/internal/platform/env"
)

type Config struct {
	MaxConcurrent  int
	Timeout        time.Duration
	KillGrace      time.Duration
	Retention      time.Duration
	SoftQueueDepth int
	PoolName       string
}

func ConfigFromEnv() (Config, error) {
	maxConcurrent, err := env.Int("MAX_CONCURRENT_EXECUTIONS", 3)
	if err != nil {
		return Config{}, err
	}
	timeout, err := env.Seconds("EXECUTION_TIMEOUT_SECONDS", 300*time.Second)
	if err != nil {
		return Config{}, err
	}
	killGrace, err := env.Duration("EXECUTION_KILL_GRACE", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	retention, err := env.Duration("EXECUTION_RETENTION", 60*time.Second)
	if err != nil {
		return Config{}, err
	}
	softDepth, err := env.Int("SOFT_QUEUE_DEPTH", 100)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		MaxConcurrent:  maxConcurrent,
		Timeout:        timeout,
		KillGrace:      killGrace,
		Retention:      retention,
		SoftQueueDepth: softDepth,
		PoolName:       env.String("EXECUTION_POOL_NAME", "default"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.MaxConcurrent < 1 {
		return errors.New("MAX_CONCURRENT_EXECUTIONS must be >= 1")
	}
	if c.Timeout <= 0 {
		return errors.New("EXECUTION_TIMEOUT_SECONDS must be > 0")
	}
	if c.KillGrace < 0 {
		return errors.New("EXECUTION_KILL_GRACE must be >= 0")
	}
	if c.Retention <= 0 {
		return errors.New("EXECUTION_RETENTION must be > 0")
	}
	if c.SoftQueueDepth < 0 {
		return errors.New("SOFT_QUEUE_DEPTH must be >= 0")
	}
	if strings.TrimSpace(c.PoolName) == "" {
		return errors.New("EXECUTION_POOL_NAME is required")
	}
	return nil
}
