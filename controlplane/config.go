package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/qaflow-labs/qaflow-go/internal/eventlog"
	"github.com/qaflow-labs/qaflow-go/internal/platform/env"
)

type config struct {
	Addr            string
	ShutdownTimeout time.Duration
	Dialect         eventlog.Dialect
	PolicyDir       string
	LogLevel        slog.Level
}

func configFromEnv() (config, error) {
	port, err := env.Int("SERVICE_PORT", 8080)
	if err != nil {
		return config{}, err
	}
	if port < 1 || port > 65535 {
		return config{}, fmt.Errorf("SERVICE_PORT %d is out of range", port)
	}
	shutdown, err := env.Duration("SHUTDOWN_TIMEOUT", 15*time.Second)
	if err != nil {
		return config{}, err
	}
	if shutdown <= 0 {
		return config{}, errors.New("SHUTDOWN_TIMEOUT must be positive")
	}
	dialect, err := eventlog.ParseDialect(env.String("DATABASE_DRIVER", "sqlite"))
	if err != nil {
		return config{}, err
	}
	level, err := parseLevel(env.String("LOG_LEVEL", "info"))
	if err != nil {
		return config{}, err
	}
	return config{
		Addr:            ":" + strconv.Itoa(port),
		ShutdownTimeout: shutdown,
		Dialect:         dialect,
		PolicyDir:       env.String("POLICY_DIR", ""),
		LogLevel:        level,
	}, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}
