// Package sqlite opens the embedded database used for local runs and tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/qaflow-labs/qaflow-go/internal/platform/env"
)

const Memory = ":memory:"

type Config struct {
	Path        string
	BusyTimeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	busy, err := env.Duration("SQLITE_BUSY_TIMEOUT", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Path:        env.String("SQLITE_PATH", "qaflow.db"),
		BusyTimeout: busy,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return errors.New("SQLITE_PATH is required")
	}
	if c.BusyTimeout < 0 {
		return errors.New("SQLITE_BUSY_TIMEOUT must be >= 0")
	}
	return nil
}

// DSN builds a go-sqlite3 connection string with WAL journaling and
// foreign keys enabled.
func (c Config) DSN() string {
	q := url.Values{}
	q.Set("_busy_timeout", fmt.Sprintf("%d", c.BusyTimeout.Milliseconds()))
	q.Set("_foreign_keys", "on")
	if c.Path != Memory {
		q.Set("_journal_mode", "WAL")
	}
	return "file:" + c.Path + "?" + q.Encode()
}

func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	// A single writer connection; for :memory: this also keeps every
	// statement on the same database.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}
