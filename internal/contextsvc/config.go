package contextsvc

import (
	"errors"
	"strings"
	"time"

	"github.com/qaflow-labs/qaflow-go/internal/platform/env"
)

type Config struct {
	// RetentionDays of zero keeps events forever.
	RetentionDays    int
	DefaultBudget    int
	SnapshotInterval time.Duration
	SweepInterval    time.Duration
	BackfillInterval time.Duration
	BackfillBatch    int
	// BackfillLag is how old a row must be before the backfill cursor moves
	// past it. It must exceed the longest ingest transaction.
	BackfillLag time.Duration
	// DefaultProject owns events that belong to no project, such as
	// policy changes.
	DefaultProject string
}

func ConfigFromEnv() (Config, error) {
	retention, err := env.Int("EVENT_RETENTION_DAYS", 30)
	if err != nil {
		return Config{}, err
	}
	budget, err := env.Int("DEFAULT_TOKEN_BUDGET", 2000)
	if err != nil {
		return Config{}, err
	}
	snapshot, err := env.Duration("VECTOR_SNAPSHOT_INTERVAL", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	sweep, err := env.Duration("CONTEXT_SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return Config{}, err
	}
	backfill, err := env.Duration("CONTEXT_BACKFILL_INTERVAL", time.Minute)
	if err != nil {
		return Config{}, err
	}
	batch, err := env.Int("CONTEXT_BACKFILL_BATCH", 200)
	if err != nil {
		return Config{}, err
	}
	lag, err := env.Duration("CONTEXT_BACKFILL_LAG", 2*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		RetentionDays:    retention,
		DefaultBudget:    budget,
		SnapshotInterval: snapshot,
		SweepInterval:    sweep,
		BackfillInterval: backfill,
		BackfillBatch:    batch,
		BackfillLag:      lag,
		DefaultProject:   env.String("DEFAULT_PROJECT", "default"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.RetentionDays < 0 {
		return errors.New("EVENT_RETENTION_DAYS must be >= 0")
	}
	if c.DefaultBudget <= 0 {
		return errors.New("DEFAULT_TOKEN_BUDGET must be > 0")
	}
	if c.SnapshotInterval < 0 || c.SweepInterval < 0 || c.BackfillInterval < 0 || c.BackfillLag < 0 {
		return errors.New("context service intervals must be >= 0")
	}
	if c.BackfillBatch <= 0 {
		return errors.New("CONTEXT_BACKFILL_BATCH must be > 0")
	}
	if strings.TrimSpace(c.DefaultProject) == "" {
		return errors.New("DEFAULT_PROJECT is required")
	}
	return nil
}
