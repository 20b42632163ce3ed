// Package eventlog is the append-only store of context events.
//
// Events are never updated. Re-ingesting an event whose checksum already
// exists is a no-op that returns the stored id; the check and the insert
// are one SQL statement, so concurrent duplicates cannot both land. Rows
// are only removed by an explicit Prune.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qaflow-labs/qaflow-go/internal/domain"
)

type IngestResult struct {
	ID           string `json:"id"`
	Checksum     string `json:"checksum"`
	Deduplicated bool   `json:"deduplicated"`
}

// Stored is an event with its insertion sequence number.
type Stored struct {
	Seq        int64
	IngestedAt time.Time
	Event      domain.Event
}

type Log struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
	now     func() time.Time
}

func New(db *sql.DB, dialect Dialect, logger *slog.Logger) (*Log, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if dialect != Postgres && dialect != SQLite {
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{db: db, dialect: dialect, logger: logger, now: time.Now}, nil
}

// Migrate creates the tables and indexes when missing.
func (l *Log) Migrate(ctx context.Context) error {
	schema := postgresSchema
	if l.dialect == SQLite {
		schema = sqliteSchema
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (l *Log) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Ingest normalizes, validates and appends e.
func (l *Log) Ingest(ctx context.Context, e domain.Event) (IngestResult, error) {
	e.Normalize(l.now())
	if err := e.Validate(); err != nil {
		return IngestResult{}, err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	checksum, err := e.ComputeChecksum()
	if err != nil {
		return IngestResult{}, err
	}
	data, err := e.CanonicalData()
	if err != nil {
		return IngestResult{}, err
	}
	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return IngestResult{}, fmt.Errorf("marshal tags: %w", err)
	}
	related, err := json.Marshal(e.RelatedIDs)
	if err != nil {
		return IngestResult{}, fmt.Errorf("marshal related ids: %w", err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return IngestResult{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx, l.dialect.Rebind(`
		INSERT INTO context_events (
			event_id, checksum, event_type, occurred_at, project, branch,
			importance, source, parent_id, data, tags, related_ids, ingested_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (checksum) DO NOTHING
		RETURNING event_id`),
		e.ID, checksum, string(e.Type), e.Timestamp.UnixNano(), e.Project, e.Branch,
		e.Importance, e.Source, e.ParentID, string(data), string(tags), string(related), l.now().UTC().UnixNano(),
	).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := tx.QueryRowContext(ctx, l.dialect.Rebind(`SELECT event_id FROM context_events WHERE checksum = $1`), checksum).Scan(&id); err != nil {
			return IngestResult{}, fmt.Errorf("lookup duplicate: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return IngestResult{}, fmt.Errorf("commit: %w", err)
		}
		return IngestResult{ID: id, Checksum: checksum, Deduplicated: true}, nil
	case err != nil:
		if l.dialect.isUniqueViolation(err) {
			return IngestResult{}, fmt.Errorf("event id %s already holds different content: %w", e.ID, domain.ErrConflict)
		}
		return IngestResult{}, fmt.Errorf("insert event: %w", err)
	}

	for _, tag := range e.Tags {
		if _, err := tx.ExecContext(ctx, l.dialect.Rebind(`INSERT INTO context_event_tags (tag, event_id) VALUES ($1, $2)`), tag, id); err != nil {
			return IngestResult{}, fmt.Errorf("insert tag: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return IngestResult{}, fmt.Errorf("commit: %w", err)
	}
	return IngestResult{ID: id, Checksum: checksum}, nil
}

func (l *Log) Get(ctx context.Context, id string) (domain.Event, error) {
	events, err := l.Query(ctx, Filter{IDs: []string{id}, Limit: 1})
	if err != nil {
		return domain.Event{}, err
	}
	if len(events) == 0 {
		return domain.Event{}, fmt.Errorf("event %s: %w", id, domain.ErrNotFound)
	}
	return events[0], nil
}

func (l *Log) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM context_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Scan returns up to limit events with seq greater than afterSeq, in seq
// order. On postgres a row can become visible after rows with a higher seq,
// so callers keeping a cursor must not move it past recent rows.
func (l *Log) Scan(ctx context.Context, afterSeq int64, limit int) ([]Stored, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := l.db.QueryContext(ctx, l.dialect.Rebind(`SELECT `+eventColumns+`
		FROM context_events WHERE seq > $1 ORDER BY seq ASC LIMIT $2`), afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// Prune deletes events that occurred before cutoff and returns their ids.
// It is the only delete path.
func (l *Log) Prune(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	before := cutoff.UTC().UnixNano()
	rows, err := tx.QueryContext(ctx, l.dialect.Rebind(`SELECT event_id FROM context_events WHERE occurred_at < $1`), before)
	if err != nil {
		return nil, fmt.Errorf("select expired: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, l.dialect.Rebind(`
		DELETE FROM context_event_tags
		WHERE event_id IN (SELECT event_id FROM context_events WHERE occurred_at < $1)`), before); err != nil {
		return nil, fmt.Errorf("prune tags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, l.dialect.Rebind(`DELETE FROM context_events WHERE occurred_at < $1`), before); err != nil {
		return nil, fmt.Errorf("prune events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	l.logger.Info("context events pruned", "count", len(ids), "cutoff", cutoff.UTC().Format(time.RFC3339))
	return ids, nil
}
