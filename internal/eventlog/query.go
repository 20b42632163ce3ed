package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/qaflow-labs/qaflow-go/internal/domain"
)

const (
	DefaultLimit = 100
	MaxLimit     = 5000
)

const eventColumns = `seq, event_id, checksum, event_type, occurred_at, project, branch,
	importance, source, parent_id, data, tags, related_ids, ingested_at`

// Filter selects events. Zero values do not constrain. Results are ordered
// newest first, ties broken by event id.
type Filter struct {
	IDs     []string
	Project string
	Branch  string
	Types   []domain.EventType
	Since   time.Time
	Until   time.Time
	TagsAny []string
	TagsAll []string
	Limit   int
}

type queryBuilder struct {
	where []string
	args  []any
}

func (b *queryBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

func (b *queryBuilder) in(values []string) string {
	start := len(b.args) + 1
	for _, v := range values {
		b.args = append(b.args, v)
	}
	return placeholders(start, len(values))
}

func (l *Log) Query(ctx context.Context, f Filter) ([]domain.Event, error) {
	b := &queryBuilder{}
	if len(f.IDs) > 0 {
		b.where = append(b.where, "event_id IN ("+b.in(f.IDs)+")")
	}
	if p := strings.TrimSpace(f.Project); p != "" {
		b.where = append(b.where, "project = "+b.arg(p))
	}
	if br := strings.TrimSpace(f.Branch); br != "" {
		b.where = append(b.where, "branch = "+b.arg(br))
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		b.where = append(b.where, "event_type IN ("+b.in(types)+")")
	}
	if !f.Since.IsZero() {
		b.where = append(b.where, "occurred_at >= "+b.arg(f.Since.UTC().UnixNano()))
	}
	if !f.Until.IsZero() {
		b.where = append(b.where, "occurred_at <= "+b.arg(f.Until.UTC().UnixNano()))
	}
	if tags := normalizeTags(f.TagsAny); len(tags) > 0 {
		b.where = append(b.where, "event_id IN (SELECT event_id FROM context_event_tags WHERE tag IN ("+b.in(tags)+"))")
	}
	if tags := normalizeTags(f.TagsAll); len(tags) > 0 {
		set := b.in(tags)
		b.where = append(b.where, "event_id IN (SELECT event_id FROM context_event_tags WHERE tag IN ("+set+
			") GROUP BY event_id HAVING COUNT(DISTINCT tag) = "+b.arg(len(tags))+")")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	q := "SELECT " + eventColumns + " FROM context_events"
	if len(b.where) > 0 {
		q += " WHERE " + strings.Join(b.where, " AND ")
	}
	q += " ORDER BY occurred_at DESC, event_id ASC LIMIT " + b.arg(limit)

	rows, err := l.db.QueryContext(ctx, l.dialect.Rebind(q), b.args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	stored, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Event, len(stored))
	for i, s := range stored {
		out[i] = s.Event
	}
	return out, nil
}

func scanRows(rows *sql.Rows) ([]Stored, error) {
	var out []Stored
	for rows.Next() {
		var (
			s          Stored
			eventType  string
			occurredAt int64
			ingestedAt int64
			data       []byte
			tags       []byte
			related    []byte
		)
		if err := rows.Scan(
			&s.Seq, &s.Event.ID, &s.Event.Checksum, &eventType, &occurredAt,
			&s.Event.Project, &s.Event.Branch, &s.Event.Importance,
			&s.Event.Source, &s.Event.ParentID, &data, &tags, &related, &ingestedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		s.Event.Type = domain.EventType(eventType)
		s.Event.Timestamp = time.Unix(0, occurredAt).UTC()
		s.IngestedAt = time.Unix(0, ingestedAt).UTC()
		payload, err := domain.DecodePayload(s.Event.Type, data)
		if err != nil {
			return nil, fmt.Errorf("decode event %s data: %w", s.Event.ID, err)
		}
		s.Event.Data = payload
		if err := json.Unmarshal(tags, &s.Event.Tags); err != nil {
			return nil, fmt.Errorf("decode event %s tags: %w", s.Event.ID, err)
		}
		if err := json.Unmarshal(related, &s.Event.RelatedIDs); err != nil {
			return nil, fmt.Errorf("decode event %s related ids: %w", s.Event.ID, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
