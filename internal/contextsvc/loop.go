package contextsvc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qaflow-labs/qaflow-go/internal/vectorindex"
)

// Start loads the index snapshot and embeds whatever the snapshot is
// missing. A snapshot that cannot be read is logged and rebuilt from the
// log.
func (s *Service) Start(ctx context.Context) error {
	if err := s.index.Load(ctx); err != nil {
		s.logger.Warn("vector index snapshot unusable, rebuilding", "error", err)
	}
	n, err := s.Backfill(ctx)
	if err != nil && !errors.Is(err, ErrSemanticUnavailable) {
		s.logger.Warn("initial backfill incomplete", "indexed", n, "error", err)
	}
	return nil
}

// Run drives snapshots, the retention sweep and backfill until ctx ends,
// then writes a final snapshot.
func (s *Service) Run(ctx context.Context) error {
	snapshot := newTicker(s.cfg.SnapshotInterval)
	sweep := newTicker(s.cfg.SweepInterval)
	backfill := newTicker(s.cfg.BackfillInterval)
	defer snapshot.stop()
	defer sweep.stop()
	defer backfill.stop()

	for {
		select {
		case <-ctx.Done():
			saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.index.Save(saveCtx); err != nil {
				s.logger.Error("final vector index snapshot failed", "error", err)
			}
			return nil
		case <-snapshot.c:
			if err := s.index.Save(ctx); err != nil {
				s.logger.Error("vector index snapshot failed", "error", err)
			}
		case <-sweep.c:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("retention sweep failed", "error", err)
			}
		case <-backfill.c:
			if n, err := s.Backfill(ctx); err != nil && !errors.Is(err, ErrSemanticUnavailable) {
				s.logger.Warn("backfill incomplete", "indexed", n, "error", err)
			}
		}
	}
}

// Sweep deletes events older than the retention window and drops their
// vectors.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	if s.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
	ids, err := s.log.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.index.Remove(ids...)
	return len(ids), nil
}

// Backfill embeds stored events that are not indexed under the current
// model. It stops at the first embedding failure and resumes from there
// on the next pass.
func (s *Service) Backfill(ctx context.Context) (int, error) {
	if s.embedder == nil {
		return 0, ErrSemanticUnavailable
	}
	s.backfillMu.Lock()
	defer s.backfillMu.Unlock()

	indexed := 0
	settledBefore := s.now().Add(-s.cfg.BackfillLag)
	settled := true
	after := s.cursor
	for {
		batch, err := s.log.Scan(ctx, after, s.cfg.BackfillBatch)
		if err != nil {
			return indexed, fmt.Errorf("scan: %w", err)
		}
		for _, st := range batch {
			if !s.index.Has(st.Event.ID, st.Event.Checksum, s.embedder.Model()) {
				err := s.embed(ctx, st.Event)
				switch {
				case errors.Is(err, vectorindex.ErrDimensionMismatch), errors.Is(err, vectorindex.ErrEmptyVector):
					s.logger.Warn("event cannot be indexed", "event_id", st.Event.ID, "error", err)
				case err != nil:
					return indexed, err
				default:
					indexed++
				}
			}
			after = st.Seq
			// The cursor only covers an unbroken run of settled rows; anything
			// newer is scanned again next pass.
			if settled && st.IngestedAt.Before(settledBefore) {
				s.cursor = st.Seq
			} else {
				settled = false
			}
		}
		if len(batch) < s.cfg.BackfillBatch {
			break
		}
	}
	if indexed > 0 {
		s.logger.Info("backfill indexed events", "count", indexed)
	}
	return indexed, nil
}

type ticker struct {
	t *time.Ticker
	c <-chan time.Time
}

// newTicker returns a ticker that never fires for d <= 0.
func newTicker(d time.Duration) ticker {
	if d <= 0 {
		return ticker{}
	}
	t := time.NewTicker(d)
	return ticker{t: t, c: t.C}
}

func (t ticker) stop() {
	if t.t != nil {
		t.t.Stop()
	}
}
