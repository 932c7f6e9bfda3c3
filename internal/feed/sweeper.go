package feed

import (
	"context"
	"errors"
	"time"

	"notifyd/internal/domain"
	logx "notifyd/pkg/logx"
)

type PendingLister interface {
	Pending(ctx context.Context, c domain.Collection, createdBefore time.Time) ([]domain.ChangeEvent, error)
}

// Sweeper re-emits records still unacknowledged after Grace. This covers
// crashes between observing a record and acking it, and records created
// while the process was down.
type Sweeper struct {
	store PendingLister
	emit  func(ev domain.ChangeEvent) bool
	grace time.Duration
	log   logx.Logger
	now   func() time.Time
}

// NewSweeper wires a sweeper. emit is normally Listener.Emit so swept
// records share the in-flight dedupe with the live feed.
func NewSweeper(store PendingLister, emit func(ev domain.ChangeEvent) bool, grace time.Duration, log logx.Logger) *Sweeper {
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	return &Sweeper{store: store, emit: emit, grace: grace, log: log.With(logx.String("comp", "sweeper")), now: time.Now}
}

// Sweep emits every pending record and reports how many were handed off.
// A failing collection does not stop the others.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.grace)
	var (
		n    int
		errs []error
	)
	for _, c := range domain.Collections() {
		pending, err := s.store.Pending(ctx, c, cutoff)
		if err != nil {
			errs = append(errs, err)
			s.log.Warn("pending scan failed", logx.String("collection", c.String()), logx.Err(err))
			continue
		}
		for _, ev := range pending {
			if s.emit(ev) {
				n++
			}
		}
	}
	if n > 0 {
		s.log.Info("re-emitted pending records", logx.Int("count", n), logx.Duration("grace", s.grace))
	}
	return n, errors.Join(errs...)
}

type Pruner interface {
	PruneHistory(ctx context.Context, olderThan time.Time) (int64, error)
	PruneChanges(ctx context.Context, olderThan time.Time) (int64, error)
}

// Prune drops history entries and change-log rows older than retention.
// retention <= 0 keeps everything.
func Prune(ctx context.Context, st Pruner, retention time.Duration, log logx.Logger) error {
	if retention <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-retention)
	hist, herr := st.PruneHistory(ctx, cutoff)
	changes, cerr := st.PruneChanges(ctx, cutoff)
	if err := errors.Join(herr, cerr); err != nil {
		log.Warn("prune failed", logx.Err(err))
		return err
	}
	if hist > 0 || changes > 0 {
		log.Info("pruned old rows", logx.Int64("history", hist), logx.Int64("changes", changes), logx.Duration("retention", retention))
	}
	return nil
}
