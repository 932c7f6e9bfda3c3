package feed

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"notifyd/internal/domain"
	logx "notifyd/pkg/logx"
)

// ChangeLog is the part of the store the polling source reads.
type ChangeLog interface {
	Changes(ctx context.Context, afterSeq int64, limit int) ([]domain.ChangeEvent, error)
	PendingChanges(ctx context.Context, afterSeq int64, limit int) ([]domain.ChangeEvent, error)
	LastChangeSeq(ctx context.Context) (int64, error)
}

type StoreSourceConfig struct {
	PollInterval time.Duration // default 1s
	BatchSize    int           // default 100
	// FromStart replays the whole change log, acked records included.
	FromStart bool
}

// StoreSource polls the store's change log. On Open it first replays every
// change whose record is still unacked (created while the process was down,
// or interrupted mid-flight), then follows new changes.
type StoreSource struct {
	log    ChangeLog
	cfg    StoreSourceConfig
	logger logx.Logger
	cursor atomic.Int64
	// catchUp is the log end at Open; below it only pending changes are read.
	catchUp atomic.Int64
}

func NewStoreSource(cl ChangeLog, cfg StoreSourceConfig, log logx.Logger) *StoreSource {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &StoreSource{log: cl, cfg: cfg, logger: log}
}

func (s *StoreSource) Name() string { return "store" }

func (s *StoreSource) Open(ctx context.Context) error {
	s.cursor.Store(0)
	s.catchUp.Store(0)
	if s.cfg.FromStart {
		return nil
	}
	last, err := s.log.LastChangeSeq(ctx)
	if err != nil {
		return fmt.Errorf("store feed: %w", err)
	}
	s.catchUp.Store(last)
	return nil
}

func (s *StoreSource) Run(ctx context.Context, emit Emit) error {
	failures := 0
	for {
		cursor := s.cursor.Load()
		catchingUp := cursor < s.catchUp.Load()

		var (
			batch []domain.ChangeEvent
			err   error
		)
		if catchingUp {
			batch, err = s.log.PendingChanges(ctx, cursor, s.cfg.BatchSize)
		} else {
			batch, err = s.log.Changes(ctx, cursor, s.cfg.BatchSize)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			s.logger.Warn("change log read failed", logx.Int("failures", failures), logx.Err(err))
			if !sleepCtx(ctx, s.cfg.PollInterval) {
				return nil
			}
			continue
		}
		failures = 0
		for _, ev := range batch {
			emit(ev, nil)
			s.cursor.Store(ev.Seq)
		}
		// A full batch likely means more is waiting.
		if len(batch) == s.cfg.BatchSize {
			continue
		}
		if catchingUp {
			if end := s.catchUp.Load(); s.cursor.Load() < end {
				s.cursor.Store(end)
			}
			s.logger.Debug("pending changes replayed", logx.Int64("cursor", s.cursor.Load()))
			continue
		}
		if !sleepCtx(ctx, s.cfg.PollInterval) {
			return nil
		}
	}
}

func (s *StoreSource) Close() error { return nil }

// Cursor is the last sequence number read.
func (s *StoreSource) Cursor() int64 { return s.cursor.Load() }
