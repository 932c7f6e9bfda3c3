// Package feed turns record creations into handler calls.
//
// A Listener tails one Source and runs the handler for every emitted change
// in its own goroutine. The Sweeper re-emits records that are still
// unacknowledged after a grace period, and the Pruner trims old history and
// change-log rows. Both run on cron schedules owned by Cron.
package feed

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"notifyd/internal/domain"
	logx "notifyd/pkg/logx"
)

// Handler processes one change. It must not panic; the Listener recovers
// anyway so one bad record cannot take the feed down.
type Handler func(ctx context.Context, ev domain.ChangeEvent)

// Emit schedules ev. done, when non-nil, is called after the handler returns.
type Emit func(ev domain.ChangeEvent, done func())

// Source produces change events.
type Source interface {
	Name() string
	// Open checks connectivity and positions the source. An error is fatal.
	Open(ctx context.Context) error
	// Run emits changes until ctx is done or the source fails.
	Run(ctx context.Context, emit Emit) error
	Close() error
}

type Stats struct {
	Emitted   uint64 `json:"emitted"`
	Duplicate uint64 `json:"duplicate"`
	InFlight  int64  `json:"in_flight"`
}

type Listener struct {
	src    Source
	handle Handler
	log    logx.Logger

	mu       sync.Mutex
	base     context.Context
	inFlight map[string]struct{}
	wg       sync.WaitGroup

	emitted, duplicate atomic.Uint64
	running            atomic.Int64
}

func NewListener(src Source, h Handler, log logx.Logger) *Listener {
	return &Listener{
		src:      src,
		handle:   h,
		log:      log.With(logx.String("comp", "feed"), logx.String("source", src.Name())),
		base:     context.Background(),
		inFlight: map[string]struct{}{},
	}
}

// Start opens the source. ctx also becomes the context of records handed
// in through Emit.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.src.Open(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	l.base = ctx
	l.mu.Unlock()
	l.log.Info("change feed opened")
	return nil
}

// Run tails the source until ctx is done. Handlers still running when Run
// returns keep going; use Wait to drain them.
func (l *Listener) Run(ctx context.Context) error {
	err := l.src.Run(ctx, func(ev domain.ChangeEvent, done func()) {
		l.dispatch(ctx, ev, done)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Emit hands ev to the handler unless the same record is already in flight.
func (l *Listener) Emit(ev domain.ChangeEvent) bool {
	l.mu.Lock()
	ctx := l.base
	l.mu.Unlock()
	return l.dispatch(ctx, ev, nil)
}

func (l *Listener) dispatch(ctx context.Context, ev domain.ChangeEvent, done func()) bool {
	id := ev.Collection.String() + "/" + ev.Key
	l.mu.Lock()
	if _, busy := l.inFlight[id]; busy {
		l.mu.Unlock()
		l.duplicate.Add(1)
		l.log.Debug("record already in flight", logx.String("record", id))
		if done != nil {
			done()
		}
		return false
	}
	l.inFlight[id] = struct{}{}
	l.wg.Add(1)
	l.mu.Unlock()

	l.emitted.Add(1)
	l.running.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				l.log.Error("handler panic", logx.String("record", id), logx.Any("panic", r))
			}
			l.mu.Lock()
			delete(l.inFlight, id)
			l.mu.Unlock()
			l.running.Add(-1)
			if done != nil {
				done()
			}
			l.wg.Done()
		}()
		l.handle(ctx, ev)
	}()
	return true
}

// Wait blocks until every started handler returned or ctx is done.
func (l *Listener) Wait(ctx context.Context) error {
	ch := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		l.log.Warn("handlers still running at shutdown", logx.Int64("in_flight", l.running.Load()))
		return ctx.Err()
	}
}

func (l *Listener) Close() error {
	return l.src.Close()
}

func (l *Listener) Stats() Stats {
	return Stats{Emitted: l.emitted.Load(), Duplicate: l.duplicate.Load(), InFlight: l.running.Load()}
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
