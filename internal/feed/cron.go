package feed

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "notifyd/pkg/logx"
)

// Job is one periodic maintenance task.
type Job struct {
	Name     string
	Schedule cron.Schedule
	Timeout  time.Duration // 0 means no timeout
	Run      func(ctx context.Context) error
}

// Cron runs maintenance jobs. A run is skipped when the previous run of the
// same job is still going.
type Cron struct {
	log logx.Logger

	mu      sync.Mutex
	c       *cron.Cron
	ctx     context.Context
	entries map[string]cron.EntryID
	busy    map[string]*atomic.Bool
	runs    map[string]*atomic.Uint64
}

func NewCron(log logx.Logger) *Cron {
	return &Cron{
		log:     log.With(logx.String("comp", "cron")),
		entries: map[string]cron.EntryID{},
		busy:    map[string]*atomic.Bool{},
		runs:    map[string]*atomic.Uint64{},
	}
}

// Start begins scheduling. Jobs run with ctx.
func (c *Cron) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.c != nil {
		return
	}
	c.ctx = ctx
	c.c = cron.New(cron.WithLocation(time.Local))
	c.c.Start()
	c.log.Debug("cron started")
}

// Set replaces the scheduled jobs. A job with a nil Schedule is removed.
func (c *Cron) Set(jobs ...Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.c == nil {
		return
	}
	for name, id := range c.entries {
		c.c.Remove(id)
		delete(c.entries, name)
	}
	for _, j := range jobs {
		if j.Schedule == nil || j.Run == nil {
			continue
		}
		if c.busy[j.Name] == nil {
			c.busy[j.Name] = &atomic.Bool{}
			c.runs[j.Name] = &atomic.Uint64{}
		}
		j := j
		c.entries[j.Name] = c.c.Schedule(j.Schedule, cron.FuncJob(func() { c.run(j) }))
	}
	c.log.Info("jobs scheduled", logx.Int("count", len(c.entries)))
}

func (c *Cron) run(j Job) {
	c.mu.Lock()
	ctx := c.ctx
	busy := c.busy[j.Name]
	runs := c.runs[j.Name]
	c.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if !busy.CompareAndSwap(false, true) {
		c.log.Debug("job still running; skipped", logx.String("job", j.Name))
		return
	}
	defer busy.Store(false)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("job panic", logx.String("job", j.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	start := time.Now()
	err := j.Run(ctx)
	runs.Add(1)
	if err != nil {
		c.log.Warn("job failed", logx.String("job", j.Name), logx.Duration("dur", time.Since(start)), logx.Err(err))
		return
	}
	c.log.Debug("job done", logx.String("job", j.Name), logx.Duration("dur", time.Since(start)))
}

// Runs reports completed runs per job.
func (c *Cron) Runs() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.runs))
	for k, v := range c.runs {
		out[k] = v.Load()
	}
	return out
}

// Stop halts scheduling and waits for running jobs or ctx.
func (c *Cron) Stop(ctx context.Context) error {
	c.mu.Lock()
	cr := c.c
	c.c = nil
	c.entries = map[string]cron.EntryID{}
	c.mu.Unlock()
	if cr == nil {
		return nil
	}
	select {
	case <-cr.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
