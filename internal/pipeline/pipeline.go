// Package pipeline processes one change event end to end: build the
// message, resolve recipients, dispatch, then clean up and record history.
//
// Handle never fails. Delivery problems are contained per channel and per
// recipient and end up in the Result and the logs.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"notifyd/internal/dispatch"
	"notifyd/internal/domain"
	"notifyd/internal/eventbus"
	"notifyd/internal/payload"
	"notifyd/internal/resolve"
	logx "notifyd/pkg/logx"
)

// Store is the bookkeeping side of the pipeline.
type Store interface {
	Ack(ctx context.Context, c domain.Collection, key string) error
	ClearPushToken(ctx context.Context, userID string) error
	AppendHistory(ctx context.Context, e domain.HistoryEntry) (domain.HistoryEntry, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, msg domain.Message, plan dispatch.Plan) dispatch.Report
}

type Resolver interface {
	ClubName(ctx context.Context, clubID string) string
	PushTarget() domain.Target
	EmailAudience(ctx context.Context) (resolve.Audience, error)
}

type Config struct {
	// MaxInFlight caps concurrently handled events; 0 means unbounded.
	MaxInFlight int
	// DeadLetter tags the history entry of a permanently failed push.
	DeadLetter bool
}

// Result describes what happened to one event.
type Result struct {
	Skipped    bool
	SkipReason string
	Outcomes   []domain.DeliveryOutcome
	// History is nil when the append failed or the event was skipped.
	History *domain.HistoryEntry
	// TokenRemovedFor is the user whose push token was cleared, if any.
	TokenRemovedFor string
}

type Stats struct {
	Handled       uint64 `json:"handled"`
	Skipped       uint64 `json:"skipped"`
	InFlight      int64  `json:"in_flight"`
	DeadLettered  uint64 `json:"dead_lettered"`
	TokensRemoved uint64 `json:"tokens_removed"`
	AckFailures   uint64 `json:"ack_failures"`
}

// Lifecycle event payloads published on the bus.
type (
	SkippedEvent struct {
		Collection string
		Key        string
		Reason     string
	}
	DoneEvent struct {
		Collection string
		Key        string
		Outcomes   int
		Failed     int
	}
	TokenRemovedEvent struct {
		UserID string
	}
)

type Pipeline struct {
	store   Store
	disp    Dispatcher
	res     Resolver
	builder payload.Builder
	bus     eventbus.Bus
	log     logx.Logger

	mu  sync.Mutex
	cfg Config
	sem chan struct{}

	handled, skipped, deadLettered, tokensRemoved, ackFailures atomic.Uint64
	inFlight                                                   atomic.Int64
}

// New wires a pipeline. bus may be nil.
func New(cfg Config, store Store, disp Dispatcher, res Resolver, builder payload.Builder, bus eventbus.Bus, log logx.Logger) *Pipeline {
	p := &Pipeline{
		store:   store,
		disp:    disp,
		res:     res,
		builder: builder,
		bus:     bus,
		log:     log.With(logx.String("comp", "pipeline")),
	}
	p.Apply(cfg)
	return p
}

// Apply updates the config. A changed MaxInFlight takes effect for events
// that start after the call.
func (p *Pipeline) Apply(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg.MaxInFlight != p.cfg.MaxInFlight {
		p.sem = nil
		if cfg.MaxInFlight > 0 {
			p.sem = make(chan struct{}, cfg.MaxInFlight)
		}
	}
	p.cfg = cfg
}

func (p *Pipeline) snapshot() (Config, chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg, p.sem
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Handled:       p.handled.Load(),
		Skipped:       p.skipped.Load(),
		InFlight:      p.inFlight.Load(),
		DeadLettered:  p.deadLettered.Load(),
		TokensRemoved: p.tokensRemoved.Load(),
		AckFailures:   p.ackFailures.Load(),
	}
}

// Handle processes ev to completion. Cancelling ctx only matters while
// waiting for an in-flight slot; once started, the event runs to the end
// and the record stays unacked only if it never started.
func (p *Pipeline) Handle(ctx context.Context, ev domain.ChangeEvent) Result {
	cfg, sem := p.snapshot()
	if sem != nil {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
		case <-ctx.Done():
			p.log.Warn("event not started; shutting down", logx.String("collection", ev.Collection.String()), logx.String("key", ev.Key))
			return Result{Skipped: true, SkipReason: "shutdown"}
		}
	}
	ctx = context.WithoutCancel(ctx)

	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	p.handled.Add(1)

	log := p.log.With(logx.String("collection", ev.Collection.String()), logx.String("key", ev.Key))
	start := time.Now()

	var res Result
	switch ev.Collection {
	case domain.Notification, domain.TopicNotification:
		res = p.handleDirect(ctx, cfg, ev, log)
	case domain.EventCreated:
		res = p.handleEvent(ctx, cfg, ev, log)
	default:
		res = p.skip(ctx, ev, log, "unknown collection")
	}

	if !res.Skipped {
		failed := 0
		for _, o := range res.Outcomes {
			if o.Failed() {
				failed++
			}
		}
		log.Info("event processed",
			logx.Int("outcomes", len(res.Outcomes)),
			logx.Int("failed", failed),
			logx.Duration("dur", time.Since(start)),
		)
		p.publish(eventbus.TopicDone, DoneEvent{Collection: ev.Collection.String(), Key: ev.Key, Outcomes: len(res.Outcomes), Failed: failed})
	}
	return res
}

func (p *Pipeline) handleDirect(ctx context.Context, cfg Config, ev domain.ChangeEvent, log logx.Logger) Result {
	rec, err := payload.ParseDirect(ev.Collection, ev.Payload)
	if err != nil {
		return p.skip(ctx, ev, log, err.Error())
	}
	if rec.Token != "" {
		log.Debug("sending to device", logx.Redact("token", rec.Token))
	} else {
		log.Debug("sending to topic", logx.String("topic", rec.Topic))
	}

	msg := p.builder.Direct(rec)
	report := p.disp.Dispatch(ctx, msg, dispatch.Plan{Push: true})

	res := Result{Outcomes: report.Outcomes}
	if report.Push != nil && report.Push.InvalidTarget && ev.Collection == domain.Notification {
		res.TokenRemovedFor = p.removeToken(ctx, rec.UserID, log)
	}

	entry := domain.HistoryEntry{
		EventKey:          historyKey(ev, rec.Data[payload.KeyEventID]),
		Title:             msg.Title,
		Body:              msg.Body,
		TargetDescription: msg.Target.Describe(),
	}
	if msg.Target.Kind() == domain.TargetDeviceToken {
		one := 1
		entry.RecipientCount = &one
	}
	p.finish(ctx, cfg, ev, report, entry, &res, log)
	return res
}

func (p *Pipeline) handleEvent(ctx context.Context, cfg Config, ev domain.ChangeEvent, log logx.Logger) Result {
	rec, err := payload.ParseEvent(ev.Key, ev.Payload)
	if err != nil {
		return p.skip(ctx, ev, log, err.Error())
	}

	msg := p.builder.Event(rec, p.res.ClubName(ctx, rec.ClubID))
	broadcast := msg
	broadcast.Target = p.res.PushTarget()

	report := p.disp.Dispatch(ctx, broadcast, dispatch.Plan{Push: true, Audience: p.res.EmailAudience})

	res := Result{Outcomes: report.Outcomes}
	entry := domain.HistoryEntry{
		EventKey:          ev.Key,
		Title:             broadcast.Title,
		Body:              broadcast.Body,
		TargetDescription: broadcast.Target.Describe(),
	}
	if report.Audience != nil {
		n := report.Audience.DirectorySize
		entry.RecipientCount = &n
	}
	p.finish(ctx, cfg, ev, report, entry, &res, log)
	return res
}

// finish acks the record and appends history. Both are attempted; a
// failure of one never prevents the other.
func (p *Pipeline) finish(ctx context.Context, cfg Config, ev domain.ChangeEvent, report dispatch.Report, entry domain.HistoryEntry, res *Result, log logx.Logger) {
	if cfg.DeadLetter && report.Push != nil && report.Push.Status == domain.StatusPermanentFailure && !report.Push.InvalidTarget {
		entry.Tag = domain.TagDeadLetter
		entry.Detail = report.Push.ErrorDetail
		p.deadLettered.Add(1)
	}

	p.ack(ctx, ev, log)

	saved, err := p.store.AppendHistory(ctx, entry)
	if err != nil {
		log.Error("history append failed", logx.Err(err))
		return
	}
	res.History = &saved
}

func (p *Pipeline) ack(ctx context.Context, ev domain.ChangeEvent, log logx.Logger) {
	if err := p.store.Ack(ctx, ev.Collection, ev.Key); err != nil {
		p.ackFailures.Add(1)
		log.Error("record ack failed", logx.Err(err))
	}
}

// skip acks a record that will never be deliverable so it is not swept again.
func (p *Pipeline) skip(ctx context.Context, ev domain.ChangeEvent, log logx.Logger, reason string) Result {
	p.skipped.Add(1)
	log.Info("record skipped", logx.String("reason", reason))
	p.ack(ctx, ev, log)
	p.publish(eventbus.TopicSkipped, SkippedEvent{Collection: ev.Collection.String(), Key: ev.Key, Reason: reason})
	return Result{Skipped: true, SkipReason: reason}
}

func (p *Pipeline) removeToken(ctx context.Context, userID string, log logx.Logger) string {
	if userID == "" {
		log.Warn("invalid push token but record has no userId; directory not cleaned")
		return ""
	}
	if err := p.store.ClearPushToken(ctx, userID); err != nil {
		log.Error("push token removal failed", logx.String("user_id", userID), logx.Err(err))
		return ""
	}
	p.tokensRemoved.Add(1)
	log.Info("removed invalid push token", logx.String("user_id", userID))
	p.publish(eventbus.TopicTokenRemoved, TokenRemovedEvent{UserID: userID})
	return userID
}

func (p *Pipeline) publish(typ string, data any) {
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

// historyKey groups direct notifications under the event they reference,
// falling back to the record itself.
func historyKey(ev domain.ChangeEvent, eventID string) string {
	if eventID != "" {
		return eventID
	}
	return ev.Collection.String() + "/" + ev.Key
}
