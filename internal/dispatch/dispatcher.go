// Package dispatch sends one message over the push and email channels.
//
// The two channels run concurrently and never affect each other. Push is a
// single provider call; email fans out to every recipient with a bounded
// number of concurrent sends and reports one outcome per recipient.
package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"notifyd/internal/domain"
	"notifyd/internal/resolve"
	"notifyd/internal/transport/email"
	"notifyd/internal/transport/push"
	logx "notifyd/pkg/logx"
)

const DefaultEmailFanout = 16

type Config struct {
	// EmailFanout bounds concurrent email sends per message. 0 means DefaultEmailFanout.
	EmailFanout int
	// Rate limits in sends per second; 0 disables limiting.
	PushRatePerSec  int
	EmailRatePerSec int
	// EmailRetryMax is the number of extra attempts for a failed email.
	EmailRetryMax int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	From          string
}

// Plan describes which channels a message goes to.
//
// Audience is called inside the email branch so that a directory failure
// only affects email.
type Plan struct {
	Push     bool
	Audience func(ctx context.Context) (resolve.Audience, error)
}

// Report aggregates one dispatch.
type Report struct {
	Outcomes []domain.DeliveryOutcome
	// Push is nil when the plan had no push branch.
	Push *domain.DeliveryOutcome
	// Audience is the resolved email audience; AudienceErr is set when it could not be read.
	Audience    *resolve.Audience
	AudienceErr error
}

// Stats are cumulative counters since start.
type Stats struct {
	PushSent    uint64 `json:"push_sent"`
	PushFailed  uint64 `json:"push_failed"`
	EmailSent   uint64 `json:"email_sent"`
	EmailFailed uint64 `json:"email_failed"`
}

type Dispatcher struct {
	push  push.Sender
	email email.Sender
	log   logx.Logger

	mu       sync.Mutex
	cfg      Config
	pushLim  *rate.Limiter
	emailLim *rate.Limiter

	pushSent, pushFailed, emailSent, emailFailed atomic.Uint64
}

func New(cfg Config, p push.Sender, e email.Sender, log logx.Logger) *Dispatcher {
	d := &Dispatcher{push: p, email: e, log: log.With(logx.String("comp", "dispatch"))}
	d.Apply(cfg)
	return d
}

// Apply swaps limits at runtime. In-flight fan-outs keep their snapshot.
func (d *Dispatcher) Apply(cfg Config) {
	if cfg.EmailFanout <= 0 {
		cfg.EmailFanout = DefaultEmailFanout
	}
	if cfg.EmailRetryMax < 0 {
		cfg.EmailRetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	d.mu.Lock()
	d.cfg = cfg
	d.pushLim = newLimiter(cfg.PushRatePerSec)
	d.emailLim = newLimiter(cfg.EmailRatePerSec)
	d.mu.Unlock()
}

func newLimiter(rps int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rps), rps)
}

func (d *Dispatcher) snapshot() (Config, *rate.Limiter, *rate.Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.pushLim, d.emailLim
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		PushSent:    d.pushSent.Load(),
		PushFailed:  d.pushFailed.Load(),
		EmailSent:   d.emailSent.Load(),
		EmailFailed: d.emailFailed.Load(),
	}
}

// Dispatch runs the planned channels concurrently and waits for both.
func (d *Dispatcher) Dispatch(ctx context.Context, msg domain.Message, plan Plan) Report {
	var (
		wg      sync.WaitGroup
		pushOut *domain.DeliveryOutcome
		emails  []domain.DeliveryOutcome
		aud     *resolve.Audience
		audErr  error
	)
	if plan.Push {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o := d.Push(ctx, msg)
			pushOut = &o
		}()
	}
	if plan.Audience != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := plan.Audience(ctx)
			if err != nil {
				d.log.Warn("email audience unavailable; skipping email channel", logx.Err(err))
				audErr = err
				return
			}
			aud = &a
			emails = d.Email(ctx, msg, a.Recipients)
		}()
	}
	wg.Wait()

	r := Report{Push: pushOut, Audience: aud, AudienceErr: audErr}
	if pushOut != nil {
		r.Outcomes = append(r.Outcomes, *pushOut)
	}
	r.Outcomes = append(r.Outcomes, emails...)
	return r
}

// Push makes exactly one send to the message's token or topic.
// Every error is a permanent failure; InvalidTarget is set for unregistered tokens.
func (d *Dispatcher) Push(ctx context.Context, msg domain.Message) domain.DeliveryOutcome {
	out := domain.DeliveryOutcome{Recipient: msg.Target.Describe(), Channel: domain.ChannelPush}
	_, lim, _ := d.snapshot()

	err := wait(ctx, lim)
	var id string
	if err == nil {
		id, err = d.push.Send(ctx, msg)
	}
	if err != nil {
		d.pushFailed.Add(1)
		out.Status = domain.StatusPermanentFailure
		out.ErrorDetail = err.Error()
		out.InvalidTarget = errors.Is(err, domain.ErrInvalidTarget)
		d.log.Warn("push send failed",
			logx.String("target", out.Recipient),
			logx.Bool("invalid_target", out.InvalidTarget),
			logx.Err(err),
		)
		return out
	}
	d.pushSent.Add(1)
	out.Status = domain.StatusSent
	d.log.Debug("push sent", logx.String("target", out.Recipient), logx.String("id", id))
	return out
}

// Email sends msg to every recipient, at most cfg.EmailFanout at a time.
// A failing recipient never stops the others. Outcomes keep recipient order.
func (d *Dispatcher) Email(ctx context.Context, msg domain.Message, recipients []resolve.Recipient) []domain.DeliveryOutcome {
	out := make([]domain.DeliveryOutcome, len(recipients))
	if len(recipients) == 0 {
		return out
	}
	cfg, _, lim := d.snapshot()

	start := time.Now()
	sem := make(chan struct{}, cfg.EmailFanout)
	var wg sync.WaitGroup
	for i, r := range recipients {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, r resolve.Recipient) {
			defer func() {
				<-sem
				wg.Done()
			}()
			out[i] = d.sendEmail(ctx, cfg, lim, msg, r)
		}(i, r)
	}
	wg.Wait()

	failed := 0
	for _, o := range out {
		if o.Failed() {
			failed++
		}
	}
	fields := []logx.Field{
		logx.Int("total", len(recipients)),
		logx.Int("failed", failed),
		logx.Duration("dur", time.Since(start)),
	}
	if failed > 0 {
		d.log.Warn("email fan-out finished with failures", fields...)
	} else {
		d.log.Info("email fan-out finished", fields...)
	}
	return out
}

func (d *Dispatcher) sendEmail(ctx context.Context, cfg Config, lim *rate.Limiter, msg domain.Message, r resolve.Recipient) domain.DeliveryOutcome {
	out := domain.DeliveryOutcome{Recipient: r.Email, Channel: domain.ChannelEmail}
	e := email.Compose(cfg.From, r.Email, msg)

	var last error
	for attempt := 0; attempt <= cfg.EmailRetryMax; attempt++ {
		if attempt > 0 {
			delay := retryDelay(cfg, attempt)
			d.log.Debug("email retry scheduled", logx.String("user_id", r.UserID), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(last))
			if err := sleep(ctx, delay); err != nil {
				break
			}
		}
		if err := wait(ctx, lim); err != nil {
			last = err
			break
		}
		if last = d.email.Send(ctx, e); last == nil {
			d.emailSent.Add(1)
			out.Status = domain.StatusSent
			return out
		}
	}
	d.emailFailed.Add(1)
	d.log.Warn("email send failed", logx.String("user_id", r.UserID), logx.Err(last))
	out.Status = domain.StatusTransientFailure
	if last != nil {
		out.ErrorDetail = last.Error()
	}
	return out
}

func wait(ctx context.Context, lim *rate.Limiter) error {
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retryDelay is exponential from RetryBase, capped at RetryMaxDelay, with 0.7..1.3 jitter.
// attempt counts retries starting at 1.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.RetryMaxDelay)
	j := 0.7 + rand.Float64()*0.6
	return time.Duration(float64(d) * j)
}
