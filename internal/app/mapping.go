package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"notifyd/internal/config"
	"notifyd/internal/dispatch"
	"notifyd/internal/feed"
	"notifyd/internal/opsserver"
	"notifyd/internal/pipeline"
	"notifyd/internal/storage"
	"notifyd/internal/transport/email"
	"notifyd/internal/transport/push"
	logx "notifyd/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled,
			Token:      lc.Telegram.Token,
			ChatID:     lc.Telegram.ChatID,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "memory"
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
}

func mapDispatch(cfg *config.Config) dispatch.Config {
	fanout := cfg.Dispatch.EmailFanout
	if fanout <= 0 {
		fanout = config.DefaultEmailFanout
	}
	return dispatch.Config{
		EmailFanout:     fanout,
		PushRatePerSec:  cfg.Push.RatePerSec,
		EmailRatePerSec: cfg.Email.RatePerSec,
		EmailRetryMax:   cfg.Email.RetryMax,
		From:            strings.TrimSpace(cfg.Email.From),
	}
}

func mapPipeline(cfg *config.Config) pipeline.Config {
	return pipeline.Config{MaxInFlight: cfg.Dispatch.MaxInFlight, DeadLetter: cfg.Dispatch.DeadLetter}
}

func broadcastTopic(cfg *config.Config) string {
	if t := strings.TrimSpace(cfg.Dispatch.BroadcastTopic); t != "" {
		return t
	}
	return config.DefaultBroadcastTopic
}

func mapOps(cfg *config.Config) opsserver.Config {
	addr := strings.TrimSpace(cfg.Ops.Addr)
	if addr == "" {
		addr = config.DefaultOpsAddr
	}
	return opsserver.Config{
		Enabled:      cfg.Ops.Enabled,
		Addr:         addr,
		Token:        strings.TrimSpace(cfg.Ops.Token),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second, // pprof profiles stream for up to 30s
		IdleTimeout:  60 * time.Second,
	}
}

func newPushSender(ctx context.Context, cfg *config.Config, log logx.Logger) (push.Sender, error) {
	pc := cfg.Push
	android := push.Android{ChannelID: pc.ChannelID, ClickAction: pc.ClickAction}
	if android.ChannelID == "" {
		android.ChannelID = config.DefaultChannelID
	}
	if android.ClickAction == "" {
		android.ClickAction = config.DefaultClickAction
	}
	switch strings.ToLower(strings.TrimSpace(pc.Driver)) {
	case "", "log":
		return push.NewLog(log), nil
	case "fcm":
		timeout, err := config.ParseDurationOrDefault("push.timeout", pc.Timeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		return push.NewFCM(ctx, push.FCMConfig{
			ProjectID:       pc.ProjectID,
			CredentialsFile: pc.Credentials,
			Timeout:         timeout,
			Android:         android,
		}, log)
	default:
		return nil, fmt.Errorf("push.driver: unknown driver %q", pc.Driver)
	}
}

func newEmailSender(cfg *config.Config, log logx.Logger) (email.Sender, error) {
	ec := cfg.Email
	switch strings.ToLower(strings.TrimSpace(ec.Driver)) {
	case "", "log":
		return email.NewLog(log), nil
	case "smtp":
		timeout, err := config.ParseDurationOrDefault("email.timeout", ec.Timeout, 15*time.Second)
		if err != nil {
			return nil, err
		}
		return email.NewSMTP(email.SMTPConfig{
			Host:     ec.Host,
			Port:     ec.Port,
			Username: ec.Username,
			Password: ec.Password,
			TLS:      ec.TLS,
			Timeout:  timeout,
		})
	default:
		return nil, fmt.Errorf("email.driver: unknown driver %q", ec.Driver)
	}
}

func newSource(cfg *config.Config, st storage.Store, log logx.Logger) (feed.Source, error) {
	fc := cfg.Feed
	switch strings.ToLower(strings.TrimSpace(fc.Source)) {
	case "", "store":
		poll, err := config.ParseDurationOrDefault("feed.poll_interval", fc.PollInterval, time.Second)
		if err != nil {
			return nil, err
		}
		return feed.NewStoreSource(st, feed.StoreSourceConfig{PollInterval: poll, BatchSize: fc.BatchSize}, log), nil
	case "kafka":
		return feed.NewKafkaSource(feed.KafkaSourceConfig{
			Brokers: fc.Kafka.Brokers,
			Topic:   fc.Kafka.Topic,
			GroupID: fc.Kafka.GroupID,
		}, log)
	default:
		return nil, fmt.Errorf("feed.source: unknown source %q", fc.Source)
	}
}

// mapJobs builds the maintenance schedule. Disabled jobs are omitted.
func mapJobs(cfg *config.Config, sweeper *feed.Sweeper, st storage.Store, log logx.Logger) ([]feed.Job, error) {
	var jobs []feed.Job

	if cfg.Sweeper.Enabled {
		spec := strings.TrimSpace(cfg.Sweeper.Schedule)
		if spec == "" {
			spec = config.DefaultSweepSchedule
		}
		sched, err := config.ParseSchedule("sweeper.schedule", spec)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, feed.Job{
			Name:     "sweep",
			Schedule: sched,
			Timeout:  time.Minute,
			Run: func(ctx context.Context) error {
				_, err := sweeper.Sweep(ctx)
				return err
			},
		})
	}

	retention, err := config.ParseDurationField("history.retention", cfg.History.Retention)
	if err != nil {
		return nil, err
	}
	if retention > 0 {
		spec := strings.TrimSpace(cfg.History.PruneSchedule)
		if spec == "" {
			spec = config.DefaultPruneSchedule
		}
		var sched cron.Schedule
		if sched, err = config.ParseSchedule("history.prune_schedule", spec); err != nil {
			return nil, err
		}
		jobs = append(jobs, feed.Job{
			Name:     "prune",
			Schedule: sched,
			Timeout:  5 * time.Minute,
			Run: func(ctx context.Context) error {
				return feed.Prune(ctx, st, retention, log)
			},
		})
	}
	return jobs, nil
}

func sweepGrace(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("sweeper.grace", cfg.Sweeper.Grace, 5*time.Minute)
}
