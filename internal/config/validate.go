package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

// Defaults applied by the components when fields are left empty.
const (
	DefaultEmailFanout    = 16
	DefaultBroadcastTopic = "all_users"
	DefaultChannelID      = "unifyu_notifications"
	DefaultClickAction    = "FLUTTER_NOTIFICATION_CLICK"
	DefaultOpsAddr        = "127.0.0.1:8081"
	DefaultSweepSchedule  = "@every 1m"
	DefaultPruneSchedule  = "@daily"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a cron spec (5-field or @descriptor).
func ParseSchedule(path, raw string) (cron.Schedule, error) {
	s, err := cronParser.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: invalid schedule %q: %w", path, raw, err)
	}
	return s, nil
}

// Validate reports every problem in cfg joined into one error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory":
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path: required for sqlite"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Feed.Source)) {
	case "", "store":
	case "kafka":
		if len(cfg.Feed.Kafka.Brokers) == 0 {
			add(errors.New("feed.kafka.brokers: required"))
		}
		if strings.TrimSpace(cfg.Feed.Kafka.Topic) == "" {
			add(errors.New("feed.kafka.topic: required"))
		}
	default:
		add(fmt.Errorf("feed.source: unknown source %q", cfg.Feed.Source))
	}
	dur("feed.poll_interval", cfg.Feed.PollInterval)
	if cfg.Feed.BatchSize < 0 {
		add(errors.New("feed.batch_size: must be >= 0"))
	}

	if cfg.Dispatch.EmailFanout < 0 {
		add(errors.New("dispatch.email_fanout: must be >= 0"))
	}
	if cfg.Dispatch.MaxInFlight < 0 {
		add(errors.New("dispatch.max_in_flight: must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Push.Driver)) {
	case "", "log":
	case "fcm":
		if strings.TrimSpace(cfg.Push.Credentials) == "" && strings.TrimSpace(cfg.Push.ProjectID) == "" {
			add(errors.New("push: fcm needs credentials (NOTIFYD_FCM_CREDENTIALS) or project_id"))
		}
	default:
		add(fmt.Errorf("push.driver: unknown driver %q", cfg.Push.Driver))
	}
	dur("push.timeout", cfg.Push.Timeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Email.Driver)) {
	case "", "log":
	case "smtp":
		if strings.TrimSpace(cfg.Email.Host) == "" {
			add(errors.New("email.host: required for smtp"))
		}
		if strings.TrimSpace(cfg.Email.From) == "" {
			add(errors.New("email.from: required for smtp"))
		}
	default:
		add(fmt.Errorf("email.driver: unknown driver %q", cfg.Email.Driver))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Email.TLS)) {
	case "", "mandatory", "opportunistic", "none":
	default:
		add(fmt.Errorf("email.tls: unknown policy %q", cfg.Email.TLS))
	}
	dur("email.timeout", cfg.Email.Timeout)
	if cfg.Email.RetryMax < 0 {
		add(errors.New("email.retry_max: must be >= 0"))
	}

	if cfg.Sweeper.Enabled {
		if s := strings.TrimSpace(cfg.Sweeper.Schedule); s != "" {
			_, err := ParseSchedule("sweeper.schedule", s)
			add(err)
		}
		dur("sweeper.grace", cfg.Sweeper.Grace)
	}

	dur("history.retention", cfg.History.Retention)
	if s := strings.TrimSpace(cfg.History.PruneSchedule); s != "" {
		_, err := ParseSchedule("history.prune_schedule", s)
		add(err)
	}

	if cfg.Ops.Enabled {
		addr := strings.TrimSpace(cfg.Ops.Addr)
		if addr == "" {
			addr = DefaultOpsAddr
		}
		if !IsLoopbackAddr(addr) && strings.TrimSpace(cfg.Ops.Token) == "" {
			add(fmt.Errorf("ops.addr: %q is not loopback; set NOTIFYD_OPS_TOKEN", addr))
		}
	}

	return errors.Join(errs...)
}

// IsLoopbackAddr reports whether a host:port listen address only accepts local connections.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
