package config

import (
	"fmt"
	"hash/fnv"
	"reflect"
	"strings"

	logx "notifyd/pkg/logx"
)

// SummarizeChange lists the config sections that differ between two
// revisions plus log fields describing the new values. Secrets are only
// reported as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	o, n := redacted(*oldCfg), redacted(*newCfg)

	changed := make([]string, 0, 9)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(o.Logging, n.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", n.Logging.Level),
			logx.Bool("logging.telegram", n.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(o.Storage, n.Storage) {
		// storage/feed changes need a restart; report them anyway.
		changed = append(changed, "storage")
	}
	if !reflect.DeepEqual(o.Feed, n.Feed) {
		changed = append(changed, "feed")
	}
	if o.Dispatch != n.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.email_fanout", n.Dispatch.EmailFanout),
			logx.Int("dispatch.max_in_flight", n.Dispatch.MaxInFlight),
			logx.Bool("dispatch.dead_letter", n.Dispatch.DeadLetter),
		)
	}
	if o.Push != n.Push {
		changed = append(changed, "push")
		attrs = append(attrs, logx.String("push.driver", n.Push.Driver), logx.Bool("push.credentials_set", n.Push.Credentials != ""))
	}
	if o.Email != n.Email {
		changed = append(changed, "email")
		attrs = append(attrs, logx.String("email.driver", n.Email.Driver), logx.String("email.host", n.Email.Host))
	}
	if o.Sweeper != n.Sweeper {
		changed = append(changed, "sweeper")
	}
	if o.History != n.History {
		changed = append(changed, "history")
		attrs = append(attrs, logx.String("history.retention", n.History.Retention))
	}
	if o.Ops != n.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs, logx.Bool("ops.enabled", n.Ops.Enabled), logx.Bool("ops.token_set", n.Ops.Token != ""))
	}
	return changed, attrs
}

// redacted replaces secret values with a marker so they never reach logs
// while still letting a rotation count as a change.
func redacted(c Config) Config {
	mask := func(s string) string {
		if strings.TrimSpace(s) == "" {
			return ""
		}
		return "set:" + shortHash(s)
	}
	c.Email.Password = mask(c.Email.Password)
	c.Push.Credentials = mask(c.Push.Credentials)
	c.Logging.Telegram.Token = mask(c.Logging.Telegram.Token)
	c.Ops.Token = mask(c.Ops.Token)
	return c
}

func shortHash(s string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("%08x", h.Sum32())
}
