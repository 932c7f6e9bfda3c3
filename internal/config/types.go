package config

// Config is the root of notifyd's configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Secrets are normally left empty here and supplied through the
// environment (see Secrets).
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Feed     FeedConfig     `json:"feed"`
	Dispatch DispatchConfig `json:"dispatch"`
	Push     PushConfig     `json:"push"`
	Email    EmailConfig    `json:"email"`
	Sweeper  SweeperConfig  `json:"sweeper"`
	History  HistoryConfig  `json:"history"`
	Ops      OpsConfig      `json:"ops,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards warnings/errors to an operator chat.
// The bot token comes from NOTIFYD_TELEGRAM_TOKEN.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
	Token      string `json:"token,omitempty"`
}

// StorageConfig selects the record store.
//
// Driver values:
//   - "memory": in-process maps (development, tests)
//   - "sqlite": SQLite database file with change-capture triggers
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// FeedConfig selects the change-feed source.
//
// Source values:
//   - "store": poll the store's change log (default)
//   - "kafka": consume CDC messages from Kafka
type FeedConfig struct {
	Source       string      `json:"source"`
	PollInterval string      `json:"poll_interval,omitempty"`
	BatchSize    int         `json:"batch_size,omitempty"`
	Kafka        KafkaConfig `json:"kafka,omitempty"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
	GroupID string   `json:"group_id"`
}

// DispatchConfig controls fan-out and bookkeeping.
//
// Defaults (when fields are omitted/zero):
//   - email_fanout: 16
//   - max_in_flight: 0 (unbounded)
//   - dead_letter: false
type DispatchConfig struct {
	EmailFanout int  `json:"email_fanout,omitempty"`
	MaxInFlight int  `json:"max_in_flight,omitempty"`
	DeadLetter  bool `json:"dead_letter,omitempty"`
	// BroadcastTopic is the push topic used for new-event broadcasts.
	BroadcastTopic string `json:"broadcast_topic,omitempty"`
}

// PushConfig selects the push transport.
//
// Driver values:
//   - "fcm": Firebase Cloud Messaging (credentials from NOTIFYD_FCM_CREDENTIALS)
//   - "log": log the message instead of sending (development)
type PushConfig struct {
	Driver     string `json:"driver"`
	ProjectID  string `json:"project_id,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`

	ChannelID   string `json:"channel_id,omitempty"`
	ClickAction string `json:"click_action,omitempty"`

	Credentials string `json:"credentials,omitempty"`
}

// EmailConfig selects the email transport.
//
// Driver values:
//   - "smtp": SMTP submission (password from NOTIFYD_SMTP_PASSWORD)
//   - "log": log the message instead of sending (development)
type EmailConfig struct {
	Driver     string `json:"driver"`
	Host       string `json:"host,omitempty"`
	Port       int    `json:"port,omitempty"`
	Username   string `json:"username,omitempty"`
	From       string `json:"from"`
	TLS        string `json:"tls,omitempty"` // "mandatory" | "opportunistic" | "none"
	Timeout    string `json:"timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	RetryMax   int    `json:"retry_max,omitempty"`

	Password string `json:"password,omitempty"`
}

// SweeperConfig re-emits records still present after Grace (crash redelivery).
type SweeperConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron spec, default "@every 1m"
	Grace    string `json:"grace,omitempty"`    // default "5m"
}

// HistoryConfig controls retention of the append-only history log.
// Retention "0s" keeps everything.
type HistoryConfig struct {
	Retention     string `json:"retention,omitempty"`
	PruneSchedule string `json:"prune_schedule,omitempty"` // cron spec, default "@daily"
}

// OpsConfig controls the optional read-only ops HTTP server.
//
// Prefer binding to localhost. A non-loopback address requires a token.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8081"
	Token   string `json:"token,omitempty"`
}
