package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix for secret overrides, e.g. NOTIFYD_SMTP_PASSWORD.
const EnvPrefix = "NOTIFYD"

// Secrets are credentials that should not live in the config file.
// Non-empty environment values win over the file.
type Secrets struct {
	SMTPPassword   string `envconfig:"SMTP_PASSWORD"`
	SMTPUsername   string `envconfig:"SMTP_USERNAME"`
	FCMCredentials string `envconfig:"FCM_CREDENTIALS"`
	TelegramToken  string `envconfig:"TELEGRAM_TOKEN"`
	OpsToken       string `envconfig:"OPS_TOKEN"`
}

// LoadSecrets reads Secrets from the process environment.
func LoadSecrets() (Secrets, error) {
	var s Secrets
	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return Secrets{}, fmt.Errorf("env secrets: %w", err)
	}
	return s, nil
}

// ApplySecrets overlays non-empty secrets onto cfg.
func ApplySecrets(cfg *Config, s Secrets) {
	if cfg == nil {
		return
	}
	set := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	set(&cfg.Email.Password, s.SMTPPassword)
	set(&cfg.Email.Username, s.SMTPUsername)
	set(&cfg.Push.Credentials, s.FCMCredentials)
	set(&cfg.Logging.Telegram.Token, s.TelegramToken)
	set(&cfg.Ops.Token, s.OpsToken)
}
