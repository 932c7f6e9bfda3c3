package email

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"notifyd/internal/domain"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// TLS is "mandatory" (default), "opportunistic" or "none".
	TLS     string
	Timeout time.Duration
}

// SMTPSender submits each email over its own connection so concurrent
// sends never share client state.
type SMTPSender struct {
	opts []mail.Option
	host string
}

func NewSMTP(cfg SMTPConfig) (*SMTPSender, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, fmt.Errorf("smtp: host is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(cfg.Timeout),
		mail.WithTLSPolicy(tlsPolicy(cfg.TLS)),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	// Fail fast on bad options instead of on the first send.
	if _, err := mail.NewClient(host, opts...); err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return &SMTPSender{opts: opts, host: host}, nil
}

func tlsPolicy(s string) mail.TLSPolicy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "opportunistic":
		return mail.TLSOpportunistic
	case "none":
		return mail.NoTLS
	default:
		return mail.TLSMandatory
	}
}

// Send returns errors wrapping domain.ErrTransientDelivery.
func (s *SMTPSender) Send(ctx context.Context, e Email) error {
	m := mail.NewMsg()
	if err := m.From(e.From); err != nil {
		return fmt.Errorf("%w: from %q: %v", domain.ErrTransientDelivery, e.From, err)
	}
	if err := m.To(e.To); err != nil {
		return fmt.Errorf("%w: to: %v", domain.ErrTransientDelivery, err)
	}
	m.Subject(e.Subject)
	m.SetBodyString(mail.TypeTextPlain, e.Text)
	if e.HTML != "" {
		m.AddAlternativeString(mail.TypeTextHTML, e.HTML)
	}

	c, err := mail.NewClient(s.host, s.opts...)
	if err != nil {
		return fmt.Errorf("%w: smtp client: %v", domain.ErrTransientDelivery, err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransientDelivery, err)
	}
	return nil
}
