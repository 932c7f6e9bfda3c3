package email

import (
	"context"

	logx "notifyd/pkg/logx"
)

// LogSender logs emails instead of sending them. Development only.
type LogSender struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *LogSender {
	return &LogSender{log: log.With(logx.String("comp", "email.log"))}
}

func (s *LogSender) Send(_ context.Context, e Email) error {
	s.log.Info("email message",
		logx.String("to", e.To),
		logx.String("subject", e.Subject),
		logx.Int("text_len", len(e.Text)),
	)
	return nil
}
