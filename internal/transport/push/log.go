package push

import (
	"context"

	"github.com/google/uuid"

	"notifyd/internal/domain"
	logx "notifyd/pkg/logx"
)

// LogSender logs messages instead of sending them. Development only.
type LogSender struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *LogSender {
	return &LogSender{log: log.With(logx.String("comp", "push.log"))}
}

func (s *LogSender) Send(_ context.Context, msg domain.Message) (string, error) {
	id := "log/" + uuid.NewString()
	s.log.Info("push message",
		logx.String("id", id),
		logx.String("target", msg.Target.Describe()),
		logx.String("title", msg.Title),
		logx.String("body", msg.Body),
		logx.Any("data", msg.Data),
	)
	return id, nil
}
