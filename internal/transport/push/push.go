// Package push delivers messages to devices and topics.
package push

import (
	"context"

	"notifyd/internal/domain"
)

// Sender makes exactly one provider call per Send, addressed to the
// message's token or topic. An unregistered token is reported as an error
// wrapping domain.ErrInvalidTarget.
type Sender interface {
	Send(ctx context.Context, msg domain.Message) (id string, err error)
}

// Android holds the fixed per-platform presentation settings.
type Android struct {
	ChannelID   string
	ClickAction string
}
