// Package email delivers notifications by mail.
package email

import (
	"context"
	"html"
	"strings"

	"notifyd/internal/domain"
)

// Email is one outbound message to a single recipient.
type Email struct {
	From    string
	To      string
	Subject string
	Text    string
	HTML    string
}

type Sender interface {
	Send(ctx context.Context, e Email) error
}

// Compose renders msg for one recipient with a plain-text and an HTML part.
func Compose(from, to string, msg domain.Message) Email {
	var b strings.Builder
	b.WriteString("<h2>")
	b.WriteString(html.EscapeString(msg.Title))
	b.WriteString("</h2>\n<p>")
	b.WriteString(strings.ReplaceAll(html.EscapeString(msg.Body), "\n", "<br>"))
	b.WriteString("</p>\n")

	return Email{
		From:    from,
		To:      to,
		Subject: msg.Title,
		Text:    msg.Body,
		HTML:    b.String(),
	}
}
