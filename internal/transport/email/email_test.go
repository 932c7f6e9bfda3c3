package email

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"

	"notifyd/internal/domain"
)

func TestComposeEscapesHTML(t *testing.T) {
	e := Compose("noreply@example.com", "a@example.com", domain.Message{
		Title: "New Event: <Hack> Night",
		Body:  "New event in Club: bring\nlaptops & snacks",
	})

	assert.Equal(t, "noreply@example.com", e.From)
	assert.Equal(t, "a@example.com", e.To)
	assert.Equal(t, "New Event: <Hack> Night", e.Subject)
	assert.Equal(t, "New event in Club: bring\nlaptops & snacks", e.Text)
	assert.Contains(t, e.HTML, "<h2>New Event: &lt;Hack&gt; Night</h2>")
	assert.Contains(t, e.HTML, "bring<br>laptops &amp; snacks")
}

func TestNewSMTPRequiresHost(t *testing.T) {
	_, err := NewSMTP(SMTPConfig{})
	assert.Error(t, err)

	s, err := NewSMTP(SMTPConfig{Host: "smtp.example.com", Username: "u", Password: "p"})
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com", s.host)
}

func TestTLSPolicy(t *testing.T) {
	assert.Equal(t, mail.TLSMandatory, tlsPolicy(""))
	assert.Equal(t, mail.TLSOpportunistic, tlsPolicy("Opportunistic"))
	assert.Equal(t, mail.NoTLS, tlsPolicy("none"))
}
