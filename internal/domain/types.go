package domain

import (
	"strings"
	"time"
)

// Collection is one of the source collections watched by the change feed.
type Collection int

const (
	Notification Collection = iota + 1
	TopicNotification
	EventCreated
)

var collectionNames = map[Collection]string{
	Notification:      "notifications",
	TopicNotification: "topic_notifications",
	EventCreated:      "events",
}

// Collections lists every watched collection.
func Collections() []Collection {
	return []Collection{Notification, TopicNotification, EventCreated}
}

// String returns the storage name of the collection.
func (c Collection) String() string {
	if n, ok := collectionNames[c]; ok {
		return n
	}
	return "unknown"
}

func (c Collection) Valid() bool {
	_, ok := collectionNames[c]
	return ok
}

// ParseCollection maps a storage name back to its Collection.
func ParseCollection(s string) (Collection, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, n := range collectionNames {
		if n == s {
			return c, true
		}
	}
	return 0, false
}

// ChangeEvent is one created record observed on the change feed.
// Seq is the source's position, 0 when the source has none.
type ChangeEvent struct {
	Collection Collection
	Key        string
	Payload    map[string]any
	Seq        int64
}

type TargetKind int

const (
	TargetDeviceToken TargetKind = iota + 1
	TargetTopic
	TargetBroadcast
)

// Target addresses a message. Exactly one variant is set; build it with
// DeviceToken, Topic or Broadcast.
type Target struct {
	kind  TargetKind
	value string
}

func DeviceToken(token string) Target { return Target{kind: TargetDeviceToken, value: token} }
func Topic(name string) Target        { return Target{kind: TargetTopic, value: name} }
func Broadcast() Target               { return Target{kind: TargetBroadcast} }

func (t Target) Kind() TargetKind { return t.kind }

// Value is the token or topic name; empty for Broadcast.
func (t Target) Value() string { return t.value }

func (t Target) Valid() bool {
	switch t.kind {
	case TargetDeviceToken, TargetTopic:
		return strings.TrimSpace(t.value) != ""
	case TargetBroadcast:
		return t.value == ""
	default:
		return false
	}
}

// Describe renders the target for history. Tokens are shortened.
func (t Target) Describe() string {
	switch t.kind {
	case TargetDeviceToken:
		return "token:" + ShortToken(t.value)
	case TargetTopic:
		return "topic:" + t.value
	case TargetBroadcast:
		return "broadcast"
	default:
		return "none"
	}
}

// ShortToken keeps the first 10 characters of a device token.
func ShortToken(tok string) string {
	if len(tok) > 10 {
		return tok[:10] + "..."
	}
	return tok
}

// Message is the channel-neutral content of a notification.
// It is not mutated after construction.
type Message struct {
	Title  string
	Body   string
	Data   map[string]string
	Target Target
}

type Channel int

const (
	ChannelPush Channel = iota + 1
	ChannelEmail
)

func (c Channel) String() string {
	switch c {
	case ChannelPush:
		return "push"
	case ChannelEmail:
		return "email"
	default:
		return "unknown"
	}
}

type Status int

const (
	StatusSent Status = iota + 1
	StatusTransientFailure
	StatusPermanentFailure
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusTransientFailure:
		return "transient_failure"
	case StatusPermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// DeliveryOutcome is the result for one recipient on one channel.
// InvalidTarget marks a push failure caused by an unregistered token.
type DeliveryOutcome struct {
	Recipient     string  `json:"recipient"`
	Channel       Channel `json:"channel"`
	Status        Status  `json:"status"`
	ErrorDetail   string  `json:"error,omitempty"`
	InvalidTarget bool    `json:"invalid_target,omitempty"`
}

func (o DeliveryOutcome) Failed() bool { return o.Status != StatusSent }

// HistoryEntry records an attempted notification. It is append-only.
type HistoryEntry struct {
	ID                string    `json:"id"`
	EventKey          string    `json:"event_key"`
	Title             string    `json:"title"`
	Body              string    `json:"body"`
	TargetDescription string    `json:"target"`
	SentAt            time.Time `json:"sent_at"`
	RecipientCount    *int      `json:"recipient_count,omitempty"`
	// Tag is empty for ordinary entries and "dead_letter" for permanent failures.
	Tag    string `json:"tag,omitempty"`
	Detail string `json:"detail,omitempty"`
}

const TagDeadLetter = "dead_letter"

// User is one user directory entry.
type User struct {
	ID        string
	Email     string
	PushToken string
}

type Club struct {
	ID   string
	Name string
}
