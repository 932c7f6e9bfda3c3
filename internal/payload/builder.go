// Package payload turns raw change-feed records into channel-neutral messages.
//
// Everything here is pure: no I/O, and the clock is injected.
package payload

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"notifyd/internal/domain"
)

const (
	// FallbackClubName is rendered when the club record is missing.
	FallbackClubName = "Club"
	// EventType is the data.type of new-event broadcasts.
	EventType = "new_event"
)

// Data keys carried by every message. Values are always strings.
const (
	KeyEventID   = "eventId"
	KeyClubID    = "clubId"
	KeyClubName  = "clubName"
	KeyType      = "type"
	KeyTimestamp = "timestamp"
)

var dataKeys = []string{KeyEventID, KeyClubID, KeyClubName, KeyType, KeyTimestamp}

// DirectRecord is a notifications or topic_notifications record.
// Exactly one of Token and Topic is used depending on the collection.
type DirectRecord struct {
	Token       string
	Topic       string
	UserID      string
	Title       string
	Description string
	Data        map[string]string
}

// EventRecord is an events record.
type EventRecord struct {
	Key         string
	Title       string
	ClubID      string
	Description string
}

// ParseDirect validates a notifications/topic_notifications payload.
// A missing token (or topic) yields ErrMalformedRecord.
func ParseDirect(c domain.Collection, raw map[string]any) (DirectRecord, error) {
	rec := DirectRecord{
		UserID:      ident(raw, "userId"),
		Title:       field(raw, "title"),
		Description: field(raw, "description"),
		Data:        make(map[string]string, len(dataKeys)),
	}
	for _, k := range dataKeys {
		rec.Data[k] = field(raw, k)
	}

	switch c {
	case domain.Notification:
		rec.Token = ident(raw, "token")
		if rec.Token == "" {
			return DirectRecord{}, missing(c, "token")
		}
	case domain.TopicNotification:
		rec.Topic = ident(raw, "topic")
		if rec.Topic == "" {
			return DirectRecord{}, missing(c, "topic")
		}
	default:
		return DirectRecord{}, fmt.Errorf("%w: %s is not a direct notification collection", domain.ErrMalformedRecord, c)
	}
	return rec, nil
}

// ParseEvent validates an events payload. title, clubId and description are required.
func ParseEvent(key string, raw map[string]any) (EventRecord, error) {
	rec := EventRecord{
		Key:         key,
		Title:       field(raw, "title"),
		ClubID:      ident(raw, "clubId"),
		Description: field(raw, "description"),
	}
	switch {
	case strings.TrimSpace(rec.Title) == "":
		return EventRecord{}, missing(domain.EventCreated, "title")
	case rec.ClubID == "":
		return EventRecord{}, missing(domain.EventCreated, "clubId")
	case strings.TrimSpace(rec.Description) == "":
		return EventRecord{}, missing(domain.EventCreated, "description")
	}
	return rec, nil
}

func missing(c domain.Collection, name string) error {
	return fmt.Errorf("%w: %s record has no %s", domain.ErrMalformedRecord, c, name)
}

// Builder renders messages. Now defaults to time.Now.
type Builder struct {
	Now func() time.Time
}

func (b Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Direct builds the message for a notifications/topic_notifications record.
func (b Builder) Direct(rec DirectRecord) domain.Message {
	target := domain.DeviceToken(rec.Token)
	if rec.Token == "" {
		target = domain.Topic(rec.Topic)
	}
	data := make(map[string]string, len(dataKeys))
	for _, k := range dataKeys {
		data[k] = rec.Data[k]
	}
	return domain.Message{
		Title:  rec.Title,
		Body:   rec.Description,
		Data:   data,
		Target: target,
	}
}

// Event builds the broadcast message announcing a new event.
func (b Builder) Event(rec EventRecord, clubName string) domain.Message {
	if strings.TrimSpace(clubName) == "" {
		clubName = FallbackClubName
	}
	return domain.Message{
		Title: "New Event: " + rec.Title,
		Body:  "New event in " + clubName + ": " + rec.Description,
		Data: map[string]string{
			KeyEventID:   rec.Key,
			KeyClubID:    rec.ClubID,
			KeyClubName:  clubName,
			KeyType:      EventType,
			KeyTimestamp: strconv.FormatInt(b.now().UnixMilli(), 10),
		},
		Target: domain.Broadcast(),
	}
}

// field reads raw[k] as a string, unchanged. Absent and null are "".
func field(raw map[string]any, k string) string {
	v, ok := raw[k]
	if !ok {
		return ""
	}
	return Stringify(v)
}

// ident is field for identifiers (tokens, topics, ids), which are trimmed.
func ident(raw map[string]any, k string) string {
	return strings.TrimSpace(field(raw, k))
}

// Stringify renders a decoded JSON value as a push-safe string.
// Numbers keep their integer form (1700000000000, not 1.7e+12).
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}
