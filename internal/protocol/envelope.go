// Package protocol defines the message envelope carried over the data channel.
package protocol

import (
	"strings"
	"time"
)

// TimestampLayout is the ISO-8601 layout used for Envelope.Timestamp
// (UTC, millisecond precision).
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// timestampLayouts are accepted on decode. Besides RFC 3339 they cover the
// ISO-8601 offsets written without a colon or without minutes.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999Z07",
}

func parseTimestamp(value string) (time.Time, error) {
	var err error
	for _, layout := range timestampLayouts {
		t, parseErr := time.Parse(layout, value)
		if parseErr == nil {
			return t, nil
		}
		if err == nil {
			err = parseErr
		}
	}
	return time.Time{}, err
}

// Envelope is a single log message as it travels from a producer to its
// consumers. Topic is nil when the producer logged without a topic.
type Envelope struct {
	Service   string  `json:"service"`
	Topic     *string `json:"topic"`
	Message   string  `json:"message"`
	Timestamp string  `json:"timestamp"`
}

// NewEnvelope stamps message with now. An empty topic is encoded as null,
// so an empty-string topic cannot be expressed on the wire.
func NewEnvelope(service, topic, message string, now time.Time) Envelope {
	env := Envelope{
		Service:   service,
		Message:   message,
		Timestamp: now.UTC().Format(TimestampLayout),
	}
	if topic != "" {
		env.Topic = &topic
	}
	return env
}

// TopicOrEmpty returns the topic, or "" when it is null.
func (e Envelope) TopicOrEmpty() string {
	if e.Topic == nil {
		return ""
	}
	return *e.Topic
}

// HasTopicPrefix reports whether the envelope passes a consumer's topic
// filter. An empty prefix accepts everything; a null topic never matches a
// non-empty prefix.
func (e Envelope) HasTopicPrefix(prefix string) bool {
	if prefix == "" {
		return true
	}
	if e.Topic == nil {
		return false
	}
	return strings.HasPrefix(*e.Topic, prefix)
}

// Time parses Timestamp.
func (e Envelope) Time() (time.Time, error) {
	return parseTimestamp(e.Timestamp)
}
