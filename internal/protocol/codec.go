package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidEnvelope is returned by Decode for payloads that are valid JSON
// but lack a required field.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// wireEnvelope mirrors Envelope with pointer fields so Decode can tell a
// missing field from an empty one.
type wireEnvelope struct {
	Service   *string `json:"service"`
	Topic     *string `json:"topic"`
	Message   *string `json:"message"`
	Timestamp *string `json:"timestamp"`
}

// Encode serializes an Envelope for DataChannel transmission.
func Encode(env Envelope) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	return string(data), nil
}

// Decode deserializes a DataChannel payload into an Envelope.
func Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}

	switch {
	case w.Service == nil:
		return Envelope{}, fmt.Errorf("%w: missing service", ErrInvalidEnvelope)
	case w.Message == nil:
		return Envelope{}, fmt.Errorf("%w: missing message", ErrInvalidEnvelope)
	case w.Timestamp == nil:
		return Envelope{}, fmt.Errorf("%w: missing timestamp", ErrInvalidEnvelope)
	}
	if _, err := parseTimestamp(*w.Timestamp); err != nil {
		return Envelope{}, fmt.Errorf("%w: bad timestamp %q", ErrInvalidEnvelope, *w.Timestamp)
	}

	return Envelope{
		Service:   *w.Service,
		Topic:     w.Topic,
		Message:   *w.Message,
		Timestamp: *w.Timestamp,
	}, nil
}
