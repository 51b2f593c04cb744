// Package signaling carries session descriptions and candidates between
// peek nodes before they have a direct connection. It provides the client
// adapter used by the orchestrators and the relay server they connect to.
package signaling

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// MessageType identifies the kind of signaling message.
type MessageType string

const (
	MsgTypeDescription MessageType = "description"
	MsgTypeCandidate   MessageType = "icecandidate"
	MsgTypeNewNode     MessageType = "new_node"
	MsgTypeWelcome     MessageType = "welcome"
)

// Message is the JSON structure exchanged over the WebSocket. Clients set To
// on outbound messages; the relay replaces it with From on delivery.
type Message struct {
	Type        MessageType                `json:"type"`
	To          string                     `json:"to,omitempty"`
	From        string                     `json:"from,omitempty"`
	Description *webrtc.SessionDescription `json:"description,omitempty"`
	Candidate   *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	ID          string                     `json:"id,omitempty"`      // new_node, welcome
	Service     string                     `json:"service,omitempty"` // new_node
}

// ErrMalformed wraps inbound messages that lack a required field.
var ErrMalformed = errors.New("malformed signaling message")

// validate checks the fields an inbound message of its type must carry.
func (m Message) validate() error {
	switch m.Type {
	case MsgTypeDescription:
		if m.Description == nil || m.Description.SDP == "" {
			return fmt.Errorf("%w: %s without description", ErrMalformed, m.Type)
		}
	case MsgTypeCandidate:
		if m.Candidate == nil || m.Candidate.Candidate == "" {
			return fmt.Errorf("%w: %s without candidate", ErrMalformed, m.Type)
		}
	case MsgTypeNewNode:
		if m.ID == "" || m.Service == "" {
			return fmt.Errorf("%w: %s without id or service", ErrMalformed, m.Type)
		}
		return nil
	case MsgTypeWelcome:
		if m.ID == "" {
			return fmt.Errorf("%w: %s without id", ErrMalformed, m.Type)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}
	if m.From == "" {
		return fmt.Errorf("%w: %s without from", ErrMalformed, m.Type)
	}
	return nil
}

// DescriptionEvent is an offer or answer from peer From. Which one it is
// depends on the receiving role.
type DescriptionEvent struct {
	Description webrtc.SessionDescription
	From        string
}

// CandidateEvent is a trickled connectivity candidate from peer From.
type CandidateEvent struct {
	Candidate webrtc.ICECandidateInit
	From      string
}

// NodeEvent announces a producer node offering Service.
type NodeEvent struct {
	ID      string
	Service string
}
