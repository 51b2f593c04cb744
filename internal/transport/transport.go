// Package transport is the narrow view of the WebRTC engine that the
// orchestrators drive: connections, data channels, descriptions and
// candidates. The pion-backed implementation lives in peer.go; tests
// substitute in-memory fakes.
package transport

import (
	"github.com/pion/webrtc/v4"
)

// Engine creates peer connections.
type Engine interface {
	NewConnection() (Conn, error)
}

// Conn is a single peer connection.
//
// Callbacks may fire on engine goroutines; callers must not assume they run
// on any particular goroutine.
type Conn interface {
	// CreateDataChannel creates a channel on the offering side.
	CreateDataChannel(label string) (Channel, error)
	// OnDataChannel registers the callback for channels created by the remote.
	OnDataChannel(fn func(Channel))

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error

	// AddICECandidate adds a remote candidate received through signaling.
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	// OnICECandidate registers a callback invoked whenever a new local
	// candidate is gathered. A nil candidate signals the end of gathering.
	OnICECandidate(fn func(*webrtc.ICECandidateInit))

	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))

	Close() error
}

// Channel is a data channel carrying text payloads.
type Channel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	SendText(text string) error

	OnOpen(fn func())
	OnClose(fn func())
	OnMessage(fn func(data []byte))

	Close() error
}

// IsTerminal reports whether a connection state ends the session.
func IsTerminal(state webrtc.PeerConnectionState) bool {
	switch state {
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		return true
	}
	return false
}
