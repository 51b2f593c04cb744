// Package session tracks one negotiation/transport lifecycle per remote peer.
//
// A Session and its Registry are owned by a single orchestrator event loop
// and are not safe for concurrent use. Only Context may be read from other
// goroutines.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peek/internal/transport"
)

// State is the lifecycle stage of a Session.
type State int

const (
	Negotiating State = iota
	Connecting
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Negotiating:
		return "negotiating"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	// ErrInvalidTransition is returned by Transition for a move the
	// lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid session state transition")
	// ErrNotOpen is returned by Send on a session without an open channel.
	ErrNotOpen = errors.New("session not open")
)

// transitions lists the allowed next states. Closed is terminal.
var transitions = map[State][]State{
	Negotiating: {Connecting, Closed},
	Connecting:  {Open, Closed},
	Open:        {Closed},
}

// Session is the connection record for one remote peer id.
type Session struct {
	ID      string
	Service string // remote service; empty on the producer side
	Conn    transport.Conn

	channel transport.Channel
	state   State

	remoteApplied bool
	localSent     bool
	connected     bool
	channelOpen   bool
	pending       []webrtc.ICECandidateInit // remote, awaiting the remote description
	localQueue    []webrtc.ICECandidateInit // local, awaiting our description's send

	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a Session in Negotiating. Its context is cancelled when the
// session is closed.
func New(parent context.Context, id, service string, conn transport.Conn) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:      id,
		Service: service,
		Conn:    conn,
		state:   Negotiating,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Context is cancelled once the session is closed or superseded.
func (s *Session) Context() context.Context { return s.ctx }

// Channel returns the data channel, or nil if none was created or received yet.
func (s *Session) Channel() transport.Channel { return s.channel }

// SetChannel attaches the session's data channel.
func (s *Session) SetChannel(ch transport.Channel) { s.channel = ch }

// Transition moves the session to next, rejecting moves the lifecycle
// does not allow.
func (s *Session) Transition(next State) error {
	for _, allowed := range transitions[s.state] {
		if allowed == next {
			s.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, next)
}

// ---------------------------------------------------------------------------
// Remote candidates
// ---------------------------------------------------------------------------

// RemoteApplied reports whether the remote description has been set.
func (s *Session) RemoteApplied() bool { return s.remoteApplied }

// QueueCandidate buffers a remote candidate that arrived before the remote
// description.
func (s *Session) QueueCandidate(candidate webrtc.ICECandidateInit) {
	s.pending = append(s.pending, candidate)
}

// ApplyRemote records that the remote description is set, moves the session
// to Connecting and returns the buffered candidates for the caller to flush.
func (s *Session) ApplyRemote() ([]webrtc.ICECandidateInit, error) {
	if err := s.Transition(Connecting); err != nil {
		return nil, err
	}
	s.remoteApplied = true
	pending := s.pending
	s.pending = nil
	return pending, nil
}

// ---------------------------------------------------------------------------
// Local candidates
// ---------------------------------------------------------------------------

// LocalSent reports whether our description has been sent to the peer.
func (s *Session) LocalSent() bool { return s.localSent }

// QueueLocalCandidate holds a gathered candidate until our description has
// been sent, so the peer never sees a candidate for a session it does not
// know yet.
func (s *Session) QueueLocalCandidate(candidate webrtc.ICECandidateInit) {
	s.localQueue = append(s.localQueue, candidate)
}

// MarkLocalSent records that our description was sent and returns the held
// local candidates for the caller to relay.
func (s *Session) MarkLocalSent() []webrtc.ICECandidateInit {
	s.localSent = true
	queued := s.localQueue
	s.localQueue = nil
	return queued
}

// ---------------------------------------------------------------------------
// Open detection
// ---------------------------------------------------------------------------

// MarkConnected records that the connection reported connected. It returns
// true if this made the session Open.
func (s *Session) MarkConnected() bool {
	s.connected = true
	return s.TryOpen()
}

// MarkChannelOpen records the channel's open notification. It returns true
// if this made the session Open.
func (s *Session) MarkChannelOpen() bool {
	s.channelOpen = true
	return s.TryOpen()
}

// TryOpen makes the session Open if it is Connecting and both notifications
// have arrived. Callers use it after ApplyRemote, since either notification
// may land before the remote description is recorded.
func (s *Session) TryOpen() bool {
	if s.state != Connecting || !s.connected || !s.channelOpen {
		return false
	}
	return s.Transition(Open) == nil
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send writes text on the session's channel. It fails with ErrNotOpen
// unless the session is Open and the channel reports open.
func (s *Session) Send(text string) error {
	if s.state != Open || s.channel == nil || s.channel.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("%w: peer %s is %s", ErrNotOpen, s.ID, s.state)
	}
	return s.channel.SendText(text)
}

// Close moves the session to Closed, cancels its negotiation task and
// releases the channel and connection. Closing twice is a no-op.
func (s *Session) Close() error {
	if s.state == Closed {
		return nil
	}
	s.state = Closed
	s.cancel()

	var errs []error
	if s.channel != nil {
		errs = append(errs, s.channel.Close())
	}
	if s.Conn != nil {
		errs = append(errs, s.Conn.Close())
	}
	return errors.Join(errs...)
}
