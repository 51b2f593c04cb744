// Package peek broadcasts structured log envelopes from producers to
// subscribed consumers over WebRTC data channels.
//
// A Producer answers offers from consumers and writes every Log call to
// each open channel. A Consumer offers to every announced producer whose
// service it subscribes to and delivers the envelopes that pass its topic
// filter. Both keep one session per remote peer id; a renegotiation from
// the same id replaces the old session.
package peek

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peek/internal/session"
	"github.com/1ureka/peek/internal/signaling"
	"github.com/1ureka/peek/internal/transport"
	"github.com/1ureka/peek/internal/util"
)

// ChannelLabel names the data channel a consumer opens to each producer.
const ChannelLabel = "peek"

// orchestrator is the machinery shared by Producer and Consumer: the event
// loop, the session registry and the candidate plumbing. Everything except
// start, stop and the loop itself runs on the loop goroutine.
type orchestrator struct {
	role      string
	signaling signaling.Client
	engine    transport.Engine
	registry  *session.Registry
	loop      *loop
	timeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	closed  bool
	stopped chan struct{}
}

func newOrchestrator(role string, sig signaling.Client, engine transport.Engine, timeout time.Duration) *orchestrator {
	return &orchestrator{
		role:      role,
		signaling: sig,
		engine:    engine,
		registry:  session.NewRegistry(),
		loop:      newLoop(),
		timeout:   timeout,
		stopped:   make(chan struct{}),
	}
}

// start runs the loop and subscribes h to signaling.
func (o *orchestrator) start(ctx context.Context, h signaling.Handler) error {
	o.mu.Lock()
	if o.started || o.closed {
		o.mu.Unlock()
		return fmt.Errorf("%s: already started", o.role)
	}
	o.started = true
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	go o.loop.run(o.ctx)

	if err := o.signaling.Listen(o.ctx, h); err != nil {
		o.cancel()
		return fmt.Errorf("%s: listen: %w", o.role, err)
	}
	util.LogInfo("listening for signaling", "role", o.role)
	return nil
}

// stop closes signaling, closes every session and stops the loop. The
// first call does the work; later calls wait for it and return nil.
func (o *orchestrator) stop() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		<-o.stopped
		return nil
	}
	o.closed = true
	started := o.started
	o.mu.Unlock()
	defer close(o.stopped)

	err := o.signaling.Close()
	if !started {
		return err
	}

	closeAll := func() {
		if closeErr := o.registry.CloseAll(); closeErr != nil {
			util.LogDebug("closing sessions", "role", o.role, "error", closeErr)
		}
	}
	ran := o.loop.call(closeAll)
	o.cancel()
	<-o.loop.done
	if !ran {
		// The loop already exited with the parent context.
		closeAll()
	}
	util.LogInfo("stopped", "role", o.role)
	return err
}

// post schedules fn on the loop, no-op once stopped.
func (o *orchestrator) post(fn func()) { o.loop.post(fn) }

// query runs fn on the loop and waits. It reports false if the
// orchestrator is not running.
func (o *orchestrator) query(fn func()) bool {
	o.mu.Lock()
	running := o.started && !o.closed
	o.mu.Unlock()
	if !running {
		return false
	}
	return o.loop.call(fn)
}

// sessions returns the registry size.
func (o *orchestrator) sessions() int {
	n := 0
	o.query(func() { n = o.registry.Len() })
	return n
}

// sessionState returns the state of the live session for id.
func (o *orchestrator) sessionState(id string) (session.State, bool) {
	var (
		state session.State
		ok    bool
	)
	o.query(func() {
		var s *session.Session
		if s, ok = o.registry.Get(id); ok {
			state = s.State()
		}
	})
	return state, ok
}

// ---------------------------------------------------------------------------
// Session lifecycle
// ---------------------------------------------------------------------------

// newSession replaces any session for id with a fresh one and wires the
// callbacks both roles share: local candidates, connection state and the
// negotiation deadline.
func (o *orchestrator) newSession(id, service string) (*session.Session, error) {
	if o.registry.Supersede(id) {
		util.LogInfo("superseding session", "role", o.role, "peer", id)
	}

	conn, err := o.engine.NewConnection()
	if err != nil {
		return nil, fmt.Errorf("new connection: %w", err)
	}
	s := session.New(o.ctx, id, service, conn)
	o.registry.Put(s)

	conn.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c == nil {
			return
		}
		candidate := *c
		o.post(func() { o.relayLocalCandidate(s, candidate) })
	})
	conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		o.post(func() { o.handleState(s, state) })
	})

	if o.timeout > 0 {
		go o.deadline(s)
	}
	return s, nil
}

// deadline tears s down if it has not opened within the timeout.
func (o *orchestrator) deadline(s *session.Session) {
	timer := time.NewTimer(o.timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		o.post(func() {
			if o.registry.Current(s) && s.State() != session.Open {
				util.LogWarning("negotiation timed out", "role", o.role, "peer", s.ID, "state", s.State())
				o.teardown(s, "negotiation timeout")
			}
		})
	case <-s.Context().Done():
	}
}

// negotiate runs fn as s's negotiation task. A failure tears the session
// down unless it was already closed or replaced.
func (o *orchestrator) negotiate(s *session.Session, fn func() error) {
	go func() {
		err := fn()
		if err == nil || s.Context().Err() != nil {
			return
		}
		o.post(func() {
			if !o.registry.Current(s) {
				return
			}
			util.LogWarning("negotiation failed", "role", o.role, "peer", s.ID, "error", err)
			o.teardown(s, "negotiation failed")
		})
	}()
}

// handleState advances or ends s on a connection state change.
func (o *orchestrator) handleState(s *session.Session, state webrtc.PeerConnectionState) {
	if !o.registry.Current(s) {
		return
	}
	util.LogDebug("connection state", "role", o.role, "peer", s.ID, "state", state.String())

	switch {
	case state == webrtc.PeerConnectionStateConnected:
		if s.MarkConnected() {
			o.opened(s)
		}
	case transport.IsTerminal(state):
		o.teardown(s, state.String())
	}
}

// channelOpened records the open notification of s's channel ch.
func (o *orchestrator) channelOpened(s *session.Session, ch transport.Channel) {
	if !o.registry.Current(s) || s.Channel() != ch {
		return
	}
	if s.MarkChannelOpen() {
		o.opened(s)
	}
}

// channelClosed ends s when its channel ch closes underneath it.
func (o *orchestrator) channelClosed(s *session.Session, ch transport.Channel) {
	if !o.registry.Current(s) || s.Channel() != ch {
		return
	}
	o.teardown(s, "channel closed")
}

func (o *orchestrator) opened(s *session.Session) {
	util.Stats.AddOpened()
	util.LogInfo("session open", "role", o.role, "peer", s.ID, "service", s.Service)
}

// teardown removes s from the registry and closes it. Only the call that
// removes it does anything, so repeated terminal notifications are no-ops.
func (o *orchestrator) teardown(s *session.Session, reason string) {
	if !o.registry.Remove(s.ID, s) {
		return
	}
	if s.State() == session.Open {
		util.Stats.AddClosed()
	}
	if err := s.Close(); err != nil {
		util.LogDebug("closing session", "role", o.role, "peer", s.ID, "error", err)
	}
	util.LogInfo("session closed", "role", o.role, "peer", s.ID, "reason", reason)
}

// ---------------------------------------------------------------------------
// Descriptions and candidates
// ---------------------------------------------------------------------------

// sendDescription relays our description for s, then any local candidates
// gathered before it.
func (o *orchestrator) sendDescription(s *session.Session, desc webrtc.SessionDescription) {
	if !o.registry.Current(s) {
		return
	}
	if err := o.signaling.SendSessionDescription(desc, s.ID); err != nil {
		util.LogWarning("sending description", "role", o.role, "peer", s.ID, "error", err)
	}
	for _, c := range s.MarkLocalSent() {
		o.sendCandidate(s, c)
	}
}

func (o *orchestrator) relayLocalCandidate(s *session.Session, c webrtc.ICECandidateInit) {
	if !o.registry.Current(s) {
		return
	}
	if !s.LocalSent() {
		s.QueueLocalCandidate(c)
		return
	}
	o.sendCandidate(s, c)
}

func (o *orchestrator) sendCandidate(s *session.Session, c webrtc.ICECandidateInit) {
	if err := o.signaling.SendICECandidate(c, s.ID); err != nil {
		util.LogWarning("sending candidate", "role", o.role, "peer", s.ID, "error", err)
	}
}

// remoteApplied marks s's remote description as set and flushes the
// candidates that arrived before it. The connection may already report
// connected by now, so it also tries to open s.
func (o *orchestrator) remoteApplied(s *session.Session) {
	if !o.registry.Current(s) {
		return
	}
	pending, err := s.ApplyRemote()
	if err != nil {
		util.LogWarning("applying remote description", "role", o.role, "peer", s.ID, "error", err)
		return
	}
	for _, c := range pending {
		o.addCandidate(s, c)
	}
	if s.TryOpen() {
		o.opened(s)
	}
}

// handleCandidate routes a remote candidate to its session. Candidates for
// unknown ids are dropped.
func (o *orchestrator) handleCandidate(ev signaling.CandidateEvent) {
	if ev.From == "" || ev.Candidate.Candidate == "" {
		util.LogWarning("invalid candidate event", "role", o.role, "peer", ev.From)
		return
	}
	s, ok := o.registry.Get(ev.From)
	if !ok {
		util.LogDebug("candidate for unknown peer", "role", o.role, "peer", ev.From)
		return
	}
	if !s.RemoteApplied() {
		s.QueueCandidate(ev.Candidate)
		return
	}
	o.addCandidate(s, ev.Candidate)
}

func (o *orchestrator) addCandidate(s *session.Session, c webrtc.ICECandidateInit) {
	if err := s.Conn.AddICECandidate(c); err != nil {
		util.LogWarning("adding candidate", "role", o.role, "peer", s.ID, "error", err)
	}
}

// cancelled reports whether s was closed while its task was running.
func cancelled(s *session.Session) bool { return s.Context().Err() != nil }
