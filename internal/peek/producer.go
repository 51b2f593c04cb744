package peek

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peek/internal/protocol"
	"github.com/1ureka/peek/internal/session"
	"github.com/1ureka/peek/internal/signaling"
	"github.com/1ureka/peek/internal/transport"
	"github.com/1ureka/peek/internal/util"
)

// ProducerConfig configures a Producer.
type ProducerConfig struct {
	// Service is stamped on every envelope and announced to consumers
	// through the signaling client.
	Service   string
	Signaling signaling.Client
	Engine    transport.Engine

	// NegotiationTimeout tears down sessions that do not open in time.
	// Zero disables it.
	NegotiationTimeout time.Duration
}

// Producer answers consumer offers and broadcasts log envelopes to every
// open session.
type Producer struct {
	*orchestrator
	service string
	now     func() time.Time
}

// Compile-time interface check.
var _ signaling.Handler = (*Producer)(nil)

// NewProducer creates a Producer. Call Start to begin accepting consumers.
func NewProducer(cfg ProducerConfig) *Producer {
	return &Producer{
		orchestrator: newOrchestrator("producer", cfg.Signaling, cfg.Engine, cfg.NegotiationTimeout),
		service:      cfg.Service,
		now:          time.Now,
	}
}

// Start runs the event loop and connects to signaling. The Producer runs
// until ctx is cancelled or Close is called.
func (p *Producer) Start(ctx context.Context) error { return p.start(ctx, p) }

// Close disconnects from signaling and closes every session.
func (p *Producer) Close() error { return p.stop() }

// Sessions returns the number of live sessions, open or not.
func (p *Producer) Sessions() int { return p.sessions() }

// SessionState returns the state of the session for consumer id.
func (p *Producer) SessionState(id string) (session.State, bool) { return p.sessionState(id) }

// Log builds an envelope for message and writes it to every open session.
// An empty topic means no topic and is always sent as null. It returns the
// number of sessions the envelope was written to; with none open it is a
// no-op.
func (p *Producer) Log(message, topic string) int {
	env := protocol.NewEnvelope(p.service, topic, message, p.now())
	payload, err := protocol.Encode(env)
	if err != nil {
		util.LogError("encoding envelope", "error", err)
		return 0
	}

	sent := 0
	p.query(func() { sent = p.broadcast(payload) })
	return sent
}

// broadcast writes payload to every open session.
func (p *Producer) broadcast(payload string) int {
	sent := 0
	p.registry.Each(func(s *session.Session) {
		if s.State() != session.Open {
			return
		}
		if err := s.Send(payload); err != nil {
			util.LogWarning("sending envelope", "peer", s.ID, "error", err)
			return
		}
		sent++
	})
	util.Stats.AddSent(sent)
	return sent
}

// ---------------------------------------------------------------------------
// signaling.Handler
// ---------------------------------------------------------------------------

// HandleDescription accepts an offer from a consumer.
func (p *Producer) HandleDescription(ev signaling.DescriptionEvent) {
	p.post(func() { p.handleOffer(ev) })
}

// HandleICECandidate routes a consumer's candidate to its session.
func (p *Producer) HandleICECandidate(ev signaling.CandidateEvent) {
	p.post(func() { p.handleCandidate(ev) })
}

// HandleNewNode ignores announcements; producers never initiate.
func (p *Producer) HandleNewNode(signaling.NodeEvent) {}

// handleOffer replaces any session for the sender and answers the offer.
func (p *Producer) handleOffer(ev signaling.DescriptionEvent) {
	if ev.From == "" || ev.Description.SDP == "" {
		util.LogWarning("invalid description event", "role", p.role, "peer", ev.From)
		return
	}
	if ev.Description.Type != webrtc.SDPTypeOffer {
		util.LogWarning("expected offer", "role", p.role, "peer", ev.From, "type", ev.Description.Type.String())
		return
	}

	s, err := p.newSession(ev.From, "")
	if err != nil {
		util.LogError("creating session", "role", p.role, "peer", ev.From, "error", err)
		return
	}
	util.LogInfo("offer received", "role", p.role, "peer", s.ID)

	// Registered synchronously so the channel's open notification cannot
	// slip past before the handlers exist.
	s.Conn.OnDataChannel(func(ch transport.Channel) {
		ch.OnOpen(func() { p.post(func() { p.channelOpened(s, ch) }) })
		ch.OnClose(func() { p.post(func() { p.channelClosed(s, ch) }) })
		p.post(func() { p.attachChannel(s, ch) })
	})

	offer := ev.Description
	p.negotiate(s, func() error { return p.answer(s, offer) })
}

// attachChannel adopts the first channel the consumer opens on s. An open
// notification that raced ahead of this is picked up from ReadyState.
func (p *Producer) attachChannel(s *session.Session, ch transport.Channel) {
	if !p.registry.Current(s) || s.Channel() != nil {
		_ = ch.Close()
		return
	}
	s.SetChannel(ch)
	if ch.ReadyState() == webrtc.DataChannelStateOpen {
		p.channelOpened(s, ch)
	}
}

// answer is the producer's negotiation task: apply the offer, then create,
// apply and relay the answer.
func (p *Producer) answer(s *session.Session, offer webrtc.SessionDescription) error {
	if err := s.Conn.SetRemoteDescription(offer); err != nil {
		return err
	}
	p.post(func() { p.remoteApplied(s) })
	if cancelled(s) {
		return nil
	}

	answer, err := s.Conn.CreateAnswer()
	if err != nil {
		return err
	}
	if err := s.Conn.SetLocalDescription(answer); err != nil {
		return err
	}
	if cancelled(s) {
		return nil
	}
	p.post(func() { p.sendDescription(s, answer) })
	return nil
}
