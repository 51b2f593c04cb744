package peek

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peek/internal/protocol"
	"github.com/1ureka/peek/internal/session"
	"github.com/1ureka/peek/internal/signaling"
	"github.com/1ureka/peek/internal/transport"
	"github.com/1ureka/peek/internal/util"
)

// DefaultBufferSize is the Messages capacity when none is configured.
const DefaultBufferSize = 256

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Signaling signaling.Client
	Engine    transport.Engine

	// Subscriptions, when set, restricts which announced services are
	// dialed. The relay already filters; this is a second check.
	Subscriptions []string

	// TopicPrefix drops envelopes whose topic does not start with it.
	// Empty accepts everything.
	TopicPrefix string

	// BufferSize is the Messages capacity. Envelopes arriving while it is
	// full are dropped.
	BufferSize int

	// NegotiationTimeout tears down sessions that do not open in time.
	// Zero disables it.
	NegotiationTimeout time.Duration
}

// Consumer offers a connection to every announced producer it subscribes
// to and delivers the envelopes they broadcast.
type Consumer struct {
	*orchestrator
	subscriptions map[string]struct{}
	topicPrefix   string
	messages      chan protocol.Envelope
	closeMessages sync.Once
}

// Compile-time interface check.
var _ signaling.Handler = (*Consumer)(nil)

// NewConsumer creates a Consumer. Call Start to begin dialing producers.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	size := cfg.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	var subs map[string]struct{}
	if len(cfg.Subscriptions) > 0 {
		subs = make(map[string]struct{}, len(cfg.Subscriptions))
		for _, service := range cfg.Subscriptions {
			subs[service] = struct{}{}
		}
	}
	return &Consumer{
		orchestrator:  newOrchestrator("consumer", cfg.Signaling, cfg.Engine, cfg.NegotiationTimeout),
		subscriptions: subs,
		topicPrefix:   cfg.TopicPrefix,
		messages:      make(chan protocol.Envelope, size),
	}
}

// Start runs the event loop and connects to signaling. The Consumer runs
// until ctx is cancelled or Close is called.
func (c *Consumer) Start(ctx context.Context) error { return c.start(ctx, c) }

// Close disconnects from signaling and closes every session. Messages is
// closed once no more envelopes can arrive.
func (c *Consumer) Close() error {
	err := c.stop()
	c.closeMessages.Do(func() { close(c.messages) })
	return err
}

// Messages delivers accepted envelopes in arrival order per producer.
func (c *Consumer) Messages() <-chan protocol.Envelope { return c.messages }

// Sessions returns the number of live sessions, open or not.
func (c *Consumer) Sessions() int { return c.sessions() }

// SessionState returns the state of the session for producer id.
func (c *Consumer) SessionState(id string) (session.State, bool) { return c.sessionState(id) }

// ---------------------------------------------------------------------------
// signaling.Handler
// ---------------------------------------------------------------------------

// HandleDescription accepts a producer's answer.
func (c *Consumer) HandleDescription(ev signaling.DescriptionEvent) {
	c.post(func() { c.handleAnswer(ev) })
}

// HandleICECandidate routes a producer's candidate to its session.
func (c *Consumer) HandleICECandidate(ev signaling.CandidateEvent) {
	c.post(func() { c.handleCandidate(ev) })
}

// HandleNewNode dials the announced producer.
func (c *Consumer) HandleNewNode(ev signaling.NodeEvent) {
	c.post(func() { c.handleNode(ev) })
}

func (c *Consumer) subscribed(service string) bool {
	if c.subscriptions == nil {
		return true
	}
	_, ok := c.subscriptions[service]
	return ok
}

// handleNode replaces any session for the producer and starts an offer.
func (c *Consumer) handleNode(ev signaling.NodeEvent) {
	if ev.ID == "" || ev.Service == "" {
		util.LogWarning("invalid node event", "role", c.role, "peer", ev.ID)
		return
	}
	if !c.subscribed(ev.Service) {
		util.LogDebug("ignoring unsubscribed service", "role", c.role, "peer", ev.ID, "service", ev.Service)
		return
	}

	s, err := c.newSession(ev.ID, ev.Service)
	if err != nil {
		util.LogError("creating session", "role", c.role, "peer", ev.ID, "error", err)
		return
	}
	util.LogInfo("producer announced", "role", c.role, "peer", s.ID, "service", s.Service)

	ch, err := s.Conn.CreateDataChannel(ChannelLabel)
	if err != nil {
		util.LogError("creating data channel", "role", c.role, "peer", s.ID, "error", err)
		c.teardown(s, "data channel")
		return
	}
	s.SetChannel(ch)
	ch.OnOpen(func() { c.post(func() { c.channelOpened(s, ch) }) })
	ch.OnClose(func() { c.post(func() { c.channelClosed(s, ch) }) })
	ch.OnMessage(func(data []byte) { c.post(func() { c.deliver(s, data) }) })

	c.negotiate(s, func() error { return c.offer(s) })
}

// offer is the consumer's negotiation task: create and apply an offer,
// then relay it.
func (c *Consumer) offer(s *session.Session) error {
	offer, err := s.Conn.CreateOffer()
	if err != nil {
		return err
	}
	if err := s.Conn.SetLocalDescription(offer); err != nil {
		return err
	}
	if cancelled(s) {
		return nil
	}
	c.post(func() { c.sendDescription(s, offer) })
	return nil
}

// handleAnswer applies a producer's answer to the session that offered.
func (c *Consumer) handleAnswer(ev signaling.DescriptionEvent) {
	if ev.From == "" || ev.Description.SDP == "" {
		util.LogWarning("invalid description event", "role", c.role, "peer", ev.From)
		return
	}
	s, ok := c.registry.Get(ev.From)
	if !ok {
		util.LogDebug("answer from unknown peer", "role", c.role, "peer", ev.From)
		return
	}
	if ev.Description.Type != webrtc.SDPTypeAnswer {
		util.LogWarning("expected answer", "role", c.role, "peer", s.ID, "type", ev.Description.Type.String())
		return
	}
	if s.State() != session.Negotiating || !s.LocalSent() {
		util.LogWarning("unexpected answer", "role", c.role, "peer", s.ID, "state", s.State().String())
		return
	}

	answer := ev.Description
	c.negotiate(s, func() error {
		if err := s.Conn.SetRemoteDescription(answer); err != nil {
			return err
		}
		c.post(func() { c.remoteApplied(s) })
		return nil
	})
}

// deliver decodes one payload from s and hands it to Messages if it passes
// the topic filter.
func (c *Consumer) deliver(s *session.Session, data []byte) {
	if !c.registry.Current(s) {
		return
	}
	env, err := protocol.Decode(data)
	if err != nil {
		util.LogWarning("dropping payload", "role", c.role, "peer", s.ID, "error", err)
		return
	}
	if !env.HasTopicPrefix(c.topicPrefix) {
		util.Stats.AddFiltered()
		return
	}

	select {
	case c.messages <- env:
		util.Stats.AddReceived()
	default:
		util.LogWarning("inbox full, dropping envelope", "role", c.role, "peer", s.ID)
	}
}
