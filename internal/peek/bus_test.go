package peek

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peek/internal/signaling"
)

// bus is an in-process relay: it announces producers to subscribed
// consumers and routes descriptions and candidates by id, synchronously
// and in send order.
type bus struct {
	mu    sync.Mutex
	nodes map[string]*busClient
}

func newBus() *bus {
	return &bus{nodes: make(map[string]*busClient)}
}

// producer returns a client for a producer node offering service.
func (b *bus) producer(id, service string) *busClient {
	return &busClient{bus: b, id: id, service: service}
}

// consumer returns a client for a consumer node. No subscriptions means
// every service.
func (b *bus) consumer(id string, subscriptions ...string) *busClient {
	return &busClient{bus: b, id: id, subscriptions: subscriptions}
}

func (b *bus) node(id string) *busClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nodes[id]
}

type sentDescription struct {
	to   string
	desc webrtc.SessionDescription
}

type sentCandidate struct {
	to        string
	candidate webrtc.ICECandidateInit
}

type busClient struct {
	bus           *bus
	id            string
	service       string
	subscriptions []string

	mu           sync.Mutex
	handler      signaling.Handler
	descriptions []sentDescription
	candidates   []sentCandidate
}

var _ signaling.Client = (*busClient)(nil)

func (c *busClient) subscribes(service string) bool {
	if len(c.subscriptions) == 0 {
		return true
	}
	for _, s := range c.subscriptions {
		if s == service {
			return true
		}
	}
	return false
}

func (c *busClient) Listen(_ context.Context, h signaling.Handler) error {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()

	b := c.bus
	b.mu.Lock()
	b.nodes[c.id] = c
	var peers []*busClient
	for _, other := range b.nodes {
		if other != c {
			peers = append(peers, other)
		}
	}
	b.mu.Unlock()

	for _, other := range peers {
		switch {
		case c.service != "" && other.service == "" && other.subscribes(c.service):
			other.deliver(func(h signaling.Handler) {
				h.HandleNewNode(signaling.NodeEvent{ID: c.id, Service: c.service})
			})
		case c.service == "" && other.service != "" && c.subscribes(other.service):
			c.deliver(func(h signaling.Handler) {
				h.HandleNewNode(signaling.NodeEvent{ID: other.id, Service: other.service})
			})
		}
	}
	return nil
}

func (c *busClient) deliver(fn func(signaling.Handler)) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		fn(h)
	}
}

func (c *busClient) SendSessionDescription(desc webrtc.SessionDescription, to string) error {
	c.mu.Lock()
	c.descriptions = append(c.descriptions, sentDescription{to: to, desc: desc})
	c.mu.Unlock()

	if target := c.bus.node(to); target != nil {
		target.deliver(func(h signaling.Handler) {
			h.HandleDescription(signaling.DescriptionEvent{Description: desc, From: c.id})
		})
	}
	return nil
}

func (c *busClient) SendICECandidate(candidate webrtc.ICECandidateInit, to string) error {
	c.mu.Lock()
	c.candidates = append(c.candidates, sentCandidate{to: to, candidate: candidate})
	c.mu.Unlock()

	if target := c.bus.node(to); target != nil {
		target.deliver(func(h signaling.Handler) {
			h.HandleICECandidate(signaling.CandidateEvent{Candidate: candidate, From: c.id})
		})
	}
	return nil
}

func (c *busClient) Close() error {
	c.bus.mu.Lock()
	if c.bus.nodes[c.id] == c {
		delete(c.bus.nodes, c.id)
	}
	c.bus.mu.Unlock()

	c.mu.Lock()
	c.handler = nil
	c.mu.Unlock()
	return nil
}

func (c *busClient) sentDescriptions() []sentDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentDescription(nil), c.descriptions...)
}

func (c *busClient) sentCandidates() []sentCandidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentCandidate(nil), c.candidates...)
}

func nodeEvent(id, service string) signaling.NodeEvent {
	return signaling.NodeEvent{ID: id, Service: service}
}

func signalingDescription(desc webrtc.SessionDescription, from string) signaling.DescriptionEvent {
	return signaling.DescriptionEvent{Description: desc, From: from}
}

func signalingCandidate(candidate webrtc.ICECandidateInit, from string) signaling.CandidateEvent {
	return signaling.CandidateEvent{Candidate: candidate, From: from}
}
