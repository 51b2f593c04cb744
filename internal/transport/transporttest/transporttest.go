// Package transporttest provides an in-memory transport.Engine.
//
// Connections created by one Engine link up through their fake session
// descriptions: once the offering side has applied the answer, both sides
// report connected, channels created by the offerer appear on the answerer
// through OnDataChannel, and both ends open. Text sent on one end is
// delivered to the other end's OnMessage handler.
package transporttest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peek/internal/transport"
)

// Compile-time interface checks.
var (
	_ transport.Engine  = (*Engine)(nil)
	_ transport.Conn    = (*Conn)(nil)
	_ transport.Channel = (*Channel)(nil)
)

// ErrNoRemoteDescription mirrors the engine rejecting a candidate before the
// remote description is set.
var ErrNoRemoteDescription = errors.New("remote description not set")

// Engine hands out linked in-memory connections.
type Engine struct {
	mu    sync.Mutex
	conns []*Conn

	// ManualConnect disables the automatic link once both descriptions are
	// applied; tests then call Link themselves.
	ManualConnect bool
}

// NewEngine creates an empty Engine.
func NewEngine() *Engine {
	return &Engine{}
}

// NewConnection creates a Conn registered with the engine.
func (e *Engine) NewConnection() (transport.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := &Conn{engine: e, index: len(e.conns), state: webrtc.PeerConnectionStateNew}
	e.conns = append(e.conns, c)
	return c, nil
}

// Conns returns every connection created so far, in creation order.
func (e *Engine) Conns() []*Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Conn(nil), e.conns...)
}

func (e *Engine) conn(index int) *Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	if index < 0 || index >= len(e.conns) {
		return nil
	}
	return e.conns[index]
}

// Conn is an in-memory transport.Conn.
type Conn struct {
	engine *Engine
	index  int

	mu             sync.Mutex
	local, remote  *webrtc.SessionDescription
	added          []webrtc.ICECandidateInit
	channels       []*Channel
	peer           *Conn
	state          webrtc.PeerConnectionState
	closed         bool
	onDataChannel  func(transport.Channel)
	onICECandidate func(*webrtc.ICECandidateInit)
	onState        func(webrtc.PeerConnectionState)
}

func (c *Conn) CreateDataChannel(label string) (transport.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("connection closed")
	}
	ch := &Channel{label: label, state: webrtc.DataChannelStateConnecting}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Conn) OnDataChannel(fn func(transport.Channel)) {
	c.mu.Lock()
	c.onDataChannel = fn
	c.mu.Unlock()
}

func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("fake-offer-%d", c.index)}, nil
}

func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return webrtc.SessionDescription{}, ErrNoRemoteDescription
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("fake-answer-%d", c.index)}, nil
}

// SetLocalDescription stores desc and trickles one host candidate followed
// by the end-of-gathering nil.
func (c *Conn) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	c.local = &desc
	fn := c.onICECandidate
	c.mu.Unlock()

	if fn != nil {
		go func() {
			fn(&webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d 1 udp 1 127.0.0.1 %d typ host", c.index, 40000+c.index)})
			fn(nil)
		}()
	}
	return nil
}

func (c *Conn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	peer := c.engine.conn(peerIndex(desc.SDP))
	if peer == nil {
		return fmt.Errorf("unknown remote description %q", desc.SDP)
	}

	c.mu.Lock()
	c.remote = &desc
	c.peer = peer
	c.mu.Unlock()

	if desc.Type == webrtc.SDPTypeAnswer && !c.engine.ManualConnect {
		go Link(c, peer)
	}
	return nil
}

// peerIndex extracts the creating connection's index from a fake SDP.
func peerIndex(sdp string) int {
	i := strings.LastIndexByte(sdp, '-')
	if i < 0 {
		return -1
	}
	n, err := strconv.Atoi(sdp[i+1:])
	if err != nil {
		return -1
	}
	return n
}

func (c *Conn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return ErrNoRemoteDescription
	}
	c.added = append(c.added, candidate)
	return nil
}

func (c *Conn) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICECandidate = fn
	c.mu.Unlock()
}

func (c *Conn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// Close closes the connection and its channels and reports the closed state.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channels := append([]*Channel(nil), c.channels...)
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	go c.SetState(webrtc.PeerConnectionStateClosed)
	return nil
}

// ---------------------------------------------------------------------------
// Test controls
// ---------------------------------------------------------------------------

// SetState records state and invokes the state-change callback.
func (c *Conn) SetState(state webrtc.PeerConnectionState) {
	c.mu.Lock()
	c.state = state
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// Link connects offerer and answerer: both report connected, the offerer's
// channels are mirrored to the answerer, and every channel pair opens.
func Link(offerer, answerer *Conn) {
	offerer.SetState(webrtc.PeerConnectionStateConnected)
	answerer.SetState(webrtc.PeerConnectionStateConnected)

	offerer.mu.Lock()
	channels := append([]*Channel(nil), offerer.channels...)
	offerer.mu.Unlock()

	for _, local := range channels {
		remote := &Channel{label: local.Label(), state: webrtc.DataChannelStateConnecting}
		local.link(remote)

		answerer.mu.Lock()
		answerer.channels = append(answerer.channels, remote)
		fn := answerer.onDataChannel
		answerer.mu.Unlock()
		if fn != nil {
			fn(remote)
		}

		local.Open()
		remote.Open()
	}
}

// Index is the creation order of the connection within its engine.
func (c *Conn) Index() int { return c.index }

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// State returns the last state passed to SetState.
func (c *Conn) State() webrtc.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LocalDescription returns the applied local description, if any.
func (c *Conn) LocalDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// RemoteDescription returns the applied remote description, if any.
func (c *Conn) RemoteDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// AddedCandidates returns the remote candidates accepted so far.
func (c *Conn) AddedCandidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.added...)
}

// Channels returns the channels created on or received by this connection.
func (c *Conn) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Channel(nil), c.channels...)
}

// Channel is an in-memory transport.Channel.
type Channel struct {
	label string

	mu        sync.Mutex
	state     webrtc.DataChannelState
	peer      *Channel
	sent      []string
	onOpen    func()
	onClose   func()
	onMessage func([]byte)
}

// NewChannel returns an unlinked channel in the connecting state.
func NewChannel(label string) *Channel {
	return &Channel{label: label, state: webrtc.DataChannelStateConnecting}
}

func (ch *Channel) link(peer *Channel) {
	ch.mu.Lock()
	ch.peer = peer
	ch.mu.Unlock()
	peer.mu.Lock()
	peer.peer = ch
	peer.mu.Unlock()
}

func (ch *Channel) Label() string { return ch.label }

func (ch *Channel) ReadyState() webrtc.DataChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// SendText records text and delivers it to the linked peer, if any.
func (ch *Channel) SendText(text string) error {
	ch.mu.Lock()
	if ch.state != webrtc.DataChannelStateOpen {
		ch.mu.Unlock()
		return errors.New("channel not open")
	}
	ch.sent = append(ch.sent, text)
	peer := ch.peer
	ch.mu.Unlock()

	if peer != nil {
		peer.Deliver([]byte(text))
	}
	return nil
}

func (ch *Channel) OnOpen(fn func()) {
	ch.mu.Lock()
	ch.onOpen = fn
	ch.mu.Unlock()
}

func (ch *Channel) OnClose(fn func()) {
	ch.mu.Lock()
	ch.onClose = fn
	ch.mu.Unlock()
}

func (ch *Channel) OnMessage(fn func([]byte)) {
	ch.mu.Lock()
	ch.onMessage = fn
	ch.mu.Unlock()
}

func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.state == webrtc.DataChannelStateClosed {
		ch.mu.Unlock()
		return nil
	}
	ch.state = webrtc.DataChannelStateClosed
	fn := ch.onClose
	ch.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

// Open moves the channel to open and invokes the open callback.
func (ch *Channel) Open() {
	ch.mu.Lock()
	if ch.state != webrtc.DataChannelStateConnecting {
		ch.mu.Unlock()
		return
	}
	ch.state = webrtc.DataChannelStateOpen
	fn := ch.onOpen
	ch.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Deliver invokes the message callback as if data arrived from the remote.
func (ch *Channel) Deliver(data []byte) {
	ch.mu.Lock()
	fn := ch.onMessage
	ch.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

// Sent returns every payload written with SendText.
func (ch *Channel) Sent() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]string(nil), ch.sent...)
}
