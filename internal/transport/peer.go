package transport

import (
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers is used when no ICE servers are configured.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// ICEServer is a STUN or TURN server passed through to the engine.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// PionEngine creates pion PeerConnections sharing one configuration.
type PionEngine struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewEngine returns a pion-backed Engine. An empty servers list falls back
// to DefaultSTUNServers.
func NewEngine(servers []ICEServer) *PionEngine {
	config := webrtc.Configuration{}
	for _, s := range servers {
		config.ICEServers = append(config.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(config.ICEServers) == 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: DefaultSTUNServers}}
	}

	return &PionEngine{
		api:    webrtc.NewAPI(),
		config: config,
	}
}

// NewConnection creates a PeerConnection with the engine's ICE servers.
func (e *PionEngine) NewConnection() (Conn, error) {
	pc, err := e.api.NewPeerConnection(e.config)
	if err != nil {
		return nil, err
	}
	return &pionConn{pc: pc}, nil
}

// pionConn adapts *webrtc.PeerConnection to Conn.
type pionConn struct {
	pc *webrtc.PeerConnection
}

// CreateDataChannel creates an ordered, reliable channel. Log lines from one
// producer are expected in order on a given consumer.
func (c *pionConn) CreateDataChannel(label string) (Channel, error) {
	dc, err := c.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return &pionChannel{dc: dc}, nil
}

func (c *pionConn) OnDataChannel(fn func(Channel)) {
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(&pionChannel{dc: dc})
	})
}

func (c *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *pionConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *pionConn) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			fn(nil)
			return
		}
		init := candidate.ToJSON()
		fn(&init)
	})
}

func (c *pionConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}

// pionChannel adapts *webrtc.DataChannel to Channel.
type pionChannel struct {
	dc *webrtc.DataChannel
}

func (c *pionChannel) Label() string                       { return c.dc.Label() }
func (c *pionChannel) ReadyState() webrtc.DataChannelState { return c.dc.ReadyState() }
func (c *pionChannel) SendText(text string) error          { return c.dc.SendText(text) }
func (c *pionChannel) OnOpen(fn func())                    { c.dc.OnOpen(fn) }
func (c *pionChannel) OnClose(fn func())                   { c.dc.OnClose(fn) }
func (c *pionChannel) Close() error                        { return c.dc.Close() }

func (c *pionChannel) OnMessage(fn func(data []byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}
