package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peek/internal/util"
)

// ErrClosed is returned when sending on a client that is not listening.
var ErrClosed = errors.New("signaling client closed")

// Handler receives inbound signaling events. Producers ignore HandleNewNode.
type Handler interface {
	HandleDescription(DescriptionEvent)
	HandleICECandidate(CandidateEvent)
	HandleNewNode(NodeEvent)
}

// Client is the orchestrators' view of the signaling channel.
type Client interface {
	// Listen connects and starts delivering events to h. It returns once
	// the connection is up; events arrive on a background goroutine.
	Listen(ctx context.Context, h Handler) error
	SendSessionDescription(desc webrtc.SessionDescription, to string) error
	SendICECandidate(candidate webrtc.ICECandidateInit, to string) error
	Close() error
}

// ClientConfig configures a WSClient. A producer sets Service; a consumer
// sets Subscriptions.
type ClientConfig struct {
	URL           string
	Secret        string
	Service       string
	Subscriptions []string
	WriteTimeout  time.Duration
	Dialer        *websocket.Dialer // nil uses websocket.DefaultDialer
}

// WSClient is a Client over a WebSocket to the relay Server.
type WSClient struct {
	cfg ClientConfig

	mu     sync.Mutex
	sender *sender
	id     string
	closed bool

	done chan struct{}
}

// Compile-time interface check.
var _ Client = (*WSClient)(nil)

// NewClient creates a client; nothing is dialed until Listen.
func NewClient(cfg ClientConfig) *WSClient {
	return &WSClient{cfg: cfg, done: make(chan struct{})}
}

// dialURL appends the role parameters to the configured URL.
func (c *WSClient) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid signaling URL %q: %w", c.cfg.URL, err)
	}
	q := u.Query()
	if c.cfg.Service != "" {
		q.Set("service", c.cfg.Service)
	}
	if len(c.cfg.Subscriptions) > 0 {
		q.Set("subscriptions", strings.Join(c.cfg.Subscriptions, ","))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Listen dials the relay and starts the receive loop.
func (c *WSClient) Listen(ctx context.Context, h Handler) error {
	target, err := c.dialURL()
	if err != nil {
		return err
	}

	dialer := c.cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Secret)

	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect to signaling server: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("failed to connect to signaling server: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.sender = &sender{conn: conn, writeTimeout: c.cfg.WriteTimeout}
	c.mu.Unlock()

	util.LogDebug("signaling connected", "url", c.cfg.URL)

	r := &receiver{conn: conn, handler: h, onWelcome: c.setID}
	go func() {
		defer close(c.done)
		if err := r.watch(); err != nil && !c.isClosed() {
			util.LogWarning("signaling connection lost", "error", err)
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	return nil
}

// ID returns the id the relay assigned, or "" before the welcome arrives.
func (c *WSClient) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *WSClient) setID(id string) {
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
}

// Done is closed when the receive loop exits.
func (c *WSClient) Done() <-chan struct{} { return c.done }

func (c *WSClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *WSClient) send(msg Message) error {
	c.mu.Lock()
	s, closed := c.sender, c.closed
	c.mu.Unlock()
	if s == nil || closed {
		return ErrClosed
	}
	return s.send(msg)
}

// SendSessionDescription relays an offer or answer to peer to.
func (c *WSClient) SendSessionDescription(desc webrtc.SessionDescription, to string) error {
	return c.send(Message{Type: MsgTypeDescription, To: to, Description: &desc})
}

// SendICECandidate relays a local candidate to peer to.
func (c *WSClient) SendICECandidate(candidate webrtc.ICECandidateInit, to string) error {
	return c.send(Message{Type: MsgTypeCandidate, To: to, Candidate: &candidate})
}

// Close disconnects from the relay. Safe to call multiple times.
func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.sender
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.close(websocket.CloseNormalClosure, "bye")
}
