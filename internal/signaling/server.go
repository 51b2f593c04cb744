package signaling

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/1ureka/peek/internal/util"
)

const (
	roleProducer = "producer"
	roleConsumer = "consumer"
)

// ServerConfig configures the relay.
type ServerConfig struct {
	Secret            string        // required; empty refuses every node
	MessagesPerSecond float64       // per connection; 0 disables the limit
	Burst             int           // limiter burst
	MaxMessageBytes   int64         // read limit per message; 0 means 64 KiB
	PingInterval      time.Duration // keepalive; 0 means 30s
	WriteTimeout      time.Duration // 0 means 10s
}

// Server relays signaling messages between producer and consumer nodes and
// announces producers to the consumers subscribed to their service.
type Server struct {
	cfg      ServerConfig
	upgrader websocket.Upgrader
	metrics  *metrics

	mu    sync.RWMutex
	nodes map[string]*node
}

// node is one connected client.
type node struct {
	id            string
	service       string          // set for producers
	subscriptions map[string]bool // set for consumers
	sender        *sender
	limiter       *rate.Limiter
}

func (n *node) role() string {
	if n.service != "" {
		return roleProducer
	}
	return roleConsumer
}

// NewServer creates a relay server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		metrics: newMetrics(),
		nodes:   make(map[string]*node),
	}
}

// Handler returns a mux serving /ws, /metrics and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", s)
	mux.Handle("/metrics", s.Metrics())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Metrics serves the relay's prometheus metrics.
func (s *Server) Metrics() http.Handler {
	return s.metrics.handler()
}

// Nodes returns the number of connected nodes.
func (s *Server) Nodes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// authorized checks the bearer token (or the token query parameter, for
// clients that cannot set headers) against the shared secret. Without a
// configured secret every request is refused.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Secret == "" {
		return false
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Secret)) == 1
}

// ServeHTTP upgrades a node connection and serves it until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.metrics.authFailures.Inc()
		http.Error(w, "invalid secret", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	service := q.Get("service")
	subscriptions := map[string]bool{}
	for _, sub := range strings.Split(q.Get("subscriptions"), ",") {
		if sub = strings.TrimSpace(sub); sub != "" {
			subscriptions[sub] = true
		}
	}
	if service == "" && len(subscriptions) == 0 {
		http.Error(w, "missing service or subscriptions", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogWarning("websocket upgrade failed", "error", err)
		return
	}

	n := &node{
		id:            uuid.NewString(),
		service:       service,
		subscriptions: subscriptions,
		sender:        &sender{conn: conn, writeTimeout: s.cfg.WriteTimeout},
	}
	if s.cfg.MessagesPerSecond > 0 {
		n.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	if err := n.sender.send(Message{Type: MsgTypeWelcome, ID: n.id}); err != nil {
		conn.Close()
		return
	}
	s.join(n)
	defer s.leave(n)

	s.serve(n, conn)
}

// join registers n and exchanges announcements with the nodes already
// connected.
func (s *Server) join(n *node) {
	var notify []*node
	var existing []*node

	s.mu.Lock()
	for _, other := range s.nodes {
		if n.service != "" && other.subscriptions[n.service] {
			notify = append(notify, other)
		}
		if other.service != "" && n.subscriptions[other.service] {
			existing = append(existing, other)
		}
	}
	s.nodes[n.id] = n
	s.mu.Unlock()

	s.metrics.nodes.WithLabelValues(n.role()).Inc()
	util.LogInfo("node joined", "id", n.id, "role", n.role(), "service", n.service)

	for _, other := range notify {
		if err := other.sender.send(Message{Type: MsgTypeNewNode, ID: n.id, Service: n.service}); err != nil {
			util.LogDebug("announce failed", "to", other.id, "error", err)
		}
	}
	for _, producer := range existing {
		if err := n.sender.send(Message{Type: MsgTypeNewNode, ID: producer.id, Service: producer.service}); err != nil {
			util.LogDebug("announce failed", "to", n.id, "error", err)
		}
	}
}

func (s *Server) leave(n *node) {
	s.mu.Lock()
	delete(s.nodes, n.id)
	s.mu.Unlock()

	s.metrics.nodes.WithLabelValues(n.role()).Dec()
	util.LogInfo("node left", "id", n.id, "role", n.role())
}

// serve runs the read loop and keepalive for one node.
func (s *Server) serve(n *node, conn *websocket.Conn) {
	pongWait := 2 * s.cfg.PingInterval

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := n.sender.ping(s.cfg.WriteTimeout); err != nil {
					conn.Close()
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				util.LogDebug("node read failed", "id", n.id, "error", err)
			}
			conn.Close()
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if n.limiter != nil && !n.limiter.Allow() {
			s.metrics.dropped.WithLabelValues(dropRateLimited).Inc()
			util.LogWarning("rate limit exceeded, dropping message", "id", n.id)
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.metrics.dropped.WithLabelValues(dropMalformed).Inc()
			continue
		}
		s.relay(n, msg)
	}
}

// relay forwards a description or candidate to its target with From set to
// the sender's id.
func (s *Server) relay(from *node, msg Message) {
	switch msg.Type {
	case MsgTypeDescription, MsgTypeCandidate:
	default:
		s.metrics.dropped.WithLabelValues(dropUnsupported).Inc()
		return
	}

	s.mu.RLock()
	target, ok := s.nodes[msg.To]
	s.mu.RUnlock()
	if !ok {
		s.metrics.dropped.WithLabelValues(dropUnknownTarget).Inc()
		util.LogDebug("unknown relay target", "from", from.id, "to", msg.To)
		return
	}

	out := Message{
		Type:        msg.Type,
		From:        from.id,
		Description: msg.Description,
		Candidate:   msg.Candidate,
	}
	if err := target.sender.send(out); err != nil {
		util.LogDebug("relay failed", "to", target.id, "error", err)
		return
	}
	s.metrics.relayed.WithLabelValues(string(msg.Type)).Inc()
}

// Close disconnects every node.
func (s *Server) Close() {
	s.mu.RLock()
	nodes := make([]*node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	s.mu.RUnlock()

	for _, n := range nodes {
		_ = n.sender.close(websocket.CloseGoingAway, "relay shutting down")
	}
}
