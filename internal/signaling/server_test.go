package signaling

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "s3cret"

// recorder is a Handler that forwards every event to a channel.
type recorder struct {
	descriptions chan DescriptionEvent
	candidates   chan CandidateEvent
	nodes        chan NodeEvent
}

func newRecorder() *recorder {
	return &recorder{
		descriptions: make(chan DescriptionEvent, 16),
		candidates:   make(chan CandidateEvent, 16),
		nodes:        make(chan NodeEvent, 16),
	}
}

func (r *recorder) HandleDescription(e DescriptionEvent) { r.descriptions <- e }
func (r *recorder) HandleICECandidate(e CandidateEvent)  { r.candidates <- e }
func (r *recorder) HandleNewNode(e NodeEvent)            { r.nodes <- e }

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		panic("unreachable")
	}
}

func startRelay(t *testing.T, cfg ServerConfig) (*Server, string) {
	t.Helper()
	srv := NewServer(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, cfg ClientConfig) (*WSClient, *recorder) {
	t.Helper()
	c := NewClient(cfg)
	rec := newRecorder()
	require.NoError(t, c.Listen(context.Background(), rec))
	t.Cleanup(func() { c.Close() })
	require.Eventually(t, func() bool { return c.ID() != "" }, 2*time.Second, 10*time.Millisecond)
	return c, rec
}

func TestRelayRejectsBadSecret(t *testing.T) {
	srv, url := startRelay(t, ServerConfig{Secret: testSecret})

	c := NewClient(ClientConfig{URL: url, Secret: "wrong", Service: "inventory"})
	err := c.Listen(context.Background(), newRecorder())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, float64(1), testutil.ToFloat64(srv.metrics.authFailures))
	assert.Equal(t, 0, srv.Nodes())
}

func TestRelayRejectsWhenSecretUnset(t *testing.T) {
	srv, url := startRelay(t, ServerConfig{})

	c := NewClient(ClientConfig{URL: url, Service: "inventory"})
	err := c.Listen(context.Background(), newRecorder())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, float64(1), testutil.ToFloat64(srv.metrics.authFailures))
	assert.Equal(t, 0, srv.Nodes())
}

func TestRelayRejectsMissingRole(t *testing.T) {
	_, url := startRelay(t, ServerConfig{Secret: testSecret})

	c := NewClient(ClientConfig{URL: url, Secret: testSecret})
	err := c.Listen(context.Background(), newRecorder())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestRelayAnnouncesProducers(t *testing.T) {
	t.Run("producer joins after consumer", func(t *testing.T) {
		_, url := startRelay(t, ServerConfig{Secret: testSecret})
		_, consumer := dial(t, ClientConfig{URL: url, Secret: testSecret, Subscriptions: []string{"inventory"}})
		producer, _ := dial(t, ClientConfig{URL: url, Secret: testSecret, Service: "inventory"})

		ev := receive(t, consumer.nodes)
		assert.Equal(t, NodeEvent{ID: producer.ID(), Service: "inventory"}, ev)
	})

	t.Run("consumer joins after producer", func(t *testing.T) {
		_, url := startRelay(t, ServerConfig{Secret: testSecret})
		producer, _ := dial(t, ClientConfig{URL: url, Secret: testSecret, Service: "inventory"})
		_, consumer := dial(t, ClientConfig{URL: url, Secret: testSecret, Subscriptions: []string{"billing", "inventory"}})

		ev := receive(t, consumer.nodes)
		assert.Equal(t, NodeEvent{ID: producer.ID(), Service: "inventory"}, ev)
	})

	t.Run("other services are not announced", func(t *testing.T) {
		srv, url := startRelay(t, ServerConfig{Secret: testSecret})
		_, consumer := dial(t, ClientConfig{URL: url, Secret: testSecret, Subscriptions: []string{"billing"}})
		dial(t, ClientConfig{URL: url, Secret: testSecret, Service: "inventory"})

		require.Eventually(t, func() bool { return srv.Nodes() == 2 }, 2*time.Second, 10*time.Millisecond)
		select {
		case ev := <-consumer.nodes:
			t.Fatalf("unexpected announcement %+v", ev)
		case <-time.After(100 * time.Millisecond):
		}
	})
}

func TestRelayForwardsWithSenderID(t *testing.T) {
	srv, url := startRelay(t, ServerConfig{Secret: testSecret})
	consumer, consumerRec := dial(t, ClientConfig{URL: url, Secret: testSecret, Subscriptions: []string{"inventory"}})
	producer, producerRec := dial(t, ClientConfig{URL: url, Secret: testSecret, Service: "inventory"})

	node := receive(t, consumerRec.nodes)

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}
	require.NoError(t, consumer.SendSessionDescription(offer, node.ID))

	got := receive(t, producerRec.descriptions)
	assert.Equal(t, consumer.ID(), got.From)
	assert.Equal(t, webrtc.SDPTypeOffer, got.Description.Type)
	assert.Equal(t, "v=0 offer", got.Description.SDP)

	mid := "0"
	candidate := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 5000 typ host", SDPMid: &mid}
	require.NoError(t, producer.SendICECandidate(candidate, got.From))

	gotCandidate := receive(t, consumerRec.candidates)
	assert.Equal(t, producer.ID(), gotCandidate.From)
	assert.Equal(t, candidate.Candidate, gotCandidate.Candidate.Candidate)
	require.NotNil(t, gotCandidate.Candidate.SDPMid)
	assert.Equal(t, "0", *gotCandidate.Candidate.SDPMid)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(srv.metrics.relayed.WithLabelValues(string(MsgTypeDescription))) == 1 &&
			testutil.ToFloat64(srv.metrics.relayed.WithLabelValues(string(MsgTypeCandidate))) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelayDropsUnknownTarget(t *testing.T) {
	srv, url := startRelay(t, ServerConfig{Secret: testSecret})
	consumer, _ := dial(t, ClientConfig{URL: url, Secret: testSecret, Subscriptions: []string{"inventory"}})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	require.NoError(t, consumer.SendSessionDescription(offer, "nobody"))

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(srv.metrics.dropped.WithLabelValues(dropUnknownTarget)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelayRateLimit(t *testing.T) {
	srv, url := startRelay(t, ServerConfig{Secret: testSecret, MessagesPerSecond: 0.001, Burst: 1})
	consumer, _ := dial(t, ClientConfig{URL: url, Secret: testSecret, Subscriptions: []string{"inventory"}})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	for i := 0; i < 3; i++ {
		require.NoError(t, consumer.SendSessionDescription(offer, "nobody"))
	}

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(srv.metrics.dropped.WithLabelValues(dropRateLimited)) == 2 &&
			testutil.ToFloat64(srv.metrics.dropped.WithLabelValues(dropUnknownTarget)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelayTracksNodes(t *testing.T) {
	srv, url := startRelay(t, ServerConfig{Secret: testSecret})
	producer, _ := dial(t, ClientConfig{URL: url, Secret: testSecret, Service: "inventory"})
	dial(t, ClientConfig{URL: url, Secret: testSecret, Subscriptions: []string{"inventory"}})

	require.Eventually(t, func() bool { return srv.Nodes() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(srv.metrics.nodes.WithLabelValues(roleProducer)))

	require.NoError(t, producer.Close())
	assert.Eventually(t, func() bool { return srv.Nodes() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestClientSendBeforeListen(t *testing.T) {
	c := NewClient(ClientConfig{URL: "ws://127.0.0.1:1/ws"})
	err := c.SendICECandidate(webrtc.ICECandidateInit{Candidate: "x"}, "p1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}

func TestMessageValidate(t *testing.T) {
	desc := &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}
	cand := &webrtc.ICECandidateInit{Candidate: "candidate:1"}

	testCases := []struct {
		name string
		msg  Message
		ok   bool
	}{
		{"description", Message{Type: MsgTypeDescription, From: "a", Description: desc}, true},
		{"description without from", Message{Type: MsgTypeDescription, Description: desc}, false},
		{"description without body", Message{Type: MsgTypeDescription, From: "a"}, false},
		{"candidate", Message{Type: MsgTypeCandidate, From: "a", Candidate: cand}, true},
		{"candidate without body", Message{Type: MsgTypeCandidate, From: "a"}, false},
		{"new node", Message{Type: MsgTypeNewNode, ID: "p1", Service: "inventory"}, true},
		{"new node without service", Message{Type: MsgTypeNewNode, ID: "p1"}, false},
		{"new node without id", Message{Type: MsgTypeNewNode, Service: "inventory"}, false},
		{"welcome", Message{Type: MsgTypeWelcome, ID: "me"}, true},
		{"unknown type", Message{Type: "bogus"}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrMalformed)
			}
		})
	}
}
