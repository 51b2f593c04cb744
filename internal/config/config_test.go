package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peek.yaml")
	data := `
role: consumer
signaling:
  url: wss://relay.example.com/ws
  secret: hunter2
consumer:
  subscriptions: [inventory, billing]
  topic_prefix: inventory.
webrtc:
  negotiation_timeout: 5s
  ice_servers:
    - urls: ["turn:turn.example.com:3478?transport=udp"]
      username: user-1
      credential: pass-1
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, RoleConsumer, cfg.Role)
	assert.Equal(t, "wss://relay.example.com/ws", cfg.Signaling.URL)
	assert.Equal(t, "hunter2", cfg.Signaling.Secret)
	assert.Equal(t, []string{"inventory", "billing"}, cfg.Consumer.Subscriptions)
	assert.Equal(t, "inventory.", cfg.Consumer.TopicPrefix)
	assert.Equal(t, 5*time.Second, cfg.WebRTC.NegotiationTimeout)
	require.Len(t, cfg.WebRTC.ICEServers, 1)
	assert.Equal(t, "user-1", cfg.WebRTC.ICEServers[0].Username)

	// Untouched sections keep their defaults.
	assert.Equal(t, 256, cfg.Consumer.BufferSize)
	assert.Equal(t, ":8090", cfg.Relay.Address)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peek.yaml")
	require.NoError(t, os.WriteFile(path, []byte("role: [unterminated"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PEEK_ROLE", "producer")
	t.Setenv("PEEK_SECRET", "from-env")
	t.Setenv("PEEK_SERVICE", "inventory")
	t.Setenv("PEEK_SUBSCRIPTIONS", "a, b,,c")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, RoleProducer, cfg.Role)
	assert.Equal(t, "from-env", cfg.Signaling.Secret)
	assert.Equal(t, "inventory", cfg.Producer.Service)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Consumer.Subscriptions)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	valid := func(role Role) *Config {
		cfg := DefaultConfig()
		cfg.Role = role
		cfg.Signaling.Secret = "s"
		cfg.Producer.Service = "inventory"
		cfg.Consumer.Subscriptions = []string{"inventory"}
		return cfg
	}

	testCases := []struct {
		name   string
		mutate func(*Config)
		role   Role
		ok     bool
	}{
		{"producer", func(*Config) {}, RoleProducer, true},
		{"consumer", func(*Config) {}, RoleConsumer, true},
		{"relay", func(*Config) {}, RoleRelay, true},
		{"unknown role", func(c *Config) { c.Role = "observer" }, RoleProducer, false},
		{"missing secret", func(c *Config) { c.Signaling.Secret = "" }, RoleRelay, false},
		{"producer without service", func(c *Config) { c.Producer.Service = "" }, RoleProducer, false},
		{"consumer without subscriptions", func(c *Config) { c.Consumer.Subscriptions = nil }, RoleConsumer, false},
		{"consumer without buffer", func(c *Config) { c.Consumer.BufferSize = 0 }, RoleConsumer, false},
		{"negative timeout", func(c *Config) { c.WebRTC.NegotiationTimeout = -time.Second }, RoleProducer, false},
		{"zero timeout disables deadline", func(c *Config) { c.WebRTC.NegotiationTimeout = 0 }, RoleProducer, true},
		{"ice server without urls", func(c *Config) { c.WebRTC.ICEServers = []ICEServer{{Username: "u"}} }, RoleConsumer, false},
		{"relay burst", func(c *Config) { c.Relay.Burst = 0 }, RoleRelay, false},
		{"relay unlimited", func(c *Config) { c.Relay.MessagesPerSecond = 0; c.Relay.Burst = 0 }, RoleRelay, true},
		{"relay ping", func(c *Config) { c.Relay.PingInterval = 0 }, RoleRelay, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid(tc.role)
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
