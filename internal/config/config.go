// Package config holds the peek configuration: defaults, YAML file and
// PEEK_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Role is the part this process plays.
type Role string

const (
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
	RoleRelay    Role = "relay"
)

// ICEServer is a STUN/TURN entry passed through to the transport engine.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// Config stores every parameter, whether it came from the file, the
// environment or CLI flags.
type Config struct {
	Role Role `yaml:"role"`

	Signaling struct {
		URL    string `yaml:"url"`
		Secret string `yaml:"secret"`
	} `yaml:"signaling"`

	Producer struct {
		Service string `yaml:"service"`
	} `yaml:"producer"`

	Consumer struct {
		Subscriptions []string `yaml:"subscriptions"`
		TopicPrefix   string   `yaml:"topic_prefix"`
		BufferSize    int      `yaml:"buffer_size"`
	} `yaml:"consumer"`

	WebRTC struct {
		ICEServers         []ICEServer   `yaml:"ice_servers"`
		NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
	} `yaml:"webrtc"`

	Relay struct {
		Address           string        `yaml:"address"`
		MessagesPerSecond float64       `yaml:"messages_per_second"`
		Burst             int           `yaml:"burst"`
		MaxMessageBytes   int64         `yaml:"max_message_bytes"`
		PingInterval      time.Duration `yaml:"ping_interval"`
	} `yaml:"relay"`

	Log struct {
		Debug         bool          `yaml:"debug"`
		StatsInterval time.Duration `yaml:"stats_interval"`
	} `yaml:"log"`
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Signaling.URL = "ws://127.0.0.1:8090/ws"

	cfg.Consumer.BufferSize = 256

	cfg.WebRTC.NegotiationTimeout = 30 * time.Second

	cfg.Relay.Address = ":8090"
	cfg.Relay.MessagesPerSecond = 50
	cfg.Relay.Burst = 100
	cfg.Relay.MaxMessageBytes = 64 * 1024
	cfg.Relay.PingInterval = 30 * time.Second

	cfg.Log.StatsInterval = 10 * time.Second

	return cfg
}

// Load reads configuration from a YAML file over the defaults and applies
// env overrides. An empty path or a missing file yields the defaults.
// Callers run Validate once CLI flags are applied.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if role := os.Getenv("PEEK_ROLE"); role != "" {
		c.Role = Role(role)
	}
	if url := os.Getenv("PEEK_SIGNALING_URL"); url != "" {
		c.Signaling.URL = url
	}
	if secret := os.Getenv("PEEK_SECRET"); secret != "" {
		c.Signaling.Secret = secret
	}
	if service := os.Getenv("PEEK_SERVICE"); service != "" {
		c.Producer.Service = service
	}
	if subs := os.Getenv("PEEK_SUBSCRIPTIONS"); subs != "" {
		c.Consumer.Subscriptions = SplitList(subs)
	}
	if prefix := os.Getenv("PEEK_TOPIC_PREFIX"); prefix != "" {
		c.Consumer.TopicPrefix = prefix
	}
	if addr := os.Getenv("PEEK_RELAY_ADDRESS"); addr != "" {
		c.Relay.Address = addr
	}
}

// SplitList splits a comma-separated list, dropping empty entries.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks that the values needed by the configured role are present
// and within range.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleProducer, RoleConsumer, RoleRelay:
	default:
		return fmt.Errorf("role must be one of producer, consumer, relay (got %q)", c.Role)
	}

	if c.Signaling.Secret == "" {
		return fmt.Errorf("signaling.secret must not be empty")
	}
	if c.WebRTC.NegotiationTimeout < 0 {
		return fmt.Errorf("webrtc.negotiation_timeout must be >= 0")
	}
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}

	switch c.Role {
	case RoleProducer:
		if c.Signaling.URL == "" {
			return fmt.Errorf("signaling.url must not be empty")
		}
		if c.Producer.Service == "" {
			return fmt.Errorf("producer.service must not be empty")
		}

	case RoleConsumer:
		if c.Signaling.URL == "" {
			return fmt.Errorf("signaling.url must not be empty")
		}
		if len(c.Consumer.Subscriptions) == 0 {
			return fmt.Errorf("consumer.subscriptions must not be empty")
		}
		if c.Consumer.BufferSize <= 0 {
			return fmt.Errorf("consumer.buffer_size must be > 0")
		}

	case RoleRelay:
		if c.Relay.Address == "" {
			return fmt.Errorf("relay.address must not be empty")
		}
		if c.Relay.MessagesPerSecond < 0 {
			return fmt.Errorf("relay.messages_per_second must be >= 0")
		}
		if c.Relay.MessagesPerSecond > 0 && c.Relay.Burst <= 0 {
			return fmt.Errorf("relay.burst must be > 0 when messages_per_second is set")
		}
		if c.Relay.MaxMessageBytes <= 0 {
			return fmt.Errorf("relay.max_message_bytes must be > 0")
		}
		if c.Relay.PingInterval <= 0 {
			return fmt.Errorf("relay.ping_interval must be > 0")
		}
	}

	if c.Log.StatsInterval <= 0 {
		return fmt.Errorf("log.stats_interval must be > 0")
	}
	return nil
}
