// Command peek is the CLI entry point.
//
// Peek streams log lines from producers to subscribed consumers over WebRTC
// data channels. A relay handles signaling only; envelopes travel peer to
// peer once a session is open.
//
// It can be launched interactively (no --role) or non-interactively through
// flags, a YAML file (--config) and PEEK_* environment variables.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/peek/internal/config"
	"github.com/1ureka/peek/internal/peek"
	"github.com/1ureka/peek/internal/protocol"
	"github.com/1ureka/peek/internal/signaling"
	"github.com/1ureka/peek/internal/transport"
	"github.com/1ureka/peek/internal/util"
)

var version = "dev"

// options are the CLI flags. Only flags the user set override the config.
type options struct {
	configPath  string
	role        string
	url         string
	secret      string
	service     string
	subscribe   []string
	topicPrefix string
	topic       string
	listen      string
	debug       bool
	showVersion bool
}

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts options
	flagSet := pflag.NewFlagSet("peek", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	flagSet.StringVar(&opts.role, "role", "", "role: producer, consumer or relay (interactive when empty)")
	flagSet.StringVar(&opts.url, "url", "", "signaling relay WebSocket URL")
	flagSet.StringVar(&opts.secret, "secret", "", "shared signaling secret")
	flagSet.StringVar(&opts.service, "service", "", "service name announced by a producer")
	flagSet.StringSliceVar(&opts.subscribe, "subscribe", nil, "services a consumer subscribes to")
	flagSet.StringVar(&opts.topicPrefix, "topic-prefix", "", "consumer topic filter")
	flagSet.StringVar(&opts.topic, "topic", "", "topic attached to every line a producer sends")
	flagSet.StringVar(&opts.listen, "listen", "", "relay listen address")
	flagSet.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print the version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		util.LogError("invalid arguments", "error", err)
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Println("peek", version)
		return
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		util.LogError("failed to load config", "error", err)
		os.Exit(1)
	}
	applyFlags(cfg, flagSet, &opts)

	if cfg.Log.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Peek — v%s", version))
	pterm.Println()

	if cfg.Role == "" {
		askInteractive(cfg)
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration", "error", err)
		os.Exit(1)
	}

	if cfg.Log.StatsInterval > 0 {
		util.StartStatsReporter(ctx, cfg.Log.StatsInterval)
	}

	switch cfg.Role {
	case config.RoleProducer:
		err = runProducer(ctx, cfg, opts.topic)
	case config.RoleConsumer:
		err = runConsumer(ctx, cfg)
	case config.RoleRelay:
		err = runRelay(ctx, cfg)
	}
	if err != nil {
		util.LogError("peek stopped", "role", cfg.Role, "error", err)
		os.Exit(1)
	}

	util.LogInfo("successfully shut down", "role", cfg.Role)
}

// applyFlags copies the flags the user set over cfg.
func applyFlags(cfg *config.Config, flagSet *pflag.FlagSet, opts *options) {
	if flagSet.Changed("role") {
		cfg.Role = config.Role(opts.role)
	}
	if flagSet.Changed("url") {
		cfg.Signaling.URL = opts.url
	}
	if flagSet.Changed("secret") {
		cfg.Signaling.Secret = opts.secret
	}
	if flagSet.Changed("service") {
		cfg.Producer.Service = opts.service
	}
	if flagSet.Changed("subscribe") {
		cfg.Consumer.Subscriptions = opts.subscribe
	}
	if flagSet.Changed("topic-prefix") {
		cfg.Consumer.TopicPrefix = opts.topicPrefix
	}
	if flagSet.Changed("listen") {
		cfg.Relay.Address = opts.listen
	}
	if opts.debug {
		cfg.Log.Debug = true
	}
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

func newEngine(cfg *config.Config) *transport.PionEngine {
	servers := make([]transport.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		servers = append(servers, transport.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return transport.NewEngine(servers)
}

// runProducer sends every stdin line as one envelope until EOF or shutdown.
func runProducer(ctx context.Context, cfg *config.Config, topic string) error {
	client := signaling.NewClient(signaling.ClientConfig{
		URL:     cfg.Signaling.URL,
		Secret:  cfg.Signaling.Secret,
		Service: cfg.Producer.Service,
	})
	p := peek.NewProducer(peek.ProducerConfig{
		Service:            cfg.Producer.Service,
		Signaling:          client,
		Engine:             newEngine(cfg),
		NegotiationTimeout: cfg.WebRTC.NegotiationTimeout,
	})
	if err := p.Start(ctx); err != nil {
		return err
	}
	defer p.Close()

	util.LogInfo("producer ready, reading stdin", "service", cfg.Producer.Service, "topic", topic)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			util.LogWarning("reading stdin", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			return errors.New("signaling connection lost")
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			n := p.Log(line, topic)
			util.LogDebug("envelope sent", "sessions", n)
		}
	}
}

// runConsumer prints every delivered envelope until shutdown.
func runConsumer(ctx context.Context, cfg *config.Config) error {
	client := signaling.NewClient(signaling.ClientConfig{
		URL:           cfg.Signaling.URL,
		Secret:        cfg.Signaling.Secret,
		Subscriptions: cfg.Consumer.Subscriptions,
	})
	c := peek.NewConsumer(peek.ConsumerConfig{
		Signaling:          client,
		Engine:             newEngine(cfg),
		Subscriptions:      cfg.Consumer.Subscriptions,
		TopicPrefix:        cfg.Consumer.TopicPrefix,
		BufferSize:         cfg.Consumer.BufferSize,
		NegotiationTimeout: cfg.WebRTC.NegotiationTimeout,
	})
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Close()

	util.LogInfo("consumer ready", "subscriptions", strings.Join(cfg.Consumer.Subscriptions, ","), "topic_prefix", cfg.Consumer.TopicPrefix)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			return errors.New("signaling connection lost")
		case env, ok := <-c.Messages():
			if !ok {
				return nil
			}
			printEnvelope(env)
		}
	}
}

func printEnvelope(env protocol.Envelope) {
	topic := env.TopicOrEmpty()
	if topic == "" {
		topic = "-"
	}
	pterm.Printfln("%s %s %s %s",
		pterm.Gray(env.Timestamp),
		pterm.Cyan(env.Service),
		pterm.Yellow(topic),
		env.Message)
}

// runRelay serves the signaling relay until shutdown.
func runRelay(ctx context.Context, cfg *config.Config) error {
	relay := signaling.NewServer(signaling.ServerConfig{
		Secret:            cfg.Signaling.Secret,
		MessagesPerSecond: cfg.Relay.MessagesPerSecond,
		Burst:             cfg.Relay.Burst,
		MaxMessageBytes:   cfg.Relay.MaxMessageBytes,
		PingInterval:      cfg.Relay.PingInterval,
	})
	defer relay.Close()

	srv := &http.Server{
		Addr:              cfg.Relay.Address,
		Handler:           relay.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		util.LogInfo("relay listening", "address", cfg.Relay.Address)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("relay server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// ---------------------------------------------------------------------------
// Interactive prompts
// ---------------------------------------------------------------------------

// askInteractive fills in the role and whatever it needs when no --role
// was given.
func askInteractive(cfg *config.Config) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Producer — Send stdin lines as logs",
			"Consumer — Watch logs from services",
			"Relay    — Run the signaling relay",
		}).
		WithDefaultText("Select your role").
		Show()
	pterm.Println()

	switch {
	case strings.HasPrefix(role, "Producer"):
		cfg.Role = config.RoleProducer
		cfg.Signaling.URL = askText("Signaling URL", cfg.Signaling.URL)
		cfg.Producer.Service = askText("Service name", cfg.Producer.Service)
	case strings.HasPrefix(role, "Consumer"):
		cfg.Role = config.RoleConsumer
		cfg.Signaling.URL = askText("Signaling URL", cfg.Signaling.URL)
		subs := askText("Services to watch (comma separated)", strings.Join(cfg.Consumer.Subscriptions, ","))
		cfg.Consumer.Subscriptions = config.SplitList(subs)
		cfg.Consumer.TopicPrefix = askOptional("Topic prefix (empty for all)", cfg.Consumer.TopicPrefix)
	default:
		cfg.Role = config.RoleRelay
		cfg.Relay.Address = askText("Listen address", cfg.Relay.Address)
	}
	if cfg.Signaling.Secret == "" {
		cfg.Signaling.Secret = askText("Shared secret", "")
	}
}

// askText prompts until a non-empty value is entered. An empty answer
// keeps current when it is set.
func askText(prompt, current string) string {
	for {
		text := prompt
		if current != "" {
			text = fmt.Sprintf("%s [%s]", prompt, current)
		}
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(text).
			Show()
		pterm.Println()

		if v := strings.TrimSpace(raw); v != "" {
			return v
		}
		if current != "" {
			return current
		}
		util.LogWarning("a value is required")
	}
}

// askOptional prompts once; an empty answer keeps current.
func askOptional(prompt, current string) string {
	raw, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText(prompt).
		Show()
	pterm.Println()
	if v := strings.TrimSpace(raw); v != "" {
		return v
	}
	return current
}
