package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/airbridge/internal/adapters/content"
	"github.com/mikey-austin/airbridge/internal/adapters/fetch"
	"github.com/mikey-austin/airbridge/internal/adapters/mdns"
	"github.com/mikey-austin/airbridge/internal/adapters/mqtt"
	"github.com/mikey-austin/airbridge/internal/adapters/soap"
	"github.com/mikey-austin/airbridge/internal/adapters/ssdp"
	"github.com/mikey-austin/airbridge/internal/adapters/workpool"
	"github.com/mikey-austin/airbridge/internal/daemon"
	"github.com/mikey-austin/airbridge/internal/metrics"
	"github.com/mikey-austin/airbridge/internal/modules/bridge"
	"github.com/mikey-austin/airbridge/internal/modules/builder"
	"github.com/mikey-austin/airbridge/internal/modules/discovery"
	embeddedmqtt "github.com/mikey-austin/airbridge/internal/modules/embedded_mqtt"
	"github.com/mikey-austin/airbridge/internal/modules/presence"
)

func runDaemon(ctx context.Context, f *flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.EmbeddedMQTT.Enabled {
		url, err := startEmbeddedBroker(ctx, cfg, logger, cancel)
		if err != nil {
			return fmt.Errorf("embedded mqtt: %w", err)
		}
		if cfg.MQTT.Broker == "" {
			cfg.MQTT.Enabled = true
			cfg.MQTT.Broker = url
		}
	}

	logger.Info("airbridged starting",
		zap.String("interface", cfg.Server.Interface),
		zap.Int("base_port", cfg.AirPlay.BasePort),
		zap.Bool("mdns", cfg.AirPlay.PublishMDNS),
		zap.Bool("mqtt", cfg.MQTT.Enabled),
		zap.String("broker", cfg.MQTT.Broker),
	)

	var client *mqtt.Client
	if cfg.MQTT.Enabled {
		client, err = connectMQTT(cfg, logger)
		if err != nil {
			return fmt.Errorf("mqtt connection failed: %w", err)
		}
	}

	a, err := buildApp(cfg, logger, client)
	if err != nil {
		if client != nil {
			client.Close()
		}
		return err
	}
	defer a.close()

	supervisor := daemon.Supervisor{Logger: logger}
	return supervisor.Run(ctx, a.modules)
}

// app is the wired daemon. closers run in reverse order after the
// supervisor returns.
type app struct {
	modules     []daemon.ModuleRunner
	coordinator *discovery.Coordinator
	bridge      *bridge.Module
	content     *content.Server
	closers     []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

type discoveryStack struct {
	transport   *ssdp.Transport
	coordinator *discovery.Coordinator
}

func newDiscoveryStack(cfg daemon.Config, logger *zap.Logger, m *metrics.Metrics) (*discoveryStack, error) {
	transport, err := ssdp.NewTransport(logger.With(zap.String("module", "ssdp")), cfg.Server.Interface)
	if err != nil {
		return nil, err
	}
	soapClient := soap.NewClient(logger.With(zap.String("module", "soap")), soap.Options{Metrics: m})
	fetcher := fetch.New(logger.With(zap.String("module", "fetch")), cfg.Discovery.FetchTimeout.Duration)
	b := builder.New(logger.With(zap.String("module", "builder")), fetcher, soapClient, workpool.New(cfg.Discovery.Workers))
	coord := discovery.New(logger.With(zap.String("module", "discovery")), cfg.DiscoveryOptions(), transport, b, m)
	return &discoveryStack{transport: transport, coordinator: coord}, nil
}

func buildApp(cfg daemon.Config, logger *zap.Logger, client *mqtt.Client) (*app, error) {
	m := metrics.New()
	stack, err := newDiscoveryStack(cfg, logger, m)
	if err != nil {
		return nil, err
	}
	events := stack.coordinator.Subscribe(16)
	a := &app{coordinator: stack.coordinator}

	contentCfg := content.Config{Listen: cfg.Content.Listen, AdvertiseHost: advertiseHost(cfg)}
	if cfg.Content.Metrics {
		contentCfg.Metrics = m.Handler()
	}
	contentSrv, err := content.New(logger.With(zap.String("module", "content")), contentCfg)
	if err != nil {
		return nil, err
	}
	a.content = contentSrv

	opts := bridge.Options{Content: contentSrv, Metrics: m}
	if cfg.AirPlay.PublishMDNS {
		publisher := mdns.NewPublisher(logger.With(zap.String("module", "mdns")))
		opts.Advertiser = publisher
		a.closers = append(a.closers, publisher.Close)
	}
	var pres *presence.Module
	if client != nil {
		pres = presence.New(logger.With(zap.String("module", "presence")), client, cfg.MQTT.TopicBase, nodeID(cfg))
		opts.Announcer = pres
		a.closers = append(a.closers, client.Close)
	}
	a.bridge = bridge.New(logger.With(zap.String("module", "bridge")), bridge.Config{
		BasePort:   cfg.AirPlay.BasePort,
		NamePrefix: cfg.AirPlay.NamePrefix,
		SessionTTL: cfg.AirPlay.SessionTTL.Duration,
	}, opts)

	a.modules = []daemon.ModuleRunner{
		{Name: "ssdp", Run: func(ctx context.Context) error {
			return stack.transport.Listen(ctx, stack.coordinator.HandleMessage)
		}},
		{Name: "discovery", Run: stack.coordinator.Run},
		{Name: "bridge", Run: func(ctx context.Context) error {
			return a.bridge.Run(ctx, events)
		}},
		{Name: "content", Run: contentSrv.Run},
	}
	if pres != nil {
		a.modules = append(a.modules, daemon.ModuleRunner{Name: "presence", Run: func(ctx context.Context) error {
			return runPresence(ctx, pres)
		}})
	}
	return a, nil
}

// runPresence keeps the bridge status retained as online while ctx lives.
func runPresence(ctx context.Context, pres *presence.Module) error {
	if err := pres.Online(); err != nil {
		return err
	}
	<-ctx.Done()
	return pres.Offline()
}

func connectMQTT(cfg daemon.Config, logger *zap.Logger) (*mqtt.Client, error) {
	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("airbridged-%d", time.Now().UnixNano())
	}
	willTopic, willPayload := presence.Will(cfg.MQTT.TopicBase, nodeID(cfg))
	return mqtt.NewClient(mqtt.Options{
		BrokerURL: cfg.MQTT.Broker,
		ClientID:  clientID,
		Username:  cfg.MQTT.User,
		Password:  cfg.MQTT.Pass,
		TLSCA:     cfg.MQTT.TLSCA,
		TLSCert:   cfg.MQTT.TLSCert,
		TLSKey:    cfg.MQTT.TLSKey,
		Timeout:   2 * time.Second,
		Logger:    logger.With(zap.String("module", "mqtt")),
		Debug:     cfg.MQTT.Debug,
		Will:      &mqtt.Will{Topic: willTopic, Payload: willPayload, Retained: true},
	})
}

func nodeID(cfg daemon.Config) string {
	if cfg.MQTT.NodeID != "" {
		return cfg.MQTT.NodeID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "airbridged"
	}
	return host
}

// advertiseHost is the address put in photo URLs handed to renderers.
func advertiseHost(cfg daemon.Config) string {
	if cfg.Server.AdvertiseHost != "" {
		return cfg.Server.AdvertiseHost
	}
	ip, err := ssdp.OutboundIP(net.IPv4(239, 255, 255, 250))
	if err != nil {
		return ""
	}
	return ip.String()
}

func startEmbeddedBroker(ctx context.Context, cfg daemon.Config, logger *zap.Logger, cancel context.CancelFunc) (string, error) {
	mod, err := embeddedmqtt.NewModule(logger.With(zap.String("module", "embedded_mqtt")), embeddedmqtt.Config{
		Listen:         cfg.EmbeddedMQTT.Listen,
		AllowAnonymous: cfg.EmbeddedMQTT.AllowAnonymous,
		Username:       cfg.EmbeddedMQTT.Username,
		Password:       cfg.EmbeddedMQTT.Password,
		TLSCA:          cfg.EmbeddedMQTT.TLSCA,
		TLSCert:        cfg.EmbeddedMQTT.TLSCert,
		TLSKey:         cfg.EmbeddedMQTT.TLSKey,
		TopicBase:      cfg.MQTT.TopicBase,
	})
	if err != nil {
		return "", err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- mod.Run(ctx)
	}()
	go func() {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("embedded mqtt exited", zap.Error(err))
			cancel()
		}
	}()

	listen := cfg.EmbeddedMQTT.Listen
	if listen == "" {
		listen = "127.0.0.1:1883"
	}
	return mod.URL(), waitForListen(listen, 3*time.Second)
}

func waitForListen(listen string, timeout time.Duration) error {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return err
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, port)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("embedded mqtt not ready at %s", addr)
}
