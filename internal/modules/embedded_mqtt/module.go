// Package embeddedmqtt runs an in-process broker for the presence topics
// when no external broker is configured.
package embeddedmqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"go.uber.org/zap"

	"github.com/mikey-austin/airbridge/internal/adapters/tlsconfig"
	"github.com/mikey-austin/airbridge/pkg/airbridge"
)

// Config configures the embedded MQTT broker.
type Config struct {
	Listen         string
	AllowAnonymous bool
	Username       string
	Password       string
	TLSCA          string
	TLSCert        string
	TLSKey         string
	// TopicBase limits authenticated users to the bridge's topic tree.
	TopicBase string
}

// Module runs an embedded MQTT broker.
type Module struct {
	log    *zap.Logger
	server *mqtt.Server
	config Config
}

// NewModule creates a new embedded broker module.
func NewModule(log *zap.Logger, cfg Config) (*Module, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = "127.0.0.1:1883"
	}
	if strings.TrimSpace(cfg.TopicBase) == "" {
		cfg.TopicBase = airbridge.BaseTopic
	}

	server, err := newServer(log, cfg)
	if err != nil {
		return nil, err
	}
	return &Module{log: log, server: server, config: cfg}, nil
}

// Run binds the listener and serves until ctx ends.
func (m *Module) Run(ctx context.Context) error {
	tlsConfig, err := tlsconfig.Load(m.config.TLSCA, m.config.TLSCert, m.config.TLSKey)
	if err != nil {
		return err
	}
	if tlsConfig != nil && m.config.TLSCA != "" {
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}
	listener := listeners.NewTCP(listeners.Config{ID: "tcp-embedded", Address: m.config.Listen, TLSConfig: tlsConfig})
	if err := m.server.AddListener(listener); err != nil {
		return fmt.Errorf("embedded mqtt listen %s: %w", m.config.Listen, err)
	}
	if err := m.server.Serve(); err != nil {
		return err
	}
	m.log.Info("embedded mqtt broker running", zap.String("listen", m.config.Listen))

	<-ctx.Done()
	return m.server.Close()
}

// URL is the address clients should dial.
func (m *Module) URL() string {
	return BrokerURL(m.config.Listen, m.config.TLSCert != "")
}

func newServer(log *zap.Logger, cfg Config) (*mqtt.Server, error) {
	options := &mqtt.Options{InlineClient: true, Logger: slog.New(newZapHandler(log.Named("broker")))}
	server := mqtt.New(options)

	if cfg.AllowAnonymous {
		if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
			return nil, err
		}
	} else if cfg.Username != "" {
		ledger := &auth.Ledger{
			Auth: auth.AuthRules{{Username: auth.RString(cfg.Username), Password: auth.RString(cfg.Password), Allow: true}},
			ACL:  auth.ACLRules{{Username: auth.RString(cfg.Username), Filters: auth.Filters{auth.RString(cfg.TopicBase + "/#"): auth.ReadWrite}}},
		}
		if err := server.AddHook(new(auth.Hook), &auth.Options{Ledger: ledger}); err != nil {
			return nil, err
		}
	} else {
		return nil, errors.New("embedded mqtt requires allow_anonymous or username")
	}

	return server, nil
}

// BrokerURL returns the broker URL for a listen address.
func BrokerURL(listen string, tlsEnabled bool) string {
	u := url.URL{Scheme: "mqtt", Host: listen}
	if tlsEnabled {
		u.Scheme = "mqtts"
	}
	return u.String()
}
