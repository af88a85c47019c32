// Package bridge turns discovered renderers into AirPlay receivers. Each
// renderer gets a control point, its own AirPlay port, a Bonjour
// advertisement and a presence record, all torn down when it disappears.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/airbridge/internal/adapters/airplay"
	"github.com/mikey-austin/airbridge/internal/adapters/idgen"
	"github.com/mikey-austin/airbridge/internal/metrics"
	"github.com/mikey-austin/airbridge/internal/modules/controlpoint"
	"github.com/mikey-austin/airbridge/internal/modules/discovery"
	"github.com/mikey-austin/airbridge/internal/upnp"
	"github.com/mikey-austin/airbridge/pkg/airbridge"
)

// DefaultBasePort is the first AirPlay port handed out.
const DefaultBasePort = 22555

const defaultPortAttempts = 100

// Config configures the bridge.
type Config struct {
	BasePort int
	// PortAttempts bounds how many ports above BasePort are tried.
	PortAttempts int
	NamePrefix   string
	// BindHost restricts AirPlay listeners to one address. Empty binds all.
	BindHost   string
	SessionTTL time.Duration
}

// Advertiser publishes AirPlay receivers on the local network.
type Advertiser interface {
	Publish(key, name string, port int, txt []string) error
	Unpublish(key string)
}

// Announcer records bridged renderers for other tools.
type Announcer interface {
	Found(dev *upnp.Device, endpoint airbridge.AirPlayEndpoint) error
	Removed(udn string) error
}

// Endpoint is a running AirPlay receiver.
type Endpoint interface {
	Port() int
	TXT() []string
	Run(ctx context.Context) error
}

// EndpointFactory binds an AirPlay receiver on listen.
type EndpointFactory func(log *zap.Logger, playback controlpoint.Playback, listen string, cfg airplay.Config) (Endpoint, error)

// Receiver describes one bridged renderer.
type Receiver struct {
	UDN      string
	Name     string
	DeviceID string
	Port     int
}

// Module owns the bridged renderers.
type Module struct {
	log        *zap.Logger
	cfg        Config
	content    controlpoint.Publisher
	advertiser Advertiser
	announcer  Announcer
	metrics    *metrics.Metrics
	endpoint   EndpointFactory

	mu        sync.Mutex
	receivers map[string]*receiver
}

type receiver struct {
	info   Receiver
	cancel context.CancelFunc
	done   chan struct{}
}

// Options carries the bridge's optional collaborators. Nil fields disable
// the feature.
type Options struct {
	Content    controlpoint.Publisher
	Advertiser Advertiser
	Announcer  Announcer
	Metrics    *metrics.Metrics
	Endpoint   EndpointFactory
}

// New creates a bridge module.
func New(log *zap.Logger, cfg Config, opts Options) *Module {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.BasePort == 0 {
		cfg.BasePort = DefaultBasePort
	}
	if cfg.PortAttempts <= 0 {
		cfg.PortAttempts = defaultPortAttempts
	}
	factory := opts.Endpoint
	if factory == nil {
		factory = func(log *zap.Logger, playback controlpoint.Playback, listen string, cfg airplay.Config) (Endpoint, error) {
			return airplay.NewServer(log, playback, listen, cfg)
		}
	}
	return &Module{
		log:        log,
		cfg:        cfg,
		content:    opts.Content,
		advertiser: opts.Advertiser,
		announcer:  opts.Announcer,
		metrics:    opts.Metrics,
		endpoint:   factory,
		receivers:  map[string]*receiver{},
	}
}

// Run consumes discovery events until the channel closes or ctx ends, then
// tears every receiver down.
func (m *Module) Run(ctx context.Context, events <-chan discovery.Event) error {
	defer m.closeAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.handle(ctx, ev)
		}
	}
}

func (m *Module) handle(ctx context.Context, ev discovery.Event) {
	switch ev.Kind {
	case discovery.DeviceFound:
		if err := m.add(ctx, ev.Device, ev.LocalIP); err != nil {
			m.log.Warn("cannot bridge renderer", zap.Stringer("device", ev.Device), zap.Error(err))
		}
	case discovery.DeviceRemoved:
		m.remove(ev.Device.UDN, ev.Reason)
	default:
		m.log.Debug("renderer refreshed", zap.String("udn", ev.Device.UDN))
	}
}

// Receivers returns the bridged renderers ordered by port.
func (m *Module) Receivers() []Receiver {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Receiver, 0, len(m.receivers))
	for _, r := range m.receivers {
		out = append(out, r.info)
	}
	slices.SortFunc(out, func(a, b Receiver) int { return a.Port - b.Port })
	return out
}

func (m *Module) add(ctx context.Context, dev *upnp.Device, localIP string) error {
	avt, ok := dev.Service(upnp.ServiceIDAVTransport)
	if !ok {
		return errors.New("no AVTransport service")
	}
	// A renderer that comes back after a byebye is rebuilt from scratch.
	m.remove(dev.UDN, "replaced")

	log := m.log.With(zap.String("udn", dev.UDN))
	var cm controlpoint.Service
	if svc, ok := dev.Service(upnp.ServiceIDConnectionManager); ok {
		cm = svc
	}
	cp := controlpoint.New(log, avt, cm, m.content, controlpoint.Options{
		SessionTTL: m.cfg.SessionTTL,
		Metrics:    m.metrics,
	})

	name := m.cfg.NamePrefix + dev.FriendlyName
	apCfg := airplay.Config{Name: name, DeviceID: idgen.DeviceID(dev.UDN)}
	endpoint, err := m.bind(log, cp, apCfg)
	if err != nil {
		return err
	}

	rctx, cancel := context.WithCancel(ctx)
	r := &receiver{
		info:   Receiver{UDN: dev.UDN, Name: name, DeviceID: apCfg.DeviceID, Port: endpoint.Port()},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(r.done)
		if err := endpoint.Run(rctx); err != nil {
			log.Warn("airplay endpoint stopped", zap.Error(err))
		}
	}()

	m.mu.Lock()
	m.receivers[dev.UDN] = r
	m.metrics.SetBridged(len(m.receivers))
	m.mu.Unlock()

	if m.advertiser != nil {
		if err := m.advertiser.Publish(dev.UDN, name, r.info.Port, endpoint.TXT()); err != nil {
			log.Warn("bonjour publish failed", zap.Error(err))
		}
	}
	if m.announcer != nil {
		ep := airbridge.AirPlayEndpoint{Name: name, DeviceID: apCfg.DeviceID, Host: localIP, Port: r.info.Port}
		if err := m.announcer.Found(dev, ep); err != nil {
			log.Warn("presence publish failed", zap.Error(err))
		}
	}
	log.Info("renderer bridged", zap.String("name", name), zap.Int("port", r.info.Port))
	return nil
}

// bind tries ports upward from BasePort, skipping ones already handed out or
// busy on the host.
func (m *Module) bind(log *zap.Logger, cp *controlpoint.ControlPoint, cfg airplay.Config) (Endpoint, error) {
	used := m.usedPorts()
	var lastErr error
	for i := 0; i < m.cfg.PortAttempts; i++ {
		port := m.cfg.BasePort + i
		if used[port] {
			continue
		}
		listen := net.JoinHostPort(m.cfg.BindHost, strconv.Itoa(port))
		endpoint, err := m.endpoint(log, cp, listen, cfg)
		if err == nil {
			return endpoint, nil
		}
		lastErr = err
		log.Debug("airplay port unavailable", zap.Int("port", port), zap.Error(err))
	}
	if lastErr == nil {
		lastErr = errors.New("all ports in use")
	}
	return nil, fmt.Errorf("no airplay port in %d-%d: %w", m.cfg.BasePort, m.cfg.BasePort+m.cfg.PortAttempts-1, lastErr)
}

func (m *Module) usedPorts() map[int]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	used := make(map[int]bool, len(m.receivers))
	for _, r := range m.receivers {
		used[r.info.Port] = true
	}
	return used
}

func (m *Module) remove(udn string, reason string) {
	m.mu.Lock()
	r, ok := m.receivers[udn]
	delete(m.receivers, udn)
	m.metrics.SetBridged(len(m.receivers))
	m.mu.Unlock()
	if !ok {
		return
	}
	m.stop(r)
	if m.advertiser != nil {
		m.advertiser.Unpublish(udn)
	}
	if m.announcer != nil {
		if err := m.announcer.Removed(udn); err != nil {
			m.log.Warn("presence clear failed", zap.String("udn", udn), zap.Error(err))
		}
	}
	m.log.Info("renderer unbridged", zap.String("udn", udn), zap.String("name", r.info.Name), zap.String("reason", reason))
}

func (m *Module) stop(r *receiver) {
	r.cancel()
	<-r.done
}

func (m *Module) closeAll() {
	m.mu.Lock()
	udns := make([]string, 0, len(m.receivers))
	for udn := range m.receivers {
		udns = append(udns, udn)
	}
	m.mu.Unlock()
	for _, udn := range udns {
		m.remove(udn, "shutdown")
	}
}
