// Package mdns advertises AirPlay receivers over Bonjour.
package mdns

import (
	"fmt"
	"sync"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

// ServiceAirPlay is the Bonjour service type for AirPlay video receivers.
const ServiceAirPlay = "_airplay._tcp"

const domain = "local."

// Registrar abstracts zeroconf registration.
type Registrar func(instance, service, domain string, port int, txt []string) (Registration, error)

// Registration is a live advertisement.
type Registration interface {
	Shutdown()
}

// Publisher keeps one advertisement per key.
type Publisher struct {
	log      *zap.Logger
	register Registrar

	mu      sync.Mutex
	entries map[string]Registration
}

// NewPublisher creates a Publisher backed by zeroconf.
func NewPublisher(log *zap.Logger) *Publisher {
	return newPublisher(log, func(instance, service, domain string, port int, txt []string) (Registration, error) {
		return zeroconf.Register(instance, service, domain, port, txt, nil)
	})
}

func newPublisher(log *zap.Logger, register Registrar) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{log: log, register: register, entries: map[string]Registration{}}
}

// Publish advertises name on port. An existing advertisement for key is
// replaced.
func (p *Publisher) Publish(key, name string, port int, txt []string) error {
	reg, err := p.register(name, ServiceAirPlay, domain, port, txt)
	if err != nil {
		return fmt.Errorf("mdns register %q: %w", name, err)
	}
	p.mu.Lock()
	old := p.entries[key]
	p.entries[key] = reg
	p.mu.Unlock()
	if old != nil {
		old.Shutdown()
	}
	p.log.Info("mdns published", zap.String("name", name), zap.Int("port", port))
	return nil
}

// Unpublish withdraws the advertisement for key, if any.
func (p *Publisher) Unpublish(key string) {
	p.mu.Lock()
	reg := p.entries[key]
	delete(p.entries, key)
	p.mu.Unlock()
	if reg != nil {
		reg.Shutdown()
		p.log.Info("mdns withdrawn", zap.String("key", key))
	}
}

// Close withdraws every advertisement.
func (p *Publisher) Close() {
	p.mu.Lock()
	entries := p.entries
	p.entries = map[string]Registration{}
	p.mu.Unlock()
	for _, reg := range entries {
		reg.Shutdown()
	}
}
