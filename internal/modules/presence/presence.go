// Package presence publishes retained MQTT records for bridged renderers so
// other tools can see which AirPlay receivers the bridge exposes.
package presence

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/airbridge/internal/upnp"
	"github.com/mikey-austin/airbridge/pkg/airbridge"
)

// Publisher is the MQTT surface presence needs.
type Publisher interface {
	Publish(topic string, retained bool, payload []byte) error
}

// Module announces renderers and bridge liveness.
type Module struct {
	log       *zap.Logger
	pub       Publisher
	topicBase string
	nodeID    string
	now       func() time.Time
}

// New creates a presence module. An empty topicBase uses airbridge.BaseTopic.
func New(log *zap.Logger, pub Publisher, topicBase string, nodeID string) *Module {
	if log == nil {
		log = zap.NewNop()
	}
	if topicBase == "" {
		topicBase = airbridge.BaseTopic
	}
	return &Module{log: log, pub: pub, topicBase: topicBase, nodeID: nodeID, now: time.Now}
}

// Will returns the offline status message to register as the MQTT will.
func Will(topicBase string, nodeID string) (string, []byte) {
	if topicBase == "" {
		topicBase = airbridge.BaseTopic
	}
	payload, _ := json.Marshal(airbridge.BridgeStatus{NodeID: nodeID, Status: airbridge.StatusOffline})
	return airbridge.TopicStatus(topicBase, nodeID), payload
}

// Online marks the bridge as running.
func (m *Module) Online() error {
	return m.status(airbridge.StatusOnline)
}

// Offline marks the bridge as stopped.
func (m *Module) Offline() error {
	return m.status(airbridge.StatusOffline)
}

func (m *Module) status(state string) error {
	payload, err := json.Marshal(airbridge.BridgeStatus{NodeID: m.nodeID, Status: state, TS: m.now().Unix()})
	if err != nil {
		return err
	}
	return m.pub.Publish(airbridge.TopicStatus(m.topicBase, m.nodeID), true, payload)
}

// Found publishes the retained presence record for dev.
func (m *Module) Found(dev *upnp.Device, endpoint airbridge.AirPlayEndpoint) error {
	p := airbridge.RendererPresence{
		UDN:          dev.UDN,
		Name:         dev.FriendlyName,
		DeviceType:   dev.DeviceType,
		Manufacturer: dev.Manufacturer,
		ModelName:    dev.ModelName,
		Location:     dev.Location,
		AirPlay:      endpoint,
		TS:           m.now().Unix(),
	}
	if err := airbridge.ValidatePresence(p); err != nil {
		return fmt.Errorf("presence for %s: %w", dev.UDN, err)
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	m.log.Debug("publishing presence", zap.String("udn", dev.UDN))
	return m.pub.Publish(airbridge.TopicRenderer(m.topicBase, dev.UDN), true, payload)
}

// Removed clears the retained record for udn.
func (m *Module) Removed(udn string) error {
	m.log.Debug("clearing presence", zap.String("udn", udn))
	return m.pub.Publish(airbridge.TopicRenderer(m.topicBase, udn), true, nil)
}
