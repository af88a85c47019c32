// Package airbridge defines the retained MQTT payloads the bridge publishes
// for each AirPlay receiver it exposes.
package airbridge

import (
	"errors"
	"fmt"
	"strings"
)

// BaseTopic is the default MQTT topic prefix for the protocol.
const BaseTopic = "airbridge/v1"

// Bridge states published on the status topic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// RendererPresence describes one bridged renderer. It is published retained
// while the renderer is reachable and cleared when it leaves.
type RendererPresence struct {
	UDN          string          `json:"udn"`
	Name         string          `json:"name"`
	DeviceType   string          `json:"deviceType"`
	Manufacturer string          `json:"manufacturer,omitempty"`
	ModelName    string          `json:"modelName,omitempty"`
	Location     string          `json:"location"`
	AirPlay      AirPlayEndpoint `json:"airplay"`
	TS           int64           `json:"ts"`
}

// AirPlayEndpoint is where senders reach the bridged receiver.
type AirPlayEndpoint struct {
	Name     string `json:"name"`
	DeviceID string `json:"deviceId"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port"`
}

// BridgeStatus is the retained liveness payload of a bridge instance. The
// offline form doubles as the MQTT will message.
type BridgeStatus struct {
	NodeID string `json:"nodeId"`
	Status string `json:"status"`
	TS     int64  `json:"ts"`
}

// ValidatePresence checks the fields consumers rely on.
func ValidatePresence(p RendererPresence) error {
	if strings.TrimSpace(p.UDN) == "" {
		return errors.New("udn is required")
	}
	if strings.TrimSpace(p.Location) == "" {
		return errors.New("location is required")
	}
	if p.AirPlay.Port <= 0 || p.AirPlay.Port > 65535 {
		return fmt.Errorf("airplay port %d out of range", p.AirPlay.Port)
	}
	if p.TS <= 0 {
		return errors.New("ts must be a positive unix timestamp")
	}
	return nil
}

// TopicRenderer builds the presence topic for a renderer.
func TopicRenderer(topicBase, udn string) string {
	return fmt.Sprintf("%s/renderer/%s/presence", topicBase, TopicSegment(udn))
}

// TopicStatus builds the status topic for a bridge instance.
func TopicStatus(topicBase, nodeID string) string {
	return fmt.Sprintf("%s/bridge/%s/status", topicBase, TopicSegment(nodeID))
}

// TopicSegment makes s safe to embed as a single topic level.
func TopicSegment(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', 0:
			return '_'
		}
		return r
	}, s)
}
