package presence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mikey-austin/airbridge/internal/upnp"
	"github.com/mikey-austin/airbridge/pkg/airbridge"
)

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakePublisher struct {
	msgs []published
}

func (f *fakePublisher) Publish(topic string, retained bool, payload []byte) error {
	f.msgs = append(f.msgs, published{topic: topic, retained: retained, payload: payload})
	return nil
}

func testDevice() *upnp.Device {
	return &upnp.Device{
		UDN:          "uuid:tv",
		DeviceType:   upnp.DeviceTypeMediaRenderer,
		FriendlyName: "Living Room",
		Manufacturer: "Acme",
		ModelName:    "TV1",
		Location:     "http://10.0.0.2:49152/desc.xml",
	}
}

func TestFoundAndRemoved(t *testing.T) {
	pub := &fakePublisher{}
	m := New(nil, pub, "", "bridge-1")
	m.now = func() time.Time { return time.Unix(1700000000, 0) }

	if err := m.Found(testDevice(), airbridge.AirPlayEndpoint{Name: "AirPlay Living Room", DeviceID: "AA:BB", Port: 22555}); err != nil {
		t.Fatalf("found: %v", err)
	}
	if err := m.Removed("uuid:tv"); err != nil {
		t.Fatalf("removed: %v", err)
	}
	if len(pub.msgs) != 2 {
		t.Fatalf("expected two messages, got %d", len(pub.msgs))
	}

	first := pub.msgs[0]
	if first.topic != "airbridge/v1/renderer/uuid:tv/presence" || !first.retained {
		t.Fatalf("unexpected presence message %+v", first)
	}
	var p airbridge.RendererPresence
	if err := json.Unmarshal(first.payload, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Name != "Living Room" || p.AirPlay.Port != 22555 || p.TS != 1700000000 || p.Location == "" {
		t.Fatalf("unexpected presence %+v", p)
	}

	second := pub.msgs[1]
	if second.topic != first.topic || !second.retained || len(second.payload) != 0 {
		t.Fatalf("expected retained clear, got %+v", second)
	}
}

func TestFoundRejectsInvalidEndpoint(t *testing.T) {
	pub := &fakePublisher{}
	m := New(nil, pub, "home", "bridge-1")
	if err := m.Found(testDevice(), airbridge.AirPlayEndpoint{}); err == nil {
		t.Fatalf("expected error")
	}
	if len(pub.msgs) != 0 {
		t.Fatalf("nothing should be published")
	}
}

func TestStatusAndWill(t *testing.T) {
	pub := &fakePublisher{}
	m := New(nil, pub, "home", "bridge-1")
	if err := m.Online(); err != nil {
		t.Fatalf("online: %v", err)
	}
	var status airbridge.BridgeStatus
	if err := json.Unmarshal(pub.msgs[0].payload, &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pub.msgs[0].topic != "home/bridge/bridge-1/status" || status.Status != airbridge.StatusOnline {
		t.Fatalf("unexpected status %q %+v", pub.msgs[0].topic, status)
	}

	topic, payload := Will("home", "bridge-1")
	if topic != pub.msgs[0].topic {
		t.Fatalf("will topic mismatch %q", topic)
	}
	if err := json.Unmarshal(payload, &status); err != nil || status.Status != airbridge.StatusOffline {
		t.Fatalf("unexpected will %s", payload)
	}
}
