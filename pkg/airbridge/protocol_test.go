package airbridge

import "testing"

func TestTopics(t *testing.T) {
	if got := TopicRenderer(BaseTopic, "uuid:abc"); got != "airbridge/v1/renderer/uuid:abc/presence" {
		t.Fatalf("unexpected renderer topic %q", got)
	}
	if got := TopicStatus("home", "br/1+#"); got != "home/bridge/br_1__/status" {
		t.Fatalf("unexpected status topic %q", got)
	}
}

func TestValidatePresence(t *testing.T) {
	p := RendererPresence{
		UDN:      "uuid:abc",
		Location: "http://10.0.0.2:49152/desc.xml",
		AirPlay:  AirPlayEndpoint{Name: "AirPlay TV", Port: 22555},
		TS:       1,
	}
	if err := ValidatePresence(p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p.AirPlay.Port = 0
	if err := ValidatePresence(p); err == nil {
		t.Fatalf("expected port error")
	}

	if err := ValidatePresence(RendererPresence{}); err == nil {
		t.Fatalf("expected error")
	}
}
