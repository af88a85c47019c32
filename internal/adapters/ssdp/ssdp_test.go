package ssdp

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

const aliveNotify = "NOTIFY * HTTP/1.1\r\n" +
	"HOST: 239.255.255.250:1900\r\n" +
	"CACHE-CONTROL: max-age=1800\r\n" +
	"LOCATION: http://10.0.0.9:49152/desc.xml\r\n" +
	"NT: urn:schemas-upnp-org:device:MediaRenderer:1\r\n" +
	"NTS: ssdp:alive\r\n" +
	"SERVER: Linux UPnP/1.0 Renderer/1.0\r\n" +
	"USN: uuid:renderer-1::urn:schemas-upnp-org:device:MediaRenderer:1\r\n" +
	"\r\n"

func TestParseNotify(t *testing.T) {
	msg, err := ParseMessage([]byte(aliveNotify), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Kind != KindNotify {
		t.Fatalf("expected notify, got %v", msg.Kind)
	}
	if msg.NTS() != NTSAlive {
		t.Fatalf("unexpected nts %q", msg.NTS())
	}
	if msg.USN() != "uuid:renderer-1::urn:schemas-upnp-org:device:MediaRenderer:1" {
		t.Fatalf("unexpected usn %q", msg.USN())
	}
	if msg.Location() != "http://10.0.0.9:49152/desc.xml" {
		t.Fatalf("unexpected location %q", msg.Location())
	}
	if msg.CacheControl() != "max-age=1800" {
		t.Fatalf("unexpected cache control %q", msg.CacheControl())
	}
	if msg.Target() != "urn:schemas-upnp-org:device:MediaRenderer:1" {
		t.Fatalf("unexpected target %q", msg.Target())
	}
}

func TestParseResponseCaseInsensitiveHeaders(t *testing.T) {
	data := "HTTP/1.1 200 OK\r\ncache-control: max-age=100\r\nst: upnp:rootdevice\r\nusn: uuid:x::upnp:rootdevice\r\nlocation: http://h/d.xml\r\n"
	msg, err := ParseMessage([]byte(data), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Kind != KindResponse || msg.Target() != RootDevice || msg.USN() != "uuid:x::upnp:rootdevice" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestParseSearch(t *testing.T) {
	msg, err := ParseMessage(BuildSearch(SearchAll, 5), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Kind != KindSearch || msg.Header.Get("MX") != "5" || msg.Header.Get("ST") != SearchAll {
		t.Fatalf("unexpected search %+v", msg)
	}
	if msg.Header.Get("MAN") != `"ssdp:discover"` {
		t.Fatalf("unexpected MAN %q", msg.Header.Get("MAN"))
	}
}

func TestParseMalformed(t *testing.T) {
	for _, data := range []string{"", "GARBAGE\r\n\r\n", "NOTIFY * HTTP/1.1\r\nno colon here\r\n\r\n"} {
		if _, err := ParseMessage([]byte(data), nil); !errors.Is(err, ErrMalformed) {
			t.Fatalf("parse %q: expected ErrMalformed, got %v", data, err)
		}
	}
}

func TestSearchDeliversReplies(t *testing.T) {
	device, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer device.Close()

	go func() {
		buf := make([]byte, 2048)
		n, src, err := device.ReadFromUDP(buf)
		if err != nil || !strings.HasPrefix(string(buf[:n]), "M-SEARCH") {
			return
		}
		reply := "HTTP/1.1 200 OK\r\nST: ssdp:all\r\nUSN: uuid:dev::upnp:rootdevice\r\nLOCATION: http://127.0.0.1/d.xml\r\n\r\n"
		_, _ = device.WriteToUDP([]byte(reply), src)
	}()

	tr := &Transport{log: zap.NewNop(), group: device.LocalAddr().(*net.UDPAddr)}
	got := make(chan Message, 1)
	if err := tr.Search(context.Background(), SearchAll, 1, func(m Message) { got <- m }); err != nil {
		t.Fatalf("search: %v", err)
	}
	select {
	case msg := <-got:
		if msg.Kind != KindResponse || msg.USN() != "uuid:dev::upnp:rootdevice" {
			t.Fatalf("unexpected reply %+v", msg)
		}
		if msg.From == nil || !msg.From.IP.IsLoopback() {
			t.Fatalf("expected loopback sender, got %v", msg.From)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply delivered")
	}
}
