package upnp

import (
	"context"
	"errors"
	"strings"
	"testing"
)

const rendererXML = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <specVersion><major>1</major><minor>0</minor></specVersion>
  <device>
    <deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType>
    <friendlyName>Living Room</friendlyName>
    <manufacturer>Acme</manufacturer>
    <modelName>Renderer 9000</modelName>
    <UDN>uuid:renderer-1</UDN>
    <serviceList>
      <service>
        <serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
        <serviceId>urn:upnp-org:serviceId:AVTransport</serviceId>
        <SCPDURL>/avt/scpd.xml</SCPDURL>
        <controlURL>avt/control</controlURL>
        <eventSubURL>http://10.0.0.9:80/avt/event</eventSubURL>
      </service>
      <service>
        <serviceType>urn:schemas-upnp-org:service:ConnectionManager:1</serviceType>
        <serviceId>urn:upnp-org:serviceId:ConnectionManager</serviceId>
        <SCPDURL>/cm/scpd.xml</SCPDURL>
        <controlURL>/cm/control</controlURL>
        <eventSubURL>/cm/event</eventSubURL>
      </service>
    </serviceList>
  </device>
</root>`

const avtSCPD = `<?xml version="1.0"?>
<scpd xmlns="urn:schemas-upnp-org:service-1-0">
  <actionList>
    <action>
      <name>GetTransportInfo</name>
      <argumentList>
        <argument><name>InstanceID</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_InstanceID</relatedStateVariable></argument>
        <argument><name>CurrentTransportState</name><direction>out</direction><relatedStateVariable>TransportState</relatedStateVariable></argument>
        <argument><name>CurrentSpeed</name><direction>out</direction><relatedStateVariable>TransportPlaySpeed</relatedStateVariable></argument>
      </argumentList>
    </action>
    <action>
      <name>Play</name>
      <argumentList>
        <argument><name>InstanceID</name><direction>in</direction></argument>
        <argument><name>Speed</name><direction>in</direction></argument>
      </argumentList>
    </action>
  </actionList>
</scpd>`

type recordingInvoker struct {
	controlURL string
	action     string
	args       []Arg
	resp       map[string]string
	err        error
}

func (r *recordingInvoker) Invoke(_ context.Context, controlURL string, _ string, action string, args []Arg) (map[string]string, error) {
	r.controlURL = controlURL
	r.action = action
	r.args = args
	return r.resp, r.err
}

func TestParseDevice(t *testing.T) {
	dev, err := ParseDevice([]byte(rendererXML), "http://10.0.0.9:80/desc.xml")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if dev.UDN != "uuid:renderer-1" || dev.FriendlyName != "Living Room" {
		t.Fatalf("unexpected device: %+v", dev)
	}
	ids := dev.ServiceIDs()
	if len(ids) != 2 || ids[0] != ServiceIDAVTransport || ids[1] != ServiceIDConnectionManager {
		t.Fatalf("unexpected service order: %v", ids)
	}
	avt, ok := dev.Service(ServiceIDAVTransport)
	if !ok {
		t.Fatalf("expected avtransport")
	}
	if avt.SCPDURL != "http://10.0.0.9:80/avt/scpd.xml" {
		t.Fatalf("unexpected scpd url %q", avt.SCPDURL)
	}
	if avt.ControlURL != "http://10.0.0.9:80/avt/control" {
		t.Fatalf("unexpected control url %q", avt.ControlURL)
	}
	if avt.EventSubURL != "http://10.0.0.9:80/avt/event" {
		t.Fatalf("absolute url rewritten: %q", avt.EventSubURL)
	}
	if dev.String() != "Living Room [UDN=uuid:renderer-1]" {
		t.Fatalf("unexpected string %q", dev.String())
	}
}

func TestParseDeviceDeterministic(t *testing.T) {
	a, err := ParseDevice([]byte(rendererXML), "http://10.0.0.9/desc.xml")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b, err := ParseDevice([]byte(rendererXML), "http://10.0.0.9/desc.xml")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if strings.Join(a.ServiceIDs(), ",") != strings.Join(b.ServiceIDs(), ",") || a.UDN != b.UDN {
		t.Fatalf("expected identical descriptors")
	}
}

func TestParseDeviceURLBase(t *testing.T) {
	doc := strings.Replace(rendererXML, "<device>", "<URLBase>http://10.0.0.10:8080/base/</URLBase><device>", 1)
	dev, err := ParseDevice([]byte(doc), "http://10.0.0.9/desc.xml")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cm, _ := dev.Service(ServiceIDConnectionManager)
	if cm.ControlURL != "http://10.0.0.10:8080/cm/control" {
		t.Fatalf("unexpected control url %q", cm.ControlURL)
	}
}

func TestParseDeviceMissingField(t *testing.T) {
	doc := strings.Replace(rendererXML, "<manufacturer>Acme</manufacturer>", "", 1)
	_, err := ParseDevice([]byte(doc), "http://10.0.0.9/desc.xml")
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected missing field, got %v", err)
	}
	if !strings.Contains(err.Error(), "manufacturer") {
		t.Fatalf("expected field name in error: %v", err)
	}
}

func TestParseDeviceMalformed(t *testing.T) {
	if _, err := ParseDevice([]byte("<root><device>"), "http://10.0.0.9/"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestResolveURL(t *testing.T) {
	if got := ResolveURL("http://host/", "ctl"); got != "http://host/ctl" {
		t.Fatalf("unexpected %q", got)
	}
	if got := ResolveURL("http://host/", "http://other/ctl"); got != "http://other/ctl" {
		t.Fatalf("unexpected %q", got)
	}
	abs := ResolveURL("http://host/", "/x/y")
	if again := ResolveURL("http://host/", abs); again != abs {
		t.Fatalf("resolve not idempotent: %q %q", abs, again)
	}
}

func initializedAVT(t *testing.T, inv Invoker) *Service {
	t.Helper()
	dev, err := ParseDevice([]byte(rendererXML), "http://10.0.0.9/desc.xml")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	avt, _ := dev.Service(ServiceIDAVTransport)
	if err := avt.Initialize([]byte(avtSCPD), inv); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return avt
}

func TestServiceCallBeforeInitialize(t *testing.T) {
	dev, _ := ParseDevice([]byte(rendererXML), "http://10.0.0.9/desc.xml")
	avt, _ := dev.Service(ServiceIDAVTransport)
	if _, err := avt.Call(context.Background(), "Play", nil); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected not initialized, got %v", err)
	}
}

func TestActionCall(t *testing.T) {
	inv := &recordingInvoker{resp: map[string]string{
		"CurrentTransportState": "PLAYING",
		"Unrelated":             "x",
	}}
	avt := initializedAVT(t, inv)
	if got := avt.Actions(); len(got) != 2 || got[0] != "GetTransportInfo" {
		t.Fatalf("unexpected actions %v", got)
	}
	out, err := avt.Call(context.Background(), "GetTransportInfo", map[string]string{"InstanceID": "0", "Extra": "ignored"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if inv.controlURL != avt.ControlURL || inv.action != "GetTransportInfo" {
		t.Fatalf("unexpected invocation %+v", inv)
	}
	if len(inv.args) != 1 || inv.args[0] != (Arg{Name: "InstanceID", Value: "0"}) {
		t.Fatalf("expected only in args on the wire: %+v", inv.args)
	}
	if len(out) != 2 || out["CurrentTransportState"] != "PLAYING" || out["CurrentSpeed"] != "" {
		t.Fatalf("unexpected outputs %v", out)
	}
}

func TestActionCallMissingArgument(t *testing.T) {
	inv := &recordingInvoker{}
	avt := initializedAVT(t, inv)
	_, err := avt.Call(context.Background(), "Play", map[string]string{"InstanceID": "0"})
	if !errors.Is(err, ErrMissingArgument) {
		t.Fatalf("expected missing argument, got %v", err)
	}
	if inv.action != "" {
		t.Fatalf("expected no invocation")
	}
}

func TestActionCallUnknown(t *testing.T) {
	avt := initializedAVT(t, &recordingInvoker{})
	if _, err := avt.Call(context.Background(), "Rewind", nil); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected unknown action, got %v", err)
	}
}

func TestActionCallCommandError(t *testing.T) {
	inv := &recordingInvoker{err: &CommandError{Action: "Play", Code: 701, Description: "Transition not available"}}
	avt := initializedAVT(t, inv)
	res := <-avt.CallAsync(context.Background(), "Play", map[string]string{"InstanceID": "0", "Speed": "1"})
	if !IsCommandError(res.Err, ErrorCodeTransitionFailed) {
		t.Fatalf("expected command error 701, got %v", res.Err)
	}
}

func TestInitializeBadDirection(t *testing.T) {
	dev, _ := ParseDevice([]byte(rendererXML), "http://10.0.0.9/desc.xml")
	avt, _ := dev.Service(ServiceIDAVTransport)
	bad := strings.Replace(avtSCPD, "<direction>out</direction>", "<direction>sideways</direction>", 1)
	if err := avt.Initialize([]byte(bad), &recordingInvoker{}); err == nil {
		t.Fatalf("expected error")
	}
	if avt.Initialized() {
		t.Fatalf("failed initialize must not bind actions")
	}
}
