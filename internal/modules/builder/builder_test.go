package builder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mikey-austin/airbridge/internal/adapters/workpool"
	"github.com/mikey-austin/airbridge/internal/upnp"
)

const deviceXML = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType>
    <friendlyName>Kitchen</friendlyName>
    <manufacturer>Acme</manufacturer>
    <modelName>R1</modelName>
    <UDN>uuid:kitchen</UDN>
    <serviceList>
      <service>
        <serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
        <serviceId>urn:upnp-org:serviceId:AVTransport</serviceId>
        <SCPDURL>/avt.xml</SCPDURL>
        <controlURL>/avt/ctl</controlURL>
        <eventSubURL>/avt/evt</eventSubURL>
      </service>
      <service>
        <serviceType>urn:schemas-upnp-org:service:ConnectionManager:1</serviceType>
        <serviceId>urn:upnp-org:serviceId:ConnectionManager</serviceId>
        <SCPDURL>/cm.xml</SCPDURL>
        <controlURL>/cm/ctl</controlURL>
        <eventSubURL>/cm/evt</eventSubURL>
      </service>
    </serviceList>
  </device>
</root>`

const scpdXML = `<scpd><actionList><action><name>Stop</name><argumentList>
<argument><name>InstanceID</name><direction>in</direction></argument>
</argumentList></action></actionList></scpd>`

type fakeFetcher struct {
	mu    sync.Mutex
	docs  map[string]string
	gate  chan struct{}
	calls []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	doc, ok := f.docs[url]
	if !ok {
		return nil, fmt.Errorf("no document at %s", url)
	}
	return []byte(doc), nil
}

func rendererDocs() map[string]string {
	return map[string]string{
		"http://dev/desc.xml": deviceXML,
		"http://dev/avt.xml":  scpdXML,
		"http://dev/cm.xml":   scpdXML,
	}
}

var rendererFilter = TypeFilter(
	[]string{upnp.DeviceTypeMediaRenderer},
	[]string{upnp.ServiceIDAVTransport, upnp.ServiceIDConnectionManager},
)

func TestBuildFound(t *testing.T) {
	b := New(nil, &fakeFetcher{docs: rendererDocs()}, nil, workpool.New(2))
	dev, err := b.Build(context.Background(), "http://dev/desc.xml", rendererFilter)
	require.NoError(t, err)
	require.Equal(t, "uuid:kitchen", dev.UDN)
	for _, svc := range dev.Services() {
		require.True(t, svc.Initialized(), svc.ServiceID)
		require.True(t, svc.HasAction("Stop"))
	}
}

func TestBuildRejectedSkipsServices(t *testing.T) {
	fetcher := &fakeFetcher{docs: rendererDocs()}
	b := New(nil, fetcher, nil, nil)
	_, err := b.Build(context.Background(), "http://dev/desc.xml", TypeFilter([]string{"urn:x:device:Other:1"}, nil))
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	require.Contains(t, rejected.Reason, "unsupported device type")
	require.Equal(t, []string{"http://dev/desc.xml"}, fetcher.calls)
}

func TestBuildRejectedMissingService(t *testing.T) {
	doc := strings.Replace(deviceXML, "urn:upnp-org:serviceId:ConnectionManager", "urn:upnp-org:serviceId:Other", 1)
	docs := rendererDocs()
	docs["http://dev/desc.xml"] = doc
	b := New(nil, &fakeFetcher{docs: docs}, nil, nil)
	_, err := b.Build(context.Background(), "http://dev/desc.xml", rendererFilter)
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	require.Contains(t, rejected.Reason, upnp.ServiceIDConnectionManager)
}

func TestEmptyWhitelistRejectsEverything(t *testing.T) {
	b := New(nil, &fakeFetcher{docs: rendererDocs()}, nil, nil)
	_, err := b.Build(context.Background(), "http://dev/desc.xml", TypeFilter(nil, nil))
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
}

func TestBuildServiceFetchFailure(t *testing.T) {
	docs := rendererDocs()
	delete(docs, "http://dev/cm.xml")
	b := New(nil, &fakeFetcher{docs: docs}, nil, nil)
	_, err := b.Build(context.Background(), "http://dev/desc.xml", rendererFilter)
	require.Error(t, err)
	var rejected *RejectedError
	require.False(t, errors.As(err, &rejected))
}

func TestStartDeliversOutcome(t *testing.T) {
	b := New(nil, &fakeFetcher{docs: rendererDocs()}, nil, nil)
	job := b.Start(context.Background(), "http://dev/desc.xml", rendererFilter)
	select {
	case out, ok := <-job.Done():
		require.True(t, ok)
		require.Equal(t, Found, out.Kind)
		require.Equal(t, "uuid:kitchen", out.Device.UDN)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

func TestStartClassifiesFailure(t *testing.T) {
	b := New(nil, &fakeFetcher{docs: map[string]string{}}, nil, nil)
	out := <-b.Start(context.Background(), "http://dev/desc.xml", rendererFilter).Done()
	require.Equal(t, Failed, out.Kind)
	require.Error(t, out.Err)
}

func TestCancelledJobDeliversNothing(t *testing.T) {
	fetcher := &fakeFetcher{docs: rendererDocs(), gate: make(chan struct{})}
	b := New(nil, fetcher, nil, nil)
	job := b.Start(context.Background(), "http://dev/desc.xml", rendererFilter)
	job.Cancel()
	job.Cancel()
	select {
	case out, ok := <-job.Done():
		require.False(t, ok, "unexpected outcome %+v", out)
	case <-time.After(time.Second):
		t.Fatal("cancelled job never closed")
	}
}

func TestBuildCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := New(nil, &fakeFetcher{docs: rendererDocs()}, nil, nil)
	_, err := b.Build(ctx, "http://dev/desc.xml", rendererFilter)
	require.ErrorIs(t, err, ErrCancelled)
}
