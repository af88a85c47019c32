package soap

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mikey-austin/airbridge/internal/metrics"
	"github.com/mikey-austin/airbridge/internal/upnp"
)

const avtType = "urn:schemas-upnp-org:service:AVTransport:1"

const positionResponse = `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
<s:Body><u:GetPositionInfoResponse xmlns:u="urn:schemas-upnp-org:service:AVTransport:1">
<Track>1</Track><TrackDuration>0:03:20</TrackDuration><RelTime>0:00:10</RelTime><TrackMetaData>&lt;DIDL-Lite/&gt;</TrackMetaData>
</u:GetPositionInfoResponse></s:Body></s:Envelope>`

const faultResponse = `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
<s:Body><s:Fault><faultcode>s:Client</faultcode><faultstring>UPnPError</faultstring>
<detail><UPnPError xmlns="urn:schemas-upnp-org:control-1-0"><errorCode>718</errorCode><errorDescription>Invalid InstanceID</errorDescription></UPnPError></detail>
</s:Fault></s:Body></s:Envelope>`

type capturedRequest struct {
	method string
	header http.Header
	body   string
}

func recordingServer(t *testing.T, handle func(w http.ResponseWriter, r capturedRequest)) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var seen []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		req := capturedRequest{method: r.Method, header: r.Header.Clone(), body: string(body)}
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()
		handle(w, req)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), seen...)
	}
}

func TestInvokeSuccess(t *testing.T) {
	srv, requests := recordingServer(t, func(w http.ResponseWriter, _ capturedRequest) {
		_, _ = io.WriteString(w, positionResponse)
	})
	client := NewClient(nil, Options{Metrics: metrics.New()})

	out, err := client.Invoke(context.Background(), srv.URL, avtType, "GetPositionInfo", []upnp.Arg{{Name: "InstanceID", Value: "0"}})
	require.NoError(t, err)
	require.Equal(t, "0:03:20", out["TrackDuration"])
	require.Equal(t, "0:00:10", out["RelTime"])
	require.Equal(t, "<DIDL-Lite/>", out["TrackMetaData"])

	reqs := requests()
	require.Len(t, reqs, 1)
	require.Equal(t, http.MethodPost, reqs[0].method)
	require.Equal(t, `"`+avtType+`#GetPositionInfo"`, reqs[0].header.Get("SOAPACTION"))
	require.Equal(t, `text/xml; charset="utf-8"`, reqs[0].header.Get("Content-Type"))
	require.Equal(t, UserAgent, reqs[0].header.Get("User-Agent"))
	require.Contains(t, reqs[0].body, "<InstanceID>0</InstanceID>")
}

func TestInvokeRetriesWithMPost(t *testing.T) {
	srv, requests := recordingServer(t, func(w http.ResponseWriter, r capturedRequest) {
		if r.method == http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_, _ = io.WriteString(w, positionResponse)
	})
	client := NewClient(nil, Options{})

	_, err := client.Invoke(context.Background(), srv.URL, avtType, "GetPositionInfo", []upnp.Arg{{Name: "InstanceID", Value: "0"}})
	require.NoError(t, err)

	reqs := requests()
	require.Len(t, reqs, 2)
	require.Equal(t, "M-POST", reqs[1].method)
	require.Equal(t, `"http://schemas.xmlsoap.org/soap/envelope/"; ns=01`, reqs[1].header.Get("MAN"))
	require.Equal(t, `"`+avtType+`#GetPositionInfo"`, reqs[1].header.Get("01-SOAPACTION"))
	require.Empty(t, reqs[1].header.Get("SOAPACTION"))
}

func TestInvokeRetriesOnlyOnce(t *testing.T) {
	srv, requests := recordingServer(t, func(w http.ResponseWriter, _ capturedRequest) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	})
	client := NewClient(nil, Options{})

	_, err := client.Invoke(context.Background(), srv.URL, avtType, "Stop", nil)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusMethodNotAllowed, statusErr.StatusCode)
	require.Len(t, requests(), 2)
}

func TestInvokeFault(t *testing.T) {
	srv, _ := recordingServer(t, func(w http.ResponseWriter, _ capturedRequest) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, faultResponse)
	})
	client := NewClient(nil, Options{})

	_, err := client.Invoke(context.Background(), srv.URL, avtType, "Stop", []upnp.Arg{{Name: "InstanceID", Value: "0"}})
	var cmdErr *upnp.CommandError
	require.ErrorAs(t, err, &cmdErr)
	require.Equal(t, 718, cmdErr.Code)
	require.Equal(t, "Invalid InstanceID", cmdErr.Description)
	require.Equal(t, "Stop", cmdErr.Action)
}

func TestInvokeMalformedFault(t *testing.T) {
	srv, _ := recordingServer(t, func(w http.ResponseWriter, _ capturedRequest) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, "<html>oops</html>")
	})
	client := NewClient(nil, Options{})

	_, err := client.Invoke(context.Background(), srv.URL, avtType, "Stop", nil)
	require.True(t, errors.Is(err, ErrMalformedFault), "got %v", err)
}

func TestInvokeTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	client := NewClient(nil, Options{})

	res := <-client.InvokeAsync(context.Background(), url, avtType, "Stop", nil)
	require.Error(t, res.Err)
	var cmdErr *upnp.CommandError
	require.False(t, errors.As(res.Err, &cmdErr))
}

func TestBuildEnvelopeEscapesAndOrders(t *testing.T) {
	body := string(BuildEnvelope(avtType, "SetAVTransportURI", []upnp.Arg{
		{Name: "InstanceID", Value: "0"},
		{Name: "CurrentURI", Value: "http://host/a?b=1&c=2"},
		{Name: "CurrentURIMetaData", Value: "<DIDL-Lite/>"},
	}))
	require.Contains(t, body, `<u:SetAVTransportURI xmlns:u="`+avtType+`">`)
	require.Contains(t, body, "<CurrentURI>http://host/a?b=1&amp;c=2</CurrentURI>")
	require.Contains(t, body, "<CurrentURIMetaData>&lt;DIDL-Lite/&gt;</CurrentURIMetaData>")
	require.Less(t, strings.Index(body, "<InstanceID>"), strings.Index(body, "<CurrentURI>"))
}

func TestParseFaultWithoutDetail(t *testing.T) {
	_, err := ParseFault([]byte(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><s:Fault><faultcode>s:Server</faultcode></s:Fault></s:Body></s:Envelope>`), "Play")
	require.ErrorIs(t, err, ErrMalformedFault)
}
