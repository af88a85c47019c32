// Package soap invokes UPnP actions over SOAP 1.1.
package soap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/airbridge/internal/metrics"
	"github.com/mikey-austin/airbridge/internal/upnp"
)

// UserAgent identifies the bridge to devices.
const UserAgent = "OS/1.0 UPnP/1.0 airbridge/1.0"

const maxResponseBytes = 1 << 20

// StatusError is returned for HTTP replies that are neither success nor a
// SOAP fault.
type StatusError struct {
	Action     string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("soap %s: unexpected status %s", e.Action, e.Status)
}

// Options configures a Client.
type Options struct {
	Timeout    time.Duration
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
}

// Client is a SOAP sender usable as a upnp.Invoker.
type Client struct {
	log     *zap.Logger
	http    *http.Client
	metrics *metrics.Metrics
}

// NewClient builds a client. A zero timeout defaults to ten seconds.
func NewClient(log *zap.Logger, opts Options) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{log: log, http: httpClient, metrics: opts.Metrics}
}

// Invoke posts action to controlURL. A 405 reply triggers a single M-POST
// retry. Faults are returned as *upnp.CommandError.
func (c *Client) Invoke(ctx context.Context, controlURL string, serviceType string, action string, args []upnp.Arg) (map[string]string, error) {
	body := BuildEnvelope(serviceType, action, args)
	out, err := c.invoke(ctx, controlURL, serviceType, action, body, false)
	c.metrics.SOAPCall(action, resultLabel(err))
	return out, err
}

// Result is delivered by InvokeAsync.
type Result struct {
	Out map[string]string
	Err error
}

// InvokeAsync runs Invoke in the background. The channel yields exactly one
// result.
func (c *Client) InvokeAsync(ctx context.Context, controlURL string, serviceType string, action string, args []upnp.Arg) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		out, err := c.Invoke(ctx, controlURL, serviceType, action, args)
		ch <- Result{Out: out, Err: err}
	}()
	return ch
}

func (c *Client) invoke(ctx context.Context, controlURL string, serviceType string, action string, body []byte, mpost bool) (map[string]string, error) {
	req, err := newRequest(ctx, controlURL, serviceType, action, body, mpost)
	if err != nil {
		return nil, err
	}
	c.log.Debug("soap request", zap.String("url", controlURL), zap.String("action", action), zap.Bool("mpost", mpost))
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("soap request failed", zap.String("url", controlURL), zap.String("action", action), zap.Error(err))
		return nil, fmt.Errorf("soap %s: %w", action, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.log.Warn("soap response read failed", zap.String("url", controlURL), zap.String("action", action), zap.Error(err))
		return nil, fmt.Errorf("soap %s: %w", action, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return ParseResponse(data, action)
	case resp.StatusCode == http.StatusMethodNotAllowed && !mpost:
		c.log.Debug("soap POST not allowed, retrying with M-POST", zap.String("url", controlURL), zap.String("action", action))
		return c.invoke(ctx, controlURL, serviceType, action, body, true)
	case resp.StatusCode == http.StatusInternalServerError:
		cmdErr, err := ParseFault(data, action)
		if err != nil {
			return nil, fmt.Errorf("soap %s: %w", action, err)
		}
		c.log.Debug("soap fault", zap.String("action", action), zap.Int("code", cmdErr.Code), zap.String("description", cmdErr.Description))
		return nil, cmdErr
	default:
		return nil, &StatusError{Action: action, StatusCode: resp.StatusCode, Status: resp.Status}
	}
}

func newRequest(ctx context.Context, controlURL string, serviceType string, action string, body []byte, mpost bool) (*http.Request, error) {
	method := http.MethodPost
	if mpost {
		method = "M-POST"
	}
	req, err := http.NewRequestWithContext(ctx, method, controlURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("soap %s: %w", action, err)
	}
	soapAction := fmt.Sprintf(`"%s#%s"`, serviceType, action)
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("User-Agent", UserAgent)
	if mpost {
		req.Header.Set("MAN", `"`+envelopeNS+`"; ns=01`)
		req.Header.Set("01-SOAPACTION", soapAction)
	} else {
		req.Header.Set("SOAPACTION", soapAction)
	}
	return req, nil
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if _, ok := err.(*upnp.CommandError); ok {
		return "fault"
	}
	return "error"
}
