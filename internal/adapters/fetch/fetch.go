// Package fetch retrieves device and service description documents.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/airbridge/internal/adapters/soap"
)

const maxDocumentBytes = 4 << 20

// StatusError reports a non-2xx reply.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
}

// Fetcher performs HTTP GETs with the bridge user agent.
type Fetcher struct {
	log  *zap.Logger
	http *http.Client
}

// New returns a fetcher whose requests time out after timeout.
func New(log *zap.Logger, timeout time.Duration) *Fetcher {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Fetcher{log: log, http: &http.Client{Timeout: timeout}}
}

// Fetch returns the body of url.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	req.Header.Set("User-Agent", soap.UserAgent)
	resp, err := f.http.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			f.log.Warn("fetch failed", zap.String("url", url), zap.Error(err))
		}
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		f.log.Warn("fetch failed", zap.String("url", url), zap.Int("status", resp.StatusCode))
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	return data, nil
}
