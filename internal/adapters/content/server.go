// Package content serves published photos, and optionally metrics, to
// renderers over HTTP.
package content

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mikey-austin/airbridge/internal/adapters/idgen"
)

const photoPrefix = "/photos/"

// Config configures the content server.
type Config struct {
	// Listen is the bind address, for example ":0" or "0.0.0.0:8090".
	Listen string
	// AdvertiseHost is the host renderers use to reach the server. It
	// defaults to the bound IP.
	AdvertiseHost string
	// Metrics, when set, is mounted at /metrics.
	Metrics http.Handler
}

type item struct {
	data        []byte
	contentType string
}

// Server holds published items in memory until they are unpublished.
type Server struct {
	log      *zap.Logger
	ids      idgen.Generator
	listener net.Listener
	baseURL  string
	srv      *http.Server

	mu    sync.RWMutex
	items map[string]item
}

// New binds the listener so published URLs are known before Run.
func New(log *zap.Logger, cfg Config) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	listen := cfg.Listen
	if listen == "" {
		listen = ":0"
	}
	ln, err := net.Listen("tcp4", listen)
	if err != nil {
		return nil, fmt.Errorf("content listen %s: %w", listen, err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	host := cfg.AdvertiseHost
	if host == "" {
		host = addr.IP.String()
	}
	s := &Server{
		log:      log,
		listener: ln,
		baseURL:  "http://" + net.JoinHostPort(host, strconv.Itoa(addr.Port)),
		items:    map[string]item{},
	}
	s.srv = &http.Server{Handler: s.routes(cfg.Metrics), ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

func (s *Server) routes(metrics http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(photoPrefix+"{id}", s.handlePhoto)
	r.Head(photoPrefix+"{id}", s.handlePhoto)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}
	return r
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// BaseURL is the advertised root of every published URL.
func (s *Server) BaseURL() string {
	return s.baseURL
}

// Publish stores data under a fresh random URL.
func (s *Server) Publish(data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("content: empty payload")
	}
	id := s.ids.NewID()
	s.mu.Lock()
	s.items[id] = item{data: data, contentType: http.DetectContentType(data)}
	s.mu.Unlock()
	return s.baseURL + photoPrefix + id, nil
}

// Unpublish removes a URL returned by Publish. Unknown URLs are ignored.
func (s *Server) Unpublish(url string) {
	id := strings.TrimPrefix(url, s.baseURL+photoPrefix)
	s.mu.Lock()
	delete(s.items, id)
	s.mu.Unlock()
}

func (s *Server) handlePhoto(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	it, ok := s.items[chi.URLParam(r, "id")]
	s.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", it.contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(it.data)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(it.data)
}

// Run serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("content server listening", zap.String("url", s.baseURL))
		errCh <- s.srv.Serve(s.listener)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
