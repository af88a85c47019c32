// Package airplay exposes a Playback over the AirPlay video HTTP protocol.
package airplay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"howett.net/plist"

	"github.com/mikey-austin/airbridge/internal/modules/controlpoint"
)

// Content types used by AirPlay senders.
const (
	ContentTypeBinaryPlist = "application/x-apple-binary-plist"
	ContentTypeTextPlist   = "text/x-apple-plist+xml"
	ContentTypeParameters  = "text/parameters"

	headerSessionID  = "X-Apple-Session-ID"
	headerTransition = "X-Apple-Transition"

	// DefaultFeatures advertises video, photo and slideshow support and
	// makes senders post /play bodies as binary plists.
	DefaultFeatures = 0x77
	DefaultModel    = "AppleTV2,1"

	maxBodyBytes = 32 << 20
)

// Config describes the advertised receiver.
type Config struct {
	Name     string
	DeviceID string
	Model    string
	Features int
}

// Server is the AirPlay endpoint for one renderer.
type Server struct {
	log      *zap.Logger
	playback controlpoint.Playback
	cfg      Config
	listener net.Listener
	srv      *http.Server

	mu       sync.Mutex
	reversed map[net.Conn]struct{}
}

// NewServer binds listen and routes requests to playback.
func NewServer(log *zap.Logger, playback controlpoint.Playback, listen string, cfg Config) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Features == 0 {
		cfg.Features = DefaultFeatures
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("airplay listen %s: %w", listen, err)
	}
	s := &Server{
		log:      log,
		playback: playback,
		cfg:      cfg,
		listener: ln,
		reversed: map[net.Conn]struct{}{},
	}
	s.srv = &http.Server{Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/server-info", s.handleServerInfo)
	r.Get("/slideshow-features", s.handleSlideshowFeatures)

	r.Group(func(r chi.Router) {
		r.Use(s.session)
		r.Get("/playback-info", s.handlePlaybackInfo)
		r.Post("/play", s.handlePlay)
		r.Post("/stop", s.handleStop)
		r.Get("/scrub", s.handleGetScrub)
		r.Post("/scrub", s.handleSetScrub)
		r.Post("/rate", s.handleRate)
		r.Post("/reverse", s.handleReverse)
		r.Put("/photo", s.handlePhoto)
		r.Put("/setProperty", s.handleSetProperty)
	})
	return r
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Port is the bound TCP port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// TXT returns the Bonjour TXT records for the _airplay._tcp service.
func (s *Server) TXT() []string {
	return []string{
		"deviceid=" + s.cfg.DeviceID,
		fmt.Sprintf("features=0x%X", s.cfg.Features),
		"model=" + s.cfg.Model,
	}
}

// Run serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(s.listener)
	}()
	s.log.Info("airplay service running", zap.String("name", s.cfg.Name), zap.Int("port", s.Port()))
	defer s.closeReversed()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		s.log.Info("airplay service stopped", zap.String("name", s.cfg.Name))
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close stops the listener without waiting for in-flight requests.
func (s *Server) Close() error {
	s.closeReversed()
	return s.srv.Close()
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.Debug("airplay request", zap.String("method", r.Method), zap.String("uri", r.RequestURI), zap.String("session", r.Header.Get(headerSessionID)))
		next.ServeHTTP(w, r)
	})
}

// session binds the request to the sender's session. Requests without a
// session header leave the current owner untouched.
func (s *Server) session(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get(headerSessionID); id != "" {
			if err := s.playback.SetSessionID(r.Context(), id); err != nil {
				s.fail(w, r, err)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, controlpoint.ErrSessionRejected) {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	s.log.Warn("airplay request failed", zap.String("uri", r.RequestURI), zap.Error(err))
	w.WriteHeader(http.StatusInternalServerError)
}

type timeRange struct {
	Duration float64 `plist:"duration"`
	Start    float64 `plist:"start"`
}

type playbackInfo struct {
	Duration               float64     `plist:"duration"`
	Position               float64     `plist:"position"`
	Rate                   float64     `plist:"rate"`
	PlaybackBufferEmpty    bool        `plist:"playbackBufferEmpty"`
	PlaybackBufferFull     bool        `plist:"playbackBufferFull"`
	PlaybackLikelyToKeepUp bool        `plist:"playbackLikelyToKeepUp"`
	ReadyToPlay            bool        `plist:"readyToPlay"`
	LoadedTimeRanges       []timeRange `plist:"loadedTimeRanges"`
	SeekableTimeRanges     []timeRange `plist:"seekableTimeRanges"`
}

func (s *Server) handlePlaybackInfo(w http.ResponseWriter, r *http.Request) {
	duration, position, err := s.playback.GetScrub(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	playing, err := s.playback.IsPlaying(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ready := duration+position != 0
	info := playbackInfo{
		Duration:               duration,
		Position:               position,
		PlaybackBufferEmpty:    !ready,
		PlaybackLikelyToKeepUp: true,
		ReadyToPlay:            ready,
		LoadedTimeRanges:       []timeRange{{Duration: duration}},
		SeekableTimeRanges:     []timeRange{{Duration: duration}},
	}
	if playing {
		info.Rate = 1
	}
	s.writePlist(w, r, info)
}

type serverInfo struct {
	DeviceID  string `plist:"deviceid"`
	Features  int    `plist:"features"`
	Model     string `plist:"model"`
	Protovers string `plist:"protovers"`
	Srcvers   string `plist:"srcvers"`
}

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	s.writePlist(w, r, serverInfo{
		DeviceID:  s.cfg.DeviceID,
		Features:  s.cfg.Features,
		Model:     s.cfg.Model,
		Protovers: "1.0",
		Srcvers:   "101.10",
	})
}

type slideshowTheme struct {
	Key  string `plist:"key"`
	Name string `plist:"name"`
}

func (s *Server) handleSlideshowFeatures(w http.ResponseWriter, r *http.Request) {
	s.writePlist(w, r, map[string]any{
		"themes": []slideshowTheme{{Key: "UPnP", Name: "UPnP"}},
	})
}

func (s *Server) writePlist(w http.ResponseWriter, r *http.Request, v any) {
	data, err := plist.MarshalIndent(v, plist.XMLFormat, "\t")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", ContentTypeTextPlist)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	location, position, err := parsePlayBody(r.Header.Get("Content-Type"), body)
	if err != nil {
		s.log.Debug("bad play request", zap.Error(err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.playback.Play(r.Context(), location, position); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// parsePlayBody accepts a binary plist or a text/parameters body and returns
// Content-Location and Start-Position. The position defaults to zero for
// streams that carry none.
func parsePlayBody(contentType string, body []byte) (string, float64, error) {
	if strings.HasPrefix(contentType, ContentTypeBinaryPlist) {
		var fields map[string]any
		if _, err := plist.Unmarshal(body, &fields); err != nil {
			return "", 0, fmt.Errorf("decode play plist: %w", err)
		}
		location, _ := fields["Content-Location"].(string)
		if location == "" {
			return "", 0, errors.New("play: missing Content-Location")
		}
		return location, toFloat(fields["Start-Position"]), nil
	}

	var location string
	var position float64
	scanner := bufio.NewScanner(strings.NewReader(string(body)))
	for scanner.Scan() {
		name, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "content-location":
			location = value
		case "start-position":
			p, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return "", 0, fmt.Errorf("play: bad Start-Position %q", value)
			}
			position = p
		}
	}
	if location == "" {
		return "", 0, errors.New("play: missing Content-Location")
	}
	return location, position, nil
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.playback.Stop(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetScrub(w http.ResponseWriter, r *http.Request) {
	duration, position, err := s.playback.GetScrub(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", ContentTypeParameters)
	fmt.Fprintf(w, "duration: %f\nposition: %f", duration, position)
}

func (s *Server) handleSetScrub(w http.ResponseWriter, r *http.Request) {
	position, err := strconv.ParseFloat(r.URL.Query().Get("position"), 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.playback.SetScrub(r.Context(), position); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	speed, err := strconv.ParseFloat(r.URL.Query().Get("value"), 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.playback.Rate(r.Context(), speed); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePhoto(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.playback.Photo(r.Context(), data, r.Header.Get(headerTransition)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSetProperty(w http.ResponseWriter, r *http.Request) {
	name := r.URL.RawQuery
	var body struct {
		Value any `plist:"value"`
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), ContentTypeBinaryPlist) {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err == nil {
			_, err = plist.Unmarshal(data, &body)
		}
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}
	if err := s.playback.SetProperty(r.Context(), name, body.Value); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleReverse upgrades to the PTTH event channel. No events are sent; the
// connection is held until the sender drops it or the server stops.
func (s *Server) handleReverse(w http.ResponseWriter, r *http.Request) {
	if err := s.playback.Reverse(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.Header().Set("Upgrade", "PTTH/1.0")
		w.Header().Set("Connection", "Upgrade")
		w.WriteHeader(http.StatusSwitchingProtocols)
		return
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	_, _ = rw.WriteString("HTTP/1.1 101 Switching Protocols\r\nUpgrade: PTTH/1.0\r\nConnection: Upgrade\r\nContent-Length: 0\r\n\r\n")
	if err := rw.Flush(); err != nil {
		_ = conn.Close()
		return
	}
	s.mu.Lock()
	s.reversed[conn] = struct{}{}
	s.mu.Unlock()
	go func() {
		_, _ = io.Copy(io.Discard, rw)
		_ = conn.Close()
		s.mu.Lock()
		delete(s.reversed, conn)
		s.mu.Unlock()
	}()
}

func (s *Server) closeReversed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.reversed {
		_ = conn.Close()
		delete(s.reversed, conn)
	}
}
