// Package controlpoint translates AirPlay playback verbs into UPnP
// AVTransport actions for a single renderer.
package controlpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/airbridge/internal/metrics"
	"github.com/mikey-austin/airbridge/internal/upnp"
)

// ErrSessionRejected is returned when another AirPlay client already owns
// the renderer.
var ErrSessionRejected = errors.New("renderer busy with another session")

// Transport states reported by GetTransportInfo.
const (
	StatePlaying       = "PLAYING"
	StateTransitioning = "TRANSITIONING"
	StatePaused        = "PAUSED_PLAYBACK"
	StateStopped       = "STOPPED"
)

const defaultInstanceID = "0"

// Playback is the set of operations an AirPlay session drives.
type Playback interface {
	GetScrub(ctx context.Context) (duration float64, position float64, err error)
	IsPlaying(ctx context.Context) (bool, error)
	SetScrub(ctx context.Context, position float64) error
	Play(ctx context.Context, location string, position float64) error
	Stop(ctx context.Context) error
	Reverse(ctx context.Context) error
	Rate(ctx context.Context, speed float64) error
	Photo(ctx context.Context, data []byte, transition string) error
	SetProperty(ctx context.Context, name string, value any) error
	SetSessionID(ctx context.Context, id string) error
}

// Service is the subset of a UPnP service the control point calls.
type Service interface {
	Call(ctx context.Context, action string, args map[string]string) (map[string]string, error)
	HasAction(name string) bool
}

// Publisher serves photo bytes at a URL the renderer can fetch.
type Publisher interface {
	Publish(data []byte) (string, error)
	Unpublish(url string)
}

// Options tunes a ControlPoint.
type Options struct {
	// SessionTTL lets another client take over after the owner has been
	// silent this long. Zero keeps a session until it is ended.
	SessionTTL time.Duration
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// ControlPoint is the UPnP implementation of Playback. All operations are
// serialized per renderer.
type ControlPoint struct {
	log     *zap.Logger
	avt     Service
	cm      Service
	content Publisher
	metrics *metrics.Metrics
	now     func() time.Time

	mu           sync.Mutex
	uri          string
	instanceID   string
	connectionID string
	preScrub     *float64
	positionPct  *float64
	photoURL     string
	lease        sessionLease
}

var _ Playback = (*ControlPoint)(nil)

// New returns a control point for a renderer. cm and content may be nil.
func New(log *zap.Logger, avt Service, cm Service, content Publisher, opts Options) *ControlPoint {
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &ControlPoint{
		log:     log,
		avt:     avt,
		cm:      cm,
		content: content,
		metrics: opts.Metrics,
		now:     now,
		lease:   sessionLease{ttl: opts.SessionTTL},
	}
}

// SetSessionID adopts, renews or ends (id == "") the owning session.
func (cp *ControlPoint) SetSessionID(ctx context.Context, id string) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	now := cp.now()
	if id == "" {
		cp.endSessionLocked(ctx)
		return nil
	}
	if cp.lease.heldBy(id, now) {
		cp.lease.renew(now)
		return nil
	}
	if cp.lease.active(now) {
		cp.log.Info("rejecting airplay client", zap.String("session", id), zap.String("current", cp.lease.owner))
		return fmt.Errorf("%w: %s", ErrSessionRejected, cp.lease.owner)
	}
	if cp.lease.owner != "" {
		cp.log.Info("airplay session lapsed", zap.String("session", cp.lease.owner))
		cp.endSessionLocked(ctx)
	}
	cp.lease.acquire(id, now)
	cp.allocateLocked(ctx)
	cp.metrics.SessionStarted()
	cp.log.Debug("airplay session started", zap.String("session", id), zap.String("instance_id", cp.instanceID))
	return nil
}

// SessionID returns the active session owner, if any.
func (cp *ControlPoint) SessionID() string {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if !cp.lease.active(cp.now()) {
		return ""
	}
	return cp.lease.owner
}

// InstanceID returns the AVTransport instance in use.
func (cp *ControlPoint) InstanceID() string {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.instanceIDLocked()
}

// Loaded reports the media URI currently on the renderer.
func (cp *ControlPoint) Loaded() string {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.uri
}

// Play loads location and starts playback. position is a fraction of the
// track length applied once the duration is known, unless an absolute seek
// was requested before loading.
func (cp *ControlPoint) Play(ctx context.Context, location string, position float64) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	cp.log.Info("starting playback", zap.String("location", location), zap.Float64("position", position))
	iid := cp.instanceIDLocked()
	if _, err := cp.avt.Call(ctx, "SetAVTransportURI", map[string]string{
		"InstanceID":         iid,
		"CurrentURI":         location,
		"CurrentURIMetaData": buildDIDL(location, guessMime(location)),
	}); err != nil {
		return err
	}
	cp.uri = location
	cp.clearPhotoLocked()

	if cp.preScrub != nil {
		target := *cp.preScrub
		cp.preScrub = nil
		cp.positionPct = nil
		if err := cp.seekLocked(ctx, target); err != nil {
			return err
		}
	} else {
		pct := position
		cp.positionPct = &pct
	}
	_, err := cp.avt.Call(ctx, "Play", map[string]string{"InstanceID": iid, "Speed": "1"})
	return err
}

// GetScrub reports duration and position in seconds, both zero while idle.
// The first call with a known duration applies a pending percentage seek.
func (cp *ControlPoint) GetScrub(ctx context.Context) (float64, float64, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.scrubLocked(ctx)
}

func (cp *ControlPoint) scrubLocked(ctx context.Context) (float64, float64, error) {
	if cp.uri == "" {
		return 0, 0, nil
	}
	info, err := cp.avt.Call(ctx, "GetPositionInfo", map[string]string{"InstanceID": cp.instanceIDLocked()})
	if err != nil {
		return 0, 0, err
	}
	duration := cp.parseTime("TrackDuration", info["TrackDuration"])
	position := cp.parseTime("RelTime", info["RelTime"])
	if err := cp.applyPercentLocked(ctx, duration, position); err != nil {
		return duration, position, err
	}
	return duration, position, nil
}

// applyPercentLocked consumes the pending percentage once the duration is
// known, seeking only when the target is still ahead.
func (cp *ControlPoint) applyPercentLocked(ctx context.Context, duration float64, position float64) error {
	if cp.positionPct == nil || duration <= 0 {
		return nil
	}
	target := duration * *cp.positionPct
	cp.positionPct = nil
	if target <= position {
		return nil
	}
	return cp.seekLocked(ctx, target)
}

func (cp *ControlPoint) parseTime(field string, value string) float64 {
	secs, err := upnp.ParseHMS(value)
	if err != nil {
		cp.log.Debug("unparsable position field", zap.String("field", field), zap.String("value", value))
		return 0
	}
	return secs
}

// IsPlaying reports whether the renderer is in the PLAYING state.
func (cp *ControlPoint) IsPlaying(ctx context.Context) (bool, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.uri == "" {
		return false, nil
	}
	state, err := cp.transportStateLocked(ctx)
	if err != nil {
		return false, err
	}
	return state == StatePlaying, nil
}

// SetScrub seeks to position seconds, or remembers it for the next Play.
func (cp *ControlPoint) SetScrub(ctx context.Context, position float64) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.uri == "" {
		cp.log.Debug("saving scrub position for later", zap.Float64("position", position))
		pos := position
		cp.preScrub = &pos
		cp.positionPct = nil
		return nil
	}
	return cp.seekLocked(ctx, position)
}

func (cp *ControlPoint) seekLocked(ctx context.Context, position float64) error {
	cp.log.Debug("seeking", zap.Float64("position", position))
	_, err := cp.avt.Call(ctx, "Seek", map[string]string{
		"InstanceID": cp.instanceIDLocked(),
		"Unit":       "REL_TIME",
		"Target":     upnp.FormatHMS(position),
	})
	return err
}

// Stop stops playback and ends the session. An invalid instance ID reply is
// treated as already stopped.
func (cp *ControlPoint) Stop(ctx context.Context) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.uri != "" {
		cp.log.Info("stopping playback")
		_, err := cp.avt.Call(ctx, "Stop", map[string]string{"InstanceID": cp.instanceIDLocked()})
		if err != nil {
			if !upnp.IsCommandError(err, upnp.ErrorCodeInvalidInstanceID) {
				return err
			}
			cp.log.Debug("renderer already dropped instance", zap.Error(err))
		}
	}
	cp.uri = ""
	cp.positionPct = nil
	cp.preScrub = nil
	cp.clearPhotoLocked()
	cp.endSessionLocked(ctx)
	return nil
}

// Reverse is accepted and ignored.
func (cp *ControlPoint) Reverse(context.Context) error {
	return nil
}

// SetProperty is accepted and ignored.
func (cp *ControlPoint) SetProperty(_ context.Context, name string, _ any) error {
	cp.log.Debug("ignoring property", zap.String("name", name))
	return nil
}

// Rate resumes playback for speed >= 1 and pauses otherwise.
func (cp *ControlPoint) Rate(ctx context.Context, speed float64) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.uri == "" {
		return nil
	}
	iid := cp.instanceIDLocked()
	if speed < 1 {
		cp.log.Info("pausing playback")
		_, err := cp.avt.Call(ctx, "Pause", map[string]string{"InstanceID": iid})
		return err
	}

	state, err := cp.transportStateLocked(ctx)
	if err != nil {
		return err
	}
	if state != StatePlaying && state != StateTransitioning {
		cp.log.Info("resuming playback", zap.String("state", state))
		if _, err := cp.avt.Call(ctx, "Play", map[string]string{"InstanceID": iid, "Speed": "1"}); err != nil {
			return err
		}
	} else {
		cp.log.Debug("rate ignored", zap.String("state", state))
	}
	if cp.positionPct != nil {
		_, _, err := cp.scrubLocked(ctx)
		return err
	}
	return nil
}

// Photo shows an image by publishing it on the content server and pointing
// the renderer at it.
func (cp *ControlPoint) Photo(ctx context.Context, data []byte, transition string) error {
	if cp.content == nil {
		return errors.New("photo: no content server")
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()

	photoURL, err := cp.content.Publish(data)
	if err != nil {
		return fmt.Errorf("photo: %w", err)
	}
	cp.log.Debug("showing photo", zap.String("url", photoURL), zap.String("transition", transition), zap.Int("bytes", len(data)))
	iid := cp.instanceIDLocked()
	if _, err := cp.avt.Call(ctx, "SetAVTransportURI", map[string]string{
		"InstanceID":         iid,
		"CurrentURI":         photoURL,
		"CurrentURIMetaData": buildDIDL(photoURL, "image/jpeg"),
	}); err != nil {
		cp.content.Unpublish(photoURL)
		return err
	}
	cp.clearPhotoLocked()
	cp.photoURL = photoURL
	cp.uri = photoURL
	cp.positionPct = nil
	_, err = cp.avt.Call(ctx, "Play", map[string]string{"InstanceID": iid, "Speed": "1"})
	return err
}

func (cp *ControlPoint) clearPhotoLocked() {
	if cp.photoURL == "" {
		return
	}
	if cp.content != nil {
		cp.content.Unpublish(cp.photoURL)
	}
	cp.photoURL = ""
}

func (cp *ControlPoint) transportStateLocked(ctx context.Context) (string, error) {
	info, err := cp.avt.Call(ctx, "GetTransportInfo", map[string]string{"InstanceID": cp.instanceIDLocked()})
	if err != nil {
		return "", err
	}
	return info["CurrentTransportState"], nil
}

func (cp *ControlPoint) instanceIDLocked() string {
	if cp.instanceID == "" {
		return defaultInstanceID
	}
	return cp.instanceID
}

// allocateLocked obtains an AVTransport instance through
// PrepareForConnection when the renderer supports it.
func (cp *ControlPoint) allocateLocked(ctx context.Context) {
	cp.instanceID = defaultInstanceID
	cp.connectionID = ""
	if cp.cm == nil || !cp.cm.HasAction("PrepareForConnection") {
		return
	}
	out, err := cp.cm.Call(ctx, "PrepareForConnection", map[string]string{
		"RemoteProtocolInfo":    "http-get:*:*:*",
		"PeerConnectionManager": "",
		"PeerConnectionID":      "-1",
		"Direction":             "Input",
	})
	if err != nil {
		cp.log.Debug("PrepareForConnection failed, using default instance", zap.Error(err))
		return
	}
	if id, err := strconv.Atoi(out["AVTransportID"]); err == nil && id >= 0 {
		cp.instanceID = out["AVTransportID"]
	}
	cp.connectionID = out["ConnectionID"]
}

func (cp *ControlPoint) releaseLocked(ctx context.Context) {
	connID := cp.connectionID
	cp.instanceID = ""
	cp.connectionID = ""
	if connID == "" || cp.cm == nil || !cp.cm.HasAction("ConnectionComplete") {
		return
	}
	if _, err := cp.cm.Call(ctx, "ConnectionComplete", map[string]string{"ConnectionID": connID}); err != nil {
		cp.log.Debug("ConnectionComplete failed", zap.Error(err))
	}
}

func (cp *ControlPoint) endSessionLocked(ctx context.Context) {
	if cp.lease.owner == "" {
		return
	}
	cp.log.Debug("airplay session ended", zap.String("session", cp.lease.owner))
	cp.lease.release()
	cp.releaseLocked(ctx)
	cp.preScrub = nil
	cp.positionPct = nil
	cp.metrics.SessionEnded()
}
