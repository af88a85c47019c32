// Package discovery tracks UPnP devices announced over SSDP.
//
// A single goroutine owns the device registry, the in-flight builds and the
// ignore list. Datagrams, build outcomes, expiry timers and queries all reach
// it through one inbox, so no state is shared across goroutines.
package discovery

import (
	"context"
	"slices"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/mikey-austin/airbridge/internal/adapters/ssdp"
	"github.com/mikey-austin/airbridge/internal/metrics"
	"github.com/mikey-austin/airbridge/internal/modules/builder"
	"github.com/mikey-austin/airbridge/internal/upnp"
)

// Config tunes discovery.
type Config struct {
	// SearchTypes are the NT/ST values that trigger a build. upnp:rootdevice
	// is always included.
	SearchTypes      []string
	DeviceTypes      []string
	RequiredServices []string
	SearchInterval   time.Duration
	SearchMX         int
	SearchStagger    time.Duration
	// IgnoreTTL bounds how long a rejected UDN stays ignored. Zero never
	// forgets.
	IgnoreTTL time.Duration
}

// DefaultConfig returns the settings used for media renderers.
func DefaultConfig() Config {
	return Config{
		DeviceTypes:      []string{upnp.DeviceTypeMediaRenderer},
		RequiredServices: []string{upnp.ServiceIDAVTransport, upnp.ServiceIDConnectionManager},
		SearchInterval:   300 * time.Second,
		SearchMX:         5,
		SearchStagger:    time.Second,
	}
}

// EventKind classifies a registry change.
type EventKind int

const (
	DeviceFound EventKind = iota
	DeviceTouched
	DeviceRemoved
)

func (k EventKind) String() string {
	switch k {
	case DeviceFound:
		return "found"
	case DeviceTouched:
		return "touched"
	default:
		return "removed"
	}
}

// Event is published to subscribers in the order the coordinator applied it.
type Event struct {
	Kind   EventKind
	Device *upnp.Device
	// LocalIP is the bridge address the device can reach.
	LocalIP string
	Reason  string
}

// Searcher sends M-SEARCH requests.
type Searcher interface {
	Search(ctx context.Context, st string, mx int, handler ssdp.Handler) error
}

// DeviceBuilder starts cancellable device builds.
type DeviceBuilder interface {
	Start(ctx context.Context, location string, filter builder.Filter) builder.Job
}

// Coordinator is the discovery state machine.
type Coordinator struct {
	log      *zap.Logger
	cfg      Config
	searcher Searcher
	builder  DeviceBuilder
	filter   builder.Filter
	metrics  *metrics.Metrics
	snTypes  []string
	unit     time.Duration

	inbox   chan any
	stopped chan struct{}
	subs    []chan Event

	// Owned by the run loop.
	devices map[string]*record
	builds  map[string]*pendingBuild
	ignored *ttlcache.Cache[string, string]
}

type record struct {
	device  *upnp.Device
	localIP string
	timer   *time.Timer
	gen     uint64
}

type pendingBuild struct {
	job          builder.Job
	localIP      string
	cacheControl string
}

type buildDone struct {
	udn     string
	job     builder.Job
	outcome builder.Outcome
}

type expired struct {
	udn string
	gen uint64
}

type devicesQuery struct {
	reply chan []*upnp.Device
}

// New creates a coordinator. Subscribe must be called before Run.
func New(log *zap.Logger, cfg Config, searcher Searcher, b DeviceBuilder, m *metrics.Metrics) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.SearchInterval <= 0 {
		cfg.SearchInterval = def.SearchInterval
	}
	if cfg.SearchMX <= 0 {
		cfg.SearchMX = def.SearchMX
	}
	if cfg.SearchStagger < 0 {
		cfg.SearchStagger = 0
	}
	snTypes := []string{ssdp.RootDevice}
	for _, t := range cfg.SearchTypes {
		if !slices.Contains(snTypes, t) {
			snTypes = append(snTypes, t)
		}
	}
	return &Coordinator{
		log:      log,
		cfg:      cfg,
		searcher: searcher,
		builder:  b,
		filter:   builder.TypeFilter(cfg.DeviceTypes, cfg.RequiredServices),
		metrics:  m,
		snTypes:  snTypes,
		unit:     time.Second,
		inbox:    make(chan any, 64),
		stopped:  make(chan struct{}),
		devices:  map[string]*record{},
		builds:   map[string]*pendingBuild{},
		ignored: ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](cfg.IgnoreTTL),
		),
	}
}

// Subscribe returns a channel receiving every event. It is closed when Run
// returns.
func (c *Coordinator) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	c.subs = append(c.subs, ch)
	return ch
}

// HandleMessage queues a datagram for the run loop. It is safe to call from
// any goroutine and is a no-op once the coordinator stopped.
func (c *Coordinator) HandleMessage(msg ssdp.Message) {
	c.post(msg)
}

// Devices returns a snapshot of the registered devices.
func (c *Coordinator) Devices(ctx context.Context) []*upnp.Device {
	q := devicesQuery{reply: make(chan []*upnp.Device, 1)}
	if !c.post(q) {
		return nil
	}
	select {
	case devs := <-q.reply:
		return devs
	case <-ctx.Done():
		return nil
	case <-c.stopped:
		return nil
	}
}

func (c *Coordinator) post(v any) bool {
	select {
	case c.inbox <- v:
		return true
	case <-c.stopped:
		return false
	}
}

// Run processes events until ctx ends. It sends an initial search and then
// one every SearchInterval.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.cfg.IgnoreTTL > 0 {
		go c.ignored.Start()
		defer c.ignored.Stop()
	}
	defer c.shutdown()

	c.search(ctx)
	ticker := time.NewTicker(c.cfg.SearchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.search(ctx)
		case v := <-c.inbox:
			c.handle(ctx, v)
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, v any) {
	switch ev := v.(type) {
	case ssdp.Message:
		c.handleMessage(ctx, ev)
	case buildDone:
		c.handleBuild(ctx, ev)
	case expired:
		rec, ok := c.devices[ev.udn]
		if ok && rec.gen == ev.gen {
			c.remove(ctx, ev.udn, "expired")
		}
	case devicesQuery:
		devs := make([]*upnp.Device, 0, len(c.devices))
		for _, rec := range c.devices {
			devs = append(devs, rec.device)
		}
		slices.SortFunc(devs, func(a, b *upnp.Device) int {
			if a.UDN < b.UDN {
				return -1
			}
			if a.UDN > b.UDN {
				return 1
			}
			return 0
		})
		ev.reply <- devs
	}
}

func (c *Coordinator) handleMessage(ctx context.Context, msg ssdp.Message) {
	if msg.Kind == ssdp.KindSearch {
		return
	}
	c.metrics.Datagram(msg.Kind.String())
	udn, typ := upnp.SplitUSN(msg.USN())
	if udn == "" || c.ignored.Has(udn) {
		return
	}
	if msg.Kind == ssdp.KindNotify {
		switch msg.NTS() {
		case ssdp.NTSByeBye:
			c.cancelBuild(udn)
			c.remove(ctx, udn, "byebye")
			return
		case ssdp.NTSAlive:
		default:
			return
		}
	}

	if rec, ok := c.devices[udn]; ok {
		c.touch(udn, rec, msg.CacheControl())
		c.emit(ctx, Event{Kind: DeviceTouched, Device: rec.device, LocalIP: rec.localIP})
		return
	}
	if _, building := c.builds[udn]; building {
		return
	}
	if !slices.Contains(c.snTypes, typ) {
		return
	}
	location := msg.Location()
	if location == "" {
		return
	}
	c.log.Debug("starting device build", zap.String("udn", udn), zap.String("location", location))
	job := c.builder.Start(ctx, location, c.filter)
	c.builds[udn] = &pendingBuild{job: job, localIP: ipString(msg), cacheControl: msg.CacheControl()}
	go c.await(ctx, udn, job)
}

func (c *Coordinator) await(ctx context.Context, udn string, job builder.Job) {
	select {
	case out, ok := <-job.Done():
		if !ok {
			return
		}
		select {
		case c.inbox <- buildDone{udn: udn, job: job, outcome: out}:
		case <-ctx.Done():
		case <-c.stopped:
		}
	case <-ctx.Done():
	}
}

func (c *Coordinator) handleBuild(ctx context.Context, done buildDone) {
	pending, ok := c.builds[done.udn]
	if !ok || pending.job != done.job {
		return
	}
	delete(c.builds, done.udn)
	out := done.outcome
	c.metrics.Build(out.Kind.String())

	switch out.Kind {
	case builder.Found:
		dev := out.Device
		if dev.UDN != done.udn {
			c.log.Debug("device UDN differs from USN", zap.String("usn_udn", done.udn), zap.String("udn", dev.UDN))
		}
		rec := &record{device: dev, localIP: pending.localIP}
		c.devices[done.udn] = rec
		c.metrics.SetDevices(len(c.devices))
		c.touch(done.udn, rec, pending.cacheControl)
		c.log.Info("device found", zap.Stringer("device", dev), zap.String("location", out.Location))
		c.emit(ctx, Event{Kind: DeviceFound, Device: dev, LocalIP: rec.localIP})
	case builder.Rejected:
		c.ignored.Set(done.udn, out.Reason, ttlcache.DefaultTTL)
		c.log.Info("ignoring device", zap.String("udn", done.udn), zap.String("reason", out.Reason))
	default:
		c.log.Warn("device build failed", zap.String("udn", done.udn), zap.String("location", out.Location), zap.Error(out.Err))
	}
}

// touch re-arms the expiry timer from a CACHE-CONTROL value. Any timer armed
// earlier is stopped and its generation invalidated.
func (c *Coordinator) touch(udn string, rec *record, cacheControl string) {
	secs, ok := upnp.MaxAge(cacheControl)
	if !ok {
		return
	}
	if rec.timer != nil {
		rec.timer.Stop()
	}
	rec.gen++
	gen := rec.gen
	rec.timer = time.AfterFunc(time.Duration(secs)*c.unit, func() {
		c.post(expired{udn: udn, gen: gen})
	})
}

func (c *Coordinator) remove(ctx context.Context, udn string, reason string) {
	rec, ok := c.devices[udn]
	if !ok {
		return
	}
	delete(c.devices, udn)
	if rec.timer != nil {
		rec.timer.Stop()
	}
	c.metrics.SetDevices(len(c.devices))
	c.log.Info("device removed", zap.Stringer("device", rec.device), zap.String("reason", reason))
	c.emit(ctx, Event{Kind: DeviceRemoved, Device: rec.device, LocalIP: rec.localIP, Reason: reason})
}

func (c *Coordinator) cancelBuild(udn string) {
	if pending, ok := c.builds[udn]; ok {
		pending.job.Cancel()
		delete(c.builds, udn)
	}
}

func (c *Coordinator) emit(ctx context.Context, ev Event) {
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) search(ctx context.Context) {
	if c.searcher == nil {
		return
	}
	send := func() {
		if err := c.searcher.Search(ctx, ssdp.SearchAll, c.cfg.SearchMX, c.HandleMessage); err != nil {
			c.log.Warn("ssdp search failed", zap.Error(err))
		}
	}
	go func() {
		send()
		if c.cfg.SearchStagger == 0 {
			return
		}
		select {
		case <-time.After(c.cfg.SearchStagger):
			send()
		case <-ctx.Done():
		}
	}()
}

func (c *Coordinator) shutdown() {
	close(c.stopped)
	for udn, pending := range c.builds {
		pending.job.Cancel()
		delete(c.builds, udn)
	}
	for _, rec := range c.devices {
		if rec.timer != nil {
			rec.timer.Stop()
		}
	}
	for _, ch := range c.subs {
		close(ch)
	}
}

func ipString(msg ssdp.Message) string {
	if msg.LocalIP == nil {
		return ""
	}
	return msg.LocalIP.String()
}
