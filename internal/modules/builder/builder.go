// Package builder turns an SSDP LOCATION into a fully initialized device.
package builder

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mikey-austin/airbridge/internal/adapters/workpool"
	"github.com/mikey-austin/airbridge/internal/upnp"
)

// ErrCancelled is returned by Build when its context ends before completion.
var ErrCancelled = errors.New("build cancelled")

// RejectedError reports a device that was fetched and parsed but refused by
// the build filter.
type RejectedError struct {
	Device *upnp.Device
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("device %s rejected: %s", e.Device, e.Reason)
}

// Filter accepts or rejects a parsed device before its services are fetched.
// reason must be set when ok is false.
type Filter func(dev *upnp.Device) (ok bool, reason string)

// Fetcher retrieves a document by URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Kind classifies a build outcome.
type Kind int

const (
	Found Kind = iota
	Rejected
	Failed
)

func (k Kind) String() string {
	switch k {
	case Found:
		return "found"
	case Rejected:
		return "rejected"
	default:
		return "error"
	}
}

// Outcome is the terminal result of a build.
type Outcome struct {
	Kind     Kind
	Location string
	Device   *upnp.Device
	Reason   string
	Err      error
}

// Job is an in-flight build.
type Job interface {
	// Done yields one Outcome, or is closed without a value if the job was
	// cancelled.
	Done() <-chan Outcome
	// Cancel stops the build. It is safe to call more than once.
	Cancel()
}

// Builder fetches device descriptions and their service SCPDs.
type Builder struct {
	log     *zap.Logger
	fetcher Fetcher
	invoker upnp.Invoker
	pool    *workpool.Pool
}

// New returns a builder whose fetches share pool.
func New(log *zap.Logger, fetcher Fetcher, invoker upnp.Invoker, pool *workpool.Pool) *Builder {
	if log == nil {
		log = zap.NewNop()
	}
	if pool == nil {
		pool = workpool.New(workpool.DefaultSize)
	}
	return &Builder{log: log, fetcher: fetcher, invoker: invoker, pool: pool}
}

// Build runs the whole pipeline: fetch and parse the device, apply filter,
// then fetch and bind every service SCPD. A rejection is returned as
// *RejectedError.
func (b *Builder) Build(ctx context.Context, location string, filter Filter) (*upnp.Device, error) {
	var doc []byte
	err := b.pool.Do(ctx, func(ctx context.Context) error {
		var err error
		doc, err = b.fetcher.Fetch(ctx, location)
		return err
	})
	if err != nil {
		return nil, b.wrap(ctx, "fetch device description", err)
	}
	dev, err := upnp.ParseDevice(doc, location)
	if err != nil {
		return nil, err
	}
	if filter != nil {
		if ok, reason := filter(dev); !ok {
			return nil, &RejectedError{Device: dev, Reason: reason}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range dev.Services() {
		g.Go(func() error {
			return b.pool.Do(gctx, func(ctx context.Context) error {
				scpd, err := b.fetcher.Fetch(ctx, svc.SCPDURL)
				if err != nil {
					return fmt.Errorf("fetch scpd %s: %w", svc.ServiceID, err)
				}
				return svc.Initialize(scpd, b.invoker)
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, b.wrap(ctx, "initialize services", err)
	}
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}
	b.log.Debug("device built", zap.String("udn", dev.UDN), zap.String("name", dev.FriendlyName), zap.Int("services", len(dev.Services())))
	return dev, nil
}

func (b *Builder) wrap(ctx context.Context, step string, err error) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	return fmt.Errorf("%s: %w", step, err)
}

// Start runs Build in the background.
func (b *Builder) Start(ctx context.Context, location string, filter Filter) Job {
	ctx, cancel := context.WithCancel(ctx)
	job := &buildJob{cancel: cancel, done: make(chan Outcome, 1)}
	go func() {
		defer close(job.done)
		dev, err := b.Build(ctx, location, filter)
		out := classify(location, dev, err)
		job.mu.Lock()
		defer job.mu.Unlock()
		if job.cancelled {
			return
		}
		job.done <- out
	}()
	return job
}

func classify(location string, dev *upnp.Device, err error) Outcome {
	var rejected *RejectedError
	switch {
	case err == nil:
		return Outcome{Kind: Found, Location: location, Device: dev}
	case errors.As(err, &rejected):
		return Outcome{Kind: Rejected, Location: location, Device: rejected.Device, Reason: rejected.Reason, Err: err}
	default:
		return Outcome{Kind: Failed, Location: location, Err: err}
	}
}

type buildJob struct {
	mu        sync.Mutex
	cancelled bool
	cancel    context.CancelFunc
	done      chan Outcome
}

func (j *buildJob) Done() <-chan Outcome {
	return j.done
}

func (j *buildJob) Cancel() {
	j.mu.Lock()
	j.cancelled = true
	j.mu.Unlock()
	j.cancel()
}
