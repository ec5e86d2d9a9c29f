// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package locator provides the location subscription used by the update controller. It wraps the
// geobus providers behind a request/remove API with update intervals and a permission check.
package locator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/wneessen/location-updates/internal/geobus"
	"github.com/wneessen/location-updates/internal/gpspoll"
	"github.com/wneessen/location-updates/internal/logger"
	"github.com/wneessen/location-updates/internal/permission"
)

const (
	// Key is the geobus key under which the subscription tracks its results.
	Key = "location-updates"

	subscriptionBuffer = 32
	sourceGPSPoll      = "gpspoll"
	gpsPollTTL         = time.Minute * 5
)

var (
	ErrPermissionDenied = permission.ErrPermissionDenied
	ErrNoLocation       = errors.New("no location available")
	ErrInvalidInterval  = errors.New("update interval must be greater than zero")
	ErrClosed           = errors.New("locator is closed")
)

// Request describes the desired update cadence. Interval is the rate at which the best known
// location is delivered. FastestInterval caps the rate of deliveries; zero disables the cap.
type Request struct {
	Interval        time.Duration
	FastestInterval time.Duration
}

// Poller returns a single fix on demand.
type Poller interface {
	Poll(ctx context.Context) (gpspoll.Fix, error)
}

// Client owns the location subscription. At most one subscription is active at a time; a new
// request replaces the previous one.
type Client struct {
	bus        *geobus.GeoBus
	providers  []geobus.Provider
	authorizer permission.Authorizer
	poller     Poller
	logger     *logger.Logger
	scheduler  gocron.Scheduler

	mu     sync.Mutex
	closed bool
	sub    *subscription
}

type subscription struct {
	cancel context.CancelFunc
	unsub  func()
	jobID  uuid.UUID
	req    Request
	fn     func(geobus.Result)

	mu          sync.Mutex
	active      bool
	lastDeliver time.Time
}

// Option configures optional collaborators of the Client.
type Option func(*Client)

// WithPoller sets the one-shot poller used by LastLocation when the bus has no fix.
func WithPoller(poller Poller) Option {
	return func(c *Client) {
		c.poller = poller
	}
}

// WithAuthorizer replaces the default authorizer, which grants every request.
func WithAuthorizer(auth permission.Authorizer) Option {
	return func(c *Client) {
		if auth != nil {
			c.authorizer = auth
		}
	}
}

func New(bus *geobus.GeoBus, providers []geobus.Provider, log *logger.Logger, opts ...Option) (*Client, error) {
	if bus == nil {
		return nil, errors.New("geobus is required")
	}
	if log == nil {
		return nil, geobus.ErrLoggerRequired
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	client := &Client{
		bus:        bus,
		providers:  providers,
		authorizer: permission.Granted{},
		logger:     log,
		scheduler:  scheduler,
	}
	for _, opt := range opts {
		opt(client)
	}
	scheduler.Start()
	return client, nil
}

// RequestUpdates starts the subscription and delivers every location change to fn. fn is called
// from the subscription's goroutines and must not block for long.
func (c *Client) RequestUpdates(ctx context.Context, req Request, fn func(geobus.Result)) error {
	if req.Interval <= 0 {
		return ErrInvalidInterval
	}
	if fn == nil {
		return errors.New("location callback is required")
	}
	if err := c.authorizer.Authorize(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.stopLocked()

	// The subscription outlives the request that created it.
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{cancel: cancel, req: req, fn: fn, active: true}

	job, err := c.scheduler.NewJob(
		gocron.DurationJob(req.Interval),
		gocron.NewTask(func() {
			if best, ok := c.bus.Best(Key); ok && !best.IsExpired() {
				sub.deliver(best)
			}
		}),
		gocron.WithContext(subCtx),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("location_delivery_job"),
	)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create location delivery job: %w", err)
	}
	sub.jobID = job.ID()

	results, unsub := c.bus.Subscribe(Key, subscriptionBuffer)
	sub.unsub = unsub
	go sub.forward(subCtx, results)
	go c.bus.NewOrchestrator(c.providers).Track(subCtx, Key)

	c.sub = sub
	c.logger.Debug("location updates requested", slog.Duration("interval", req.Interval),
		slog.Duration("fastest_interval", req.FastestInterval), slog.Int("providers", len(c.providers)))
	return nil
}

// RemoveUpdates ends the subscription. No deliveries start after it returns.
func (c *Client) RemoveUpdates(ctx context.Context) error {
	if err := c.authorizer.Authorize(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	return nil
}

// Requesting reports whether a subscription is active.
func (c *Client) Requesting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub != nil
}

// LastLocation returns the best known location without starting a subscription. It falls back
// to a single gpsd poll if the bus has no fix.
func (c *Client) LastLocation(ctx context.Context) (geobus.Result, error) {
	if best, ok := c.bus.Best(Key); ok && !best.IsExpired() {
		return best, nil
	}
	if c.poller == nil {
		return geobus.Result{}, ErrNoLocation
	}

	fix, err := c.poller.Poll(ctx)
	if err != nil {
		return geobus.Result{}, fmt.Errorf("%w: %w", ErrNoLocation, err)
	}
	if !fix.Has2DFix() {
		return geobus.Result{}, ErrNoLocation
	}
	at := fix.Time
	if at.IsZero() {
		at = time.Now()
	}
	return geobus.Result{
		Key:            Key,
		Lat:            fix.Lat,
		Lon:            fix.Lon,
		Alt:            fix.Alt,
		AccuracyMeters: fix.Acc,
		Source:         sourceGPSPoll,
		At:             at,
		TTL:            gpsPollTTL,
	}, nil
}

// Close ends any subscription and shuts down the scheduler.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.stopLocked()
	if err := c.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down scheduler: %w", err)
	}
	return nil
}

func (c *Client) stopLocked() {
	if c.sub == nil {
		return
	}
	c.sub.mu.Lock()
	c.sub.active = false
	c.sub.mu.Unlock()

	c.sub.cancel()
	c.sub.unsub()
	if err := c.scheduler.RemoveJob(c.sub.jobID); err != nil {
		c.logger.Warn("failed to remove location delivery job", logger.Err(err))
	}
	c.sub = nil
	c.logger.Debug("location updates removed")
}

func (s *subscription) forward(ctx context.Context, results <-chan geobus.Result) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-results:
			if !ok {
				return
			}
			s.deliver(r)
		}
	}
}

// deliver hands r to the callback unless the subscription ended or the last delivery happened
// less than FastestInterval ago.
func (s *subscription) deliver(r geobus.Result) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	if s.req.FastestInterval > 0 && !s.lastDeliver.IsZero() && now.Sub(s.lastDeliver) < s.req.FastestInterval {
		s.mu.Unlock()
		return
	}
	s.lastDeliver = now
	s.mu.Unlock()

	s.fn(r)
}
