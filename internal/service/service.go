// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package service implements the update controller: it owns the location subscription, mirrors
// it into the preference store, broadcasts location changes to attached clients and presents the
// foreground notification while no client is attached.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/vorlif/humanize"
	"github.com/vorlif/spreak"

	"github.com/wneessen/location-updates/internal/broadcast"
	"github.com/wneessen/location-updates/internal/config"
	"github.com/wneessen/location-updates/internal/geobus"
	"github.com/wneessen/location-updates/internal/i18n"
	"github.com/wneessen/location-updates/internal/locator"
	"github.com/wneessen/location-updates/internal/logger"
	"github.com/wneessen/location-updates/internal/notify"
	"github.com/wneessen/location-updates/internal/prefs"
	"github.com/wneessen/location-updates/internal/vartype"
)

const (
	AppName = "location-updates"

	observerBuffer = 32
	shutdownGrace  = time.Second * 5
)

var ErrNotRunning = errors.New("service is not running")

// Locator is the location subscription the controller drives.
type Locator interface {
	RequestUpdates(ctx context.Context, req locator.Request, fn func(geobus.Result)) error
	RemoveUpdates(ctx context.Context) error
	LastLocation(ctx context.Context) (geobus.Result, error)
	Close() error
}

type Service struct {
	config    *config.Config
	geobus    *geobus.GeoBus
	hub       *broadcast.Hub
	logger    *logger.Logger
	t         *spreak.Localizer
	humanizer *humanize.Humanizer
	SignalSrc signalSource

	// Collaborators created by Run unless set before.
	store    prefs.Store
	locator  Locator
	notifier notify.Notifier
	sinks    []closer

	ops          chan func(ctx context.Context)
	running      chan struct{}
	stopped      chan struct{}
	now          func() time.Time
	openUI       func(ctx context.Context, command string) error
	sleepMonitor func(ctx context.Context)

	// State below is owned by the dispatch goroutine.
	state      State
	location   vartype.Variable[geobus.Result]
	attached   int
	changing   bool
	foreground bool
	graceTimer *time.Timer
	graceGen   uint64
}

type closer interface {
	Close() error
}

func New(conf *config.Config, log *logger.Logger, t *spreak.Localizer) (*Service, error) {
	bus, err := geobus.New(log)
	if err != nil {
		return nil, fmt.Errorf("failed to create geobus: %w", err)
	}
	if t == nil {
		return nil, errors.New("localizer is required")
	}

	service := &Service{
		config:    conf,
		geobus:    bus,
		hub:       broadcast.NewHub(log),
		logger:    log,
		t:         t,
		humanizer: i18n.NewHumanizer(t.Language()),
		SignalSrc: stdLibSignalSource{},
		ops:       make(chan func(ctx context.Context)),
		running:   make(chan struct{}),
		stopped:   make(chan struct{}),
		now:       time.Now,
		openUI:    runCommand,
	}
	service.sleepMonitor = service.monitorSleepResume
	return service, nil
}

// Run restores the persisted subscription and serves the controller until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	defer s.teardown()
	if err := s.setup(ctx); err != nil {
		return err
	}

	requesting, err := prefs.RequestingLocationUpdates(ctx, s.store)
	if err != nil {
		s.logger.Warn("failed to read persisted subscription state", logger.Err(err))
	}
	if last, err := s.locator.LastLocation(ctx); err != nil {
		s.logger.Warn("failed to get last location", logger.Err(err))
	} else {
		s.location.Set(last)
	}

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		defer close(s.stopped)
		s.dispatch(ctx)
	}()
	close(s.running)

	switch {
	case requesting && !s.config.DisableResume:
		s.logger.Info("resuming location updates")
		if err = s.Start(ctx); err != nil {
			s.logger.Error("failed to resume location updates", logger.Err(err))
		}
	case requesting:
		// The subscription is not resumed, keep the persisted flag in line with it.
		if err = prefs.SetRequestingLocationUpdates(ctx, s.store, false); err != nil {
			s.logger.Error("failed to persist subscription state", logger.Err(err))
		}
	}

	sigChan := make(chan os.Signal, 1)
	s.SignalSrc.Notify(sigChan, syscall.SIGUSR1)
	defer s.SignalSrc.Stop(sigChan)
	go s.HandleSignals(ctx, sigChan)
	go s.handleNotificationActions(ctx)
	if s.sleepMonitor != nil {
		go s.sleepMonitor(ctx)
	}

	<-ctx.Done()
	<-dispatchDone
	return nil
}

// setup creates the collaborators that were not provided.
func (s *Service) setup(ctx context.Context) error {
	var err error
	if s.store == nil {
		if s.store, err = s.selectPreferenceStore(ctx); err != nil {
			return fmt.Errorf("failed to create preference store: %w", err)
		}
	}
	if s.locator == nil {
		if s.locator, err = s.createLocator(); err != nil {
			return fmt.Errorf("failed to create locator: %w", err)
		}
	}
	if s.notifier == nil {
		s.notifier = s.selectNotifier()
	}
	if s.config.Broadcast.NATSURL != "" {
		sink, err := broadcast.NewNATSSink(s.config.Broadcast.NATSURL, s.config.Broadcast.NATSSubject)
		if err != nil {
			return fmt.Errorf("failed to create NATS broadcast sink: %w", err)
		}
		s.hub.AddSink(sink)
		s.sinks = append(s.sinks, sink)
	}
	return nil
}

func (s *Service) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	if s.notifier != nil {
		if err := s.notifier.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shut down foreground notification", logger.Err(err))
		}
		s.foreground = false
	}
	if s.locator != nil {
		if err := s.locator.Close(); err != nil {
			s.logger.Error("failed to close locator", logger.Err(err))
		}
	}
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil {
			s.logger.Error("failed to close broadcast sink", logger.Err(err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close preference store", logger.Err(err))
		}
	}
}

// dispatch runs the queued operations one after another until ctx is done.
func (s *Service) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-s.ops:
			op(ctx)
		}
	}
}

// do runs op on the dispatch goroutine and waits for it to complete. op receives the context of
// the dispatch goroutine, which lives as long as the service.
func (s *Service) do(ctx context.Context, op func(ctx context.Context)) error {
	select {
	case <-s.running:
	case <-ctx.Done():
		return ctx.Err()
	}

	done := make(chan struct{})
	select {
	case s.ops <- func(dctx context.Context) {
		defer close(done)
		op(dctx)
	}:
	case <-s.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// HandleSignals logs the controller state when SIGUSR1 is received.
func (s *Service) HandleSignals(ctx context.Context, sigChan chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigChan:
			status, err := s.Status(ctx)
			if err != nil {
				continue
			}
			s.logger.Info("current subscription state", slog.Bool("requesting", status.Requesting),
				slog.String("location", status.Text), slog.Int("attached", status.Attached),
				slog.Bool("foreground", status.Foreground))
		}
	}
}
