// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/wneessen/location-updates/internal/broadcast"
	"github.com/wneessen/location-updates/internal/geobus"
	"github.com/wneessen/location-updates/internal/locator"
	"github.com/wneessen/location-updates/internal/logger"
	"github.com/wneessen/location-updates/internal/prefs"
)

// configChangeGrace is how long a transient detach defers the foreground notification.
const configChangeGrace = time.Second * 5

// State is the subscription state of the controller.
type State int

const (
	StateInactive State = iota
	StateActive
)

func (s State) String() string {
	if s == StateActive {
		return "active"
	}
	return "inactive"
}

// Status is a snapshot of the controller state.
type Status struct {
	Requesting bool                `json:"requesting"`
	Location   *broadcast.Location `json:"location,omitempty"`
	Text       string              `json:"text"`
	UpdatedAt  time.Time           `json:"updated_at,omitzero"`
	Attached   int                 `json:"attached"`
	Foreground bool                `json:"foreground"`
}

// Start requests location updates. It is a no-op if updates are already requested. If the
// subscription is refused, the controller stays inactive and the error is returned.
func (s *Service) Start(ctx context.Context) error {
	var err error
	if qerr := s.do(ctx, func(ctx context.Context) { err = s.start(ctx) }); qerr != nil {
		return qerr
	}
	return err
}

// Stop removes location updates. If the removal is refused, the controller stays active and the
// error is returned.
func (s *Service) Stop(ctx context.Context) error {
	var err error
	if qerr := s.do(ctx, func(ctx context.Context) { err = s.stop(ctx) }); qerr != nil {
		return qerr
	}
	return err
}

// Attach registers a UI client. While at least one client is attached, the foreground
// notification is hidden.
func (s *Service) Attach(ctx context.Context) (*broadcast.Observer, error) {
	var obs *broadcast.Observer
	if err := s.do(ctx, func(ctx context.Context) { obs = s.attach(ctx) }); err != nil {
		return nil, err
	}
	return obs, nil
}

// Detach unregisters a UI client. A transient detach announces that the client will attach again
// shortly and keeps the foreground notification hidden for a grace period.
func (s *Service) Detach(ctx context.Context, obs *broadcast.Observer, transient bool) error {
	return s.do(ctx, func(ctx context.Context) { s.detach(ctx, obs, transient) })
}

// Status returns a snapshot of the controller state.
func (s *Service) Status(ctx context.Context) (Status, error) {
	var status Status
	if err := s.do(ctx, func(context.Context) { status = s.status() }); err != nil {
		return Status{}, err
	}
	return status, nil
}

func (s *Service) start(ctx context.Context) error {
	if s.state == StateActive {
		return nil
	}
	s.setState(ctx, StateActive)

	req := s.updateRequest()
	if err := s.locator.RequestUpdates(ctx, req, s.onLocationUpdate); err != nil {
		s.setState(ctx, StateInactive)
		s.logger.Error("failed to request location updates", logger.Err(err))
		return fmt.Errorf("failed to request location updates: %w", err)
	}
	s.logger.Info("location updates requested", slog.Duration("interval", req.Interval))
	s.updateForeground(ctx)
	return nil
}

func (s *Service) updateRequest() locator.Request {
	return locator.Request{
		Interval:        s.config.Intervals.Update,
		FastestInterval: s.config.Intervals.FastestUpdate,
	}
}

func (s *Service) stop(ctx context.Context) error {
	if err := s.locator.RemoveUpdates(ctx); err != nil {
		s.setState(ctx, StateActive)
		s.logger.Error("failed to remove location updates", logger.Err(err))
		return fmt.Errorf("failed to remove location updates: %w", err)
	}
	s.setState(ctx, StateInactive)
	s.logger.Info("location updates removed")
	s.updateForeground(ctx)
	return nil
}

// setState changes the subscription state, persists it and announces it to the observers.
func (s *Service) setState(ctx context.Context, state State) {
	changed := s.state != state
	s.state = state
	if err := prefs.SetRequestingLocationUpdates(ctx, s.store, state == StateActive); err != nil {
		s.logger.Error("failed to persist subscription state", slog.String("state", state.String()),
			logger.Err(err))
	}
	if changed {
		s.hub.Publish(s.event(broadcast.EventPreference))
	}
}

// onLocationUpdate is called by the locator from its own goroutines.
func (s *Service) onLocationUpdate(r geobus.Result) {
	if err := s.do(context.Background(), func(ctx context.Context) { s.onLocationChanged(ctx, r) }); err != nil {
		s.logger.Debug("dropping location update", logger.Err(err))
	}
}

func (s *Service) onLocationChanged(ctx context.Context, r geobus.Result) {
	s.location.Set(r)
	s.logger.Debug("location changed", slog.String("source", r.Source), slog.Float64("lat", r.Lat),
		slog.Float64("lon", r.Lon), slog.Float64("accuracy", r.AccuracyMeters))

	s.hub.Publish(s.event(broadcast.EventLocation))
	if s.attached == 0 {
		s.updateForeground(ctx)
	}
}

func (s *Service) attach(ctx context.Context) *broadcast.Observer {
	obs := s.hub.Attach(observerBuffer)
	s.attached++
	s.changing = false
	s.stopGraceTimer()
	s.logger.Debug("client attached", slog.String("observer", obs.ID.String()), slog.Int("attached", s.attached))
	s.updateForeground(ctx)
	return obs
}

func (s *Service) detach(ctx context.Context, obs *broadcast.Observer, transient bool) {
	if !s.hub.Detach(obs) {
		return
	}
	s.attached--
	s.logger.Debug("client detached", slog.String("observer", obs.ID.String()), slog.Int("attached", s.attached),
		slog.Bool("transient", transient))

	if transient && s.attached == 0 {
		s.changing = true
		s.stopGraceTimer()
		gen := s.graceGen
		s.graceTimer = time.AfterFunc(configChangeGrace, func() {
			_ = s.do(context.Background(), func(ctx context.Context) { s.endConfigChange(ctx, gen) })
		})
	}
	s.updateForeground(ctx)
}

// stopGraceTimer cancels a pending end of a configuration change. A timer that already fired
// may still be waiting for the dispatch queue, the generation bump makes it a no-op.
func (s *Service) stopGraceTimer() {
	s.graceGen++
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}

// endConfigChange presents the foreground notification when the client that announced the
// configuration change did not come back. gen identifies the grace period it ends.
func (s *Service) endConfigChange(ctx context.Context, gen uint64) {
	if gen != s.graceGen || !s.changing {
		return
	}
	s.changing = false
	s.stopGraceTimer()
	s.updateForeground(ctx)
}

func (s *Service) status() Status {
	status := Status{
		Requesting: s.state == StateActive,
		Text:       s.locationText(),
		Attached:   s.attached,
		Foreground: s.foreground,
	}
	if r, ok := s.location.Get(); ok {
		status.Location = &broadcast.Location{Lat: r.Lat, Lon: r.Lon, Accuracy: r.AccuracyMeters, Source: r.Source}
		status.UpdatedAt = r.At
	}
	return status
}

func (s *Service) event(typ broadcast.EventType) broadcast.Event {
	status := s.status()
	return broadcast.Event{
		Type:       typ,
		Requesting: status.Requesting,
		Location:   status.Location,
		Text:       status.Text,
		At:         s.now(),
	}
}

// locationText renders the current location as "(lat, lon)".
func (s *Service) locationText() string {
	r, ok := s.location.Get()
	if !ok {
		return s.t.Get("Unknown location")
	}
	return FormatLocation(r.Lat, r.Lon)
}

// FormatLocation renders a coordinate pair with the shortest exact representation of each value.
func FormatLocation(lat, lon float64) string {
	return "(" + strconv.FormatFloat(lat, 'f', -1, 64) + ", " + strconv.FormatFloat(lon, 'f', -1, 64) + ")"
}
