// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/wneessen/location-updates/internal/locator"
	"github.com/wneessen/location-updates/internal/logger"
)

const (
	dbusInterface   = "org.freedesktop.login1.Manager"
	dbusWatchMember = "PrepareForSleep"

	debounceWindow   = time.Second * 2
	signalBufferSize = 8

	busReconnectDelay   = 5 * time.Second
	networkWakeupDelay  = 10 * time.Second
	reconnectDelay      = 2 * time.Second
	subscribeRetryDelay = 10 * time.Second
)

// monitorSleepResume watches logind for the end of a system suspend and refreshes an active
// subscription afterwards. Lost bus connections are re-established until ctx is done.
func (s *Service) monitorSleepResume(ctx context.Context) {
	var lastResume time.Time
	for {
		conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
		if err != nil {
			if !waitOrDone(ctx, busReconnectDelay) {
				return
			}
			continue
		}
		if err = conn.AddMatchSignal(dbus.WithMatchInterface(dbusInterface),
			dbus.WithMatchMember(dbusWatchMember)); err != nil {
			s.logger.Error("failed to subscribe to dbus signal", slog.String("interface", dbusInterface),
				slog.String("member", dbusWatchMember), logger.Err(err))
			_ = conn.Close()
			if !waitOrDone(ctx, subscribeRetryDelay) {
				return
			}
			continue
		}

		sigCh := make(chan *dbus.Signal, signalBufferSize)
		conn.Signal(sigCh)
		s.logger.Debug("subscribed to dbus signal", slog.String("interface", dbusInterface),
			slog.String("member", dbusWatchMember))
		s.watchSleepSignals(ctx, sigCh, &lastResume)

		conn.RemoveSignal(sigCh)
		if err = conn.Close(); err != nil && ctx.Err() == nil {
			s.logger.Error("failed to close system bus connection", logger.Err(err))
		}
		if !waitOrDone(ctx, reconnectDelay) {
			return
		}
	}
}

// watchSleepSignals refreshes the subscription on resume. Resume signals that arrive within
// the debounce window after a refresh are ignored. It returns when ctx is done or the signal
// channel is closed.
func (s *Service) watchSleepSignals(ctx context.Context, sigCh <-chan *dbus.Signal, lastResume *time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-sigCh:
			if !ok {
				return
			}
			if !isResumeSignal(sig) {
				continue
			}
			if time.Since(*lastResume) < debounceWindow {
				continue
			}
			if !waitOrDone(ctx, networkWakeupDelay) {
				return
			}
			s.refreshSubscription(ctx)
			*lastResume = time.Now()
		}
	}
}

// isResumeSignal reports whether sig is PrepareForSleep(false), sent after the system woke up.
func isResumeSignal(sig *dbus.Signal) bool {
	if sig == nil || len(sig.Body) != 1 {
		return false
	}
	sleeping, ok := sig.Body[0].(bool)
	return ok && !sleeping
}

// refreshSubscription requests updates again if they are active. The locator replaces the
// running subscription, which restarts all providers.
func (s *Service) refreshSubscription(ctx context.Context) {
	err := s.do(ctx, func(ctx context.Context) {
		if s.state != StateActive {
			return
		}
		s.logger.Debug("resuming from sleep, refreshing location updates")
		if err := s.locator.RequestUpdates(ctx, s.updateRequest(), s.onLocationUpdate); err != nil {
			s.logger.Error("failed to refresh location updates after resume", logger.Err(err))
			if errors.Is(err, locator.ErrPermissionDenied) {
				s.setState(ctx, StateInactive)
				s.updateForeground(ctx)
			}
		}
	})
	if err != nil {
		s.logger.Debug("failed to queue subscription refresh", logger.Err(err))
	}
}

func waitOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
