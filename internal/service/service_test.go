// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"testing/synctest"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/wneessen/location-updates/internal/broadcast"
	"github.com/wneessen/location-updates/internal/config"
	"github.com/wneessen/location-updates/internal/geobus"
	"github.com/wneessen/location-updates/internal/i18n"
	"github.com/wneessen/location-updates/internal/locator"
	"github.com/wneessen/location-updates/internal/logger"
	"github.com/wneessen/location-updates/internal/notify"
	"github.com/wneessen/location-updates/internal/prefs"
)

var (
	resultMountainView = geobus.Result{Key: locator.Key, Lat: 37.4, Lon: -122.1, AccuracyMeters: 5,
		Source: "test", TTL: time.Hour}
	resultMunich = geobus.Result{Key: locator.Key, Lat: 48.137154, Lon: 11.576124, AccuracyMeters: 20,
		Source: "other", TTL: time.Hour}
)

func TestNew(t *testing.T) {
	t.Run("new service succeeds", func(t *testing.T) {
		serv, err := testService(t, false)
		if err != nil {
			t.Fatalf("failed to create service: %s", err)
		}
		if serv.state != StateInactive {
			t.Errorf("expected new service to be inactive, got %s", serv.state)
		}
	})
	t.Run("nil logger fails the geobus initialization", func(t *testing.T) {
		_, err := testService(t, true)
		if err == nil {
			t.Fatal("expected service creation to fail")
		}
		wantErr := "logger is required"
		if !strings.Contains(err.Error(), wantErr) {
			t.Errorf("expected error to contain %q, got %q", wantErr, err)
		}
	})
	t.Run("nil localizer fails", func(t *testing.T) {
		conf, err := config.New()
		if err != nil {
			t.Fatalf("failed to load config: %s", err)
		}
		if _, err = New(conf, testLogger(io.Discard), nil); err == nil {
			t.Fatal("expected service creation to fail")
		}
	})
}

func TestFormatLocation(t *testing.T) {
	tests := []struct {
		lat, lon float64
		want     string
	}{
		{37.4, -122.1, "(37.4, -122.1)"},
		{0, 0, "(0, 0)"},
		{48.137154, 11.576124, "(48.137154, 11.576124)"},
		{-33.8688, 151.2093, "(-33.8688, 151.2093)"},
	}
	for _, tc := range tests {
		t.Run(tc.want, func(t *testing.T) {
			if got := FormatLocation(tc.lat, tc.lon); got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestState_String(t *testing.T) {
	if StateActive.String() != "active" || StateInactive.String() != "inactive" {
		t.Errorf("unexpected state names: %s, %s", StateActive, StateInactive)
	}
}

func TestService_Run(t *testing.T) {
	t.Run("start the service and gracefully shut it down", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			env := newTestEnv(t)
			env.run(t)

			status := env.status(t)
			if status.Requesting {
				t.Error("expected service not to request updates")
			}
			if status.Text != "Unknown location" {
				t.Errorf("expected unknown location, got %q", status.Text)
			}
			env.shutdown(t)
			if !env.locator.isClosed() {
				t.Error("expected locator to be closed")
			}
			if !env.store.isClosed() {
				t.Error("expected preference store to be closed")
			}
		})
	})
	t.Run("persisted subscription is resumed", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			env := newTestEnv(t)
			env.store.values[prefs.KeyRequestingLocationUpdates] = true
			env.run(t)

			if !env.status(t).Requesting {
				t.Error("expected subscription to be resumed")
			}
			if env.locator.requestCount() != 1 {
				t.Errorf("expected 1 request, got %d", env.locator.requestCount())
			}
			if !env.notifier.isVisible() {
				t.Error("expected foreground notification without attached client")
			}
			env.shutdown(t)
			if env.notifier.isVisible() {
				t.Error("expected foreground notification to be closed on shutdown")
			}
			if !env.notifier.isShutdown() {
				t.Error("expected notifier to be shut down")
			}
		})
	})
	t.Run("persisted subscription is not resumed if disabled", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			env := newTestEnv(t)
			env.serv.config.DisableResume = true
			env.store.values[prefs.KeyRequestingLocationUpdates] = true
			env.run(t)

			if env.status(t).Requesting {
				t.Error("expected subscription not to be resumed")
			}
			if env.store.value(prefs.KeyRequestingLocationUpdates) {
				t.Error("expected persisted flag to be reset")
			}
			env.shutdown(t)
		})
	})
	t.Run("last location seeds the current location", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			env := newTestEnv(t)
			env.locator.last = resultMountainView
			env.run(t)

			status := env.status(t)
			if status.Text != "(37.4, -122.1)" {
				t.Errorf("expected last location text, got %q", status.Text)
			}
			if status.Location == nil || status.Location.Source != "test" {
				t.Errorf("unexpected status location: %+v", status.Location)
			}
			env.shutdown(t)
		})
	})
	t.Run("missing last location is logged", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			env := newTestEnv(t)
			buf := &syncBuffer{buf: bytes.NewBuffer(nil)}
			env.serv.logger = testLogger(buf)
			env.locator.lastErr = locator.ErrNoLocation
			env.run(t)
			env.shutdown(t)

			wantLog := `msg="failed to get last location"`
			if !strings.Contains(buf.String(), wantLog) {
				t.Errorf("expected log to contain %q, got %q", wantLog, buf.String())
			}
		})
	})
	t.Run("starting service fails due to invalid preference store", func(t *testing.T) {
		serv, err := testService(t, false)
		if err != nil {
			t.Fatalf("failed to create service: %s", err)
		}
		serv.config.Preferences.Backend = config.BackendRedis
		serv.config.Preferences.RedisURL = "http://localhost"
		err = serv.Run(t.Context())
		if err == nil {
			t.Fatal("expected service to fail")
		}
		wantErr := "failed to create preference store"
		if !strings.Contains(err.Error(), wantErr) {
			t.Errorf("expected error to contain %q, got %q", wantErr, err)
		}
	})
	t.Run("starting service fails without geolocation providers", func(t *testing.T) {
		serv, err := testService(t, false)
		if err != nil {
			t.Fatalf("failed to create service: %s", err)
		}
		serv.store = newFakeStore()
		disableProviders(serv.config)
		err = serv.Run(t.Context())
		if err == nil {
			t.Fatal("expected service to fail")
		}
		wantErr := "failed to create locator: no geolocation providers enabled"
		if !strings.Contains(err.Error(), wantErr) {
			t.Errorf("expected error to contain %q, got %q", wantErr, err)
		}
	})
	t.Run("operations fail after shutdown", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			env := newTestEnv(t)
			env.run(t)
			env.shutdown(t)
			if err := env.serv.Start(t.Context()); !errors.Is(err, ErrNotRunning) {
				t.Errorf("expected error to be %s, got %v", ErrNotRunning, err)
			}
		})
	})
}

func TestService_Start(t *testing.T) {
	t.Run("start requests updates and persists the state", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			env := newTestEnv(t)
			env.run(t)
			defer env.shutdown(t)

			if err := env.serv.Start(t.Context()); err != nil {
				t.Fatalf("failed to start location updates: %s", err)
			}
			if !env.status(t).Requesting {
				t.Error("expected service to request updates")
			}
			if !env.store.value(prefs.KeyRequestingLocationUpdates) {
				t.Error("expected persisted flag to be true")
			}
			req := env.locator.lastRequest()
			if req.Interval != env.serv.config.Intervals.Update {
				t.Errorf("expected interval %s, got %s", env.serv.config.Intervals.Update, req.Interval)
			}
			if req.FastestInterval != env.serv.config.Intervals.FastestUpdate {
				t.Errorf("expected fastest interval %s, got %s", env.serv.config.Intervals.FastestUpdate,
					req.FastestInterval)
			}
			if !env.notifier.isVisible() {
				t.Error("expected foreground notification without attached client")
			}
		})
	})
	t.Run("start is a no-op when already active", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			env := newTestEnv(t)
			env.run(t)
			defer env.shutdown(t)

			for range 3 {
				if err := env.serv.Start(t.Context()); err != nil {
					t.Fatalf("failed to start location updates: %s", err)
				}
			}
			if env.locator.requestCount() != 1 {
				t.Errorf("expected 1 request, got %d", env.locator.requestCount())
			}
		})
	})
	t.Run("permission denied reverts to inactive", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			env := newTestEnv(t)
			env.locator.requestErr = locator.ErrPermissionDenied
			env.run(t)
			defer env.shutdown(t)

			err := env.serv.Start(t.Context())
			if !errors.Is(err, locator.ErrPermissionDenied) {
				t.Fatalf("expected error to be %s, got %v", locator.ErrPermissionDenied, err)
			}
			if env.status(t).Requesting {
				t.Error("expected service not to request updates")
			}
			if env.store.value(prefs.KeyRequestingLocationUpdates) {
				t.Error("expected persisted flag to be false")
			}
			if env.notifier.isVisible() {
				t.Error("expected no foreground notification")
			}
		})
	})
	t.Run("preference failure does not stop the subscription", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			env := newTestEnv(t)
			env.store.err = errors.New("read-only file system")
			env.run(t)
			defer env.shutdown(t)

			if err := env.serv.Start(t.Context()); err != nil {
				t.Fatalf("failed to start location updates: %s", err)
			}
			if !env.status(t).Requesting {
				t.Error("expected service to request updates")
			}
		})
	})
}

func TestService_Stop(t *testing.T) {
	t.Run("stop removes updates and persists the state", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			env := newTestEnv(t)
			env.run(t)
			defer env.shutdown(t)

			if err := env.serv.Start(t.Context()); err != nil {
				t.Fatalf("failed to start location updates: %s", err)
			}
			if err := env.serv.Stop(t.Context()); err != nil {
				t.Fatalf("failed to stop location updates: %s", err)
			}
			if env.status(t).Requesting {
				t.Error("expected service not to request updates")
			}
			if env.store.value(prefs.KeyRequestingLocationUpdates) {
				t.Error("expected persisted flag to be false")
			}
			if env.locator.isRequesting() {
				t.Error("expected locator subscription to be removed")
			}
			if env.notifier.isVisible() {
				t.Error("expected foreground notification to be closed")
			}
		})
	})
	t.Run("permission denied reverts to active", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			env := newTestEnv(t)
			env.run(t)
			defer env.shutdown(t)

			if err := env.serv.Start(t.Context()); err != nil {
				t.Fatalf("failed to start location updates: %s", err)
			}
			env.locator.setRemoveErr(locator.ErrPermissionDenied)
			err := env.serv.Stop(t.Context())
			if !errors.Is(err, locator.ErrPermissionDenied) {
				t.Fatalf("expected error to be %s, got %v", locator.ErrPermissionDenied, err)
			}
			if !env.status(t).Requesting {
				t.Error("expected service to keep requesting updates")
			}
			if !env.store.value(prefs.KeyRequestingLocationUpdates) {
				t.Error("expected persisted flag to be true")
			}
			if !env.notifier.isVisible() {
				t.Error("expected foreground notification to stay visible")
			}
		})
	})
}

func TestService_onLocationChanged(t *testing.T) {
	t.Run("location is overwritten and broadcast", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			env := newTestEnv(t)
			env.run(t)
			defer env.shutdown(t)

			obs, err := env.serv.Attach(t.Context())
			if err != nil {
				t.Fatalf("failed to attach: %s", err)
			}
			if err = env.serv.Start(t.Context()); err != nil {
				t.Fatalf("failed to start location updates: %s", err)
			}
			if got := <-obs.Events(); got.Type != broadcast.EventPreference || !got.Requesting {
				t.Errorf("expected preference event, got %+v", got)
			}

			env.locator.emit(resultMountainView)
			got := <-obs.Events()
			if got.Type != broadcast.EventLocation || got.Text != "(37.4, -122.1)" {
				t.Errorf("unexpected location event: %+v", got)
			}
			if got.Location == nil || got.Location.Lat != 37.4 || got.Location.Lon != -122.1 {
				t.Errorf("unexpected event location: %+v", got.Location)
			}

			env.locator.emit(resultMunich)
			<-obs.Events()
			status := env.status(t)
			if status.Text != "(48.137154, 11.576124)" {
				t.Errorf("expected location to be overwritten, got %q", status.Text)
			}
			if status.Location.Accuracy != resultMunich.AccuracyMeters || status.Location.Source != "other" {
				t.Errorf("expected all location fields to be overwritten, got %+v", status.Location)
			}
			if env.notifier.showCount() != 0 {
				t.Errorf("expected no notification while attached, got %d", env.notifier.showCount())
			}
		})
	})
	t.Run("foreground notification is refreshed when not attached", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			env := newTestEnv(t)
			env.run(t)
			defer env.shutdown(t)

			if err := env.serv.Start(t.Context()); err != nil {
				t.Fatalf("failed to start location updates: %s", err)
			}
			if body := env.notifier.last().Body; body != "Unknown location" {
				t.Errorf("expected unknown location in notification, got %q", body)
			}
			shows := env.notifier.showCount()
			env.locator.emit(resultMountainView)
			if env.notifier.showCount() != shows+1 {
				t.Errorf("expected notification to be refreshed")
			}
			note := env.notifier.last()
			if note.Body != "(37.4, -122.1)" {
				t.Errorf("expected location in notification, got %q", note.Body)
			}
			if !strings.HasPrefix(note.Title, "Location updated: ") {
				t.Errorf("unexpected notification title: %q", note.Title)
			}
			if len(note.Actions) != 2 || note.Actions[0].Key != notify.ActionOpen ||
				note.Actions[1].Key != notify.ActionStop {
				t.Errorf("unexpected notification actions: %+v", note.Actions)
			}
		})
	})
}

func TestService_AttachDetach(t *testing.T) {
	t.Run("foreground iff active and not attached", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			env := newTestEnv(t)
			env.run(t)
			defer env.shutdown(t)

			obs, err := env.serv.Attach(t.Context())
			if err != nil {
				t.Fatalf("failed to attach: %s", err)
			}
			if env.notifier.isVisible() {
				t.Error("expected no notification while inactive")
			}
			if err = env.serv.Start(t.Context()); err != nil {
				t.Fatalf("failed to start location updates: %s", err)
			}
			if env.notifier.isVisible() {
				t.Error("expected no notification while attached")
			}
			if err = env.serv.Detach(t.Context(), obs, false); err != nil {
				t.Fatalf("failed to detach: %s", err)
			}
			if !env.notifier.isVisible() {
				t.Error("expected notification after the last detach")
			}
			status := env.status(t)
			if status.Attached != 0 || !status.Foreground {
				t.Errorf("unexpected status: %+v", status)
			}
			if _, err = env.serv.Attach(t.Context()); err != nil {
				t.Fatalf("failed to attach: %s", err)
			}
			if env.notifier.isVisible() {
				t.Error("expected notification to be hidden on attach")
			}
		})
	})
	t.Run("detach of one of several clients keeps the notification hidden", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			env := newTestEnv(t)
			env.run(t)
			defer env.shutdown(t)

			first, _ := env.serv.Attach(t.Context())
			if _, err := env.serv.Attach(t.Context()); err != nil {
				t.Fatalf("failed to attach: %s", err)
			}
			if err := env.serv.Start(t.Context()); err != nil {
				t.Fatalf("failed to start location updates: %s", err)
			}
			if err := env.serv.Detach(t.Context(), first, false); err != nil {
				t.Fatalf("failed to detach: %s", err)
			}
			if env.notifier.isVisible() {
				t.Error("expected no notification while a client is attached")
			}
			if err := env.serv.Detach(t.Context(), first, false); err != nil {
				t.Fatalf("failed to detach: %s", err)
			}
			if got := env.status(t).Attached; got != 1 {
				t.Errorf("expected double detach to be ignored, got %d attached", got)
			}
		})
	})
	t.Run("inactive detach does not present the notification", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			env := newTestEnv(t)
			env.run(t)
			defer env.shutdown(t)

			obs, _ := env.serv.Attach(t.Context())
			if err := env.serv.Detach(t.Context(), obs, false); err != nil {
				t.Fatalf("failed to detach: %s", err)
			}
			if env.notifier.isVisible() {
				t.Error("expected no notification while inactive")
			}
		})
	})
	t.Run("transient detach defers the notification", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			env := newTestEnv(t)
			env.run(t)
			defer env.shutdown(t)

			obs, _ := env.serv.Attach(t.Context())
			if err := env.serv.Start(t.Context()); err != nil {
				t.Fatalf("failed to start location updates: %s", err)
			}
			if err := env.serv.Detach(t.Context(), obs, true); err != nil {
				t.Fatalf("failed to detach: %s", err)
			}
			if env.notifier.isVisible() {
				t.Error("expected no notification during a configuration change")
			}
			env.locator.emit(resultMountainView)
			if env.notifier.isVisible() {
				t.Error("expected no notification during a configuration change")
			}
			time.Sleep(configChangeGrace)
			synctest.Wait()
			if !env.notifier.isVisible() {
				t.Error("expected notification after the grace period")
			}
		})
	})
	t.Run("reattach within the grace period", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			env := newTestEnv(t)
			env.run(t)
			defer env.shutdown(t)

			obs, _ := env.serv.Attach(t.Context())
			if err := env.serv.Start(t.Context()); err != nil {
				t.Fatalf("failed to start location updates: %s", err)
			}
			if err := env.serv.Detach(t.Context(), obs, true); err != nil {
				t.Fatalf("failed to detach: %s", err)
			}
			if _, err := env.serv.Attach(t.Context()); err != nil {
				t.Fatalf("failed to attach: %s", err)
			}
			time.Sleep(configChangeGrace * 2)
			synctest.Wait()
			if env.notifier.showCount() != 0 {
				t.Errorf("expected no notification, got %d shows", env.notifier.showCount())
			}
		})
	})
}

func TestService_endConfigChange(t *testing.T) {
	t.Run("an outdated grace period does not present the notification", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			env := newTestEnv(t)
			env.run(t)
			defer env.shutdown(t)

			obs, _ := env.serv.Attach(t.Context())
			if err := env.serv.Start(t.Context()); err != nil {
				t.Fatalf("failed to start location updates: %s", err)
			}
			if err := env.serv.Detach(t.Context(), obs, true); err != nil {
				t.Fatalf("failed to detach: %s", err)
			}
			outdated := env.graceGen(t)

			obs, _ = env.serv.Attach(t.Context())
			if err := env.serv.Detach(t.Context(), obs, true); err != nil {
				t.Fatalf("failed to detach: %s", err)
			}
			if err := env.serv.do(t.Context(), func(ctx context.Context) {
				env.serv.endConfigChange(ctx, outdated)
			}); err != nil {
				t.Fatalf("failed to end configuration change: %s", err)
			}
			if env.notifier.isVisible() {
				t.Error("expected no notification before the current grace period ends")
			}

			time.Sleep(configChangeGrace)
			synctest.Wait()
			if !env.notifier.isVisible() {
				t.Error("expected notification after the current grace period")
			}
		})
	})
	t.Run("the current grace period presents the notification", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			env := newTestEnv(t)
			env.run(t)
			defer env.shutdown(t)

			obs, _ := env.serv.Attach(t.Context())
			if err := env.serv.Start(t.Context()); err != nil {
				t.Fatalf("failed to start location updates: %s", err)
			}
			if err := env.serv.Detach(t.Context(), obs, true); err != nil {
				t.Fatalf("failed to detach: %s", err)
			}
			current := env.graceGen(t)
			if err := env.serv.do(t.Context(), func(ctx context.Context) {
				env.serv.endConfigChange(ctx, current)
			}); err != nil {
				t.Fatalf("failed to end configuration change: %s", err)
			}
			if !env.notifier.isVisible() {
				t.Error("expected notification when the grace period ends")
			}
		})
	})
}

func TestService_handleAction(t *testing.T) {
	t.Run("stop action removes updates", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			env := newTestEnv(t)
			env.run(t)
			defer env.shutdown(t)

			if err := env.serv.Start(t.Context()); err != nil {
				t.Fatalf("failed to start location updates: %s", err)
			}
			env.notifier.actions <- notify.ActionStop
			synctest.Wait()
			if env.status(t).Requesting {
				t.Error("expected stop action to remove updates")
			}
		})
	})
	t.Run("open action runs the configured command", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			env := newTestEnv(t)
			var command string
			env.serv.openUI = func(_ context.Context, cmd string) error {
				command = cmd
				return nil
			}
			env.serv.config.Notification.OpenCommand = "location-updates watch"
			env.run(t)
			defer env.shutdown(t)

			env.notifier.actions <- notify.ActionOpen
			synctest.Wait()
			if command != "location-updates watch" {
				t.Errorf("expected open command to run, got %q", command)
			}
		})
	})
	t.Run("open action without command is logged", func(t *testing.T) {
		serv, err := testService(t, false)
		if err != nil {
			t.Fatalf("failed to create service: %s", err)
		}
		buf := &syncBuffer{buf: bytes.NewBuffer(nil)}
		serv.logger = testLogger(buf)
		serv.openUI = func(context.Context, string) error {
			t.Error("expected no command to run")
			return nil
		}
		serv.handleAction(t.Context(), notify.ActionOpen)
		serv.handleAction(t.Context(), "unknown")
		for _, want := range []string{"no command configured", "unknown notification action"} {
			if !strings.Contains(buf.String(), want) {
				t.Errorf("expected log to contain %q, got %q", want, buf.String())
			}
		}
	})
	t.Run("failing open command is logged", func(t *testing.T) {
		serv, err := testService(t, false)
		if err != nil {
			t.Fatalf("failed to create service: %s", err)
		}
		buf := &syncBuffer{buf: bytes.NewBuffer(nil)}
		serv.logger = testLogger(buf)
		serv.config.Notification.OpenCommand = "location-updates watch"
		serv.openUI = func(context.Context, string) error { return errors.New("intentionally failing") }
		serv.handleAction(t.Context(), notify.ActionOpen)
		if !strings.Contains(buf.String(), "failed to open the user interface") {
			t.Errorf("expected failure to be logged, got %q", buf.String())
		}
	})
}

func TestRunCommand(t *testing.T) {
	if err := runCommand(t.Context(), "true"); err != nil {
		t.Errorf("failed to run command: %s", err)
	}
}

func TestService_refreshSubscription(t *testing.T) {
	t.Run("active subscription is requested again", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			env := newTestEnv(t)
			env.run(t)
			defer env.shutdown(t)

			env.serv.refreshSubscription(t.Context())
			if env.locator.requestCount() != 0 {
				t.Errorf("expected no request while inactive, got %d", env.locator.requestCount())
			}
			if err := env.serv.Start(t.Context()); err != nil {
				t.Fatalf("failed to start location updates: %s", err)
			}
			env.serv.refreshSubscription(t.Context())
			if env.locator.requestCount() != 2 {
				t.Errorf("expected 2 requests, got %d", env.locator.requestCount())
			}
		})
	})
	t.Run("permission denied on refresh deactivates", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			env := newTestEnv(t)
			env.run(t)
			defer env.shutdown(t)

			if err := env.serv.Start(t.Context()); err != nil {
				t.Fatalf("failed to start location updates: %s", err)
			}
			env.locator.setRequestErr(locator.ErrPermissionDenied)
			env.serv.refreshSubscription(t.Context())
			if env.status(t).Requesting {
				t.Error("expected service to be inactive")
			}
			if env.notifier.isVisible() {
				t.Error("expected foreground notification to be closed")
			}
		})
	})
}

func TestService_watchSleepSignals(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		env := newTestEnv(t)
		env.run(t)
		defer env.shutdown(t)
		if err := env.serv.Start(t.Context()); err != nil {
			t.Fatalf("failed to start location updates: %s", err)
		}

		ctx, cancel := context.WithCancel(t.Context())
		sigCh := make(chan *dbus.Signal, 4)
		var lastResume time.Time
		done := make(chan struct{})
		go func() {
			defer close(done)
			env.serv.watchSleepSignals(ctx, sigCh, &lastResume)
		}()

		sigCh <- &dbus.Signal{Body: []any{true}}
		sigCh <- &dbus.Signal{Body: []any{false}}
		sigCh <- &dbus.Signal{Body: []any{false}}
		time.Sleep(networkWakeupDelay * 2)
		synctest.Wait()
		if env.locator.requestCount() != 2 {
			t.Errorf("expected one debounced refresh, got %d requests", env.locator.requestCount())
		}
		cancel()
		<-done
	})
}

func TestIsResumeSignal(t *testing.T) {
	tests := []struct {
		name string
		sig  *dbus.Signal
		want bool
	}{
		{"nil signal", nil, false},
		{"going to sleep", &dbus.Signal{Body: []any{true}}, false},
		{"resumed", &dbus.Signal{Body: []any{false}}, true},
		{"wrong body type", &dbus.Signal{Body: []any{"false"}}, false},
		{"empty body", &dbus.Signal{}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isResumeSignal(tc.sig); got != tc.want {
				t.Errorf("expected %t, got %t", tc.want, got)
			}
		})
	}
}

func TestService_HandleSignals(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		env := newTestEnv(t)
		buf := &syncBuffer{buf: bytes.NewBuffer(nil)}
		env.serv.logger = testLogger(buf)
		env.run(t)
		defer env.shutdown(t)

		ctx, cancel := context.WithCancel(t.Context())
		sigChan := make(chan os.Signal, 1)
		done := make(chan struct{})
		go func() {
			defer close(done)
			env.serv.HandleSignals(ctx, sigChan)
		}()

		sigChan <- syscall.SIGUSR1
		synctest.Wait()
		wantLog := `msg="current subscription state" requesting=false location="Unknown location" attached=0`
		if !strings.Contains(buf.String(), wantLog) {
			t.Errorf("expected log to contain %q, got %q", wantLog, buf.String())
		}
		cancel()
		<-done
	})
}

func TestService_selectProvider(t *testing.T) {
	t.Run("all providers enabled", func(t *testing.T) {
		serv, err := testService(t, false)
		if err != nil {
			t.Fatalf("failed to create service: %s", err)
		}
		providers, err := serv.selectGeobusProviders()
		if err != nil {
			t.Fatalf("failed to select providers: %s", err)
		}
		if len(providers) != 4 {
			t.Errorf("expected 4 providers, got %d", len(providers))
		}
	})
	t.Run("no provider enabled", func(t *testing.T) {
		serv, err := testService(t, false)
		if err != nil {
			t.Fatalf("failed to create service: %s", err)
		}
		disableProviders(serv.config)
		if _, err = serv.selectGeobusProviders(); err == nil {
			t.Error("expected provider selection to fail")
		}
	})
	t.Run("locator is created", func(t *testing.T) {
		serv, err := testService(t, false)
		if err != nil {
			t.Fatalf("failed to create service: %s", err)
		}
		loc, err := serv.createLocator()
		if err != nil {
			t.Fatalf("failed to create locator: %s", err)
		}
		if err = loc.Close(); err != nil {
			t.Errorf("failed to close locator: %s", err)
		}
	})
	t.Run("file preference store", func(t *testing.T) {
		serv, err := testService(t, false)
		if err != nil {
			t.Fatalf("failed to create service: %s", err)
		}
		serv.config.Preferences.File = filepath.Join(t.TempDir(), "prefs.toml")
		store, err := serv.selectPreferenceStore(t.Context())
		if err != nil {
			t.Fatalf("failed to select preference store: %s", err)
		}
		defer func() { _ = store.Close() }()
		if _, ok := store.(*prefs.FileStore); !ok {
			t.Errorf("expected file store, got %T", store)
		}
	})
	t.Run("unsupported preference store", func(t *testing.T) {
		serv, err := testService(t, false)
		if err != nil {
			t.Fatalf("failed to create service: %s", err)
		}
		serv.config.Preferences.Backend = "invalid"
		if _, err = serv.selectPreferenceStore(t.Context()); err == nil {
			t.Error("expected preference store selection to fail")
		}
	})
	t.Run("disabled notifications", func(t *testing.T) {
		serv, err := testService(t, false)
		if err != nil {
			t.Fatalf("failed to create service: %s", err)
		}
		serv.config.Notification.Disable = true
		if _, ok := serv.selectNotifier().(notify.Discard); !ok {
			t.Error("expected discarding notifier")
		}
	})
	t.Run("authorizer selection", func(t *testing.T) {
		serv, err := testService(t, false)
		if err != nil {
			t.Fatalf("failed to create service: %s", err)
		}
		if err = serv.selectAuthorizer().Authorize(t.Context()); err != nil {
			t.Errorf("expected default authorizer to grant access, got %s", err)
		}
		serv.config.Permission.RequireGeoClue = true
		if serv.selectAuthorizer() == nil {
			t.Error("expected GeoClue authorizer")
		}
	})
}

// testEnv runs a service with fake collaborators inside a synctest bubble.
type testEnv struct {
	serv     *Service
	store    *fakeStore
	locator  *fakeLocator
	notifier *fakeNotifier
	cancel   context.CancelFunc
	done     chan error
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	serv, err := testService(t, false)
	if err != nil {
		t.Fatalf("failed to create service: %s", err)
	}
	env := &testEnv{
		serv:     serv,
		store:    newFakeStore(),
		locator:  &fakeLocator{lastErr: locator.ErrNoLocation},
		notifier: &fakeNotifier{actions: make(chan string, 1)},
	}
	serv.store = env.store
	serv.locator = env.locator
	serv.notifier = env.notifier
	serv.SignalSrc = fakeSignalSource{}
	serv.sleepMonitor = nil
	return env
}

func (e *testEnv) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	e.cancel = cancel
	e.done = make(chan error, 1)
	go func() { e.done <- e.serv.Run(ctx) }()
	synctest.Wait()
}

func (e *testEnv) shutdown(t *testing.T) {
	t.Helper()
	if e.cancel == nil {
		return
	}
	e.cancel()
	e.cancel = nil
	if err := <-e.done; err != nil {
		t.Errorf("failed to run service: %s", err)
	}
}

func (e *testEnv) graceGen(t *testing.T) uint64 {
	t.Helper()
	var gen uint64
	if err := e.serv.do(t.Context(), func(context.Context) { gen = e.serv.graceGen }); err != nil {
		t.Fatalf("failed to read grace generation: %s", err)
	}
	return gen
}

func (e *testEnv) status(t *testing.T) Status {
	t.Helper()
	status, err := e.serv.Status(t.Context())
	if err != nil {
		t.Fatalf("failed to get status: %s", err)
	}
	return status
}

func testService(_ *testing.T, nilLogger bool) (*Service, error) {
	conf, err := config.New()
	if err != nil {
		return nil, err
	}

	var log *logger.Logger
	if !nilLogger {
		log = testLogger(io.Discard)
	}

	lang, err := i18n.New("en")
	if err != nil {
		return nil, err
	}
	return New(conf, log, lang)
}

func testLogger(w io.Writer) *logger.Logger {
	return logger.NewLogger(slog.LevelDebug, w)
}

func disableProviders(conf *config.Config) {
	conf.GeoLocation.DisableGeoIP = true
	conf.GeoLocation.DisableGPSD = true
	conf.GeoLocation.DisableGeolocationFile = true
	conf.GeoLocation.DisableICHNAEA = true
}

type (
	fakeSignalSource struct{}
	fakeStore        struct {
		mu     sync.Mutex
		values map[string]bool
		err    error
		closed bool
	}
	fakeLocator struct {
		mu         sync.Mutex
		requests   []locator.Request
		fn         func(geobus.Result)
		requestErr error
		removeErr  error
		last       geobus.Result
		lastErr    error
		closed     bool
	}
	fakeNotifier struct {
		mu       sync.Mutex
		shown    []notify.Notification
		visible  bool
		shutdown bool
		actions  chan string
	}
	syncBuffer struct {
		mu  sync.Mutex
		buf *bytes.Buffer
	}
)

func (fakeSignalSource) Notify(chan<- os.Signal, ...os.Signal) {}

func (fakeSignalSource) Stop(chan<- os.Signal) {}

func newFakeStore() *fakeStore {
	return &fakeStore{values: make(map[string]bool)}
}

func (s *fakeStore) Bool(_ context.Context, key string, def bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if val, ok := s.values[key]; ok {
		return val, nil
	}
	return def, nil
}

func (s *fakeStore) SetBool(_ context.Context, key string, val bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.values[key] = val
	return nil
}

func (s *fakeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStore) value(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

func (s *fakeStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (l *fakeLocator) RequestUpdates(_ context.Context, req locator.Request, fn func(geobus.Result)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.requestErr != nil {
		return l.requestErr
	}
	l.requests = append(l.requests, req)
	l.fn = fn
	return nil
}

func (l *fakeLocator) RemoveUpdates(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.removeErr != nil {
		return l.removeErr
	}
	l.fn = nil
	return nil
}

func (l *fakeLocator) LastLocation(context.Context) (geobus.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastErr != nil {
		return geobus.Result{}, l.lastErr
	}
	return l.last, nil
}

func (l *fakeLocator) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// emit delivers r like the locator does, from outside the dispatch goroutine.
func (l *fakeLocator) emit(r geobus.Result) {
	l.mu.Lock()
	fn := l.fn
	l.mu.Unlock()
	if fn == nil {
		panic(fmt.Sprintf("no subscription to deliver %+v to", r))
	}
	fn(r)
}

func (l *fakeLocator) setRequestErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requestErr = err
}

func (l *fakeLocator) setRemoveErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeErr = err
}

func (l *fakeLocator) requestCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

func (l *fakeLocator) lastRequest() locator.Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requests[len(l.requests)-1]
}

func (l *fakeLocator) isRequesting() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fn != nil
}

func (l *fakeLocator) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (n *fakeNotifier) Show(_ context.Context, note notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shown = append(n.shown, note)
	n.visible = true
	return nil
}

func (n *fakeNotifier) Close(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.visible = false
	return nil
}

func (n *fakeNotifier) Shutdown(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.visible = false
	n.shutdown = true
	return nil
}

func (n *fakeNotifier) isShutdown() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.shutdown
}

func (n *fakeNotifier) Actions() <-chan string {
	return n.actions
}

func (n *fakeNotifier) isVisible() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.visible
}

func (n *fakeNotifier) showCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.shown)
}

func (n *fakeNotifier) last() notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.shown[len(n.shown)-1]
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}
