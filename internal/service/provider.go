// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"fmt"
	"time"

	"github.com/wneessen/location-updates/internal/config"
	"github.com/wneessen/location-updates/internal/geobus"
	"github.com/wneessen/location-updates/internal/geobus/provider/geoip"
	"github.com/wneessen/location-updates/internal/geobus/provider/geolocation_file"
	"github.com/wneessen/location-updates/internal/geobus/provider/gpsd"
	"github.com/wneessen/location-updates/internal/geobus/provider/ichnaea"
	"github.com/wneessen/location-updates/internal/gpspoll"
	"github.com/wneessen/location-updates/internal/http"
	"github.com/wneessen/location-updates/internal/locator"
	"github.com/wneessen/location-updates/internal/logger"
	"github.com/wneessen/location-updates/internal/notify"
	"github.com/wneessen/location-updates/internal/permission"
	"github.com/wneessen/location-updates/internal/prefs"
)

const (
	geolocationFilePeriod = time.Second * 30
	gpsdPeriod            = time.Second * 5
)

func (s *Service) selectGeobusProviders() ([]geobus.Provider, error) {
	httpClient := http.New(s.logger)
	var provider []geobus.Provider

	if !s.config.GeoLocation.DisableGeolocationFile {
		provider = append(provider, geolocation_file.NewGeolocationFileProvider(s.config.GeoLocation.File,
			geolocationFilePeriod))
	}

	if !s.config.GeoLocation.DisableGPSD {
		provider = append(provider, gpsd.NewGeolocationGPSDProvider(s.config.GeoLocation.GPSDHost,
			s.config.GeoLocation.GPSDPort, gpsdPeriod, s.logger))
	}

	if !s.config.GeoLocation.DisableGeoIP {
		gip, err := geoip.NewGeolocationGeoIPProvider(httpClient)
		if err != nil {
			return nil, fmt.Errorf("failed to create GeoIP provider: %w", err)
		}
		provider = append(provider, gip)
	}

	if !s.config.GeoLocation.DisableICHNAEA {
		mls, err := ichnaea.NewGeolocationICHNAEAProvider(httpClient, s.config.GeoLocation.ICHNAEAEndpoint)
		if err != nil {
			s.logger.Error("failed to create ICHNAEA provider", logger.Err(err))
		} else {
			provider = append(provider, mls)
		}
	}
	if len(provider) == 0 {
		return nil, fmt.Errorf("no geolocation providers enabled")
	}

	return provider, nil
}

func (s *Service) createLocator() (*locator.Client, error) {
	providers, err := s.selectGeobusProviders()
	if err != nil {
		return nil, err
	}

	opts := []locator.Option{locator.WithAuthorizer(s.selectAuthorizer())}
	if !s.config.GeoLocation.DisableGPSD {
		opts = append(opts, locator.WithPoller(gpspoll.New(s.config.GeoLocation.GPSDHost,
			s.config.GeoLocation.GPSDPort)))
	}
	return locator.New(s.geobus, providers, s.logger, opts...)
}

func (s *Service) selectAuthorizer() permission.Authorizer {
	if s.config.Permission.RequireGeoClue {
		return permission.NewGeoClue()
	}
	return permission.Granted{}
}

func (s *Service) selectPreferenceStore(ctx context.Context) (prefs.Store, error) {
	switch s.config.Preferences.Backend {
	case config.BackendFile:
		return prefs.NewFileStore(s.config.Preferences.File)
	case config.BackendRedis:
		return prefs.NewRedisStore(ctx, s.config.Preferences.RedisURL, s.config.Preferences.RedisHash)
	default:
		return nil, fmt.Errorf("unsupported preference backend: %s", s.config.Preferences.Backend)
	}
}

// selectNotifier falls back to a notifier that shows nothing if no notification service is reachable.
func (s *Service) selectNotifier() notify.Notifier {
	if s.config.Notification.Disable {
		return notify.Discard{}
	}
	notifier, err := notify.NewDBusNotifier(AppName, s.logger)
	if err != nil {
		s.logger.Warn("foreground notification unavailable", logger.Err(err))
		return notify.Discard{}
	}
	return notifier
}
