// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package gpsd

import (
	"context"
	"log/slog"
	"math"
	"net"
	"time"

	"github.com/stratoberry/go-gpsd"

	"github.com/wneessen/location-updates/internal/geobus"
	"github.com/wneessen/location-updates/internal/logger"
)

const (
	name = "gpsd"

	fallbackAccuracy3DFix = 10
	fallbackAccuracy2DFix = 25
)

// GeolocationGPSDProvider streams TPV reports of a gpsd session into the geobus.
type GeolocationGPSDProvider struct {
	name   string
	addr   string
	logger *logger.Logger
	period time.Duration
	ttl    time.Duration
}

// NewGeolocationGPSDProvider returns a provider for the gpsd daemon at host:port. period is the
// delay between reconnect attempts.
func NewGeolocationGPSDProvider(host, port string, period time.Duration, log *logger.Logger) *GeolocationGPSDProvider {
	return &GeolocationGPSDProvider{
		name:   name,
		addr:   net.JoinHostPort(host, port),
		logger: log,
		period: period,
		ttl:    time.Minute * 2,
	}
}

func (p *GeolocationGPSDProvider) Name() string {
	return p.name
}

func (p *GeolocationGPSDProvider) LookupStream(ctx context.Context, key string) <-chan geobus.Result {
	out := make(chan geobus.Result)

	go func() {
		defer close(out)
		state := geobus.GeolocationState{}

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			session, err := gpsd.Dial(p.addr)
			if err != nil {
				p.logger.Debug("failed to connect to gpsd", slog.String("addr", p.addr), logger.Err(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(p.period):
					continue
				}
			}

			// The filter is called for every TPV report of the session
			session.AddFilter("TPV", func(r interface{}) {
				tpv, ok := r.(*gpsd.TPVReport)
				if !ok {
					return
				}
				coord, ok := coordinateFromTPV(tpv)
				if !ok || !state.HasChanged(coord) {
					return
				}
				state.Update(coord)

				select {
				case <-ctx.Done():
				case out <- p.createResult(key, coord):
				}
			})

			// Watch returns a channel that is closed when the watch ends, e.g. when the
			// connection is lost. go-gpsd has no way to close the session, it is torn down
			// with the process.
			done := session.Watch()
			select {
			case <-ctx.Done():
				return
			case <-done:
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(p.period):
			}
		}
	}()

	return out
}

// coordinateFromTPV converts a TPV report into a Coordinate. Reports without at least a 2D fix
// are rejected.
func coordinateFromTPV(tpv *gpsd.TPVReport) (geobus.Coordinate, bool) {
	if tpv.Mode < gpsd.Mode2D {
		return geobus.Coordinate{}, false
	}
	acc := float64(fallbackAccuracy2DFix)
	switch {
	case tpv.Epx > 0 && tpv.Epy > 0:
		acc = math.Hypot(tpv.Epx, tpv.Epy)
	case tpv.Mode == gpsd.Mode3D:
		acc = fallbackAccuracy3DFix
	}
	return geobus.Coordinate{
		Lat: tpv.Lat,
		Lon: tpv.Lon,
		Acc: acc,
	}, true
}

// createResult composes and returns a Result using provided geolocation data and metadata.
func (p *GeolocationGPSDProvider) createResult(key string, coord geobus.Coordinate) geobus.Result {
	return geobus.Result{
		Key:            key,
		Lat:            coord.Lat,
		Lon:            coord.Lon,
		AccuracyMeters: coord.Acc,
		Source:         p.name,
		At:             time.Now(),
		TTL:            p.ttl,
	}
}
