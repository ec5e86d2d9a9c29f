// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package geolocation_file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wneessen/location-updates/internal/geobus"
	"github.com/wneessen/location-updates/internal/job"
)

const (
	name = "geolocation_file"

	// Accuracy is the accuracy we assume for coordinates read from the geolocation file. The file is
	// written by the user or a tool they trust, so it is considered the most accurate source.
	Accuracy = 5
)

var ErrNoCoordinates = errors.New("no valid coordinates found in geolocation file")

// GeolocationFileProvider periodically reads "latitude,longitude" pairs from a file and emits a
// result whenever the position in the file changes.
type GeolocationFileProvider struct {
	name     string
	path     string
	period   time.Duration
	ttl      time.Duration
	locateFn func() (lat, lon float64, err error)
}

// NewGeolocationFileProvider initializes a GeolocationFileProvider with a file path and the period
// in which the file is read.
func NewGeolocationFileProvider(path string, period time.Duration) *GeolocationFileProvider {
	provider := &GeolocationFileProvider{
		name:   name,
		path:   path,
		period: period,
		ttl:    period * 6,
	}
	provider.locateFn = provider.readFile
	return provider
}

// Name returns the name of the GeolocationFileProvider instance.
func (p *GeolocationFileProvider) Name() string {
	return p.name
}

// LookupStream streams geolocation results from the file until the context ends.
func (p *GeolocationFileProvider) LookupStream(ctx context.Context, key string) <-chan geobus.Result {
	out := make(chan geobus.Result)
	state := geobus.GeolocationState{}

	reader := job.New(p.period, func(ctx context.Context) {
		lat, lon, err := p.locateFn()
		if err != nil {
			return
		}
		coord := geobus.Coordinate{Lat: lat, Lon: lon, Acc: Accuracy}
		if !state.HasChanged(coord) {
			return
		}
		state.Update(coord)

		select {
		case <-ctx.Done():
		case out <- p.createResult(key, coord):
		}
	}, job.WithImmediateRun())

	go func() {
		defer close(out)
		reader.Start(ctx)
	}()
	return out
}

// createResult composes and returns a Result using provided geolocation data and metadata.
func (p *GeolocationFileProvider) createResult(key string, coord geobus.Coordinate) geobus.Result {
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

// readFile returns the first valid "latitude,longitude" line of the geolocation file. Empty lines
// and lines starting with # are ignored.
func (p *GeolocationFileProvider) readFile() (lat, lon float64, err error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read geolocation file %q: %w", p.path, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		coords := strings.Split(line, ",")
		if len(coords) != 2 {
			continue
		}
		lat, err = strconv.ParseFloat(strings.TrimSpace(coords[0]), 64)
		if err != nil {
			continue
		}
		lon, err = strconv.ParseFloat(strings.TrimSpace(coords[1]), 64)
		if err != nil {
			continue
		}
		if !(geobus.Coordinate{Lat: lat, Lon: lon}).Valid() {
			continue
		}
		return lat, lon, nil
	}
	return 0, 0, ErrNoCoordinates
}
