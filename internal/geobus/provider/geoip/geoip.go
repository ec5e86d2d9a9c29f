// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package geoip

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/wneessen/location-updates/internal/geobus"
	"github.com/wneessen/location-updates/internal/http"
)

const (
	APIEndpoint   = "https://reallyfreegeoip.org/json/"
	LookupTimeout = time.Second * 5

	name = "geoip"
)

var ErrHTTPClientRequired = errors.New("geoip: HTTP client is required")

// GeolocationGeoIPProvider resolves the position of the public IP address. It is the least
// accurate provider and mostly serves as a fallback.
type GeolocationGeoIPProvider struct {
	name     string
	endpoint string
	http     *http.Client
	period   time.Duration
	ttl      time.Duration
}

type APIResult struct {
	IP          string  `json:"ip"`
	CountryCode string  `json:"country_code"`
	Country     string  `json:"country_name"`
	RegionCode  string  `json:"region_code,omitempty"`
	Region      string  `json:"region_name,omitempty"`
	City        string  `json:"city,omitempty"`
	ZipCode     string  `json:"zip_code,omitempty"`
	TimeZone    string  `json:"time_zone"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}

func NewGeolocationGeoIPProvider(http *http.Client) (*GeolocationGeoIPProvider, error) {
	if http == nil {
		return nil, ErrHTTPClientRequired
	}
	return &GeolocationGeoIPProvider{
		name:     name,
		endpoint: APIEndpoint,
		http:     http,
		period:   30 * time.Minute,
		ttl:      60 * time.Minute,
	}, nil
}

func (p *GeolocationGeoIPProvider) Name() string {
	return p.name
}

// LookupStream periodically looks up the position of the public IP address and emits a result
// whenever it changes.
func (p *GeolocationGeoIPProvider) LookupStream(ctx context.Context, key string) <-chan geobus.Result {
	out := make(chan geobus.Result)
	go func() {
		defer close(out)
		state := geobus.GeolocationState{}

		for {
			coord, err := p.locate(ctx)
			if err == nil && state.HasChanged(coord) {
				state.Update(coord)
				select {
				case <-ctx.Done():
					return
				case out <- p.createResult(key, coord):
				}
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

// createResult composes and returns a Result using provided geolocation data and metadata.
func (p *GeolocationGeoIPProvider) createResult(key string, coord geobus.Coordinate) geobus.Result {
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

func (p *GeolocationGeoIPProvider) locate(ctx context.Context) (geobus.Coordinate, error) {
	ctxHttp, cancelHttp := context.WithTimeout(ctx, LookupTimeout)
	defer cancelHttp()

	result := new(APIResult)
	code, err := p.http.Get(ctxHttp, p.endpoint, result, nil, nil)
	if err != nil {
		return geobus.Coordinate{}, fmt.Errorf("failed to get geolocation data from API: %w", err)
	}
	if code != stdhttp.StatusOK {
		return geobus.Coordinate{}, fmt.Errorf("geolocation API returned unexpected status: %d", code)
	}

	acc := float64(geobus.AccuracyUnknown)
	switch {
	case result.ZipCode != "":
		acc = geobus.AccuracyZip
	case result.City != "":
		acc = geobus.AccuracyCity
	case result.RegionCode != "":
		acc = geobus.AccuracyRegion
	case result.CountryCode != "":
		acc = geobus.AccuracyCountry
	}

	return geobus.Coordinate{Lat: result.Latitude, Lon: result.Longitude, Acc: acc}, nil
}
