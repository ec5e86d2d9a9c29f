// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package ichnaea

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdhttp "net/http"
	"strings"
	"sync"
	"time"

	"github.com/mdlayher/wifi"

	"github.com/wneessen/location-updates/internal/geobus"
	"github.com/wneessen/location-updates/internal/http"
)

const (
	APIEndpoint   = "https://api.beacondb.net/v1/geolocate"
	LookupTimeout = time.Second * 5
	WifiScanTime  = time.Minute * 2

	name = "ichnaea"
)

var ErrHTTPClientRequired = errors.New("ichnaea: HTTP client is required")

// scanner lists the access points visible to the local wireless interfaces.
type scanner interface {
	Interfaces() ([]*wifi.Interface, error)
	AccessPoints(*wifi.Interface) ([]*wifi.BSS, error)
}

// GeolocationICHNAEAProvider locates the device through an ichnaea compatible geolocate API
// (BeaconDB by default), submitting the visible Wi-Fi access points.
type GeolocationICHNAEAProvider struct {
	name     string
	endpoint string
	http     *http.Client
	wlan     scanner
	period   time.Duration
	ttl      time.Duration

	apLock sync.RWMutex
	aps    []WirelessNetwork
}

type APIResult struct {
	Location struct {
		Latitude  float64 `json:"lat"`
		Longitude float64 `json:"lng"`
	} `json:"location"`
	Accuracy float64 `json:"accuracy"`
}

type WirelessNetwork struct {
	LastSeen       int64  `json:"age"`
	MACAddress     string `json:"macAddress"`
	SignalStrength int32  `json:"signalStrength"`
}

type request struct {
	ConsiderIP   bool              `json:"considerIp"`
	Accesspoints []WirelessNetwork `json:"wifiAccessPoints,omitempty"`
}

// NewGeolocationICHNAEAProvider returns a new provider. A missing wireless stack is not an
// error; the lookup then relies on the public IP address only.
func NewGeolocationICHNAEAProvider(http *http.Client, endpoint string) (*GeolocationICHNAEAProvider, error) {
	if http == nil {
		return nil, ErrHTTPClientRequired
	}
	if endpoint == "" {
		endpoint = APIEndpoint
	}

	provider := &GeolocationICHNAEAProvider{
		name:     name,
		endpoint: endpoint,
		http:     http,
		period:   time.Minute * 5,
		ttl:      time.Hour * 1,
	}
	if wlan, err := wifi.New(); err == nil {
		provider.wlan = wlan
	}
	return provider, nil
}

func (p *GeolocationICHNAEAProvider) Name() string {
	return p.name
}

// LookupStream emits a result whenever the looked up position changes, until ctx ends.
func (p *GeolocationICHNAEAProvider) LookupStream(ctx context.Context, key string) <-chan geobus.Result {
	out := make(chan geobus.Result)
	if p.wlan != nil {
		go p.monitorWifiAccessPoints(ctx)
	}
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

func (p *GeolocationICHNAEAProvider) createResult(key string, coord geobus.Coordinate) geobus.Result {
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

func (p *GeolocationICHNAEAProvider) monitorWifiAccessPoints(ctx context.Context) {
	for {
		if list, err := p.wifiAccessPoints(); err == nil {
			p.apLock.Lock()
			p.aps = list
			p.apLock.Unlock()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(WifiScanTime):
		}
	}
}

func (p *GeolocationICHNAEAProvider) wifiAccessPoints() ([]WirelessNetwork, error) {
	var list []WirelessNetwork

	ifaces, err := p.wlan.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Type != wifi.InterfaceTypeStation {
			continue
		}
		aps, err := p.wlan.AccessPoints(iface)
		if err != nil {
			continue
		}
		for _, ap := range aps {
			// Networks ending in _nomap opted out of location services.
			if ap.SSID == "" || ap.SSID[0] == '\x00' || strings.HasSuffix(ap.SSID, "_nomap") {
				continue
			}
			list = append(list, WirelessNetwork{
				SignalStrength: ap.Signal / 100,
				MACAddress:     ap.BSSID.String(),
				LastSeen:       ap.LastSeen.Milliseconds(),
			})
		}
	}

	return list, nil
}

func (p *GeolocationICHNAEAProvider) locate(ctx context.Context) (geobus.Coordinate, error) {
	p.apLock.RLock()
	req := request{ConsiderIP: true, Accesspoints: p.aps}
	p.apLock.RUnlock()

	body := bytes.NewBuffer(nil)
	if err := json.NewEncoder(body).Encode(req); err != nil {
		return geobus.Coordinate{}, fmt.Errorf("failed to encode wifi list to JSON: %w", err)
	}

	ctxHttp, cancelHttp := context.WithTimeout(ctx, LookupTimeout)
	defer cancelHttp()
	result := new(APIResult)
	code, err := p.http.Post(ctxHttp, p.endpoint, result, body, map[string]string{"Content-Type": "application/json"})
	if err != nil {
		return geobus.Coordinate{}, fmt.Errorf("failed to get geolocation data from API: %w", err)
	}
	if code != stdhttp.StatusOK {
		return geobus.Coordinate{}, fmt.Errorf("geolocation API returned unexpected status: %d", code)
	}

	return geobus.Coordinate{
		Lat: geobus.Truncate(result.Location.Latitude, geobus.TruncPrecision),
		Lon: geobus.Truncate(result.Location.Longitude, geobus.TruncPrecision),
		Acc: result.Accuracy,
	}, nil
}
