// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package permission decides whether the daemon may access the device location.
package permission

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/godbus/dbus/v5"
)

const (
	// GeoClueService is the well-known bus name of the GeoClue2 location service.
	GeoClueService = "org.freedesktop.GeoClue2"

	dbusListNames            = "org.freedesktop.DBus.ListNames"
	dbusListActivatableNames = "org.freedesktop.DBus.ListActivatableNames"
)

// ErrPermissionDenied is returned when location access is not permitted.
var ErrPermissionDenied = errors.New("location permission denied")

// Authorizer is asked before the location subscription is changed.
type Authorizer interface {
	Authorize(ctx context.Context) error
}

// AuthorizerFunc adapts a plain function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context) error

func (f AuthorizerFunc) Authorize(ctx context.Context) error {
	return f(ctx)
}

// Granted always permits location access.
type Granted struct{}

func (Granted) Authorize(context.Context) error {
	return nil
}

// GeoClue permits location access only if the GeoClue2 service is running or activatable
// on the system bus.
type GeoClue struct {
	listNames func(ctx context.Context) ([]string, error)
}

func NewGeoClue() *GeoClue {
	return &GeoClue{listNames: systemBusNames}
}

func (g *GeoClue) Authorize(ctx context.Context) error {
	names, err := g.listNames(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to query system bus: %w", ErrPermissionDenied, err)
	}
	if !slices.Contains(names, GeoClueService) {
		return fmt.Errorf("%w: %s is not available", ErrPermissionDenied, GeoClueService)
	}
	return nil
}

func systemBusNames(ctx context.Context) ([]string, error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	defer func() { _ = conn.Close() }()

	var names, activatable []string
	obj := conn.BusObject()
	if err = obj.CallWithContext(ctx, dbusListNames, 0).Store(&names); err != nil {
		return nil, fmt.Errorf("failed to list bus names: %w", err)
	}
	if err = obj.CallWithContext(ctx, dbusListActivatableNames, 0).Store(&activatable); err != nil {
		return nil, fmt.Errorf("failed to list activatable bus names: %w", err)
	}
	return append(names, activatable...), nil
}
