// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package prefs provides the durable key-value storage for the daemon's preferences.
package prefs

import (
	"context"
)

// KeyRequestingLocationUpdates holds whether the user requested location updates.
const KeyRequestingLocationUpdates = "requesting_location_updates"

// Store persists boolean preferences. A key that was never written reads as the given default.
type Store interface {
	Bool(ctx context.Context, key string, def bool) (bool, error)
	SetBool(ctx context.Context, key string, val bool) error
	Close() error
}

// RequestingLocationUpdates returns the persisted subscription flag, false if it was never set.
func RequestingLocationUpdates(ctx context.Context, store Store) (bool, error) {
	return store.Bool(ctx, KeyRequestingLocationUpdates, false)
}

// SetRequestingLocationUpdates persists the subscription flag.
func SetRequestingLocationUpdates(ctx context.Context, store Store, requesting bool) error {
	return store.SetBool(ctx, KeyRequestingLocationUpdates, requesting)
}
