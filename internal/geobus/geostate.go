// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package geobus

// GeolocationState tracks the last coordinate a provider emitted so that unchanged
// positions are not published twice.
type GeolocationState struct {
	last     Coordinate
	haveLast bool
}

// HasChanged reports whether the given coordinate differs significantly from the last
// stored one. An empty state always reports a change.
func (s *GeolocationState) HasChanged(coord Coordinate) bool {
	if !s.haveLast {
		return true
	}
	return coord.PosHasSignificantChange(s.last)
}

// Update stores the given coordinate as the last known one.
func (s *GeolocationState) Update(coord Coordinate) {
	s.last = coord
	s.haveLast = true
}
