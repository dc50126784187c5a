// Package geo holds the geohash and drawn-shape geometry used for report
// locations, viewport subscriptions and the spatial filter.
package geo

import (
	"math"
	"sort"
	"strings"

	"github.com/mmcloughlin/geohash"
)

const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

// DefaultPrecision is the geohash length written into published reports.
const DefaultPrecision = 9

// MaxPrefixPrecision is the finest cell size used for viewport queries.
const MaxPrefixPrecision = 6

// ValidGeohash reports whether h is a non-empty geohash string.
func ValidGeohash(h string) bool {
	if h == "" || len(h) > 12 {
		return false
	}
	for _, c := range strings.ToLower(h) {
		if !strings.ContainsRune(base32, c) {
			return false
		}
	}
	return true
}

// Decode returns the center of the geohash cell. ok is false for malformed input.
func Decode(h string) (lat, lon float64, ok bool) {
	if !ValidGeohash(h) {
		return 0, 0, false
	}
	lat, lon = geohash.Decode(strings.ToLower(h))
	return lat, lon, true
}

// Encode encodes a coordinate with the given number of characters.
func Encode(lat, lon float64, precision uint) string {
	if precision == 0 || precision > 12 {
		precision = DefaultPrecision
	}
	return geohash.EncodeWithPrecision(lat, lon, precision)
}

// Viewport is the visible map rectangle in degrees.
type Viewport struct {
	South float64 `json:"south"`
	West  float64 `json:"west"`
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

// Empty reports whether the viewport has no area.
func (v Viewport) Empty() bool {
	return v.North <= v.South || v.East <= v.West
}

// Prefixes returns the set of geohash cells covering the viewport, using the
// finest precision for which no more than maxCells cells are needed.
func (v Viewport) Prefixes(maxCells int) []string {
	if v.Empty() {
		return nil
	}
	if maxCells <= 0 {
		maxCells = 32
	}
	for precision := uint(MaxPrefixPrecision); precision >= 1; precision-- {
		cells := v.cover(precision, maxCells)
		if cells != nil {
			return cells
		}
	}
	return nil
}

// cover returns nil when more than limit cells would be needed.
func (v Viewport) cover(precision uint, limit int) []string {
	box := geohash.BoundingBox(geohash.EncodeWithPrecision(v.South, v.West, precision))
	dLat := box.MaxLat - box.MinLat
	dLon := box.MaxLng - box.MinLng

	rows := int(math.Ceil((v.North-v.South)/dLat)) + 1
	cols := int(math.Ceil((v.East-v.West)/dLon)) + 1
	if rows*cols > limit*4 {
		return nil
	}

	seen := make(map[string]struct{})
	for i := 0; i < rows; i++ {
		lat := math.Min(v.South+float64(i)*dLat, v.North)
		for j := 0; j < cols; j++ {
			lon := math.Min(v.West+float64(j)*dLon, v.East)
			seen[geohash.EncodeWithPrecision(lat, lon, precision)] = struct{}{}
			if len(seen) > limit {
				return nil
			}
		}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
