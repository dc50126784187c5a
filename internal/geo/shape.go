package geo

import (
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// ErrUnsupportedShape is returned for geometries the spatial filter cannot test.
var ErrUnsupportedShape = errors.New("geo: unsupported shape geometry")

// RadiusProperty is the feature property carrying a circle radius in meters.
const RadiusProperty = "radius"

// Shape is a user-drawn area stored as a GeoJSON feature. Circles are point
// features with a radius property.
type Shape struct {
	ID        string           `json:"id"`
	Feature   *geojson.Feature `json:"feature"`
	Active    bool             `json:"active"`
	CreatedAt time.Time        `json:"createdAt"`
}

// NewPolygon builds a polygon shape from a closed or open ring of [lon, lat] points.
func NewPolygon(id string, ring ...orb.Point) *Shape {
	r := orb.Ring(ring)
	if len(r) > 0 && !r.Closed() {
		r = append(r, r[0])
	}
	return &Shape{ID: id, Feature: geojson.NewFeature(orb.Polygon{r}), Active: true, CreatedAt: time.Now()}
}

// NewRectangle builds a rectangular shape from a viewport-like box.
func NewRectangle(id string, v Viewport) *Shape {
	b := orb.Bound{Min: orb.Point{v.West, v.South}, Max: orb.Point{v.East, v.North}}
	return &Shape{ID: id, Feature: geojson.NewFeature(b.ToPolygon()), Active: true, CreatedAt: time.Now()}
}

// NewCircle builds a circle of radiusMeters around (lat, lon).
func NewCircle(id string, lat, lon, radiusMeters float64) *Shape {
	f := geojson.NewFeature(orb.Point{lon, lat})
	f.Properties[RadiusProperty] = radiusMeters
	return &Shape{ID: id, Feature: f, Active: true, CreatedAt: time.Now()}
}

// Contains reports whether the coordinate lies inside the shape.
func (s *Shape) Contains(lat, lon float64) (bool, error) {
	if s == nil || s.Feature == nil || s.Feature.Geometry == nil {
		return false, ErrUnsupportedShape
	}
	pt := orb.Point{lon, lat}
	switch g := s.Feature.Geometry.(type) {
	case orb.Polygon:
		return planar.PolygonContains(g, pt), nil
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(g, pt), nil
	case orb.Bound:
		return g.Contains(pt), nil
	case orb.Point:
		radius := s.Feature.Properties.MustFloat64(RadiusProperty, 0)
		if radius <= 0 {
			return false, fmt.Errorf("%w: circle without radius", ErrUnsupportedShape)
		}
		return geo.Distance(g, pt) <= radius, nil
	default:
		return false, fmt.Errorf("%w: %s", ErrUnsupportedShape, g.GeoJSONType())
	}
}

// AnyContains reports whether any of the shapes contains the coordinate.
// Shapes that cannot be evaluated never match.
func AnyContains(shapes []*Shape, lat, lon float64) bool {
	for _, s := range shapes {
		if ok, err := s.Contains(lat, lon); err == nil && ok {
			return true
		}
	}
	return false
}
