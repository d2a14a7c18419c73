// Package geo holds the planar geometry used for regions: normalization to
// a multipolygon, validation and a boundary-inclusive rectangle test.
package geo

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/peterstace/simplefeatures/geom"
)

var (
	ErrEmptyRegion   = errors.New("region is empty")
	ErrNotPolygonal  = errors.New("region must contain only polygons")
	ErrZeroAreaShape = errors.New("region has no area")
)

// ToMultiPolygon collects every polygon of g into one multipolygon. Open
// rings are closed.
func ToMultiPolygon(g orb.Geometry) (orb.MultiPolygon, error) {
	var out orb.MultiPolygon
	if err := collect(g, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrEmptyRegion
	}
	return out, nil
}

func collect(g orb.Geometry, out *orb.MultiPolygon) error {
	switch v := g.(type) {
	case nil:
		return nil
	case orb.Polygon:
		if p := closePolygon(v); len(p) > 0 {
			*out = append(*out, p)
		}
	case orb.MultiPolygon:
		for _, p := range v {
			if err := collect(p, out); err != nil {
				return err
			}
		}
	case orb.Ring:
		return collect(orb.Polygon{v}, out)
	case orb.Bound:
		return collect(v.ToPolygon(), out)
	case orb.Collection:
		for _, item := range v {
			if err := collect(item, out); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: got %s", ErrNotPolygonal, g.GeoJSONType())
	}
	return nil
}

func closePolygon(p orb.Polygon) orb.Polygon {
	out := make(orb.Polygon, 0, len(p))
	for _, r := range p {
		if len(r) == 0 {
			continue
		}
		if !r.Closed() {
			r = append(r.Clone(), r[0])
		}
		out = append(out, r)
	}
	return out
}

// Validate checks that a region has a positive area.
func Validate(mp orb.MultiPolygon) error {
	if len(mp) == 0 {
		return ErrEmptyRegion
	}
	for _, p := range mp {
		if len(p) == 0 || len(p[0]) < 4 {
			return fmt.Errorf("%w: polygon needs at least three distinct points", ErrZeroAreaShape)
		}
	}
	if planar.Area(mp) <= 0 {
		return ErrZeroAreaShape
	}
	return nil
}

// Normalize converts, validates and dissolves in one step.
func Normalize(g orb.Geometry) (orb.MultiPolygon, error) {
	mp, err := ToMultiPolygon(g)
	if err != nil {
		return nil, err
	}
	if err := Validate(mp); err != nil {
		return nil, err
	}
	return Dissolve(mp)
}

// Dissolve returns the union of the parts of mp. Parts whose bounds are
// pairwise disjoint are returned unchanged.
func Dissolve(mp orb.MultiPolygon) (orb.MultiPolygon, error) {
	if !partsMayOverlap(mp) {
		return mp, nil
	}
	data, err := wkb.Marshal(mp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode region: %w", err)
	}
	g, err := geom.UnmarshalWKB(data)
	if err != nil {
		return nil, fmt.Errorf("invalid region geometry: %w", err)
	}
	union, err := geom.UnaryUnion(g)
	if err != nil {
		return nil, fmt.Errorf("failed to dissolve region: %w", err)
	}
	merged, err := wkb.Unmarshal(union.AsBinary())
	if err != nil {
		return nil, fmt.Errorf("failed to decode dissolved region: %w", err)
	}
	return ToMultiPolygon(merged)
}

func partsMayOverlap(mp orb.MultiPolygon) bool {
	for i := range mp {
		for j := i + 1; j < len(mp); j++ {
			if mp[i].Bound().Intersects(mp[j].Bound()) {
				return true
			}
		}
	}
	return false
}

// FromGeoJSON accepts a geometry, a feature or a feature collection, as
// produced by the map drawing tools.
func FromGeoJSON(data []byte) (orb.MultiPolygon, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("invalid GeoJSON: %w", err)
	}

	switch probe.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("invalid GeoJSON feature collection: %w", err)
		}
		var c orb.Collection
		for _, f := range fc.Features {
			c = append(c, f.Geometry)
		}
		return Normalize(c)
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, fmt.Errorf("invalid GeoJSON feature: %w", err)
		}
		return Normalize(f.Geometry)
	case "":
		return nil, fmt.Errorf("invalid GeoJSON: missing type")
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("invalid GeoJSON geometry: %w", err)
		}
		return Normalize(g.Geometry())
	}
}

// ToGeoJSON encodes a region as a GeoJSON geometry.
func ToGeoJSON(mp orb.MultiPolygon) ([]byte, error) {
	return geojson.NewGeometry(mp).MarshalJSON()
}

// Bound returns the bounding box of a region.
func Bound(mp orb.MultiPolygon) orb.Bound {
	return mp.Bound()
}

// OuterRing is the first ring of the first polygon.
func OuterRing(mp orb.MultiPolygon) orb.Ring {
	if len(mp) == 0 || len(mp[0]) == 0 {
		return nil
	}
	return mp[0][0]
}

// IntersectsBound reports whether the rectangle b touches the region.
// Touching only along an edge or at a corner counts.
func IntersectsBound(mp orb.MultiPolygon, b orb.Bound) bool {
	if !mp.Bound().Intersects(b) {
		return false
	}
	for _, p := range mp {
		if polygonIntersectsBound(p, b) {
			return true
		}
	}
	return false
}

func polygonIntersectsBound(p orb.Polygon, b orb.Bound) bool {
	if len(p) == 0 || !p.Bound().Intersects(b) {
		return false
	}
	for _, pt := range p[0] {
		if b.Contains(pt) {
			return true
		}
	}

	corners := []orb.Point{b.Min, {b.Max[0], b.Min[1]}, b.Max, {b.Min[0], b.Max[1]}}
	for _, c := range corners {
		if planar.PolygonContains(p, c) {
			return true
		}
	}

	edges := [][2]orb.Point{
		{corners[0], corners[1]},
		{corners[1], corners[2]},
		{corners[2], corners[3]},
		{corners[3], corners[0]},
	}
	for _, ring := range p {
		for i := 1; i < len(ring); i++ {
			for _, e := range edges {
				if segmentsIntersect(ring[i-1], ring[i], e[0], e[1]) {
					return true
				}
			}
		}
	}
	return false
}

func orientation(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

func onSegment(a, b, p orb.Point) bool {
	return p[0] >= min(a[0], b[0]) && p[0] <= max(a[0], b[0]) &&
		p[1] >= min(a[1], b[1]) && p[1] <= max(a[1], b[1])
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// segmentsIntersect includes touching endpoints and collinear overlap.
func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	d1 := sign(orientation(q1, q2, p1))
	d2 := sign(orientation(q1, q2, p2))
	d3 := sign(orientation(p1, p2, q1))
	d4 := sign(orientation(p1, p2, q2))

	if d1*d2 < 0 && d3*d4 < 0 {
		return true
	}
	return (d1 == 0 && onSegment(q1, q2, p1)) ||
		(d2 == 0 && onSegment(q1, q2, p2)) ||
		(d3 == 0 && onSegment(p1, p2, q1)) ||
		(d4 == 0 && onSegment(p1, p2, q2))
}
