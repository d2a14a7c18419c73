package spec

import (
	"fmt"

	"github.com/paulmach/orb"
	"gopkg.in/yaml.v3"
)

// Region is a polygon coordinate list. A region made of one polygon without
// holes is written as a bare ring, [[lon, lat], ...]; anything else as a
// list of polygons, each a list of rings.
type Region struct {
	Polygons orb.MultiPolygon
}

// NewRegion wraps a multipolygon, or returns nil for an empty one.
func NewRegion(mp orb.MultiPolygon) *Region {
	if len(mp) == 0 {
		return nil
	}
	return &Region{Polygons: mp}
}

func ringCoords(r orb.Ring) [][]float64 {
	out := make([][]float64, len(r))
	for i, p := range r {
		out[i] = []float64{p[0], p[1]}
	}
	return out
}

func (r Region) MarshalYAML() (interface{}, error) {
	if len(r.Polygons) == 1 && len(r.Polygons[0]) == 1 {
		return flowNode(ringCoords(r.Polygons[0][0]))
	}
	polys := make([][][][]float64, len(r.Polygons))
	for i, p := range r.Polygons {
		rings := make([][][]float64, len(p))
		for j, ring := range p {
			rings[j] = ringCoords(ring)
		}
		polys[i] = rings
	}
	return flowNode(polys)
}

// flowNode keeps coordinate pairs on one line each.
func flowNode(v interface{}) (*yaml.Node, error) {
	var n yaml.Node
	if err := n.Encode(v); err != nil {
		return nil, err
	}
	var setFlow func(*yaml.Node)
	setFlow = func(n *yaml.Node) {
		if n.Kind == yaml.SequenceNode && len(n.Content) > 0 && n.Content[0].Kind == yaml.ScalarNode {
			n.Style = yaml.FlowStyle
			return
		}
		for _, c := range n.Content {
			setFlow(c)
		}
	}
	setFlow(&n)
	return &n, nil
}

// depth counts nested sequences down to the first scalar.
func depth(n *yaml.Node) int {
	d := 0
	for n.Kind == yaml.SequenceNode {
		d++
		if len(n.Content) == 0 {
			break
		}
		n = n.Content[0]
	}
	return d
}

func toRing(coords [][]float64) (orb.Ring, error) {
	ring := make(orb.Ring, len(coords))
	for i, c := range coords {
		if len(c) < 2 {
			return nil, fmt.Errorf("coordinate %d has %d values, expected [lon, lat]", i, len(c))
		}
		ring[i] = orb.Point{c[0], c[1]}
	}
	return ring, nil
}

func (r *Region) UnmarshalYAML(value *yaml.Node) error {
	switch depth(value) {
	case 2:
		var coords [][]float64
		if err := value.Decode(&coords); err != nil {
			return err
		}
		ring, err := toRing(coords)
		if err != nil {
			return err
		}
		r.Polygons = orb.MultiPolygon{{ring}}
	case 3:
		var coords [][][]float64
		if err := value.Decode(&coords); err != nil {
			return err
		}
		var p orb.Polygon
		for _, rc := range coords {
			ring, err := toRing(rc)
			if err != nil {
				return err
			}
			p = append(p, ring)
		}
		r.Polygons = orb.MultiPolygon{p}
	case 4:
		var coords [][][][]float64
		if err := value.Decode(&coords); err != nil {
			return err
		}
		for _, pc := range coords {
			var p orb.Polygon
			for _, rc := range pc {
				ring, err := toRing(rc)
				if err != nil {
					return err
				}
				p = append(p, ring)
			}
			r.Polygons = append(r.Polygons, p)
		}
	default:
		return fmt.Errorf("line %d: region must be a list of [lon, lat] coordinates", value.Line)
	}
	return nil
}
