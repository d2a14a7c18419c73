package earthengine

import (
	"time"

	"github.com/paulmach/orb"
)

// TimeStartProperty is the acquisition time property of catalog images.
const TimeStartProperty = "system:time_start"

const mappingVar = "_MAPPING_VAR_0_0"

// Image is a lazily evaluated raster.
type Image struct{ node *Node }

// Collection is a lazily evaluated image collection.
type Collection struct{ node *Node }

// Geometry is a server-side geometry.
type Geometry struct{ node *Node }

// Reducer aggregates values, over a collection, bands or a region.
type Reducer struct{ node *Node }

// Dict is a computed dictionary, usually the output of a region reduction.
type Dict struct{ node *Node }

// FeatureCollection is a computed table, e.g. pixel samples.
type FeatureCollection struct{ node *Node }

// Clusterer is an unsupervised classifier.
type Clusterer struct{ node *Node }

// Value is any other computed object (numbers, lists, strings).
type Value struct{ node *Node }

func (i Image) Node() *Node             { return i.node }
func (c Collection) Node() *Node        { return c.node }
func (g Geometry) Node() *Node          { return g.node }
func (r Reducer) Node() *Node           { return r.node }
func (d Dict) Node() *Node              { return d.node }
func (f FeatureCollection) Node() *Node { return f.node }
func (c Clusterer) Node() *Node         { return c.node }
func (v Value) Node() *Node             { return v.node }

// IsZero reports whether the image was never built.
func (i Image) IsZero() bool { return i.node == nil }

// ImageFromNode wraps a decoded graph.
func ImageFromNode(n *Node) Image { return Image{node: n} }

// LoadImage references a single catalog image.
func LoadImage(id string) Image {
	return Image{Invoke("Image.load", map[string]*Node{"id": Constant(id)})}
}

// LoadCollection references a catalog image collection.
func LoadCollection(id string) Collection {
	return Collection{Invoke("ImageCollection.load", map[string]*Node{"id": Constant(id)})}
}

// ConstantImage builds an image with one band per value.
func ConstantImage(values ...float64) Image {
	if len(values) == 1 {
		return Image{Invoke("Image.constant", map[string]*Node{"value": Constant(values[0])})}
	}
	return Image{Invoke("Image.constant", map[string]*Node{"value": Constant(values)})}
}

// Cat stacks the bands of several images into one.
func Cat(images ...Image) Image {
	if len(images) == 0 {
		return Image{}
	}
	out := images[0]
	for _, img := range images[1:] {
		out = Image{Invoke("Image.addBands", map[string]*Node{
			"dstImg": out.node,
			"srcImg": img.node,
		})}
	}
	return out
}

func (i Image) Select(bands ...string) Image {
	return Image{Invoke("Image.select", map[string]*Node{
		"input":         i.node,
		"bandSelectors": Strings(bands...),
	})}
}

func (i Image) Rename(names ...string) Image {
	return Image{Invoke("Image.rename", map[string]*Node{
		"input": i.node,
		"names": Strings(names...),
	})}
}

func (i Image) Clip(g Geometry) Image {
	return Image{Invoke("Image.clip", map[string]*Node{
		"input":    i.node,
		"geometry": g.node,
	})}
}

func (i Image) binary(op string, other Image) Image {
	return Image{Invoke("Image."+op, map[string]*Node{
		"image1": i.node,
		"image2": other.node,
	})}
}

func (i Image) unary(op string) Image {
	return Image{Invoke("Image."+op, map[string]*Node{"value": i.node})}
}

func (i Image) Add(o Image) Image      { return i.binary("add", o) }
func (i Image) Subtract(o Image) Image { return i.binary("subtract", o) }
func (i Image) Multiply(o Image) Image { return i.binary("multiply", o) }
func (i Image) Divide(o Image) Image   { return i.binary("divide", o) }
func (i Image) Pow(o Image) Image      { return i.binary("pow", o) }
func (i Image) Min(o Image) Image      { return i.binary("min", o) }
func (i Image) Max(o Image) Image      { return i.binary("max", o) }
func (i Image) Eq(o Image) Image       { return i.binary("eq", o) }
func (i Image) Lte(o Image) Image      { return i.binary("lte", o) }
func (i Image) Abs() Image             { return i.unary("abs") }
func (i Image) Sqrt() Image            { return i.unary("sqrt") }
func (i Image) Log() Image             { return i.unary("log") }
func (i Image) Exp() Image             { return i.unary("exp") }

// ReduceBands applies a reducer across the bands of each pixel.
func (i Image) ReduceBands(r Reducer) Image {
	return Image{Invoke("Image.reduce", map[string]*Node{
		"image":   i.node,
		"reducer": r.node,
	})}
}

func (i Image) UpdateMask(mask Image) Image {
	return Image{Invoke("Image.updateMask", map[string]*Node{
		"image": i.node,
		"mask":  mask.node,
	})}
}

func (i Image) BandNames() Value {
	return Value{Invoke("Image.bandNames", map[string]*Node{"image": i.node})}
}

// RegionOptions tune a region reduction.
type RegionOptions struct {
	Scale      float64
	MaxPixels  float64
	BestEffort bool
	TileScale  float64
}

// ReduceRegion aggregates pixel values over a geometry.
func (i Image) ReduceRegion(r Reducer, g Geometry, opts RegionOptions) Dict {
	args := map[string]*Node{
		"image":    i.node,
		"reducer":  r.node,
		"geometry": g.node,
	}
	if opts.Scale > 0 {
		args["scale"] = Constant(opts.Scale)
	}
	if opts.MaxPixels > 0 {
		args["maxPixels"] = Constant(opts.MaxPixels)
	}
	if opts.BestEffort {
		args["bestEffort"] = Constant(true)
	}
	if opts.TileScale > 0 {
		args["tileScale"] = Constant(opts.TileScale)
	}
	return Dict{Invoke("Image.reduceRegion", args)}
}

// Sample draws random pixels from a region.
func (i Image) Sample(region Geometry, scale float64, numPixels int) FeatureCollection {
	return FeatureCollection{Invoke("Image.sample", map[string]*Node{
		"image":     i.node,
		"region":    region.node,
		"scale":     Constant(scale),
		"numPixels": Constant(numPixels),
	})}
}

func (i Image) Cluster(c Clusterer) Image {
	return Image{Invoke("Image.cluster", map[string]*Node{
		"image":     i.node,
		"clusterer": c.node,
	})}
}

// Reproject resamples onto a CRS at the given scale in metres.
func (i Image) Reproject(crs string, scale float64) Image {
	return Image{Invoke("Image.reproject", map[string]*Node{
		"image": i.node,
		"crs":   Invoke("Projection", map[string]*Node{"crs": Constant(crs)}),
		"scale": Constant(scale),
	})}
}

// Filter restricts a collection by a server-side filter.
func (c Collection) filter(f *Node) Collection {
	return Collection{Invoke("Collection.filter", map[string]*Node{
		"collection": c.node,
		"filter":     f,
	})}
}

// FilterDate keeps images acquired in [start, end).
func (c Collection) FilterDate(start, end time.Time) Collection {
	return c.filter(Invoke("Filter.dateRangeContains", map[string]*Node{
		"leftValue": Invoke("DateRange", map[string]*Node{
			"start": Constant(start.UTC().Format(time.RFC3339)),
			"end":   Constant(end.UTC().Format(time.RFC3339)),
		}),
		"rightField": Constant(TimeStartProperty),
	}))
}

// FilterBounds keeps images whose footprint intersects g.
func (c Collection) FilterBounds(g Geometry) Collection {
	return c.filter(Invoke("Filter.intersects", map[string]*Node{
		"leftField":  Constant(".all"),
		"rightValue": g.node,
	}))
}

// Select maps a band selection over every image.
func (c Collection) Select(bands ...string) Collection {
	body := Invoke("Image.select", map[string]*Node{
		"input":         ArgumentRef(mappingVar),
		"bandSelectors": Strings(bands...),
	})
	return Collection{Invoke("Collection.map", map[string]*Node{
		"collection":    c.node,
		"baseAlgorithm": Function([]string{mappingVar}, body),
	})}
}

// Sort orders the collection by an image property.
func (c Collection) Sort(property string, ascending bool) Collection {
	return Collection{Invoke("Collection.limit", map[string]*Node{
		"collection": c.node,
		"key":        Constant(property),
		"ascending":  Constant(ascending),
	})}
}

func (c Collection) First() Image {
	return Image{Invoke("Collection.first", map[string]*Node{"collection": c.node})}
}

func (c Collection) Size() Value {
	return Value{Invoke("Collection.size", map[string]*Node{"collection": c.node})}
}

// Reduce collapses the collection into one image per band.
func (c Collection) Reduce(r Reducer) Image {
	return Image{Invoke("ImageCollection.reduce", map[string]*Node{
		"collection": c.node,
		"reducer":    r.node,
	})}
}

// NewReducer references a built-in reducer such as "mean" or "minMax".
func NewReducer(name string) Reducer {
	return Reducer{Invoke("Reducer."+name, nil)}
}

// Combine evaluates two reducers over shared inputs.
func (r Reducer) Combine(other Reducer) Reducer {
	return Reducer{Invoke("Reducer.combine", map[string]*Node{
		"reducer1":     r.node,
		"reducer2":     other.node,
		"sharedInputs": Constant(true),
	})}
}

// Values lists dictionary values in key order.
func (d Dict) Values(keys ...string) Value {
	args := map[string]*Node{"dictionary": d.node}
	if len(keys) > 0 {
		args["keys"] = Strings(keys...)
	}
	return Value{Invoke("Dictionary.values", args)}
}

// WekaKMeans builds a k-means clusterer. distance is "Euclidean" or "Manhattan".
func WekaKMeans(clusters int, distance string) Clusterer {
	return Clusterer{Invoke("Clusterer.wekaKMeans", map[string]*Node{
		"nClusters":        Constant(clusters),
		"distanceFunction": Constant(distance),
	})}
}

// Train fits the clusterer on sampled features.
func (c Clusterer) Train(features FeatureCollection, inputProperties ...string) Clusterer {
	args := map[string]*Node{
		"clusterer": c.node,
		"features":  features.node,
	}
	if len(inputProperties) > 0 {
		args["inputProperties"] = Strings(inputProperties...)
	}
	return Clusterer{Invoke("Clusterer.train", args)}
}

// GeometryFrom converts a planar polygon or multipolygon (lon/lat).
func GeometryFrom(g orb.Geometry) Geometry {
	switch v := g.(type) {
	case orb.Polygon:
		return Geometry{Invoke("GeometryConstructors.Polygon", map[string]*Node{
			"coordinates": Constant(polygonCoords(v)),
			"geodesic":    Constant(false),
		})}
	case orb.MultiPolygon:
		if len(v) == 1 {
			return GeometryFrom(v[0])
		}
		coords := make([][][][]float64, len(v))
		for i, p := range v {
			coords[i] = polygonCoords(p)
		}
		return Geometry{Invoke("GeometryConstructors.MultiPolygon", map[string]*Node{
			"coordinates": Constant(coords),
			"geodesic":    Constant(false),
		})}
	case orb.Point:
		return Geometry{Invoke("GeometryConstructors.Point", map[string]*Node{
			"coordinates": Constant([]float64{v[0], v[1]}),
		})}
	case orb.Bound:
		return GeometryFrom(v.ToPolygon())
	}
	return Geometry{}
}

func polygonCoords(p orb.Polygon) [][][]float64 {
	rings := make([][][]float64, len(p))
	for i, r := range p {
		pts := make([][]float64, len(r))
		for j, pt := range r {
			pts[j] = []float64{pt[0], pt[1]}
		}
		rings[i] = pts
	}
	return rings
}

func (g Geometry) Union(other Geometry) Geometry {
	return Geometry{Invoke("Geometry.union", map[string]*Node{
		"left":     g.node,
		"right":    other.node,
		"maxError": Constant(0.01),
	})}
}

func (g Geometry) Difference(other Geometry, maxError float64) Geometry {
	return Geometry{Invoke("Geometry.difference", map[string]*Node{
		"left":     g.node,
		"right":    other.node,
		"maxError": Constant(maxError),
	})}
}
