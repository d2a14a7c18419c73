// Package analysis builds the search and clustering products from a set of
// standardized feature layers.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"region-similarity/internal/earthengine"
	"region-similarity/internal/features"
	"region-similarity/internal/similarity"
	"region-similarity/internal/variables"
)

const (
	// CompositeBand names the averaged distance band.
	CompositeBand = "distance"
	// DistanceSuffix is appended to a feature name for its distance band.
	DistanceSuffix = "_distance"
	// CompositeLayer is the map layer of the search composite.
	CompositeLayer = "Average Distance"
	// ThresholdLayer is the map layer of the thresholded composite.
	ThresholdLayer = "Threshold"
	// ClustersLayer is the map layer of the cluster assignment.
	ClustersLayer = "Clusters"

	// DefaultThreshold is the threshold before the first search ranges it.
	DefaultThreshold = 3.3

	// SampleScale and SamplePixels drive cluster training.
	SampleScale  = 100
	SamplePixels = 5000

	// DifferenceMaxError is the tolerance of Query minus Reference.
	DifferenceMaxError = 0.01

	landCoverCollection = "GOOGLE/DYNAMICWORLD/V1"
	landCoverAll        = "All"
)

// LandCoverClasses are the Dynamic World label classes, in label order.
var LandCoverClasses = []string{
	"water",
	"trees",
	"grass",
	"flooded_vegetation",
	"crops",
	"shrub_and_scrub",
	"built",
	"bare",
	"snow_and_ice",
}

// LandCoverOptions is the menu offered to the user.
func LandCoverOptions() []string {
	return append([]string{landCoverAll}, LandCoverClasses...)
}

// SearchPalette runs from most similar (red) to least similar (blue).
var SearchPalette = []string{"FF0000", "FFA500", "FFFF00", "FFFFFF", "ADD8E6", "0000FF"}

// ThresholdPalette renders below-threshold pixels as half transparent red.
var ThresholdPalette = []string{"00000000", "FF00007F"}

var tab20 = []string{
	"1f77b4", "aec7e8", "ff7f0e", "ffbb78", "2ca02c",
	"98df8a", "d62728", "ff9896", "9467bd", "c5b0d5",
	"8c564b", "c49c94", "e377c2", "f7b6d2", "7f7f7f",
	"c7c7c7", "bcbd22", "dbdb8d", "17becf", "9edae5",
}

// ClusterPalette cycles through tab20 for n clusters.
func ClusterPalette(n int) []string {
	return lo.Times(n, func(i int) string { return tab20[i%len(tab20)] })
}

var (
	ErrNoFeatures  = errors.New("no features to analyse: add at least one alias")
	ErrNoReference = errors.New("no reference region found: please set the reference region")
	ErrNoQuery     = errors.New("no query region found: please set the query region")
	ErrLandCover   = errors.New("unknown land cover class")
)

// Layer is one standardized feature.
type Layer struct {
	Name  string
	Image earthengine.Image
}

// Inputs are the session values an analysis depends on.
type Inputs struct {
	Features  []Layer
	Query     earthengine.Geometry
	Reference earthengine.Geometry
	Distance  similarity.Func
	LandCover string
	Start     time.Time
	End       time.Time
}

func (in Inputs) stack() earthengine.Image {
	return earthengine.Cat(lo.Map(in.Features, func(l Layer, _ int) earthengine.Image { return l.Image })...)
}

// LandCoverMask returns the Dynamic World mode-label mask for class over
// region and period. ok is false for "All" or an empty class.
func LandCoverMask(class string, region earthengine.Geometry, start, end time.Time) (mask earthengine.Image, ok bool, err error) {
	if class == "" || class == landCoverAll {
		return earthengine.Image{}, false, nil
	}
	idx := lo.IndexOf(LandCoverClasses, class)
	if idx < 0 {
		return earthengine.Image{}, false, fmt.Errorf("%w %q", ErrLandCover, class)
	}
	label := earthengine.LoadCollection(landCoverCollection).
		FilterDate(start, end.AddDate(0, 0, 1)).
		FilterBounds(region).
		Select("label").
		Reduce(earthengine.NewReducer("mode")).
		Select("label_mode")
	return label.Eq(earthengine.ConstantImage(float64(idx))), true, nil
}

// SearchResult holds the lazily defined search products.
type SearchResult struct {
	Composite earthengine.Image
	// Distances holds one distance band per feature.
	Distances earthengine.Image
	Stack     earthengine.Image
	// RefMeans maps each feature to its mean over the reference region.
	RefMeans map[string]float64
	// Names lists features in stack order.
	Names    []string
	Distance similarity.Func
}

// RefStatsOptions is the region reduction for reference means.
var RefStatsOptions = earthengine.RegionOptions{Scale: 100, BestEffort: true}

// Search computes a distance band per feature against its reference mean,
// averages them, and clips the result to Query minus Reference.
func Search(ctx context.Context, ev variables.Evaluator, in Inputs) (*SearchResult, error) {
	if len(in.Features) == 0 {
		return nil, ErrNoFeatures
	}
	if in.Query.Node() == nil {
		return nil, ErrNoQuery
	}
	if in.Reference.Node() == nil {
		return nil, ErrNoReference
	}

	means := make([]float64, len(in.Features))
	g, gctx := errgroup.WithContext(ctx)
	for i, l := range in.Features {
		i, l := i, l
		g.Go(func() error {
			dict := l.Image.ReduceRegion(earthengine.NewReducer("mean"), in.Reference, RefStatsOptions)
			var vals []*float64
			if err := ev.ComputeValue(gctx, dict.Values(l.Name).Node(), &vals); err != nil {
				return fmt.Errorf("reference mean of %s: %w", l.Name, err)
			}
			if len(vals) != 1 || vals[0] == nil {
				return fmt.Errorf("reference mean of %s: %w", l.Name, features.ErrNotComputable)
			}
			means[i] = *vals[0]
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	distances := make([]earthengine.Image, len(in.Features))
	for i, l := range in.Features {
		d, err := in.Distance.Image(l.Image, means[i])
		if err != nil {
			return nil, err
		}
		distances[i] = d.Rename(l.Name + DistanceSuffix)
	}

	area := in.Query.Difference(in.Reference, DifferenceMaxError)
	stacked := earthengine.Cat(distances...)
	composite := stacked.
		ReduceBands(earthengine.NewReducer("mean")).
		Rename(CompositeBand).
		Clip(area)

	stack := in.stack()
	mask, ok, err := LandCoverMask(in.LandCover, area, in.Start, in.End)
	if err != nil {
		return nil, err
	}
	if ok {
		composite = composite.UpdateMask(mask)
		stack = stack.UpdateMask(mask)
	}

	res := &SearchResult{
		Composite: composite,
		Distances: stacked,
		Stack:     stack,
		RefMeans:  make(map[string]float64, len(in.Features)),
		Names:     make([]string, len(in.Features)),
		Distance:  in.Distance,
	}
	for i, l := range in.Features {
		res.RefMeans[l.Name] = means[i]
		res.Names[i] = l.Name
	}
	return res, nil
}

// Range is the composite value range over the query region.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Midpoint is the initial threshold after a search.
func (r Range) Midpoint() float64 { return (r.Min + r.Max) / 2 }

// CompositeRange reduces the composite with minMax over the query region.
func CompositeRange(ctx context.Context, ev variables.Evaluator, composite earthengine.Image, query earthengine.Geometry) (Range, error) {
	lower, upper, err := variables.MinMax(ctx, ev, composite, CompositeBand, query)
	if err != nil {
		return Range{}, err
	}
	return Range{Min: lower, Max: upper}, nil
}

// CompositeVisualization renders the composite over its range.
func CompositeVisualization(r Range) earthengine.Visualization {
	return earthengine.Visualization{Min: r.Min, Max: r.Max, Palette: SearchPalette}
}

// Threshold keeps composite pixels at or below t.
func Threshold(composite earthengine.Image, t float64) earthengine.Image {
	return composite.Lte(earthengine.ConstantImage(t))
}

// ThresholdVisualization renders the binary threshold layer.
func ThresholdVisualization() earthengine.Visualization {
	return earthengine.Visualization{Min: 0, Max: 1, Palette: ThresholdPalette, Opacity: 0.5}
}

// ClusterResult holds the cluster assignment layer.
type ClusterResult struct {
	Clusters earthengine.Image
	K        int
	Distance similarity.Func
	// Warning is set when the requested distance was replaced.
	Warning string
}

// Cluster trains k-means on pixels sampled from the query region. Cluster
// ids start at 1 so 0 stays nodata.
func Cluster(in Inputs, k int) (*ClusterResult, error) {
	if len(in.Features) == 0 {
		return nil, ErrNoFeatures
	}
	if in.Query.Node() == nil {
		return nil, ErrNoQuery
	}
	fn, warning := similarity.ForClustering(in.Distance)

	stack := in.stack()
	mask, ok, err := LandCoverMask(in.LandCover, in.Query, in.Start, in.End)
	if err != nil {
		return nil, err
	}
	if ok {
		stack = stack.UpdateMask(mask)
	}

	training := stack.Sample(in.Query, SampleScale, SamplePixels)
	clusterer := earthengine.WekaKMeans(k, fn.ClustererName()).Train(training)
	clusters := stack.Cluster(clusterer).Add(earthengine.ConstantImage(1))

	return &ClusterResult{Clusters: clusters, K: k, Distance: fn, Warning: warning}, nil
}

// ClusterVisualization colours ids 1..k.
func ClusterVisualization(k int) earthengine.Visualization {
	return earthengine.Visualization{Min: 1, Max: float64(k), Palette: ClusterPalette(k)}
}

// Similarity is the per-feature result of inspecting one point.
type Similarity struct {
	Feature  string  `json:"feature"`
	Distance float64 `json:"distance"`
	Percent  float64 `json:"percent"`
}

// InspectOptions samples a single pixel.
var InspectOptions = earthengine.RegionOptions{Scale: 100, BestEffort: true}

// Inspect samples the feature stack at point and compares each value with
// the reference mean. Masked pixels are reported as an error.
func Inspect(ctx context.Context, ev variables.Evaluator, res *SearchResult, point earthengine.Geometry) ([]Similarity, error) {
	dict := res.Stack.ReduceRegion(earthengine.NewReducer("first"), point, InspectOptions)
	var vals []*float64
	if err := ev.ComputeValue(ctx, dict.Values(res.Names...).Node(), &vals); err != nil {
		return nil, err
	}
	if len(vals) != len(res.Names) {
		return nil, fmt.Errorf("expected %d values at point, got %d", len(res.Names), len(vals))
	}

	out := make([]Similarity, 0, len(res.Names))
	for i, name := range res.Names {
		if vals[i] == nil {
			return nil, errors.New("no data at the selected point")
		}
		d, err := res.Distance.Distance([]float64{*vals[i]}, []float64{res.RefMeans[name]})
		if err != nil {
			return nil, err
		}
		out = append(out, Similarity{Feature: name, Distance: d, Percent: similarity.Percent(d)})
	}
	return out, nil
}
