// Package similarity implements the distance functions used to compare
// pixels with the reference-region mean, both as local formulas and as
// engine image graphs.
package similarity

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/floats"

	"region-similarity/internal/earthengine"
)

// Func names a distance function.
type Func string

const (
	Euclidean Func = "Euclidean"
	Manhattan Func = "Manhattan"
	Cosine    Func = "Cosine"
)

// Default is used by new sessions.
const Default = Euclidean

// PercentScale is the distance at which a pixel is reported as 0% similar.
const PercentScale = 3.0

// CosineClusteringWarning is shown when cosine is requested for clustering.
const CosineClusteringWarning = "Warning: Cosine similarity is not supported for clustering. Defaulting to Euclidean distance."

// All lists the functions in display order.
var All = []Func{Euclidean, Manhattan, Cosine}

// Parse accepts any casing of a function name.
func Parse(s string) (Func, error) {
	for _, f := range All {
		if strings.EqualFold(strings.TrimSpace(s), string(f)) {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown distance function %q (expected Euclidean, Manhattan or Cosine)", s)
}

// Distance compares a pixel vector x with the reference vector r.
func (f Func) Distance(x, r []float64) (float64, error) {
	if len(x) != len(r) {
		return 0, fmt.Errorf("vector lengths differ: %d and %d", len(x), len(r))
	}
	switch f {
	case Euclidean:
		return floats.Distance(x, r, 2), nil
	case Manhattan:
		return floats.Distance(x, r, 1), nil
	case Cosine:
		return cosineDistance(x, r), nil
	}
	return 0, fmt.Errorf("unknown distance function %q", f)
}

// cosineDistance is 1 - cos(angle). A zero vector has no direction and is
// treated as orthogonal.
func cosineDistance(x, r []float64) float64 {
	nx, nr := floats.Norm(x, 2), floats.Norm(r, 2)
	if nx == 0 || nr == 0 {
		return 1
	}
	return 1 - floats.Dot(x, r)/(nx*nr)
}

// ForClustering returns the function clustering will actually use and a
// warning when it differs from the request.
func ForClustering(f Func) (Func, string) {
	if f == Cosine {
		return Euclidean, CosineClusteringWarning
	}
	return f, ""
}

// Percent maps a distance onto the 0-100 similarity shown on map clicks.
func Percent(d float64) float64 {
	if d < 0 {
		d = 0
	}
	if d > PercentScale {
		d = PercentScale
	}
	return (PercentScale - d) / PercentScale * 100
}

// Image computes the per-pixel distance between a single-band image and a
// constant reference value.
func (f Func) Image(x earthengine.Image, ref float64) (earthengine.Image, error) {
	r := earthengine.ConstantImage(ref)
	switch f {
	case Euclidean:
		d := x.Subtract(r)
		return d.Multiply(d).Sqrt(), nil
	case Manhattan:
		return x.Subtract(r).Abs(), nil
	case Cosine:
		// cos for one dimension is x*r / (|x||r|)
		dot := x.Multiply(r)
		norms := x.Abs().Multiply(r.Abs())
		return earthengine.ConstantImage(1).Subtract(dot.Divide(norms)), nil
	}
	return earthengine.Image{}, fmt.Errorf("unknown distance function %q", f)
}

// ClustererName is the distance name understood by the k-means clusterer.
func (f Func) ClustererName() string {
	return string(f)
}
