// Package variables builds alias layers: a single catalog band reduced
// over a time window and clipped to the session regions.
package variables

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/samber/lo"

	"region-similarity/internal/common"
	"region-similarity/internal/earthengine"
)

// Aggregation reduces a collection to one image.
type Aggregation string

const (
	Last   Aggregation = "LAST"
	First  Aggregation = "FIRST"
	Max    Aggregation = "MAX"
	Min    Aggregation = "MIN"
	Mean   Aggregation = "MEAN"
	Median Aggregation = "MEDIAN"
	Sum    Aggregation = "SUM"
	Mode   Aggregation = "MODE"
)

// Aggregations lists every supported aggregation, in menu order.
var Aggregations = []Aggregation{Last, First, Max, Min, Mean, Median, Sum, Mode}

var (
	ErrNoData        = errors.New("no data available for the selected region and time period")
	ErrMissingSource = errors.New("dataset and band are required")
	ErrInvalidName   = errors.New("alias names must start with a letter or underscore and contain only letters, digits and underscores")
	ErrNotComputable = errors.New("layer statistics could not be computed over the region")
)

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidName reports whether s can be used as an alias name.
func ValidName(s string) bool {
	return namePattern.MatchString(s)
}

// ParseAggregation accepts any casing.
func ParseAggregation(s string) (Aggregation, error) {
	a := Aggregation(strings.ToUpper(strings.TrimSpace(s)))
	if !lo.Contains(Aggregations, a) {
		return "", fmt.Errorf("aggregation function %s is invalid", s)
	}
	return a, nil
}

// reducer maps a reducing aggregation to its built-in reducer name.
var reducer = map[Aggregation]string{
	Max:    "max",
	Min:    "min",
	Mean:   "mean",
	Median: "median",
	Sum:    "sum",
	Mode:   "mode",
}

// Definition describes one alias.
type Definition struct {
	Name        string
	Dataset     string
	Band        string
	Aggregation Aggregation
	Start       time.Time
	End         time.Time
}

// DefaultName is used when the user leaves the alias name empty.
func (d Definition) DefaultName() string {
	return SanitizeBand(d.Band) + "_" + strings.ToLower(string(d.Aggregation))
}

// SanitizeBand maps a band name onto identifier characters.
func SanitizeBand(band string) string {
	var b strings.Builder
	for i, r := range band {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteRune('_')
			}
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "band"
	}
	return b.String()
}

// Normalize fills the default name and period and validates the result.
func (d Definition) Normalize(periodStart, periodEnd time.Time) (Definition, error) {
	d.Dataset = strings.TrimSpace(d.Dataset)
	d.Band = strings.TrimSpace(d.Band)
	d.Name = strings.TrimSpace(d.Name)
	if d.Dataset == "" || d.Band == "" {
		return d, ErrMissingSource
	}
	if d.Aggregation == "" {
		d.Aggregation = Last
	}
	agg, err := ParseAggregation(string(d.Aggregation))
	if err != nil {
		return d, err
	}
	d.Aggregation = agg
	if d.Name == "" {
		d.Name = d.DefaultName()
	}
	if !ValidName(d.Name) {
		return d, fmt.Errorf("%w: %q", ErrInvalidName, d.Name)
	}
	if d.Start.IsZero() {
		d.Start = periodStart
	}
	if d.End.IsZero() {
		d.End = periodEnd
	}
	if d.End.Before(d.Start) {
		return d, fmt.Errorf("end date %s is before start date %s",
			common.FormatSpecDate(d.End), common.FormatSpecDate(d.Start))
	}
	return d, nil
}

// Evaluator computes a value remotely.
type Evaluator interface {
	ComputeValue(ctx context.Context, n *earthengine.Node, out any) error
}

// Build constructs the alias layer over region. For LAST it first tries the
// dataset as a single image; otherwise the collection is filtered to the
// period (end date inclusive) and region and must not be empty.
func Build(ctx context.Context, ev Evaluator, d Definition, region earthengine.Geometry) (earthengine.Image, error) {
	var img earthengine.Image

	if d.Aggregation == Last {
		single := earthengine.LoadImage(d.Dataset).Select(d.Band)
		var bands []string
		if err := ev.ComputeValue(ctx, single.BandNames().Node(), &bands); err == nil && lo.Contains(bands, d.Band) {
			img = single
		}
	}

	if img.IsZero() {
		coll := earthengine.LoadCollection(d.Dataset).
			Select(d.Band).
			FilterDate(d.Start, d.End.AddDate(0, 0, 1)).
			FilterBounds(region)

		var size int
		if err := ev.ComputeValue(ctx, coll.Size().Node(), &size); err != nil {
			return earthengine.Image{}, fmt.Errorf("failed to query %s: %w", d.Dataset, err)
		}
		if size == 0 {
			return earthengine.Image{}, ErrNoData
		}

		switch d.Aggregation {
		case Last:
			img = coll.Sort(earthengine.TimeStartProperty, false).First()
		case First:
			img = coll.First()
		default:
			img = coll.Reduce(earthengine.NewReducer(reducer[d.Aggregation]))
		}
	}

	return img.Clip(region).Rename(d.Name), nil
}

// StatsOptions is the region reduction used to range alias layers.
var StatsOptions = earthengine.RegionOptions{Scale: 100, MaxPixels: 1e9, BestEffort: true}

// MinMax computes the value range of a single-band layer named name.
func MinMax(ctx context.Context, ev Evaluator, img earthengine.Image, name string, region earthengine.Geometry) (float64, float64, error) {
	dict := img.ReduceRegion(earthengine.NewReducer("minMax"), region, StatsOptions)
	var vals []*float64
	if err := ev.ComputeValue(ctx, dict.Values(name+"_min", name+"_max").Node(), &vals); err != nil {
		return 0, 0, err
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return 0, 0, ErrNotComputable
	}
	return *vals[0], *vals[1], nil
}
