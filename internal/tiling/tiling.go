// Package tiling splits an export region into a grid of cells small enough
// for a single raster download each.
package tiling

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"

	"region-similarity/internal/geo"
)

// MetersPerDegree converts ground distances into degrees.
const MetersPerDegree = 111320.0

// tolerance absorbs float noise when an extent is an exact multiple of the cell.
const tolerance = 1e-9

var (
	ErrNoCells         = errors.New("no export cells intersect the region")
	ErrInvalidCellSize = errors.New("cell size must be positive")
)

// Cell is one rectangle of the grid. Col and Row count from the minimum
// corner of the region's bounding box.
type Cell struct {
	Index int       `json:"index"`
	Col   int       `json:"col"`
	Row   int       `json:"row"`
	Bound orb.Bound `json:"bound"`
}

// Plan is the outcome of Partition.
type Plan struct {
	// Single is true when the whole region fits one cell; Cells then holds
	// one cell equal to the region's bounding box.
	Single   bool      `json:"single"`
	Bound    orb.Bound `json:"bound"`
	CellSize float64   `json:"cellSize"`
	XCells   int       `json:"xCells"`
	YCells   int       `json:"yCells"`
	Cells    []Cell    `json:"cells"`
}

// CellSizeDegrees converts a side length in metres into degrees.
func CellSizeDegrees(meters float64) float64 {
	return meters / MetersPerDegree
}

// CellSizeMeters is the side of a cell holding pixels x pixels at resolution.
func CellSizeMeters(pixels int, resolutionMeters float64) float64 {
	return float64(pixels) * resolutionMeters
}

func cellCount(extent, size float64) int {
	n := int(math.Ceil(extent/size - tolerance))
	if n < 1 {
		return 1
	}
	return n
}

// Partition grids the region's bounding box into square cells of
// cellSizeMeters and keeps the ones touching the region, in row-major
// order over x: the x index is the outer loop and the y index the inner
// one, both from the minimum corner.
func Partition(region orb.MultiPolygon, cellSizeMeters float64) (*Plan, error) {
	if cellSizeMeters <= 0 || math.IsNaN(cellSizeMeters) || math.IsInf(cellSizeMeters, 0) {
		return nil, ErrInvalidCellSize
	}
	if len(region) == 0 {
		return nil, geo.ErrEmptyRegion
	}

	bound := region.Bound()
	size := CellSizeDegrees(cellSizeMeters)
	plan := &Plan{
		Bound:    bound,
		CellSize: size,
		XCells:   cellCount(bound.Max[0]-bound.Min[0], size),
		YCells:   cellCount(bound.Max[1]-bound.Min[1], size),
	}

	if plan.XCells == 1 && plan.YCells == 1 {
		plan.Single = true
		plan.Cells = []Cell{{Index: 0, Col: 0, Row: 0, Bound: bound}}
		return plan, nil
	}

	for i := 0; i < plan.XCells; i++ {
		for j := 0; j < plan.YCells; j++ {
			minX := bound.Min[0] + float64(i)*size
			minY := bound.Min[1] + float64(j)*size
			cell := orb.Bound{
				Min: orb.Point{minX, minY},
				Max: orb.Point{minX + size, minY + size},
			}
			if !geo.IntersectsBound(region, cell) {
				continue
			}
			plan.Cells = append(plan.Cells, Cell{Index: len(plan.Cells), Col: i, Row: j, Bound: cell})
		}
	}

	if len(plan.Cells) == 0 {
		return nil, fmt.Errorf("%w (%d x %d grid)", ErrNoCells, plan.XCells, plan.YCells)
	}
	return plan, nil
}
