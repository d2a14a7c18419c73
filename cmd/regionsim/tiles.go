package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"region-similarity/internal/geo"
	"region-similarity/internal/tiling"
	"region-similarity/internal/utils/naming"
)

var (
	tilesResolution float64
	tilesCellPixels int
	tilesName       string
)

var tilesCmd = &cobra.Command{
	Use:   "tiles <region file>",
	Short: "Show how a region would be cut into export cells",
	Long: `Partitions a region (GeoJSON, GeoPackage or zipped shapefile) into the
grid an export would use and lists the cells that intersect it.

Example:
  regionsim tiles query.geojson --resolution 30 --cell-pixels 1000`,
	Args: cobra.ExactArgs(1),
	RunE: runTiles,
}

func init() {
	tilesCmd.Flags().Float64Var(&tilesResolution, "resolution", 1000, "Export resolution in metres per pixel")
	tilesCmd.Flags().IntVar(&tilesCellPixels, "cell-pixels", 1000, "Pixels per cell side")
	tilesCmd.Flags().StringVar(&tilesName, "name", "export", "Name used for cell file names")
}

func runTiles(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read region: %w", err)
	}
	region, err := geo.ParseUpload(filepath.Base(args[0]), data)
	if err != nil {
		return err
	}

	plan, err := tiling.Partition(region, tiling.CellSizeMeters(tilesCellPixels, tilesResolution))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if plan.Single {
		fmt.Fprintf(out, "single export unit: %.4f,%.4f to %.4f,%.4f\n",
			plan.Bound.Min[0], plan.Bound.Min[1], plan.Bound.Max[0], plan.Bound.Max[1])
		return nil
	}

	fmt.Fprintf(out, "grid %d x %d, cell %.5f deg, %d cells intersect the region\n",
		plan.XCells, plan.YCells, plan.CellSize, len(plan.Cells))
	for _, c := range plan.Cells {
		fmt.Fprintf(out, "%4d  %s\n", c.Index,
			naming.GenerateCellFilename(tilesName, c.Col, c.Row, c.Bound.Min[1], c.Bound.Min[0], c.Bound.Max[1], c.Bound.Max[0]))
	}
	fmt.Fprintf(out, "directory: %s\n", naming.GenerateExportDirName(tilesName, tilesResolution))
	return nil
}
