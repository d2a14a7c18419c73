package naming

import (
	"fmt"
)

// GenerateCellFilename names one export cell raster.
// Format: {name}_c{col}_r{row}_{bbox}.tif
func GenerateCellFilename(name string, col, row int, south, west, north, east float64) string {
	return fmt.Sprintf("%s_c%03d_r%03d_%s.tif", SanitizeName(name), col, row, BoundString(south, west, north, east))
}

// GenerateExportDirName creates the per-export directory name.
// Format: {name}_{resolution}m_tiles
func GenerateExportDirName(name string, resolutionMeters float64) string {
	return fmt.Sprintf("%s_%gm_tiles", SanitizeName(name), resolutionMeters)
}

// GenerateSpecFilename names an exported session spec.
func GenerateSpecFilename(id string) string {
	return id + ".yaml"
}
