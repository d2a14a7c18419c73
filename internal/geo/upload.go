package geo

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	_ "modernc.org/sqlite"
)

// ErrUnsupportedUpload is returned for file types other than GeoJSON,
// zipped shapefile and GeoPackage.
var ErrUnsupportedUpload = errors.New("unsupported file type: upload a .geojson, .gpkg or zipped shapefile (.zip)")

// ParseUpload turns an uploaded file into a region. Coordinates are assumed
// to be WGS84 longitude/latitude.
func ParseUpload(filename string, data []byte) (orb.MultiPolygon, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%s: %w", filename, ErrEmptyRegion)
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".geojson", ".json":
		return FromGeoJSON(data)
	case ".zip":
		return fromShapefileZip(data)
	case ".gpkg":
		return fromGeoPackage(data)
	}
	return nil, ErrUnsupportedUpload
}

// withTempFile hands readers that need a path a copy of the upload.
func withTempFile(pattern string, data []byte, fn func(path string) error) error {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	return fn(path)
}

func fromShapefileZip(data []byte) (orb.MultiPolygon, error) {
	var out orb.MultiPolygon
	err := withTempFile("upload-*.zip", data, func(path string) error {
		reader, err := shp.OpenZip(path)
		if err != nil {
			return fmt.Errorf("failed to open shapefile archive: %w", err)
		}
		defer reader.Close()

		for reader.Next() {
			_, shape := reader.Shape()
			polys, err := shapePolygons(shape)
			if err != nil {
				return err
			}
			out = append(out, polys...)
		}
		return reader.Err()
	})
	if err != nil {
		return nil, err
	}
	return Normalize(out)
}

func shapePolygons(shape shp.Shape) (orb.MultiPolygon, error) {
	var parts []int32
	var points []shp.Point

	switch s := shape.(type) {
	case *shp.Polygon:
		parts, points = s.Parts, s.Points
	case *shp.PolygonZ:
		parts, points = s.Parts, s.Points
	case *shp.PolygonM:
		parts, points = s.Parts, s.Points
	case *shp.Null, nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: shapefile contains %T", ErrNotPolygonal, shape)
	}

	var out orb.MultiPolygon
	for i, start := range parts {
		end := int32(len(points))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		ring := make(orb.Ring, 0, end-start)
		for _, p := range points[start:end] {
			ring = append(ring, orb.Point{p.X, p.Y})
		}
		// Shapefile outer rings are clockwise, holes counter-clockwise.
		if ring.Orientation() == orb.CW || len(out) == 0 {
			out = append(out, orb.Polygon{ring})
		} else {
			out[len(out)-1] = append(out[len(out)-1], ring)
		}
	}
	return out, nil
}

func fromGeoPackage(data []byte) (orb.MultiPolygon, error) {
	var out orb.MultiPolygon
	err := withTempFile("upload-*.gpkg", data, func(path string) error {
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return fmt.Errorf("failed to open geopackage: %w", err)
		}
		defer db.Close()

		columns, err := featureColumns(db)
		if err != nil {
			return err
		}
		for table, column := range columns {
			polys, err := readFeatureTable(db, table, column)
			if err != nil {
				return err
			}
			out = append(out, polys...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return Normalize(out)
}

func featureColumns(db *sql.DB) (map[string]string, error) {
	rows, err := db.Query(`SELECT c.table_name, g.column_name
		FROM gpkg_contents c JOIN gpkg_geometry_columns g ON g.table_name = c.table_name
		WHERE c.data_type = 'features'`)
	if err != nil {
		return nil, fmt.Errorf("not a geopackage: %w", err)
	}
	defer rows.Close()

	columns := make(map[string]string)
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return nil, fmt.Errorf("failed to read geopackage contents: %w", err)
		}
		columns[table] = column
	}
	return columns, rows.Err()
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func readFeatureTable(db *sql.DB, table, column string) (orb.MultiPolygon, error) {
	rows, err := db.Query(fmt.Sprintf("SELECT %s FROM %s", quoteIdent(column), quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("failed to read table %s: %w", table, err)
	}
	defer rows.Close()

	var out orb.MultiPolygon
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("failed to read geometry: %w", err)
		}
		if blob == nil {
			continue
		}
		g, err := decodeGeoPackageGeometry(blob)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", table, err)
		}
		if g == nil {
			continue
		}
		if err := collect(g, &out); err != nil {
			return nil, err
		}
	}
	return out, rows.Err()
}

// envelopeSizes maps the GeoPackage envelope indicator to its byte length.
var envelopeSizes = map[byte]int{0: 0, 1: 32, 2: 48, 3: 48, 4: 64}

// decodeGeoPackageGeometry strips the GP header and decodes the WKB body.
// Empty geometries decode to nil.
func decodeGeoPackageGeometry(blob []byte) (orb.Geometry, error) {
	if len(blob) < 8 || blob[0] != 'G' || blob[1] != 'P' {
		return nil, fmt.Errorf("invalid geopackage geometry header")
	}
	flags := blob[3]
	if flags&0x10 != 0 {
		return nil, nil
	}
	envSize, ok := envelopeSizes[(flags>>1)&0x07]
	if !ok {
		return nil, fmt.Errorf("invalid geopackage envelope indicator")
	}
	header := 8 + envSize
	if len(blob) < header {
		return nil, fmt.Errorf("truncated geopackage geometry")
	}

	var order binary.ByteOrder = binary.BigEndian
	if flags&0x01 != 0 {
		order = binary.LittleEndian
	}
	if srs := int32(order.Uint32(blob[4:8])); srs != 4326 && srs != 0 && srs != -1 {
		return nil, fmt.Errorf("unsupported spatial reference EPSG:%d, expected EPSG:4326", srs)
	}

	g, err := wkb.Unmarshal(blob[header:])
	if err != nil {
		return nil, fmt.Errorf("failed to decode WKB: %w", err)
	}
	return g, nil
}
